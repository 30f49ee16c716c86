package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/b0ase/path402/apps/minesim/internal/daemon"
	"github.com/b0ase/path402/apps/minesim/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:          "mcp",
	Short:        "Serve the MCP tools on stdio",
	Args:         cobra.NoArgs,
	RunE:         mcpCmdF,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd, versionCmd)
}

func mcpCmdF(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	log.SetOutput(os.Stderr)

	d, err := daemon.New(cfg, "", Version)
	if err != nil {
		return err
	}
	defer d.Stop()
	if err := d.Open(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	err = mcpserver.New(Version, d.Service(), d).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
