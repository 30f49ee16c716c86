package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/b0ase/path402/apps/minesim/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the API server and inactivity sweeper",
	RunE:         serveCmdF,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// ANSI orange: \033[38;5;208m  Reset: \033[0m
const (
	orange = "\033[38;5;208m"
	reset  = "\033[0m"
	dim    = "\033[2m"
)

func printBanner() {
	fmt.Printf(orange+`
   _ __ ___ (_)_ __   ___  ___(_)_ __ ___
  | '_ `+"`"+` _ \| | '_ \ / _ \/ __| | '_ `+"`"+` _ \
  | | | | | | | | | |  __/\__ \ | | | | | |
  |_| |_| |_|_|_| |_|\___||___/_|_| |_| |_|
`+reset+`
  `+dim+`Simulated mining backend  v%s`+reset+`
  `+orange+`━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━`+reset+`
`, Version)
}

func serveCmdF(cmd *cobra.Command, args []string) error {
	printBanner()

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Infof("Config: %s", path)
	log.Infof("Data dir: %s", cfg.DataDir)

	d, err := daemon.New(cfg, path, Version)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("start daemon: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()
	log.Info("Received signal, shutting down...")

	d.Stop()
	log.Info("Goodbye.")
	return nil
}
