package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/b0ase/path402/apps/minesim/internal/client"
	"github.com/b0ase/path402/apps/minesim/internal/config"
	"github.com/b0ase/path402/apps/minesim/internal/daemon"
)

var (
	apiURL    string
	apiSecret string
)

var sweepCmd = &cobra.Command{
	Use:          "sweep",
	Short:        "Run one inactivity sweep and print the counts",
	Args:         cobra.NoArgs,
	RunE:         sweepCmdF,
	SilenceUsage: true,
}

var resetCmd = &cobra.Command{
	Use:          "reset <device-id>",
	Short:        "Zero a device's balance and stop mining",
	Args:         cobra.ExactArgs(1),
	RunE:         resetCmdF,
	SilenceUsage: true,
}

func init() {
	for _, c := range []*cobra.Command{sweepCmd, resetCmd} {
		c.Flags().StringVar(&apiURL, "api", "", "call a running daemon at this URL instead of opening the store")
		c.Flags().StringVar(&apiSecret, "secret", "", "bearer secret for --api (defaults to sweep.secret)")
		rootCmd.AddCommand(c)
	}
}

// withDaemon runs fn against a locally opened store.
func withDaemon(cfg *config.Config, fn func(ctx context.Context, d *daemon.Daemon) error) error {
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
	return fn(ctx, d)
}

func remote(cfg *config.Config) *client.Client {
	secret := apiSecret
	if secret == "" {
		secret = cfg.Sweep.Secret
	}
	return client.New(apiURL, client.WithSecret(secret))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmdF(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if apiURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		res, err := remote(cfg).CheckInactivity(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	return withDaemon(cfg, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Service().Sweep(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d record(s) failed; see log", res.Failed)
		}
		return nil
	})
}

func resetCmdF(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id := args[0]
	if apiURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := remote(cfg).Reset(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Device %s reset\n", id)
		return nil
	}
	return withDaemon(cfg, func(ctx context.Context, d *daemon.Daemon) error {
		rec, err := d.Service().Reset(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Device %s reset (balance %s)\n", rec.DeviceID, rec.Balance)
		return nil
	})
}
