package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/b0ase/path402/apps/minesim/internal/config"
)

func getConfigPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".minesim", "minesim.yaml")
	}
	return path
}

// loadConfig exports the env file, then reads and validates the config and
// applies its log settings.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, "", err
	}
	path := getConfigPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	if err := cfg.Log.Apply(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
