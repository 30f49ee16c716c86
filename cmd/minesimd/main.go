package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "minesimd",
	Short: "Simulated mining balance service",
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to minesim.yaml (default ~/.minesim/minesim.yaml)")
	rootCmd.PersistentFlags().String("env-file", "", "dotenv file to export before loading config (default ./.env if present)")
	rootCmd.RunE = serveCmdF
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
