/*
main.go - Application entry point

PURPOSE:
  CLI entry for the savings engine. Subcommands:

    savings serve              Run the HTTP API server
    savings rates set          Record a new per-gram rate
    savings rates list         Show rate history for a kind
    savings rollover           Run one billing month rollover pass

CONFIGURATION:
  All commands read an optional TOML config file (--config, default
  savings.toml). Missing file means defaults: 127.0.0.1:8080, savings.db.

SEE ALSO:
  - serve.go: server startup and graceful shutdown
  - config/config.go: file format and defaults
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "savings",
	Short: "Digital precious-metal savings engine",
	Long: `Savings engine for recurring gold/silver savings plans: rate-locked
payment allocation, monthly commitment reconciliation, billing schedules,
and redemption processing.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "savings.toml", "Path to TOML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
