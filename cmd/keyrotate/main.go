package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/systmms/keyrotate/cmd/keyrotate/commands"
	"github.com/systmms/keyrotate/internal/config"
	dserrors "github.com/systmms/keyrotate/internal/errors"
	"github.com/systmms/keyrotate/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	// Wipe every sealed key on the way out
	defer memguard.Purge()

	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "keyrotate",
		Short: "Rotate the MTK Connect API key and propagate it to Kubernetes secrets",
		Long: `keyrotate mints a new MTK Connect API key for the service account,
writes it to the secrets consumed by MTK Connect and Jenkins, deletes keys
that have aged past the retention window, and verifies the new key works.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := logging.New(debug, noColor)

			cfg.Path = configFile
			cfg.Required = cmd.Flags().Changed("config")
			cfg.Logger = logger
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "keyrotate.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewRotateCommand(cfg),
		commands.NewProbeCommand(cfg),
		commands.NewHistoryCommand(cfg),
	)

	return rootCmd.Execute()
}
