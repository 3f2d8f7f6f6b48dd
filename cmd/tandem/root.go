package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/thebtf/tandem/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dataDir  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Canvas workspace gateway for a Claude agent",
		Long:          "tandem serves one WebSocket per client, drives an agent session per\nlogical session and curates what the agent learns into memory files.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.dataDir != "" {
				if err := os.Setenv("TANDEM_DATA_DIR", flags.dataDir); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("tandem {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default ~/.tandem, or TANDEM_DATA_DIR)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCmd(flags),
		newCurateCmd(flags),
		newSnapshotCmd(flags),
		newMCPCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads configuration and applies the log level.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	if err := config.EnsureAll(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	setupLogging(cmd.ErrOrStderr(), cfg.LogLevel)
	return cfg, nil
}
