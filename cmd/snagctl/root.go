package main

import (
	"github.com/spf13/cobra"

	"snag-tracker/internal/config"
)

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:          "snagctl",
		Short:        "Operator tools for the snag tracker",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Read configuration from this file before the environment")

	load := func() (config.Config, error) {
		if envFile != "" {
			return config.Load(envFile)
		}
		return config.Load()
	}
	cmd.AddCommand(newMigrateCmd(load), newLedgerCmd(load))
	return cmd
}
