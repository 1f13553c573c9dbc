package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"snag-tracker/internal/config"
	"snag-tracker/internal/store"
)

func newMigrateCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			st, err := store.New(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
}
