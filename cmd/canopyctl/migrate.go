package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"canopy/api/internal/config"
	"canopy/api/internal/store"
)

var errNotPostgres = errors.New("migrations only apply to CANOPY_STORAGE=postgres")

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(cfg config.Config) error {
					db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
					if err != nil {
						return err
					}
					defer db.Close()
					if err := store.ApplyMigrations(cmd.Context(), db); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(cfg config.Config) error {
					db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
					if err != nil {
						return err
					}
					defer db.Close()
					if err := store.RollbackMigrations(cmd.Context(), db); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(cfg config.Config) error {
					db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
					if err != nil {
						return err
					}
					defer db.Close()
					rows, err := store.MigrationsStatus(cmd.Context(), db)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tAPPLIED\tSOURCE")
					for _, row := range rows {
						fmt.Fprintf(tw, "%d\t%t\t%s\n", row.Version, row.Applied, row.Source)
					}
					return tw.Flush()
				})
			},
		},
	)
	return cmd
}

func withDB(cmd *cobra.Command, fn func(cfg config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Storage != config.StoragePostgres {
		return errNotPostgres
	}
	return fn(cfg)
}
