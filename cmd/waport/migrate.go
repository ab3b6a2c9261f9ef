package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/waporthq/waport/internal/config"
	"github.com/waporthq/waport/internal/db"
)

func loadPostgresConfig() (config.PostgresConfig, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.PostgresConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg.Postgres, nil
}

func logSchemaResult(msg string, pg config.PostgresConfig) {
	v, dirty, err := db.MigrateVersion(pg)
	if err != nil {
		slog.Info(msg)
		slog.Warn("read schema version failed", "error", err)
		return
	}
	slog.Info(msg, "version", v, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := loadPostgresConfig()
			if err != nil {
				return err
			}
			if err := db.Migrate(pg); err != nil {
				return err
			}
			logSchemaResult("migration complete", pg)
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := loadPostgresConfig()
			if err != nil {
				return err
			}
			if err := db.MigrateDown(pg, steps); err != nil {
				return err
			}
			logSchemaResult("rollback complete", pg)
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := loadPostgresConfig()
			if err != nil {
				return err
			}
			v, dirty, err := db.MigrateVersion(pg)
			if err != nil {
				return err
			}
			fmt.Printf("version=%d dirty=%v\n", v, dirty)
			return nil
		},
	}
}
