package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/config"
)

// runMigrate creates the message schema in the configured database.
func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("database driver %q has no schema to migrate", cfg.Database.Driver)
	}

	ctx := cmd.Context()
	store, err := openSQLStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "message schema is up to date (%s)\n", cfg.Database.Driver)
	return nil
}
