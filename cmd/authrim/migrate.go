package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/authrim/authrim/internal/config"
)

func commandMigrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [flags] config.yaml",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			rawLogger := buildLogrus(cfg.Logger)
			// storagesql.Open runs every pending migration as part of
			// opening the connection (storage/sql/sql.go's conn.migrate),
			// so opening and then closing is the whole operation.
			store, err := buildStorage(cfg.Storage, rawLogger)
			if err != nil {
				return fmt.Errorf("migrating: %w", err)
			}
			defer store.Close()
			rawLogger.Infof("storage %q migrated", cfg.Storage.Type)
			return nil
		},
	}
}
