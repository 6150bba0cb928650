package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/keymanager"
)

func commandSigningKeys() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signing-keys",
		Short: "Inspect or rotate the JWT signing key ring",
	}
	cmd.AddCommand(commandSigningKeysRotate())
	return cmd
}

func commandSigningKeysRotate() *cobra.Command {
	var emergency bool
	var reason string

	rotate := &cobra.Command{
		Use:   "rotate [flags] config.yaml",
		Short: "Mint a new signing key and demote the active one to overlap, if the scheduled rotation is due",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			rawLogger := buildLogrus(cfg.Logger)
			logger := log.NewLogrusLogger(rawLogger)

			store, err := buildStorage(cfg.Storage, rawLogger)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer store.Close()

			keys := keymanager.New(store, audit.NewLogSink(logger), logger, cfg.SigningKey.RotationFrequency, cfg.SigningKey.OverlapWindow)

			ctx := context.Background()
			if emergency {
				if reason == "" {
					reason = "operator-triggered emergency rotation via CLI"
				}
				if err := keys.EmergencyRotate(ctx, reason); err != nil {
					return fmt.Errorf("emergency rotation: %w", err)
				}
				logger.Infof("emergency signing key rotation complete: %s", reason)
				return nil
			}

			if err := keys.Rotate(ctx); err != nil {
				return fmt.Errorf("rotation: %w", err)
			}
			logger.Infof("signing key rotation complete")
			return nil
		},
	}

	rotate.Flags().BoolVar(&emergency, "emergency", false, "immediately revoke the active key instead of demoting it to overlap")
	rotate.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail for an emergency rotation")
	return rotate
}
