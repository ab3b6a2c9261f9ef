package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/waporthq/waport/internal/auth"
	"github.com/waporthq/waport/internal/config"
)

func tokenCmd() *cobra.Command {
	var operatorID string
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator JWT for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if expiresIn == 0 {
				if d, err := time.ParseDuration(cfg.Auth.JWTExpiresIn); err == nil {
					expiresIn = d
				} else {
					expiresIn = 24 * time.Hour
				}
			}
			signed, expiresAt, err := auth.GenerateToken(operatorID, cfg.Auth.JWTSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Printf("%s\nexpires_at=%s\n", signed, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "admin", "operator id to embed in the token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime (default: auth.jwt_expires_in)")
	return cmd
}
