package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/formula-pm/formula-pm/internal/app"
	"github.com/formula-pm/formula-pm/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		principal string
		email     string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for a principal",
		Long: `Sign a bearer token with JWT_SECRET for local testing.

Examples:
  formula token --principal 5f0c8a4e-2b1d-4a8e-9b0e-6c1f2d3e4a5b --ttl 2h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(principal)
			if err != nil {
				return fmt.Errorf("invalid --principal: %w", err)
			}
			cfg, err := app.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTClockSkew).Issue(id, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal id")
	cmd.Flags().StringVar(&email, "email", "", "optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}
