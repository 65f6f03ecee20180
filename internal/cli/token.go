package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-pricing/internal/auth"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

func newTokenCmd(a *app) *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an approver token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			r, err := pricing.ParseRole(role)
			if err != nil {
				return err
			}
			issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			if err != nil {
				return fmt.Errorf("%w (set auth.jwt_secret or PRICING_JWT_SECRET)", err)
			}
			tok, err := issuer.Issue(user, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "approver id")
	cmd.Flags().StringVar(&role, "role", "", "approver role: analyst, senior_analyst, manager or director")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
