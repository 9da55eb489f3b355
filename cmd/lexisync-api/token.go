package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand(app *application) *cobra.Command {
	var (
		subject      string
		projectScope []string
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a sync client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, _, err := app.load()
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject, projectScope...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			if err == nil {
				_, err = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringSliceVar(&projectScope, "project", []string{auth.AllProjects}, "Project the token grants access to (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
