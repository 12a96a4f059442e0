package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/config"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

func newTokenCommand() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "token <author-id>",
		Short: "Issue an author token for the sync layer or an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			authorID, err := versions.NewAuthorID(args[0])
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAuthorToken(authorID, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried in the token")
	return cmd
}
