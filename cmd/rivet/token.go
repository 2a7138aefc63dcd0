package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rivet/config"
	srv "github.com/mohammad-safakhou/rivet/internal/server"
)

func tokenCMD(cfgPath *string) *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	var token = &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a messaging adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret not configured")
			}
			tok, err := srv.SignJWT(subject, []byte(cfg.Server.JWTSecret), ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "adapter", "token subject")
	token.Flags().StringSliceVar(&scopes, "scopes", nil, "scopes, e.g. maintenance")
	token.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return token
}
