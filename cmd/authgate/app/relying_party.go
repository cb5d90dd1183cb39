// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authgate/pkg/relyingparty"
)

func newRelyingPartyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relying-party",
		Short: "Start the relying-party web client",
		Long: `Starts a web client that signs browsers in against the authorization
server with the authorization code flow and PKCE, and links each signed-in
user to a local account.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(cmd, map[string]string{
				"issuer":         "issuer",
				"listen-address": "listen_address",
				"client-id":      "client_id",
				"redirect-uri":   "redirect_uri",
			})
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := relyingparty.LoadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			srv, err := relyingparty.NewServer(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()
			return srv.ListenAndServe(ctx)
		},
	}

	defaults := relyingparty.DefaultConfig()
	cmd.Flags().String("issuer", defaults.Issuer, "Authorization server issuer URL")
	cmd.Flags().String("listen-address", defaults.ListenAddress, "Address to listen on")
	cmd.Flags().String("client-id", defaults.ClientID, "OAuth client id")
	cmd.Flags().String("redirect-uri", defaults.RedirectURI, "Registered redirect URI")
	return cmd
}
