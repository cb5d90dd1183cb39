// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authgate/pkg/authserver"
	"github.com/stacklok/authgate/pkg/versions"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Starts the authorization server and serves the OAuth, interaction and
discovery endpoints until interrupted.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(cmd, map[string]string{
				"issuer":         "issuer",
				"listen-address": "listen_address",
				"storage":        "storage.type",
				"key-dir":        "keys.key_dir",
			})
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := authserver.LoadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.Telemetry.ServiceVersion == "" {
				cfg.Telemetry.ServiceVersion = versions.GetVersionInfo().Version
			}
			srv, err := authserver.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().String("issuer", authserver.DefaultIssuer, "Externally visible issuer URL")
	cmd.Flags().String("listen-address", authserver.DefaultListenAddress, "Address to listen on")
	cmd.Flags().String("storage", "memory", "Record store backend (memory, redis, sqlite)")
	cmd.Flags().String("key-dir", "", "Directory of PEM signing keys; empty generates an ephemeral key")
	return cmd
}
