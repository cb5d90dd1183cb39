// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authgate command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authgate/pkg/logger"
)

// NewRootCmd creates a new root command for the authgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authgate",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "authgate is an OAuth 2.0 and OpenID Connect authorization server",
		Long: `authgate is an OAuth 2.0 and OpenID Connect authorization server for the
authorization code flow with PKCE, together with a relying-party web client
that signs browsers in against it.

Configuration is read from the file given with --config and from AUTHGATE_*
environment variables (AUTHGATE_RP_* for the relying party).`,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.Initialize()
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorw("error binding config flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRelyingPartyCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlags binds each named flag of cmd to its viper key.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}
