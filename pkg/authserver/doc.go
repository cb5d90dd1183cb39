// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the OAuth 2.0 authorization server: an
// Authorization Code + PKCE flow with an OpenID Connect identity layer.
//
// The server supports:
//   - Authorization Code flow with mandatory S256 PKCE (RFC 7636)
//   - JSON login and consent interactions with browser sessions
//   - Rotating refresh tokens under offline_access, with replay detection
//   - Client credentials for service clients
//   - Userinfo, revocation (RFC 7009), introspection (RFC 7662) and RP-initiated logout
//   - OIDC discovery and JWKS
//
// # Usage
//
//	cfg, err := authserver.LoadConfig(viper.GetViper())
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	return srv.ListenAndServe(ctx)
//
// # Storage
//
// Every piece of protocol state lives in one RecordStore: in memory (the
// default), in Redis for multi-instance deployments, or in a SQLite file.
package authserver
