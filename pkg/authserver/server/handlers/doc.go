// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the authorization server.
//
// It serves:
//   - the authorization endpoint and the JSON interaction endpoints behind it
//   - the token, userinfo, revocation, introspection and end-session endpoints
//   - the OIDC discovery document and JWKS
//
// Protocol failures are written as RFC 6749 error bodies. Everything else is
// mapped through httperr status codes, and storage failures always surface
// as 500.
package handlers
