// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

/*
Package relyingparty is an OAuth 2.0 / OpenID Connect client that signs
browsers in against an authorization server using the authorization code
flow with PKCE.

A login runs in two browser round trips:

	authURL, err := client.StartLogin(ctx, sessionID)
	// redirect the browser to authURL; it comes back on the redirect URI
	result, err := client.HandleCallback(ctx, sessionID, r.URL.Query())

StartLogin keeps the state, PKCE verifier and nonce in a ContextStore under
the browser's session id. HandleCallback checks the state before any network
call, exchanges the code with the verifier, verifies the id_token, fetches
the userinfo claims and links them to a local account.
*/
package relyingparty
