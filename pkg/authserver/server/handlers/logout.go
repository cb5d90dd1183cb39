// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"github.com/stacklok/authgate/pkg/authserver/server/keys"
	"github.com/stacklok/authgate/pkg/logger"
)

// LogoutHandler handles GET /oauth/logout (RP-initiated logout).
//
// The browser session is ended and its cookie cleared. If
// post_logout_redirect_uri is given it must be registered for the client
// named by client_id or by the audience of id_token_hint.
func (h *Handler) LogoutHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	clientID := q.Get("client_id")
	if hint := q.Get("id_token_hint"); hint != "" {
		claims, err := keys.ParseIDTokenHint(ctx, h.keys, hint, h.config.Issuer)
		if err != nil {
			logger.Debugw("rejected id_token_hint", "error", err)
			writeError(w, fosite.ErrInvalidRequest.WithHint("The 'id_token_hint' was not issued by this server."))
			return
		}
		if clientID != "" && clientID != claims.Audience {
			writeError(w, fosite.ErrInvalidRequest.WithHint("The 'client_id' does not match the 'id_token_hint'."))
			return
		}
		clientID = claims.Audience
	}

	var redirectTo string
	if postLogout := q.Get("post_logout_redirect_uri"); postLogout != "" {
		if clientID == "" {
			writeError(w, fosite.ErrInvalidRequest.WithHint(
				"The 'post_logout_redirect_uri' requires 'client_id' or 'id_token_hint'."))
			return
		}
		client, err := h.clients.Get(ctx, clientID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !client.AllowsPostLogoutRedirect(postLogout) {
			writeError(w, fosite.ErrInvalidRequest.WithHint("The 'post_logout_redirect_uri' is not registered for this client."))
			return
		}
		redirectTo = withState(postLogout, q.Get("state"))
	}

	if err := h.engine.EndSession(ctx, h.sessionID(req)); err != nil {
		writeError(w, err)
		return
	}
	h.clearSessionCookie(w)

	if redirectTo != "" {
		http.Redirect(w, req, redirectTo, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func withState(uri, state string) string {
	if state == "" {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}
