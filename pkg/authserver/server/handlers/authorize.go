// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/stacklok/authgate/pkg/authserver/interaction"
	"github.com/stacklok/authgate/pkg/logger"
)

// AuthorizeHandler handles GET /oauth/authorize.
//
// A valid request opens an interaction and redirects the browser to it.
// Errors found after the redirect URI has been verified go back to the
// client; earlier ones are shown to the user as JSON.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ar := interaction.AuthorizationRequestFromQuery(req.URL.Query())

	in, err := h.engine.Begin(req.Context(), ar, h.sessionID(req))
	if err != nil {
		var redirectErr *interaction.RedirectError
		if errors.As(err, &redirectErr) {
			logger.Debugw("authorization request rejected",
				"client_id", ar.ClientID,
				"error", redirectErr.Err.ErrorField,
			)
			http.Redirect(w, req, redirectErr.Location(), http.StatusFound)
			return
		}
		writeError(w, err)
		return
	}

	http.Redirect(w, req, interactionPath(in.UID), http.StatusFound)
}

func interactionPath(uid string) string {
	return "/interaction/" + url.PathEscape(uid)
}
