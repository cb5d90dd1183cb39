// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"
)

// UserInfoHandler handles GET and POST /oauth/userinfo. The access token
// is taken from the Authorization header only.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, req *http.Request) {
	token, ok := bearerToken(req)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="authgate"`)
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error:       "invalid_request",
			Description: "A bearer access token is required.",
		})
		return
	}

	claims, err := h.issuer.UserInfo(req.Context(), token)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, claims)
}

func bearerToken(req *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

