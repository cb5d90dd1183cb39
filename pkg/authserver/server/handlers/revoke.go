// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/authgate/pkg/logger"
)

// RevokeHandler handles POST /oauth/revoke (RFC 7009). Unknown tokens are
// answered with 200 like revoked ones.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	noStore(w)
	client, ok := h.authenticateClient(w, req)
	if !ok {
		return
	}

	err := h.issuer.Revoke(req.Context(), req.PostForm.Get("token"), client.GetID(), req.PostForm.Get("token_type_hint"))
	if err != nil {
		logger.Debugw("revocation failed", "client_id", client.GetID(), "error", err)
		writeTokenError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// IntrospectHandler handles POST /oauth/introspect (RFC 7662). Only
// confidential clients may introspect.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
	noStore(w)
	client, ok := h.authenticateClient(w, req)
	if !ok {
		return
	}
	if client.IsPublic() {
		writeTokenError(w, fosite.ErrInvalidClient.WithHint("Public clients may not introspect tokens."))
		return
	}

	info, err := h.issuer.Introspect(req.Context(), req.PostForm.Get("token"), req.PostForm.Get("token_type_hint"))
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
