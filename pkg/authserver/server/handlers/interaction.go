// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stacklok/authgate/pkg/authserver/interaction"
	"github.com/stacklok/authgate/pkg/authserver/scopes"
)

// completionResponse tells the interaction front end where to go next.
type completionResponse struct {
	RedirectTo string `json:"redirect_to"`
}

// InteractionDetailsHandler handles GET /interaction/{uid}.
func (h *Handler) InteractionDetailsHandler(w http.ResponseWriter, req *http.Request) {
	details, err := h.engine.Details(req.Context(), chi.URLParam(req, "uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, details)
}

// LoginHandler handles POST /interaction/{uid}/login with form fields
// username and password.
func (h *Handler) LoginHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeError(w, fosite.ErrInvalidRequest.WithHint("Unable to parse the request body."))
		return
	}
	uid := chi.URLParam(req, "uid")
	completion, err := h.engine.SubmitLogin(req.Context(), uid, req.PostForm.Get("username"), req.PostForm.Get("password"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeCompletion(w, uid, completion)
}

// ConfirmHandler handles POST /interaction/{uid}/confirm. An optional
// scope field grants a subset of the requested scopes.
func (h *Handler) ConfirmHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeError(w, fosite.ErrInvalidRequest.WithHint("Unable to parse the request body."))
		return
	}
	uid := chi.URLParam(req, "uid")
	consent := &interaction.ConsentResult{GrantedScopes: scopes.Parse(req.PostForm.Get("scope"))}
	completion, err := h.engine.Finish(req.Context(), uid, interaction.Result{Consent: consent})
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeCompletion(w, uid, completion)
}

// AbortHandler handles POST /interaction/{uid}/abort.
func (h *Handler) AbortHandler(w http.ResponseWriter, req *http.Request) {
	uid := chi.URLParam(req, "uid")
	completion, err := h.engine.Abort(req.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeCompletion(w, uid, completion)
}

func (h *Handler) writeCompletion(w http.ResponseWriter, uid string, completion *interaction.Completion) {
	if completion.SessionID != "" {
		h.setSessionCookie(w, completion.SessionID)
	}
	resp := completionResponse{RedirectTo: completion.RedirectTo}
	if resp.RedirectTo == "" {
		resp.RedirectTo = interactionPath(uid)
	}
	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}
