// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authgate/pkg/logger"
)

// SessionCookieName is the relying party's browser session cookie.
const SessionCookieName = "authgate_rp_session"

// Handler serves the relying-party endpoints.
type Handler struct {
	client        *Client
	cookieTTL     time.Duration
	secureCookies bool
	statusFn      func() error
}

// NewHandler returns a Handler for client.
func NewHandler(client *Client, cfg *Config, healthCheck func() error) *Handler {
	return &Handler{
		client:        client,
		cookieTTL:     cfg.Session.LoginTTL,
		secureCookies: cfg.SecureCookies,
		statusFn:      healthCheck,
	}
}

// Routes registers the relying-party endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/auth/oauth", h.LoginHandler)
	r.Get("/callback", h.CallbackHandler)
	r.Get("/auth/logout", h.LogoutHandler)
	r.Get("/me", h.MeHandler)
	r.Get("/health", h.HealthHandler)
}

// LoginHandler starts a login and redirects to the authorization server.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(r)
	if sessionID == "" {
		sessionID = rand.Text()
	}
	authURL, err := h.client.StartLogin(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.setSessionCookie(w, sessionID)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler finishes a login on the redirect URI.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(r)
	if sessionID == "" {
		writeError(w, ErrStateMismatch)
		return
	}
	if _, err := h.client.HandleCallback(r.Context(), sessionID, r.URL.Query()); err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, "/me", http.StatusFound)
}

// LogoutHandler clears the session and redirects to the issuer's end-session endpoint.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	location, err := h.client.Logout(r.Context(), h.sessionID(r), "")
	if err != nil {
		writeError(w, err)
		return
	}
	h.clearSessionCookie(w)
	http.Redirect(w, r, location, http.StatusFound)
}

// MeHandler returns the signed-in account.
func (h *Handler) MeHandler(w http.ResponseWriter, r *http.Request) {
	acct, err := h.client.Account(r.Context(), h.sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HealthHandler reports whether the session store is reachable.
func (h *Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	if h.statusFn != nil {
		if err := h.statusFn(); err != nil {
			logger.Warnw("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (*Handler) sessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.cookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		callbackErr *CallbackError
		upstreamErr *UpstreamError
	)
	switch {
	case errors.Is(err, ErrStateMismatch), errors.Is(err, ErrMissingCode):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Description: err.Error()})
	case errors.As(err, &callbackErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: callbackErr.Code, Description: callbackErr.Description})
	case errors.As(err, &upstreamErr):
		logger.Warnw("upstream call failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream_error", Description: err.Error()})
	case errors.Is(err, ErrNotLoggedIn):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not_logged_in"})
	default:
		logger.Errorw("relying party request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
