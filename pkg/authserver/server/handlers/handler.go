// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authgate/pkg/authserver/clients"
	"github.com/stacklok/authgate/pkg/authserver/interaction"
	"github.com/stacklok/authgate/pkg/authserver/server/keys"
	"github.com/stacklok/authgate/pkg/authserver/tokens"
)

// SessionCookieName is the cookie binding a browser to its login session.
const SessionCookieName = "authgate_session"

// Config holds the settings the handlers need beyond their dependencies.
type Config struct {
	// Issuer is the externally visible base URL, without a trailing slash.
	Issuer string

	// SessionTTL is the lifetime of the session cookie.
	SessionTTL time.Duration

	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	config   Config
	engine   *interaction.Engine
	issuer   *tokens.Issuer
	clients  *clients.Registry
	keys     keys.KeyProvider
	statusFn func() error
}

// Option configures a Handler.
type Option func(*Handler)

// WithHealthCheck sets the check behind /health. A nil check always reports healthy.
func WithHealthCheck(check func() error) Option {
	return func(h *Handler) {
		h.statusFn = check
	}
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	config Config,
	engine *interaction.Engine,
	issuer *tokens.Issuer,
	registry *clients.Registry,
	keyProvider keys.KeyProvider,
	opts ...Option,
) *Handler {
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")
	if config.SessionTTL <= 0 {
		config.SessionTTL = interaction.DefaultSessionTTL
	}
	h := &Handler{
		config:  config,
		engine:  engine,
		issuer:  issuer,
		clients: registry,
		keys:    keyProvider,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.InteractionRoutes(r)
	h.WellKnownRoutes(r)
	r.Get("/health", h.HealthHandler)
	return r
}

// OAuthRoutes registers the OAuth and OIDC endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Get("/oauth/userinfo", h.UserInfoHandler)
	r.Post("/oauth/userinfo", h.UserInfoHandler)
	r.Post("/oauth/revoke", h.RevokeHandler)
	r.Post("/oauth/introspect", h.IntrospectHandler)
	r.Get("/oauth/logout", h.LogoutHandler)
}

// InteractionRoutes registers the login and consent endpoints.
func (h *Handler) InteractionRoutes(r chi.Router) {
	r.Route("/interaction/{uid}", func(r chi.Router) {
		r.Get("/", h.InteractionDetailsHandler)
		r.Post("/login", h.LoginHandler)
		r.Post("/confirm", h.ConfirmHandler)
		r.Post("/abort", h.AbortHandler)
	})
}

// WellKnownRoutes registers the JWKS and discovery endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}

// HealthHandler handles GET /health.
func (h *Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	if h.statusFn != nil {
		if err := h.statusFn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) sessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(h.config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
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
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
