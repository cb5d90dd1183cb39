// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stacklok/authgate/pkg/authserver/accounts"
	"github.com/stacklok/authgate/pkg/authserver/clients"
	"github.com/stacklok/authgate/pkg/authserver/grants"
	"github.com/stacklok/authgate/pkg/authserver/interaction"
	"github.com/stacklok/authgate/pkg/authserver/server/handlers"
	"github.com/stacklok/authgate/pkg/authserver/server/keys"
	"github.com/stacklok/authgate/pkg/authserver/storage"
	"github.com/stacklok/authgate/pkg/authserver/tokens"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/telemetry"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	healthTimeout     = 2 * time.Second
)

// pinger is implemented by stores with a remote backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server is the assembled authorization server.
type Server struct {
	config    *Config
	store     storage.RecordStore
	telemetry *telemetry.Provider
	handler   http.Handler
}

// serverOptions holds dependencies that tests replace.
type serverOptions struct {
	store      storage.RecordStore
	hasherCost int
}

// Option configures a Server.
type Option func(*serverOptions)

// WithStore uses store instead of the one described by the configuration.
// The server takes ownership and closes it.
func WithStore(store storage.RecordStore) Option {
	return func(o *serverOptions) {
		o.store = store
	}
}

// WithHasherCost sets the bcrypt cost for seeded passwords and client secrets.
func WithHasherCost(cost int) Option {
	return func(o *serverOptions) {
		o.hasherCost = cost
	}
}

// New creates the authorization server described by cfg.
func New(ctx context.Context, cfg *Config, opts ...Option) (_ *Server, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	options := serverOptions{hasherCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&options)
	}
	logger.Debugw("initializing authorization server", "issuer", cfg.Issuer)

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tel.Shutdown(context.Background())
		}
	}()

	base := options.store
	if base == nil {
		base, err = storage.New(ctx, &cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create record store: %w", err)
		}
	}
	defer func() {
		if err != nil {
			_ = base.Close()
		}
	}()
	store, err := storage.Instrument(base, tel.MeterProvider(), tel.TracerProvider())
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg, options.hasherCost)
	if err != nil {
		return nil, err
	}
	directory, err := newDirectory(ctx, cfg, options.hasherCost)
	if err != nil {
		return nil, err
	}
	keyProvider, err := keys.NewProviderFromConfig(cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	grantManager := grants.NewManager(store, grants.WithTTL(cfg.GrantTTL))
	issuer := tokens.NewIssuer(cfg.Issuer, store, grantManager, directory, keys.NewJWTSigner(keyProvider),
		tokens.WithTTLs(cfg.Tokens))

	limit, burst := rate.Limit(rate.Inf), 0
	if !cfg.LoginRateLimit.Disabled {
		limit, burst = rate.Every(cfg.LoginRateLimit.Interval), cfg.LoginRateLimit.Burst
	}
	engine := interaction.NewEngine(store, registry, directory, grantManager, issuer,
		interaction.WithInteractionTTL(cfg.InteractionTTL),
		interaction.WithSessionTTL(cfg.SessionTTL),
		interaction.WithLoginRateLimit(limit, burst),
	)

	h := handlers.NewHandler(
		handlers.Config{Issuer: cfg.Issuer, SessionTTL: cfg.SessionTTL, SecureCookies: cfg.SecureCookies},
		engine, issuer, registry, keyProvider,
		handlers.WithHealthCheck(healthCheck(base)),
	)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		telemetry.NewHTTPMiddleware(tel).Handler,
	)
	h.OAuthRoutes(r)
	h.InteractionRoutes(r)
	h.WellKnownRoutes(r)
	r.Get("/health", h.HealthHandler)
	if ph := tel.PrometheusHandler(); ph != nil {
		r.Handle("/metrics", ph)
	}

	logger.Infow("authorization server initialized",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Type,
		"clients", len(registry.IDs()),
	)
	return &Server{
		config:    cfg,
		store:     store,
		telemetry: tel,
		handler:   r,
	}, nil
}

func newRegistry(cfg *Config, cost int) (*clients.Registry, error) {
	cfgs := clients.DefaultConfigs()
	if cfg.ClientsFile != "" {
		loaded, err := clients.LoadFile(cfg.ClientsFile)
		if err != nil {
			return nil, err
		}
		cfgs = loaded
	}
	registry, err := clients.NewRegistry(cfgs, clients.WithSecretCost(cost))
	if err != nil {
		return nil, fmt.Errorf("failed to register clients: %w", err)
	}
	return registry, nil
}

func newDirectory(ctx context.Context, cfg *Config, cost int) (*accounts.MemoryDirectory, error) {
	seeds := accounts.DefaultSeeds()
	if cfg.AccountsFile != "" {
		loaded, err := accounts.LoadSeedFile(cfg.AccountsFile)
		if err != nil {
			return nil, err
		}
		seeds = loaded
	}
	hasher := accounts.BcryptHasher{Cost: cost}
	dir, err := accounts.NewMemoryDirectory(accounts.WithHasher(hasher))
	if err != nil {
		return nil, err
	}
	if err := accounts.Populate(ctx, dir, hasher, seeds); err != nil {
		return nil, fmt.Errorf("failed to seed accounts: %w", err)
	}
	logger.Debugw("seeded accounts", "count", dir.Len())
	return dir, nil
}

func healthCheck(store storage.RecordStore) func() error {
	p, ok := store.(pinger)
	if !ok {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store returns the instrumented record store.
func (s *Server) Store() storage.RecordStore {
	return s.store
}

// ListenAndServe serves on the configured address until ctx is done, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("authorization server listening", "address", ln.Addr().String(), "issuer", s.config.Issuer)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Infow("authorization server stopped")
		return nil
	})
	return g.Wait()
}

// Close releases the store and flushes telemetry.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(s.store.Close(), s.telemetry.Shutdown(ctx))
}
