// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authgate/pkg/authserver/accounts"
	"github.com/stacklok/authgate/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	healthTimeout     = 2 * time.Second
)

// Server is the relying-party web application.
type Server struct {
	config   *Config
	client   *Client
	contexts ContextStore
	handler  http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	contexts      ContextStore
	directory     accounts.Directory
	clientOptions []ClientOption
}

// WithContextStore uses store instead of the one described by the configuration.
func WithContextStore(store ContextStore) ServerOption {
	return func(o *serverOptions) {
		o.contexts = store
	}
}

// WithDirectory links accounts into dir instead of a fresh in-memory directory.
func WithDirectory(dir accounts.Directory) ServerOption {
	return func(o *serverOptions) {
		o.directory = dir
	}
}

// WithClientOptions passes opts to NewClient.
func WithClientOptions(opts ...ClientOption) ServerOption {
	return func(o *serverOptions) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

// NewServer creates the relying party described by cfg.
func NewServer(ctx context.Context, cfg *Config, opts ...ServerOption) (_ *Server, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var options serverOptions
	for _, opt := range opts {
		opt(&options)
	}

	contexts := options.contexts
	if contexts == nil {
		contexts, err = newContextStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			_ = contexts.Close()
		}
	}()

	directory := options.directory
	if directory == nil {
		directory, err = accounts.NewMemoryDirectory()
		if err != nil {
			return nil, err
		}
	}

	client, err := NewClient(ctx, cfg, contexts, directory, options.clientOptions...)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	NewHandler(client, cfg, healthCheck(contexts)).Routes(r)

	logger.Infow("relying party initialized", "issuer", cfg.Issuer, "client_id", cfg.ClientID)
	return &Server{config: cfg, client: client, contexts: contexts, handler: r}, nil
}

func newContextStore(ctx context.Context, cfg *Config) (ContextStore, error) {
	switch cfg.Session.Type {
	case SessionTypeRedis:
		store, err := NewRedisContextStore(ctx, cfg.Session.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return NewMemoryContextStore(), nil
	}
}

func healthCheck(store ContextStore) func() error {
	p, ok := store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// Client returns the OAuth client.
func (s *Server) Client() *Client {
	return s.client
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("relying party listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the session store.
func (s *Server) Close() error {
	return s.contexts.Close()
}
