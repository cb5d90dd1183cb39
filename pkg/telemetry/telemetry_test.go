// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service_name"},
		{name: "sampling above one", mutate: func(c *Config) { c.SamplingRate = 1.5 }, wantErr: "sampling_rate"},
		{name: "negative sampling", mutate: func(c *Config) { c.SamplingRate = -0.1 }, wantErr: "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewProvider_MetricsDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MetricsEnabled = false
	p, err := NewProvider(t.Context(), cfg)
	require.NoError(t, err)
	assert.Nil(t, p.PrometheusHandler())
	assert.NotNil(t, p.MeterProvider())
	assert.NotNil(t, p.TracerProvider())
	require.NoError(t, p.Shutdown(t.Context()))
}

func TestNewProvider_ExportsMetricsOverOTLP(t *testing.T) {
	t.Parallel()

	var metricPosts atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/metrics" {
			metricPosts.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(collector.Close)

	cfg := DefaultConfig()
	cfg.MetricsEnabled = false
	cfg.OTLPEndpoint = strings.TrimPrefix(collector.URL, "http://")
	cfg.Insecure = true
	p, err := NewProvider(t.Context(), cfg)
	require.NoError(t, err)
	assert.Nil(t, p.PrometheusHandler())

	counter, err := p.MeterProvider().Meter("test").Int64Counter("authgate_test_events")
	require.NoError(t, err)
	counter.Add(t.Context(), 1)

	require.NoError(t, p.Shutdown(t.Context()))
	assert.Positive(t, metricPosts.Load())
}

func TestHTTPMiddleware_RecordsRoutePattern(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(t.Context(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(t.Context()) })
	require.NotNil(t, p.PrometheusHandler())

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(p).Handler)
	r.Get("/interaction/{uid}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", p.PrometheusHandler())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	for _, uid := range []string{"a", "b", "c"} {
		resp, err := srv.Client().Get(srv.URL + "/interaction/" + uid)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "authgate_http_requests")
	assert.Contains(t, string(body), `http_route="/interaction/{uid}"`)
	assert.NotContains(t, string(body), `/interaction/a"`)
}
