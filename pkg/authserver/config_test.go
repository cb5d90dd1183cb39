// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authgate/pkg/authserver/storage"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "authgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
issuer: https://auth.example.com
secure_cookies: true
tokens:
  access_token: 30m
storage:
  type: sqlite
  sqlite:
    path: /var/lib/authgate/state.db
login_rate_limit:
  burst: 10
`), 0o600))

	v := viper.New()
	v.Set("config", path)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.True(t, cfg.SecureCookies)
	assert.Equal(t, 30*time.Minute, cfg.Tokens.AccessToken)
	assert.Equal(t, 14*24*time.Hour, cfg.Tokens.RefreshToken)
	assert.Equal(t, storage.TypeSQLite, cfg.Storage.Type)
	assert.Equal(t, "/var/lib/authgate/state.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 10, cfg.LoginRateLimit.Burst)
	assert.Equal(t, 12*time.Second, cfg.LoginRateLimit.Interval)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig(v)
	require.ErrorContains(t, err, "failed to read config file")
}

//nolint:paralleltest // t.Setenv
func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("AUTHGATE_ISSUER", "https://env.example.com")
	t.Setenv("AUTHGATE_STORAGE_TYPE", "redis")
	t.Setenv("AUTHGATE_SESSION_TTL", "2h")

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Issuer)
	assert.Equal(t, storage.TypeRedis, cfg.Storage.Type)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "relative issuer", mutate: func(c *Config) { c.Issuer = "/auth" }, wantErr: "absolute URL"},
		{name: "issuer scheme", mutate: func(c *Config) { c.Issuer = "ftp://auth.example.com" }, wantErr: "http or https"},
		{name: "issuer query", mutate: func(c *Config) { c.Issuer = "https://auth.example.com?x=1" }, wantErr: "query or fragment"},
		{name: "no listen address", mutate: func(c *Config) { c.ListenAddress = "" }, wantErr: "listen_address"},
		{name: "negative ttl", mutate: func(c *Config) { c.Tokens.AccessToken = -time.Second }, wantErr: "tokens.access_token"},
		{
			name:    "refresh outlives grant",
			mutate:  func(c *Config) { c.Tokens.RefreshToken = 30 * 24 * time.Hour },
			wantErr: "must not outlive grant_ttl",
		},
		{name: "zero burst", mutate: func(c *Config) { c.LoginRateLimit.Burst = 0 }, wantErr: "burst"},
		{
			name: "zero burst when disabled",
			mutate: func(c *Config) {
				c.LoginRateLimit.Burst = 0
				c.LoginRateLimit.Disabled = true
			},
		},
		{name: "bad storage", mutate: func(c *Config) { c.Storage.Type = "etcd" }, wantErr: "storage"},
		{name: "bad telemetry", mutate: func(c *Config) { c.Telemetry.SamplingRate = 2 }, wantErr: "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
