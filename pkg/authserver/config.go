// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/authgate/pkg/authserver/grants"
	"github.com/stacklok/authgate/pkg/authserver/interaction"
	"github.com/stacklok/authgate/pkg/authserver/server/keys"
	"github.com/stacklok/authgate/pkg/authserver/storage"
	"github.com/stacklok/authgate/pkg/authserver/tokens"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable that overrides configuration.
const EnvPrefix = "AUTHGATE"

// Defaults.
const (
	DefaultIssuer        = "http://localhost:3000"
	DefaultListenAddress = ":3000"
)

// Config is the authorization server configuration.
type Config struct {
	// Issuer is the externally visible base URL and the "iss" of every id_token.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// ListenAddress is the address the HTTP server binds.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// SecureCookies marks the session cookie Secure. Enable behind TLS.
	SecureCookies bool `mapstructure:"secure_cookies" yaml:"secure_cookies"`

	// Tokens holds the lifetimes of codes and tokens.
	Tokens tokens.TTLs `mapstructure:"tokens" yaml:"tokens"`

	// InteractionTTL bounds how long a login/consent interaction stays open.
	InteractionTTL time.Duration `mapstructure:"interaction_ttl" yaml:"interaction_ttl"`

	// SessionTTL is the lifetime of a browser session.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	// GrantTTL is the lifetime of a grant and so the upper bound of every token under it.
	GrantTTL time.Duration `mapstructure:"grant_ttl" yaml:"grant_ttl"`

	// LoginRateLimit damps password guessing per username.
	LoginRateLimit LoginRateLimit `mapstructure:"login_rate_limit" yaml:"login_rate_limit"`

	Storage   storage.Config   `mapstructure:"storage" yaml:"storage"`
	Keys      keys.Config      `mapstructure:"keys" yaml:"keys"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	// ClientsFile is a YAML file of client registrations. Empty uses the built-in clients.
	ClientsFile string `mapstructure:"clients_file" yaml:"clients_file"`

	// AccountsFile is a YAML file of seeded accounts. Empty uses the built-in accounts.
	AccountsFile string `mapstructure:"accounts_file" yaml:"accounts_file"`
}

// LoginRateLimit is a token bucket per username.
type LoginRateLimit struct {
	Disabled bool `mapstructure:"disabled" yaml:"disabled"`

	// Burst is the number of attempts allowed back to back.
	Burst int `mapstructure:"burst" yaml:"burst"`

	// Interval is the time it takes to earn back one attempt.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Issuer:         DefaultIssuer,
		ListenAddress:  DefaultListenAddress,
		Tokens:         tokens.DefaultTTLs(),
		InteractionTTL: interaction.DefaultInteractionTTL,
		SessionTTL:     interaction.DefaultSessionTTL,
		GrantTTL:       grants.DefaultTTL,
		LoginRateLimit: LoginRateLimit{
			Burst:    interaction.DefaultLoginBurst,
			Interval: 12 * time.Second,
		},
		Storage:   *storage.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadConfig reads the configuration from v: the file named by the
// "config" key if any, then AUTHGATE_* environment variables, over the
// defaults. Nested keys map to variables with "_" for ".", so
// storage.type is AUTHGATE_STORAGE_TYPE.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logger.Debugw("loaded configuration file", "path", path)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// appear in no file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("issuer", cfg.Issuer)
	v.SetDefault("listen_address", cfg.ListenAddress)
	v.SetDefault("secure_cookies", cfg.SecureCookies)
	v.SetDefault("tokens.authorization_code", cfg.Tokens.AuthorizationCode)
	v.SetDefault("tokens.access_token", cfg.Tokens.AccessToken)
	v.SetDefault("tokens.refresh_token", cfg.Tokens.RefreshToken)
	v.SetDefault("tokens.id_token", cfg.Tokens.IDToken)
	v.SetDefault("tokens.client_credentials", cfg.Tokens.ClientCredentials)
	v.SetDefault("interaction_ttl", cfg.InteractionTTL)
	v.SetDefault("session_ttl", cfg.SessionTTL)
	v.SetDefault("grant_ttl", cfg.GrantTTL)
	v.SetDefault("login_rate_limit.disabled", cfg.LoginRateLimit.Disabled)
	v.SetDefault("login_rate_limit.burst", cfg.LoginRateLimit.Burst)
	v.SetDefault("login_rate_limit.interval", cfg.LoginRateLimit.Interval)
	v.SetDefault("storage.type", string(cfg.Storage.Type))
	v.SetDefault("storage.cleanup_interval", cfg.Storage.CleanupInterval)
	v.SetDefault("storage.redis.addrs", cfg.Storage.Redis.Addrs)
	v.SetDefault("storage.redis.username", cfg.Storage.Redis.Username)
	v.SetDefault("storage.redis.password", cfg.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", cfg.Storage.Redis.DB)
	v.SetDefault("storage.redis.master_name", cfg.Storage.Redis.MasterName)
	v.SetDefault("storage.redis.key_prefix", cfg.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.sqlite.path", cfg.Storage.SQLite.Path)
	v.SetDefault("keys.key_dir", cfg.Keys.KeyDir)
	v.SetDefault("keys.signing_key_file", cfg.Keys.SigningKeyFile)
	v.SetDefault("keys.fallback_key_files", cfg.Keys.FallbackKeyFiles)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", cfg.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.metrics_enabled", cfg.Telemetry.MetricsEnabled)
	v.SetDefault("telemetry.otlp_endpoint", cfg.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.insecure", cfg.Telemetry.Insecure)
	v.SetDefault("telemetry.sampling_rate", cfg.Telemetry.SamplingRate)
	v.SetDefault("clients_file", cfg.ClientsFile)
	v.SetDefault("accounts_file", cfg.AccountsFile)
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer must use http or https, got %q", u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}
	if c.ListenAddress == "" {
		return errors.New("listen_address is required")
	}

	for name, d := range map[string]time.Duration{
		"tokens.authorization_code": c.Tokens.AuthorizationCode,
		"tokens.access_token":       c.Tokens.AccessToken,
		"tokens.refresh_token":      c.Tokens.RefreshToken,
		"tokens.id_token":           c.Tokens.IDToken,
		"tokens.client_credentials": c.Tokens.ClientCredentials,
		"interaction_ttl":           c.InteractionTTL,
		"session_ttl":               c.SessionTTL,
		"grant_ttl":                 c.GrantTTL,
		"login_rate_limit.interval": c.LoginRateLimit.Interval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Tokens.RefreshToken > c.GrantTTL && c.GrantTTL > 0 {
		return fmt.Errorf("tokens.refresh_token (%s) must not outlive grant_ttl (%s)", c.Tokens.RefreshToken, c.GrantTTL)
	}
	if !c.LoginRateLimit.Disabled && c.LoginRateLimit.Burst < 1 {
		return errors.New("login_rate_limit.burst must be at least 1")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"storage", c.Storage.Type,
	)
	return nil
}
