// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/authgate/pkg/logger"
)

// EnvPrefix prefixes environment variables that override relying-party configuration.
const EnvPrefix = "AUTHGATE_RP"

// Session store types.
const (
	SessionTypeMemory = "memory"
	SessionTypeRedis  = "redis"
)

// Defaults.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultContextTTL = 10 * time.Minute
	DefaultLoginTTL   = 24 * time.Hour
)

// Config configures the relying party.
type Config struct {
	// Issuer is the authorization server. Its discovery document supplies every endpoint.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`

	// RedirectURI must be registered for the client and route to the callback handler.
	RedirectURI string `mapstructure:"redirect_uri" yaml:"redirect_uri"`

	// PostLogoutRedirectURI is where the authorization server sends the browser after logout.
	PostLogoutRedirectURI string `mapstructure:"post_logout_redirect_uri" yaml:"post_logout_redirect_uri"`

	Scopes []string `mapstructure:"scopes" yaml:"scopes"`

	// Timeout bounds each call to the authorization server.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// CABundle is a PEM file of extra roots trusted for the authorization server.
	CABundle string `mapstructure:"ca_bundle" yaml:"ca_bundle"`

	// LinkBySubject links accounts on oauth_<sub> instead of the profile username.
	LinkBySubject bool `mapstructure:"link_by_subject" yaml:"link_by_subject"`

	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	SecureCookies bool   `mapstructure:"secure_cookies" yaml:"secure_cookies"`

	Session SessionConfig `mapstructure:"session" yaml:"session"`
}

// SessionConfig selects where PKCE contexts and login sessions are kept.
type SessionConfig struct {
	Type string `mapstructure:"type" yaml:"type"`

	// ContextTTL bounds how long a started login may wait for its callback.
	ContextTTL time.Duration `mapstructure:"context_ttl" yaml:"context_ttl"`

	// LoginTTL is the lifetime of a signed-in session.
	LoginTTL time.Duration `mapstructure:"login_ttl" yaml:"login_ttl"`

	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds connection settings for the redis session store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig matches the built-in my_app client of the authorization server.
func DefaultConfig() *Config {
	return &Config{
		Issuer:                "http://localhost:3000",
		ClientID:              "my_app",
		ClientSecret:          "demo-client-secret",
		RedirectURI:           "http://localhost:3001/callback",
		PostLogoutRedirectURI: "http://localhost:3001",
		Scopes:                []string{"openid", "profile", "email"},
		Timeout:               DefaultTimeout,
		ListenAddress:         ":3001",
		Session: SessionConfig{
			Type:       SessionTypeMemory,
			ContextTTL: DefaultContextTTL,
			LoginTTL:   DefaultLoginTTL,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "authgate-rp:",
			},
		},
	}
}

// LoadConfig reads the configuration from v the same way the authorization
// server does, with AUTHGATE_RP_* environment variables.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	for key, value := range map[string]any{
		"issuer":                   cfg.Issuer,
		"client_id":                cfg.ClientID,
		"client_secret":            cfg.ClientSecret,
		"redirect_uri":             cfg.RedirectURI,
		"post_logout_redirect_uri": cfg.PostLogoutRedirectURI,
		"scopes":                   cfg.Scopes,
		"timeout":                  cfg.Timeout,
		"ca_bundle":                cfg.CABundle,
		"link_by_subject":          cfg.LinkBySubject,
		"listen_address":           cfg.ListenAddress,
		"secure_cookies":           cfg.SecureCookies,
		"session.type":             cfg.Session.Type,
		"session.context_ttl":      cfg.Session.ContextTTL,
		"session.login_ttl":        cfg.Session.LoginTTL,
		"session.redis.addr":       cfg.Session.Redis.Addr,
		"session.redis.username":   cfg.Session.Redis.Username,
		"session.redis.password":   cfg.Session.Redis.Password,
		"session.redis.db":         cfg.Session.Redis.DB,
		"session.redis.key_prefix": cfg.Session.Redis.KeyPrefix,
	} {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	u, err := url.Parse(c.RedirectURI)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("redirect_uri must be an absolute URL, got %q", c.RedirectURI)
	}
	if !slices.Contains(c.Scopes, "openid") {
		return errors.New("scopes must include openid")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Session.ContextTTL <= 0 || c.Session.LoginTTL <= 0 {
		return errors.New("session TTLs must be positive")
	}
	switch c.Session.Type {
	case "", SessionTypeMemory:
	case SessionTypeRedis:
		if c.Session.Redis.Addr == "" {
			return errors.New("redis session store requires an address")
		}
	default:
		return fmt.Errorf("unsupported session store type: %q", c.Session.Type)
	}

	logger.Debugw("relying party config validation passed", "issuer", c.Issuer, "client_id", c.ClientID)
	return nil
}
