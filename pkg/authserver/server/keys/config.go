// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

// Config selects where signing keys come from.
type Config struct {
	// KeyDir holds PEM-encoded private keys. When empty, an ephemeral key is
	// generated and tokens stop verifying after a restart.
	KeyDir string `mapstructure:"key_dir" yaml:"key_dir"`

	// SigningKeyFile is the key used to sign new id_tokens, relative to KeyDir.
	SigningKeyFile string `mapstructure:"signing_key_file" yaml:"signing_key_file"`

	// FallbackKeyFiles are published in the JWKS but never used to sign.
	// To rotate, move the current SigningKeyFile here and point
	// SigningKeyFile at the new key; drop the old one once its tokens expire.
	FallbackKeyFiles []string `mapstructure:"fallback_key_files" yaml:"fallback_key_files"`
}

// NewProviderFromConfig returns a FileProvider when KeyDir is set and a
// GeneratingProvider otherwise.
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	return NewGeneratingProvider(DefaultAlgorithm), nil
}
