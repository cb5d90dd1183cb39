// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	servercrypto "github.com/stacklok/authgate/pkg/authserver/server/crypto"
)

// KeyProvider supplies the current signing key and every key that should
// still verify.
type KeyProvider interface {
	SigningKey(ctx context.Context) (*SigningKey, error)
	PublicKeys(ctx context.Context) ([]*PublicKey, error)
}

// FileProvider serves keys loaded from PEM files at startup.
type FileProvider struct {
	signing *SigningKey
	all     []*SigningKey
}

// NewFileProvider loads the signing key and any fallback keys named in cfg.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, errors.New("signing key file is required when a key directory is set")
	}

	signing, err := loadKey(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	p := &FileProvider{signing: signing, all: []*SigningKey{signing}}
	for _, name := range cfg.FallbackKeyFiles {
		k, err := loadKey(filepath.Join(cfg.KeyDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
		}
		if k.KeyID == signing.KeyID {
			continue
		}
		p.all = append(p.all, k)
	}

	slog.Info("loaded signing keys", "key_id", signing.KeyID, "algorithm", signing.Algorithm, "published", len(p.all))
	return p, nil
}

func loadKey(path string) (*SigningKey, error) {
	signer, err := servercrypto.LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	params, err := servercrypto.DeriveSigningKeyParams(signer, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to derive key parameters: %w", err)
	}
	return &SigningKey{
		KeyID:     params.KeyID,
		Algorithm: params.Algorithm,
		Key:       params.Key,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey implements KeyProvider.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	k := *p.signing
	return &k, nil
}

// PublicKeys implements KeyProvider. The signing key comes first.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKey, error) {
	out := make([]*PublicKey, 0, len(p.all))
	for _, k := range p.all {
		out = append(out, k.Public())
	}
	return out, nil
}

// GeneratingProvider creates an EC key on first use and keeps it in memory.
type GeneratingProvider struct {
	algorithm string

	mu  sync.Mutex
	key *SigningKey
}

// NewGeneratingProvider returns a provider for ES256, ES384 or ES512.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey implements KeyProvider.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		priv, err := generateKey(p.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		kid, err := servercrypto.DeriveKeyID(priv)
		if err != nil {
			return nil, err
		}
		p.key = &SigningKey{KeyID: kid, Algorithm: p.algorithm, Key: priv, CreatedAt: time.Now()}
		slog.Warn("generated ephemeral signing key; id_tokens will not verify after a restart",
			"algorithm", p.algorithm,
			"key_id", kid,
		)
	}

	k := *p.key
	return &k, nil
}

// PublicKeys implements KeyProvider.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKey, error) {
	k, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKey{k.Public()}, nil
}

func generateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
)
