// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is an account definition loaded at startup. Exactly one of
// Password and PasswordHash should be set; Password is hashed on load.
type Seed struct {
	Account  `yaml:",inline"`
	Password string `yaml:"password,omitempty"`
}

type seedFile struct {
	Accounts []Seed `yaml:"accounts"`
}

// DefaultSeeds returns the demo accounts created when no seed file is configured.
func DefaultSeeds() []Seed {
	return []Seed{
		{
			Password: "admin123",
			Account: Account{
				Username:      "admin",
				Email:         "admin@example.com",
				EmailVerified: true,
				Name:          "Administrator",
				GivenName:     "Admin",
				FamilyName:    "User",
				Nickname:      "admin",
				Locale:        "vi-VN",
				Zoneinfo:      "Asia/Ho_Chi_Minh",
				PhoneNumber:   "+84901234567",
				Address: &Address{
					Formatted:     "123 Main St, Hanoi, Vietnam",
					StreetAddress: "123 Main St",
					Locality:      "Hanoi",
					Region:        "Hanoi",
					PostalCode:    "100000",
					Country:       "Vietnam",
				},
				PhoneNumberVerified: true,
				Roles:               []string{"admin", "user"},
			},
		},
		{
			Password: "user123",
			Account: Account{
				Username:      "user",
				Email:         "user@example.com",
				EmailVerified: true,
				Name:          "John Doe",
				GivenName:     "John",
				FamilyName:    "Doe",
				Nickname:      "johndoe",
				Locale:        "vi-VN",
				Zoneinfo:      "Asia/Ho_Chi_Minh",
				Roles:         []string{"user"},
			},
		},
		{
			Password: "demo123",
			Account: Account{
				Username:      "demo",
				Email:         "demo@example.com",
				EmailVerified: true,
				Name:          "Demo User",
				GivenName:     "Demo",
				FamilyName:    "User",
				Nickname:      "demo",
				Locale:        "en-US",
				Zoneinfo:      "Asia/Ho_Chi_Minh",
				Roles:         []string{"user"},
			},
		},
	}
}

// LoadSeedFile reads account seeds from a YAML file of the form
//
//	accounts:
//	  - username: alice
//	    password_hash: $2a$10$...
//	    email: alice@example.com
func LoadSeedFile(path string) ([]Seed, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read account seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse account seed file %s: %w", path, err)
	}
	return f.Accounts, nil
}

// Populate creates every seed in dir, hashing plain passwords with hasher.
func Populate(ctx context.Context, dir Directory, hasher Hasher, seeds []Seed) error {
	for i := range seeds {
		s := seeds[i]
		if s.Username == "" {
			return fmt.Errorf("account seed %d has no username", i)
		}
		acct := s.Account
		switch {
		case s.Password != "" && s.PasswordHash != "":
			return fmt.Errorf("account seed %q sets both password and password_hash", s.Username)
		case s.Password != "":
			hash, err := hasher.Hash(s.Password)
			if err != nil {
				return err
			}
			acct.PasswordHash = hash
		}
		if _, err := dir.Create(ctx, &acct); err != nil {
			if errors.Is(err, ErrUsernameTaken) {
				continue
			}
			return fmt.Errorf("failed to seed account %q: %w", s.Username, err)
		}
	}
	return nil
}
