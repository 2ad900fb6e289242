// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kms.
//
// go-kms is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package pkcs11

import (
	"errors"
	"testing"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

func TestConfigValidate(t *testing.T) {
	slot := 0

	tests := []struct {
		name      string
		config    *Config
		wantError bool
	}{
		{
			name: "valid with token label",
			config: &Config{
				Library:    "/usr/lib/softhsm/libsofthsm2.so",
				TokenLabel: "kms",
				PIN:        "1234",
			},
		},
		{
			name: "valid with slot",
			config: &Config{
				Library: "/usr/lib/softhsm/libsofthsm2.so",
				Slot:    &slot,
				PIN:     "1234",
			},
		},
		{
			name:      "nil config",
			config:    nil,
			wantError: true,
		},
		{
			name: "missing library",
			config: &Config{
				TokenLabel: "kms",
				PIN:        "1234",
			},
			wantError: true,
		},
		{
			name: "missing token and slot",
			config: &Config{
				Library: "/usr/lib/softhsm/libsofthsm2.so",
				PIN:     "1234",
			},
			wantError: true,
		},
		{
			name: "missing pin",
			config: &Config{
				Library:    "/usr/lib/softhsm/libsofthsm2.so",
				TokenLabel: "kms",
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError {
				if !errors.Is(err, types.ErrConfiguration) {
					t.Errorf("Validate returned %v, want ErrConfiguration", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}
