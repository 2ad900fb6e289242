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

// Package pkcs11 provides a types.Backend over a PKCS#11 hardware security
// module. Key material never leaves the module; all cryptographic
// operations run on the device. The implementation is gated behind the
// pkcs11 build tag since it requires cgo and a vendor library at runtime.
package pkcs11

import (
	"fmt"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Config describes the PKCS#11 module and token to use.
type Config struct {
	// Library is the path to the vendor PKCS#11 shared library.
	Library string `yaml:"library"`

	// TokenLabel selects the token. Takes precedence over Slot when set.
	TokenLabel string `yaml:"token_label"`

	// Slot selects a slot by number when TokenLabel is empty.
	Slot *int `yaml:"slot,omitempty"`

	// PIN is the user PIN for the token.
	PIN string `yaml:"pin"`

	// KeyLabelPrefix namespaces keys created by this module on a shared
	// token.
	KeyLabelPrefix string `yaml:"key_label_prefix"`
}

// Validate checks the configuration for startup errors.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("pkcs11: nil config: %w", types.ErrConfiguration)
	}
	if c.Library == "" {
		return fmt.Errorf("pkcs11: library path required: %w", types.ErrConfiguration)
	}
	if c.TokenLabel == "" && c.Slot == nil {
		return fmt.Errorf("pkcs11: token label or slot required: %w", types.ErrConfiguration)
	}
	if c.PIN == "" {
		return fmt.Errorf("pkcs11: user PIN required: %w", types.ErrConfiguration)
	}
	return nil
}
