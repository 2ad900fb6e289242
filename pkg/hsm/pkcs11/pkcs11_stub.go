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

//go:build !pkcs11

package pkcs11

import (
	"fmt"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// New fails when the binary was built without PKCS#11 support. Selecting
// the pkcs11 provider in configuration is then a startup error, not a
// silently degraded backend.
func New(cfg *Config, logger *logging.Logger) (types.Backend, error) {
	return nil, fmt.Errorf("pkcs11: built without pkcs11 support (rebuild with -tags pkcs11): %w",
		types.ErrConfiguration)
}
