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

package types

import "errors"

// Error taxonomy shared by every component. Packages wrap these sentinels
// with operation context so callers can match with errors.Is across layers.
var (
	// ErrConfiguration indicates an invalid policy, threshold, or backend
	// configuration detected at construction time.
	ErrConfiguration = errors.New("types: configuration error")

	// ErrHSMOperation indicates a backend is unavailable or an HSM
	// operation failed after bounded retries.
	ErrHSMOperation = errors.New("types: hsm operation error")

	// ErrAuthenticationFailure indicates an AEAD tag mismatch on decrypt.
	// No plaintext is ever returned alongside this error.
	ErrAuthenticationFailure = errors.New("types: authentication failure")

	// ErrIntegrityViolation indicates an audit hash-chain mismatch or a
	// reconstructed-key fingerprint mismatch. Never swallowed.
	ErrIntegrityViolation = errors.New("types: integrity violation")

	// ErrResourceExhausted indicates HSM slot or session exhaustion.
	ErrResourceExhausted = errors.New("types: resource exhausted")

	// ErrExpiredResource indicates a share or key past its validity window.
	ErrExpiredResource = errors.New("types: expired resource")

	// ErrNotSupported indicates an operation outside a backend's
	// capability set. Unsupported operations fail rather than no-op.
	ErrNotSupported = errors.New("types: operation not supported")

	// ErrKeyNotFound indicates the requested key does not exist.
	ErrKeyNotFound = errors.New("types: key not found")
)
