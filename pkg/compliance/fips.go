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

// Package compliance provides the FIPS 140-2 algorithm gate, the
// hash-chained audit ledger, and compliance reporting.
package compliance

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

// fipsApproved is the exact allow-list of approved algorithm identifiers.
// Membership is decided by identifier equality, never by substring, so
// RSA-1024 can never ride on RSA-2048's approval. ChaCha20-Poly1305 is a
// sound AEAD but is not FIPS approved; FIPS deployments run AES-256-GCM.
var fipsApproved = map[types.Algorithm]bool{
	types.AlgorithmAES256GCM:  true,
	types.AlgorithmSHA256:     true,
	types.AlgorithmSHA384:     true,
	types.AlgorithmSHA512:     true,
	types.AlgorithmHMACSHA256: true,
	types.AlgorithmHKDFSHA256: true,
	types.AlgorithmRSA2048:    true,
	types.AlgorithmRSA3072:    true,
	types.AlgorithmRSA4096:    true,
	types.AlgorithmECDSAP256:  true,
	types.AlgorithmECDSAP384:  true,
}

// Violation records a rejected operation.
type Violation struct {
	Operation string          `json:"operation"`
	Algorithm types.Algorithm `json:"algorithm"`
	Timestamp time.Time       `json:"timestamp"`
}

// FIPSValidator gates cryptographic operations on the approved algorithm
// list. When disabled every algorithm passes; when enabled the gate fails
// closed, rejecting any identifier not explicitly approved.
type FIPSValidator struct {
	enabled bool
	now     func() time.Time

	mu         sync.Mutex
	violations []Violation
}

// NewFIPSValidator builds a validator.
func NewFIPSValidator(enabled bool) *FIPSValidator {
	return &FIPSValidator{enabled: enabled, now: time.Now}
}

// Enabled reports whether FIPS mode is on.
func (v *FIPSValidator) Enabled() bool {
	return v.enabled
}

// Approved reports whether the algorithm is on the allow-list. The answer
// is independent of whether FIPS mode is enabled.
func (v *FIPSValidator) Approved(algorithm types.Algorithm) bool {
	return fipsApproved[algorithm]
}

// ValidateOperation checks an operation's algorithm against the gate. A
// rejection is recorded as a violation.
func (v *FIPSValidator) ValidateOperation(operation string, algorithm types.Algorithm) error {
	if !v.enabled {
		return nil
	}
	if fipsApproved[algorithm] {
		return nil
	}

	v.mu.Lock()
	v.violations = append(v.violations, Violation{
		Operation: operation,
		Algorithm: algorithm,
		Timestamp: v.now().UTC(),
	})
	v.mu.Unlock()

	return fmt.Errorf("compliance: %s with %s rejected by fips gate: %w",
		operation, algorithm, types.ErrNotSupported)
}

// Violations returns a copy of the recorded violations.
func (v *FIPSValidator) Violations() []Violation {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Violation, len(v.violations))
	copy(out, v.violations)
	return out
}
