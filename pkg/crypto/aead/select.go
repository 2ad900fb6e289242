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

package aead

import (
	"golang.org/x/sys/cpu"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

// HasAESAcceleration reports whether the CPU provides AES instructions.
// Without acceleration, software AES-GCM is slower than ChaCha20-Poly1305
// and potentially vulnerable to timing side channels.
func HasAESAcceleration() bool {
	return cpu.X86.HasAES || cpu.ARM64.HasAES
}

// SelectAlgorithm chooses the AEAD cipher for new keys. Hardware-backed keys
// always use AES-256-GCM since the HSM performs the operation. Software keys
// use AES-256-GCM only when the CPU accelerates it, falling back to
// ChaCha20-Poly1305 otherwise.
func SelectAlgorithm(hardwareBacked bool) types.Algorithm {
	if hardwareBacked || HasAESAcceleration() {
		return types.AlgorithmAES256GCM
	}
	return types.AlgorithmChaCha20Poly1305
}
