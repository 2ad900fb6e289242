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

package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

func TestFIPSApprovedAlgorithms(t *testing.T) {
	v := NewFIPSValidator(true)

	approved := []types.Algorithm{
		types.AlgorithmAES256GCM,
		types.AlgorithmSHA256,
		types.AlgorithmSHA384,
		types.AlgorithmSHA512,
		types.AlgorithmHMACSHA256,
		types.AlgorithmHKDFSHA256,
		types.AlgorithmRSA2048,
		types.AlgorithmRSA3072,
		types.AlgorithmRSA4096,
		types.AlgorithmECDSAP256,
		types.AlgorithmECDSAP384,
	}
	for _, alg := range approved {
		assert.NoError(t, v.ValidateOperation("encrypt", alg), "%s should pass", alg)
	}

	rejected := []types.Algorithm{
		types.AlgorithmMD5,
		types.AlgorithmSHA1,
		types.AlgorithmDES,
		types.Algorithm3DES,
		types.AlgorithmRC4,
		types.AlgorithmRSA1024,
		types.AlgorithmChaCha20Poly1305,
	}
	for _, alg := range rejected {
		assert.ErrorIs(t, v.ValidateOperation("encrypt", alg), types.ErrNotSupported,
			"%s should be rejected", alg)
	}
}

func TestFIPSExactMatching(t *testing.T) {
	v := NewFIPSValidator(true)

	// Membership is by identifier equality; nothing rides on a substring of
	// an approved name, and unknown identifiers fail closed.
	for _, alg := range []types.Algorithm{
		"AES-256-GCM ",
		"AES-256",
		"SHA-256-HMAC",
		"RSA-10240",
		"NOT-AES-256-GCM",
		"",
	} {
		assert.ErrorIs(t, v.ValidateOperation("encrypt", alg), types.ErrNotSupported,
			"%q should be rejected", alg)
	}
}

func TestFIPSDisabled(t *testing.T) {
	v := NewFIPSValidator(false)
	assert.NoError(t, v.ValidateOperation("encrypt", types.AlgorithmMD5))
	assert.Empty(t, v.Violations())

	// Approved still answers truthfully when the gate is off.
	assert.False(t, v.Approved(types.AlgorithmMD5))
	assert.True(t, v.Approved(types.AlgorithmAES256GCM))
}

func TestFIPSViolationsRecorded(t *testing.T) {
	v := NewFIPSValidator(true)

	_ = v.ValidateOperation("encrypt", types.AlgorithmRC4)
	_ = v.ValidateOperation("digest", types.AlgorithmMD5)

	violations := v.Violations()
	assert.Len(t, violations, 2)
	assert.Equal(t, types.AlgorithmRC4, violations[0].Algorithm)
	assert.Equal(t, "encrypt", violations[0].Operation)
	assert.Equal(t, types.AlgorithmMD5, violations[1].Algorithm)
}
