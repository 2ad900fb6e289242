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

package secretsharing

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestSplitValidation(t *testing.T) {
	secret := []byte("secret")

	tests := []struct {
		name      string
		secret    []byte
		threshold int
		total     int
		wantError bool
	}{
		{"valid 2 of 3", secret, 2, 3, false},
		{"valid 3 of 5", secret, 3, 5, false},
		{"valid threshold equals total", secret, 5, 5, false},
		{"valid max shares", secret, 2, 255, false},
		{"empty secret", nil, 2, 3, true},
		{"threshold of one", secret, 1, 3, true},
		{"threshold of zero", secret, 0, 3, true},
		{"total below threshold", secret, 4, 3, true},
		{"too many shares", secret, 2, 256, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := Split(tt.secret, tt.threshold, tt.total)
			if tt.wantError {
				if err == nil {
					t.Error("Split succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if len(shares) != tt.total {
				t.Errorf("Split returned %d shares, want %d", len(shares), tt.total)
			}
		})
	}
}

func TestSplitCombineRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}

	shares, err := Split(secret, 3, 5)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	recovered, err := Combine(shares[:3])
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if !bytes.Equal(recovered, secret) {
		t.Error("recovered secret does not match original")
	}
}

func TestCombineAnySubset(t *testing.T) {
	secret := []byte("the master key material 32 byte")

	shares, err := Split(secret, 3, 5)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	// Every 3-subset of 5 shares must reconstruct the secret.
	for a := 0; a < 5; a++ {
		for b := a + 1; b < 5; b++ {
			for c := b + 1; c < 5; c++ {
				subset := []Share{shares[a], shares[b], shares[c]}
				recovered, err := Combine(subset)
				if err != nil {
					t.Fatalf("Combine(%d,%d,%d) failed: %v", a, b, c, err)
				}
				if !bytes.Equal(recovered, secret) {
					t.Errorf("Combine(%d,%d,%d) returned wrong secret", a, b, c)
				}
			}
		}
	}

	// All shares together also work.
	recovered, err := Combine(shares)
	if err != nil {
		t.Fatalf("Combine(all) failed: %v", err)
	}
	if !bytes.Equal(recovered, secret) {
		t.Error("Combine(all) returned wrong secret")
	}
}

func TestCombineBelowThreshold(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}

	shares, err := Split(secret, 3, 5)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	// Two of three required shares interpolate to garbage, never to the
	// secret. The threshold itself is enforced by the recovery manager.
	recovered, err := Combine(shares[:2])
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if bytes.Equal(recovered, secret) {
		t.Error("below-threshold subset reconstructed the secret")
	}
}

func TestCombineRejectsCorruptedShare(t *testing.T) {
	shares, err := Split([]byte("secret material"), 2, 3)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	shares[1].Y[0] ^= 0xff
	if _, err := Combine(shares[:2]); err == nil {
		t.Error("Combine accepted a share with a bad checksum")
	}
}

func TestCombineRejectsDuplicates(t *testing.T) {
	shares, err := Split([]byte("secret material"), 2, 3)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if _, err := Combine([]Share{shares[0], shares[0]}); err == nil {
		t.Error("Combine accepted duplicate shares")
	}
}

func TestCombineRejectsLengthMismatch(t *testing.T) {
	a, err := Split([]byte("short"), 2, 2)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	b, err := Split([]byte("a much longer secret"), 2, 2)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if _, err := Combine([]Share{a[0], b[1]}); err == nil {
		t.Error("Combine accepted shares of different secrets")
	}
}

func TestCombineTooFewShares(t *testing.T) {
	shares, err := Split([]byte("secret"), 2, 3)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if _, err := Combine(shares[:1]); err == nil {
		t.Error("Combine accepted a single share")
	}
	if _, err := Combine(nil); err == nil {
		t.Error("Combine accepted zero shares")
	}
}

func TestShareValid(t *testing.T) {
	shares, err := Split([]byte("secret"), 2, 2)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if !shares[0].Valid() {
		t.Error("fresh share reported invalid")
	}

	shares[0].Checksum[0] ^= 0x01
	if shares[0].Valid() {
		t.Error("tampered share reported valid")
	}
}

func TestGFArithmetic(t *testing.T) {
	// Multiplicative identity and commutativity.
	for a := 1; a < 256; a++ {
		if gfMul(byte(a), 1) != byte(a) {
			t.Fatalf("gfMul(%d, 1) != %d", a, a)
		}
		inv := gfInverse(byte(a))
		if gfMul(byte(a), inv) != 1 {
			t.Fatalf("gfMul(%d, inverse) != 1", a)
		}
	}

	if gfMul(0, 77) != 0 || gfMul(77, 0) != 0 {
		t.Error("multiplication by zero is not zero")
	}

	// Known AES field product: 0x53 * 0xCA = 0x01.
	if got := gfMul(0x53, 0xca); got != 0x01 {
		t.Errorf("gfMul(0x53, 0xCA) = %#x, want 0x01", got)
	}
}
