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

// Package secretsharing implements Shamir's Secret Sharing over GF(256),
// the finite field of the AES polynomial x^8 + x^4 + x^3 + x + 1. The
// secret is split byte-wise: for each byte a random polynomial of degree
// threshold-1 carries the secret byte as its constant term and is evaluated
// at the nonzero x coordinate of each share. Any threshold shares
// reconstruct the secret by Lagrange interpolation at x=0; fewer reveal
// nothing.
package secretsharing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

const (
	// MinThreshold is the smallest permitted reconstruction threshold.
	MinThreshold = 2

	// MaxShares is the largest permitted share count. Share x coordinates
	// are nonzero field elements, of which GF(256) has 255.
	MaxShares = 255

	// checksumSize is the number of SHA-256 bytes attached to each share.
	checksumSize = 16
)

// Share is one fragment of a split secret. X is the share's field
// coordinate, Y the per-byte polynomial evaluations, and Checksum the
// truncated SHA-256 of X||Y used to detect corruption before interpolation.
type Share struct {
	X        byte   `json:"x"`
	Y        []byte `json:"y"`
	Checksum []byte `json:"checksum"`
}

// Valid reports whether the share's checksum matches its contents. The
// comparison is constant time.
func (s *Share) Valid() bool {
	sum := shareChecksum(s.X, s.Y)
	return len(s.Checksum) == checksumSize &&
		subtle.ConstantTimeCompare(sum, s.Checksum) == 1
}

// Split divides secret into total shares such that any threshold of them
// reconstruct it. Constraints: 2 <= threshold <= total <= 255 and a
// non-empty secret.
func Split(secret []byte, threshold, total int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secretsharing: empty secret")
	}
	if threshold < MinThreshold {
		return nil, fmt.Errorf("secretsharing: threshold %d below minimum %d", threshold, MinThreshold)
	}
	if total < threshold {
		return nil, fmt.Errorf("secretsharing: total %d below threshold %d", total, threshold)
	}
	if total > MaxShares {
		return nil, fmt.Errorf("secretsharing: total %d exceeds maximum %d", total, MaxShares)
	}

	// One random polynomial per secret byte; coefficient 0 is the secret
	// byte itself.
	coeffs := make([][]byte, len(secret))
	for i, b := range secret {
		poly := make([]byte, threshold)
		poly[0] = b
		if _, err := rand.Read(poly[1:]); err != nil {
			return nil, fmt.Errorf("secretsharing: coefficient generation: %w", err)
		}
		coeffs[i] = poly
	}

	shares := make([]Share, total)
	for i := 0; i < total; i++ {
		x := byte(i + 1)
		y := make([]byte, len(secret))
		for j := range secret {
			y[j] = evalPoly(coeffs[j], x)
		}
		shares[i] = Share{X: x, Y: y, Checksum: shareChecksum(x, y)}
	}
	return shares, nil
}

// Combine reconstructs the secret from the given shares. At least two
// shares with matching lengths and valid checksums are required; duplicate
// x coordinates are rejected. Combine cannot detect an insufficient share
// count by itself; callers enforce the threshold and verify the result's
// fingerprint.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) < MinThreshold {
		return nil, fmt.Errorf("secretsharing: need at least %d shares, have %d", MinThreshold, len(shares))
	}

	size := len(shares[0].Y)
	seen := make(map[byte]bool, len(shares))
	for i := range shares {
		if !shares[i].Valid() {
			return nil, fmt.Errorf("secretsharing: share %d failed checksum", shares[i].X)
		}
		if len(shares[i].Y) != size {
			return nil, fmt.Errorf("secretsharing: share %d length mismatch", shares[i].X)
		}
		if shares[i].X == 0 {
			return nil, fmt.Errorf("secretsharing: share has zero x coordinate")
		}
		if seen[shares[i].X] {
			return nil, fmt.Errorf("secretsharing: duplicate share %d", shares[i].X)
		}
		seen[shares[i].X] = true
	}

	secret := make([]byte, size)
	for j := 0; j < size; j++ {
		secret[j] = interpolateAtZero(shares, j)
	}
	return secret, nil
}

func shareChecksum(x byte, y []byte) []byte {
	h := sha256.New()
	h.Write([]byte{x})
	h.Write(y)
	return h.Sum(nil)[:checksumSize]
}

// evalPoly evaluates the polynomial at x by Horner's rule.
func evalPoly(poly []byte, x byte) byte {
	var result byte
	for i := len(poly) - 1; i >= 0; i-- {
		result = gfMul(result, x) ^ poly[i]
	}
	return result
}

// interpolateAtZero computes the Lagrange interpolation of byte position j
// at x=0.
func interpolateAtZero(shares []Share, j int) byte {
	var result byte
	for i := range shares {
		num, den := byte(1), byte(1)
		for k := range shares {
			if k == i {
				continue
			}
			num = gfMul(num, shares[k].X)
			den = gfMul(den, shares[i].X^shares[k].X)
		}
		result ^= gfMul(shares[i].Y[j], gfMul(num, gfInverse(den)))
	}
	return result
}

// GF(256) arithmetic over the AES polynomial, via log/exp tables built from
// generator 0x03.
var (
	gfExp [510]byte
	gfLog [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		// Multiply x by the generator 0x03 = x + 1.
		y := x << 1
		if x&0x80 != 0 {
			y ^= 0x1b
		}
		x = y ^ x
	}
	for i := 255; i < 510; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfInverse(a byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[255-int(gfLog[a])]
}
