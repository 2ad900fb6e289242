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

// Package envelope implements envelope encryption over the key hierarchy.
// Every Encrypt call generates a fresh data encryption key, seals the
// plaintext with it, and wraps the DEK under the current KEK; the DEK never
// exists outside process memory in the clear. Decrypt resolves the wrapping
// KEK by id, so ciphertext produced before a KEK rotation stays readable for
// the predecessor's retention window.
package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/crypto/aead"
	"github.com/jeremyhahn/go-kms/pkg/hierarchy"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/metrics"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// DefaultCacheSize bounds the unwrapped-DEK cache.
const DefaultCacheSize = 256

// Options configures an Engine.
type Options struct {
	// Algorithm selects the data cipher. Defaults to the platform-preferred
	// AEAD.
	Algorithm types.Algorithm

	// CacheSize bounds the unwrapped-DEK cache used by Decrypt. Zero takes
	// DefaultCacheSize; negative disables caching.
	CacheSize int

	Logger *logging.Logger
}

// Stats summarizes engine latency since construction.
type Stats struct {
	EncryptOps uint64        `json:"encrypt_ops"`
	DecryptOps uint64        `json:"decrypt_ops"`
	AvgLatency time.Duration `json:"avg_latency"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
}

// Engine performs envelope encryption.
type Engine struct {
	hierarchy *hierarchy.Hierarchy
	algorithm types.Algorithm
	logger    *logging.Logger

	statsMu    sync.Mutex
	encryptOps uint64
	decryptOps uint64
	totalDur   time.Duration
	minDur     time.Duration
	maxDur     time.Duration

	cacheMu   sync.Mutex
	cacheSize int
	cache     map[string][]byte
	cacheFIFO []string
}

// New creates an Engine over the hierarchy.
func New(h *hierarchy.Hierarchy, opts *Options) (*Engine, error) {
	if h == nil {
		return nil, fmt.Errorf("envelope: key hierarchy required: %w", types.ErrConfiguration)
	}
	if opts == nil {
		opts = &Options{}
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = aead.SelectAlgorithm(false)
	}
	if algorithm.KeySize() != aead.KeySize {
		return nil, fmt.Errorf("envelope: %s is not a data cipher: %w",
			algorithm, types.ErrConfiguration)
	}

	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	e := &Engine{
		hierarchy: h,
		algorithm: algorithm,
		logger:    logger,
		cacheSize: cacheSize,
	}
	if cacheSize > 0 {
		e.cache = make(map[string][]byte, cacheSize)
	}
	return e, nil
}

// Algorithm returns the engine's data cipher identifier.
func (e *Engine) Algorithm() types.Algorithm {
	return e.algorithm
}

// Encrypt seals plaintext under a fresh single-use DEK and returns the data
// envelope together with the DEK wrapped under the current KEK. Both halves
// are required to decrypt.
func (e *Engine) Encrypt(ctx context.Context, plaintext, aad []byte) (*types.EncryptedData, *types.WrappedKey, error) {
	start := time.Now()

	dek, err := aead.GenerateKey()
	if err != nil {
		metrics.RecordError(metrics.OpEncrypt, "envelope", "dek_generation")
		return nil, nil, err
	}

	cipher, err := aead.New(e.algorithm, dek)
	if err != nil {
		return nil, nil, err
	}
	data, err := cipher.Seal(plaintext, aad)
	if err != nil {
		metrics.RecordError(metrics.OpEncrypt, "envelope", "seal")
		return nil, nil, err
	}

	wrapped, err := e.hierarchy.WrapDEK(ctx, dek)
	if err != nil {
		metrics.RecordError(metrics.OpEncrypt, "envelope", "wrap")
		return nil, nil, err
	}
	zeroize(dek)

	elapsed := time.Since(start)
	e.record(true, elapsed)
	metrics.RecordOperation(metrics.OpEncrypt, "envelope", metrics.StatusSuccess, elapsed.Seconds())
	return data, wrapped, nil
}

// Decrypt unwraps the DEK and opens the data envelope. Any tampering with
// ciphertext, nonce, tag, or AAD surfaces types.ErrAuthenticationFailure.
func (e *Engine) Decrypt(ctx context.Context, data *types.EncryptedData, wrapped *types.WrappedKey, aad []byte) ([]byte, error) {
	start := time.Now()

	dek, cached := e.cacheGet(wrapped)
	if !cached {
		var err error
		dek, err = e.hierarchy.UnwrapDEK(ctx, wrapped)
		if err != nil {
			metrics.RecordError(metrics.OpDecrypt, "envelope", "unwrap")
			return nil, err
		}
		e.cachePut(wrapped, dek)
	}

	cipher, err := aead.New(data.Algorithm, dek)
	if err != nil {
		return nil, err
	}
	plaintext, err := cipher.Open(data, aad)
	if err != nil {
		metrics.RecordError(metrics.OpDecrypt, "envelope", "open")
		return nil, err
	}

	elapsed := time.Since(start)
	e.record(false, elapsed)
	metrics.RecordOperation(metrics.OpDecrypt, "envelope", metrics.StatusSuccess, elapsed.Seconds())
	return plaintext, nil
}

// HealthCheck runs an encrypt/decrypt round trip through the live hierarchy.
func (e *Engine) HealthCheck(ctx context.Context) error {
	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return fmt.Errorf("envelope: health probe: %w", err)
	}

	data, wrapped, err := e.Encrypt(ctx, probe, []byte("health"))
	if err != nil {
		return fmt.Errorf("envelope: health encrypt: %w", err)
	}
	opened, err := e.Decrypt(ctx, data, wrapped, []byte("health"))
	if err != nil {
		return fmt.Errorf("envelope: health decrypt: %w", err)
	}
	if !bytes.Equal(probe, opened) {
		return fmt.Errorf("envelope: health round trip mismatch: %w", types.ErrIntegrityViolation)
	}
	return nil
}

// Stats returns latency statistics accumulated since construction.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := Stats{
		EncryptOps: e.encryptOps,
		DecryptOps: e.decryptOps,
		MinLatency: e.minDur,
		MaxLatency: e.maxDur,
	}
	if total := e.encryptOps + e.decryptOps; total > 0 {
		s.AvgLatency = e.totalDur / time.Duration(total)
	}
	return s
}

func (e *Engine) record(encrypt bool, d time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	if encrypt {
		e.encryptOps++
	} else {
		e.decryptOps++
	}
	e.totalDur += d
	if e.minDur == 0 || d < e.minDur {
		e.minDur = d
	}
	if d > e.maxDur {
		e.maxDur = d
	}
}

// cacheKey identifies a wrapped DEK by a digest of the wrapping KEK id and
// the full wrapped blob. Cloud backends return opaque server-side envelopes
// with an empty nonce, so the ciphertext must participate in the key.
func cacheKey(wrapped *types.WrappedKey) string {
	d := sha256.New()
	d.Write([]byte(wrapped.KEKID))
	d.Write(wrapped.Data.Nonce)
	d.Write(wrapped.Data.Ciphertext)
	return string(d.Sum(nil))
}

func (e *Engine) cacheGet(wrapped *types.WrappedKey) ([]byte, bool) {
	if e.cacheSize <= 0 {
		return nil, false
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	dek, ok := e.cache[cacheKey(wrapped)]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(dek))
	copy(out, dek)
	return out, true
}

func (e *Engine) cachePut(wrapped *types.WrappedKey, dek []byte) {
	if e.cacheSize <= 0 {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	key := cacheKey(wrapped)
	if _, ok := e.cache[key]; ok {
		return
	}
	if len(e.cacheFIFO) >= e.cacheSize {
		oldest := e.cacheFIFO[0]
		e.cacheFIFO = e.cacheFIFO[1:]
		zeroize(e.cache[oldest])
		delete(e.cache, oldest)
	}
	stored := make([]byte, len(dek))
	copy(stored, dek)
	e.cache[key] = stored
	e.cacheFIFO = append(e.cacheFIFO, key)
}

// PurgeCache drops all cached DEK material, zeroizing each entry.
func (e *Engine) PurgeCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for key, dek := range e.cache {
		zeroize(dek)
		delete(e.cache, key)
	}
	e.cacheFIFO = nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
