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

// Package hsm provides the client wrapper and provider registry over the
// types.Backend capability interface. The client serializes access through
// a rate limiter, applies bounded retry with exponential backoff to
// transient backend failures, and fails closed: after retries are exhausted
// the backend is marked unhealthy and new key creation is refused until a
// health check succeeds.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/metrics"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

const (
	// DefaultMaxRetries is the number of retries applied to transient
	// backend failures.
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is the initial backoff delay; it doubles per
	// attempt.
	DefaultRetryBaseDelay = 100 * time.Millisecond

	// DefaultOpTimeout bounds a single backend call.
	DefaultOpTimeout = 10 * time.Second

	// DefaultRateLimit is the sustained backend operation rate. PKCS#11
	// sessions are not assumed thread-safe; the limiter also smooths
	// bursts against slot-constrained hardware.
	DefaultRateLimit = rate.Limit(200)

	// DefaultRateBurst is the limiter burst size.
	DefaultRateBurst = 20
)

// ClientOptions configures a Client. Zero values take the defaults above.
type ClientOptions struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	OpTimeout      time.Duration
	RateLimit      rate.Limit
	RateBurst      int
	Logger         *logging.Logger
}

// Client wraps a types.Backend with retry, rate limiting, and health
// tracking. All key hierarchy access to an HSM goes through a Client.
type Client struct {
	backend    types.Backend
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	opTimeout  time.Duration
	healthy    atomic.Bool
	logger     *logging.Logger
}

// NewClient wraps backend. The backend starts healthy; the first exhausted
// retry sequence marks it unhealthy until HealthCheck succeeds.
func NewClient(backend types.Backend, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}

	c := &Client{
		backend:    backend,
		limiter:    rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
		opTimeout:  opts.OpTimeout,
		logger:     opts.Logger.With("backend", string(backend.Type())),
	}
	c.healthy.Store(true)
	metrics.SetBackendHealth(string(backend.Type()), true)
	return c
}

// Type returns the wrapped backend's provider identifier.
func (c *Client) Type() types.ProviderType {
	return c.backend.Type()
}

// Capabilities returns the wrapped backend's capability set.
func (c *Client) Capabilities() types.Capabilities {
	return c.backend.Capabilities()
}

// Healthy reports whether the backend passed its most recent operation or
// health check.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// retryable reports whether an error is worth retrying. Capability,
// configuration, lookup, and authentication errors are deterministic;
// retrying them only wastes HSM sessions.
func retryable(err error) bool {
	switch {
	case errors.Is(err, types.ErrNotSupported),
		errors.Is(err, types.ErrConfiguration),
		errors.Is(err, types.ErrKeyNotFound),
		errors.Is(err, types.ErrAuthenticationFailure),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// do runs fn with rate limiting, a per-call timeout, and bounded retry.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	backendName := string(c.backend.Type())

	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			c.logger.Debug("retrying hsm operation",
				"operation", op, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				metrics.RecordOperation(op, backendName, metrics.StatusError, time.Since(start).Seconds())
				return fmt.Errorf("hsm: %s: %v: %w", op, ctx.Err(), types.ErrHSMOperation)
			}
		}

		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			metrics.RecordOperation(op, backendName, metrics.StatusError, time.Since(start).Seconds())
			return fmt.Errorf("hsm: %s: %v: %w", op, waitErr, types.ErrHSMOperation)
		}

		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		err = fn(opCtx)
		cancel()

		if err == nil {
			c.healthy.Store(true)
			metrics.SetBackendHealth(backendName, true)
			metrics.RecordOperation(op, backendName, metrics.StatusSuccess, time.Since(start).Seconds())
			return nil
		}
		if !retryable(err) {
			metrics.RecordOperation(op, backendName, metrics.StatusError, time.Since(start).Seconds())
			return err
		}
	}

	// Retries exhausted. Mark the backend unhealthy so key creation fails
	// closed until a health check passes.
	c.healthy.Store(false)
	metrics.SetBackendHealth(backendName, false)
	metrics.RecordOperation(op, backendName, metrics.StatusError, time.Since(start).Seconds())
	metrics.RecordError(op, backendName, "retries_exhausted")
	c.logger.Errorf("hsm operation %s failed after %d retries: %v", op, c.maxRetries, err)

	return fmt.Errorf("hsm: %s failed after %d retries: %v: %w",
		op, c.maxRetries, err, types.ErrHSMOperation)
}

// GenerateKey creates a key in the backend. Creation is refused while the
// backend is unhealthy.
func (c *Client) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	if !c.backend.Capabilities().GenerateKey {
		return nil, fmt.Errorf("hsm: generate key on %s: %w", c.backend.Type(), types.ErrNotSupported)
	}
	if !c.healthy.Load() {
		return nil, fmt.Errorf("hsm: backend %s unhealthy, refusing key creation: %w",
			c.backend.Type(), types.ErrHSMOperation)
	}

	var meta *types.HSMKeyMetadata
	err := c.do(ctx, metrics.OpGenerate, func(ctx context.Context) error {
		var err error
		meta, err = c.backend.GenerateKey(ctx, keyType, label)
		return err
	})
	return meta, err
}

// Encrypt encrypts plaintext with the backend key identified by handle.
func (c *Client) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	if !c.backend.Capabilities().Encrypt {
		return nil, fmt.Errorf("hsm: encrypt on %s: %w", c.backend.Type(), types.ErrNotSupported)
	}

	var data *types.EncryptedData
	err := c.do(ctx, metrics.OpEncrypt, func(ctx context.Context) error {
		var err error
		data, err = c.backend.Encrypt(ctx, handle, plaintext, aad)
		return err
	})
	return data, err
}

// Decrypt decrypts data with the backend key identified by handle.
func (c *Client) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	if !c.backend.Capabilities().Decrypt {
		return nil, fmt.Errorf("hsm: decrypt on %s: %w", c.backend.Type(), types.ErrNotSupported)
	}

	var plaintext []byte
	err := c.do(ctx, metrics.OpDecrypt, func(ctx context.Context) error {
		var err error
		plaintext, err = c.backend.Decrypt(ctx, handle, data, aad)
		return err
	})
	return plaintext, err
}

// WrapKey wraps raw key material under the backend key identified by
// handle.
func (c *Client) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	if !c.backend.Capabilities().WrapKey {
		return nil, fmt.Errorf("hsm: wrap key on %s: %w", c.backend.Type(), types.ErrNotSupported)
	}

	var wrapped *types.EncryptedData
	err := c.do(ctx, metrics.OpWrap, func(ctx context.Context) error {
		var err error
		wrapped, err = c.backend.WrapKey(ctx, handle, material)
		return err
	})
	return wrapped, err
}

// UnwrapKey unwraps key material under the backend key identified by
// handle.
func (c *Client) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	if !c.backend.Capabilities().UnwrapKey {
		return nil, fmt.Errorf("hsm: unwrap key on %s: %w", c.backend.Type(), types.ErrNotSupported)
	}

	var material []byte
	err := c.do(ctx, metrics.OpUnwrap, func(ctx context.Context) error {
		var err error
		material, err = c.backend.UnwrapKey(ctx, handle, wrapped)
		return err
	})
	return material, err
}

// DeleteKey removes the backend key identified by handle.
func (c *Client) DeleteKey(ctx context.Context, handle string) error {
	if !c.backend.Capabilities().DeleteKey {
		return fmt.Errorf("hsm: delete key on %s: %w", c.backend.Type(), types.ErrNotSupported)
	}

	return c.do(ctx, metrics.OpDelete, func(ctx context.Context) error {
		return c.backend.DeleteKey(ctx, handle)
	})
}

// ListKeys returns metadata for all keys resident in the backend.
func (c *Client) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	if !c.backend.Capabilities().ListKeys {
		return nil, fmt.Errorf("hsm: list keys on %s: %w", c.backend.Type(), types.ErrNotSupported)
	}

	var keys []*types.HSMKeyMetadata
	err := c.do(ctx, metrics.OpList, func(ctx context.Context) error {
		var err error
		keys, err = c.backend.ListKeys(ctx)
		return err
	})
	return keys, err
}

// HealthCheck probes the backend once, without retry, and updates the
// health state.
func (c *Client) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	backendName := string(c.backend.Type())
	err := c.backend.HealthCheck(opCtx)
	if err != nil {
		c.healthy.Store(false)
		metrics.SetBackendHealth(backendName, false)
		return fmt.Errorf("hsm: health check: %v: %w", err, types.ErrHSMOperation)
	}

	c.healthy.Store(true)
	metrics.SetBackendHealth(backendName, true)
	return nil
}

// Close releases the wrapped backend.
func (c *Client) Close() error {
	return c.backend.Close()
}
