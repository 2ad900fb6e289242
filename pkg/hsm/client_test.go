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

package hsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// fakeBackend counts calls and fails a configurable number of times before
// succeeding.
type fakeBackend struct {
	caps         types.Capabilities
	failures     int
	calls        int
	healthErr    error
	generateMeta *types.HSMKeyMetadata
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		caps: types.SoftwareCapabilities(),
		generateMeta: &types.HSMKeyMetadata{
			KeyID:     "fake-1",
			KeyHandle: "handle-1",
			Provider:  types.ProviderMock,
		},
	}
}

func (f *fakeBackend) step() error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient backend failure")
	}
	return nil
}

func (f *fakeBackend) Type() types.ProviderType          { return types.ProviderMock }
func (f *fakeBackend) Capabilities() types.Capabilities  { return f.caps }
func (f *fakeBackend) Close() error                      { return nil }
func (f *fakeBackend) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeBackend) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return f.generateMeta, nil
}

func (f *fakeBackend) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &types.EncryptedData{Ciphertext: plaintext}, nil
}

func (f *fakeBackend) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return data.Ciphertext, nil
}

func (f *fakeBackend) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &types.EncryptedData{Ciphertext: material}, nil
}

func (f *fakeBackend) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return wrapped.Ciphertext, nil
}

func (f *fakeBackend) DeleteKey(ctx context.Context, handle string) error {
	return f.step()
}

func (f *fakeBackend) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return []*types.HSMKeyMetadata{f.generateMeta}, nil
}

func testOptions() *ClientOptions {
	return &ClientOptions{
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		Logger:         logging.New(io.Discard, false),
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 2
	client := NewClient(backend, testOptions())

	meta, err := client.GenerateKey(context.Background(), types.HSMKeyAES256, "test")
	require.NoError(t, err)
	assert.Equal(t, "fake-1", meta.KeyID)
	assert.Equal(t, 3, backend.calls)
	assert.True(t, client.Healthy())
}

func TestClientExhaustedRetriesMarksUnhealthy(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 100
	client := NewClient(backend, testOptions())

	_, err := client.Encrypt(context.Background(), "handle-1", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrHSMOperation)
	assert.False(t, client.Healthy())
	// MaxRetries=2 means 3 attempts total.
	assert.Equal(t, 3, backend.calls)
}

func TestClientFailsClosedOnGenerate(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 100
	client := NewClient(backend, testOptions())

	_, err := client.Encrypt(context.Background(), "handle-1", []byte("x"), nil)
	require.Error(t, err)
	require.False(t, client.Healthy())

	// Unhealthy backend refuses new key creation without touching the
	// backend.
	calls := backend.calls
	_, err = client.GenerateKey(context.Background(), types.HSMKeyAES256, "test")
	assert.ErrorIs(t, err, types.ErrHSMOperation)
	assert.Equal(t, calls, backend.calls)

	// Decrypt is still attempted; recovery paths stay open.
	backend.failures = 0
	backend.calls = 0
	_, err = client.Decrypt(context.Background(), "handle-1", &types.EncryptedData{Ciphertext: []byte("x")}, nil)
	assert.NoError(t, err)

	// A successful operation restores health.
	assert.True(t, client.Healthy())
	_, err = client.GenerateKey(context.Background(), types.HSMKeyAES256, "test")
	assert.NoError(t, err)
}

func TestClientDoesNotRetryCapabilityErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.caps = types.HardwareCapabilities()
	client := NewClient(backend, testOptions())

	_, err := client.WrapKey(context.Background(), "handle-1", []byte("material"))
	assert.ErrorIs(t, err, types.ErrNotSupported)
	assert.Equal(t, 0, backend.calls)

	_, err = client.UnwrapKey(context.Background(), "handle-1", &types.EncryptedData{})
	assert.ErrorIs(t, err, types.ErrNotSupported)
	assert.Equal(t, 0, backend.calls)
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", errors.New("connection reset"), true},
		{"not supported", fmt.Errorf("op: %w", types.ErrNotSupported), false},
		{"configuration", fmt.Errorf("op: %w", types.ErrConfiguration), false},
		{"key not found", fmt.Errorf("op: %w", types.ErrKeyNotFound), false},
		{"auth failure", fmt.Errorf("op: %w", types.ErrAuthenticationFailure), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestClientHealthCheck(t *testing.T) {
	backend := newFakeBackend()
	client := NewClient(backend, testOptions())

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.True(t, client.Healthy())

	backend.healthErr = errors.New("slot unavailable")
	err := client.HealthCheck(context.Background())
	assert.ErrorIs(t, err, types.ErrHSMOperation)
	assert.False(t, client.Healthy())

	backend.healthErr = nil
	require.NoError(t, client.HealthCheck(context.Background()))
	assert.True(t, client.Healthy())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.New(types.ProviderPKCS11)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	registry.Register(types.ProviderMock, func() (types.Backend, error) {
		return newFakeBackend(), nil
	})
	registry.Register(types.ProviderVault, func() (types.Backend, error) {
		return nil, errors.New("vault sealed")
	})

	backend, err := registry.New(types.ProviderMock)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderMock, backend.Type())

	_, err = registry.New(types.ProviderVault)
	assert.Error(t, err)

	providers := registry.Providers()
	assert.Equal(t, []types.ProviderType{types.ProviderMock, types.ProviderVault}, providers)
}
