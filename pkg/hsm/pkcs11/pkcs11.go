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

//go:build pkcs11

package pkcs11

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThalesGroup/crypto11"
	p11 "github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

const (
	aesKeyBytes = 32
	gcmTagBits  = 128
	gcmNonceLen = 12
)

// contextRef caches crypto11 contexts per module+token. Reconfiguring the
// same module in one process invalidates existing sessions, so backends
// sharing a token share one context.
type contextRef struct {
	ctx      *crypto11.Context
	refCount int
}

var (
	contextCacheMu sync.Mutex
	contextCache   = make(map[string]*contextRef)
)

func cacheKey(cfg *Config) string {
	return cfg.Library + "|" + cfg.TokenLabel
}

// Backend is a PKCS#11 hardware backend. Sessions are opened per operation
// under a mutex; PKCS#11 sessions are not assumed thread-safe.
type Backend struct {
	mu     sync.Mutex
	config *Config
	ctx    *crypto11.Context
	p11ctx *p11.Ctx
	logger *logging.Logger
	closed bool
}

// New opens the PKCS#11 module and logs in to the configured token.
func New(cfg *Config, logger *logging.Logger) (types.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	b := &Backend{config: cfg, logger: logger}

	contextCacheMu.Lock()
	if ref, exists := contextCache[cacheKey(cfg)]; exists {
		b.ctx = ref.ctx
		ref.refCount++
		contextCacheMu.Unlock()
	} else {
		c11cfg := &crypto11.Config{
			Path:       cfg.Library,
			TokenLabel: cfg.TokenLabel,
			Pin:        cfg.PIN,
		}
		if cfg.TokenLabel == "" && cfg.Slot != nil {
			c11cfg.SlotNumber = cfg.Slot
		}
		ctx, err := crypto11.Configure(c11cfg)
		if err != nil {
			contextCacheMu.Unlock()
			return nil, fmt.Errorf("pkcs11: configure context: %v: %w", err, types.ErrHSMOperation)
		}
		b.ctx = ctx
		contextCache[cacheKey(cfg)] = &contextRef{ctx: ctx, refCount: 1}
		contextCacheMu.Unlock()
	}

	// Raw module handle for session-level operations crypto11 does not
	// expose (GCM with AAD, slot enumeration).
	raw := p11.New(cfg.Library)
	if raw == nil {
		return nil, fmt.Errorf("pkcs11: load library %s: %w", cfg.Library, types.ErrHSMOperation)
	}
	if err := raw.Initialize(); err != nil {
		if err != p11.Error(p11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			return nil, fmt.Errorf("pkcs11: initialize: %v: %w", err, types.ErrHSMOperation)
		}
	}
	b.p11ctx = raw

	return b, nil
}

// Type returns the pkcs11 provider identifier.
func (b *Backend) Type() types.ProviderType {
	return types.ProviderPKCS11
}

// Capabilities returns the hardware capability set. Wrap and unwrap are
// absent; material never crosses the module boundary.
func (b *Backend) Capabilities() types.Capabilities {
	return types.HardwareCapabilities()
}

// slot resolves the configured slot, defaulting to the first token-present
// slot.
func (b *Backend) slot() (uint, error) {
	slots, err := b.p11ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("pkcs11: get slot list: %v: %w", err, types.ErrHSMOperation)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("pkcs11: no slots with token present: %w", types.ErrResourceExhausted)
	}
	if b.config.Slot != nil {
		return uint(*b.config.Slot), nil
	}
	return slots[0], nil
}

// withSession runs fn in a fresh logged-in session. Logout is never called;
// it would affect every session on the token including crypto11's pool.
func (b *Backend) withSession(fn func(session p11.SessionHandle) error) error {
	slot, err := b.slot()
	if err != nil {
		return err
	}

	session, err := b.p11ctx.OpenSession(slot, p11.CKF_SERIAL_SESSION|p11.CKF_RW_SESSION)
	if err != nil {
		if err == p11.Error(p11.CKR_SESSION_COUNT) {
			return fmt.Errorf("pkcs11: session count exceeded: %w", types.ErrResourceExhausted)
		}
		return fmt.Errorf("pkcs11: open session: %v: %w", err, types.ErrHSMOperation)
	}
	defer b.p11ctx.CloseSession(session)

	if err := b.p11ctx.Login(session, p11.CKU_USER, b.config.PIN); err != nil {
		if err != p11.Error(p11.CKR_USER_ALREADY_LOGGED_IN) {
			return fmt.Errorf("pkcs11: login: %v: %w", err, types.ErrHSMOperation)
		}
	}

	return fn(session)
}

// findKey locates a secret key by label within the given session. Handles
// are session-specific and must be resolved in the session that uses them.
func (b *Backend) findKey(session p11.SessionHandle, label string) (p11.ObjectHandle, error) {
	template := []*p11.Attribute{
		p11.NewAttribute(p11.CKA_CLASS, p11.CKO_SECRET_KEY),
		p11.NewAttribute(p11.CKA_LABEL, label),
	}

	if err := b.p11ctx.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("pkcs11: find init: %v: %w", err, types.ErrHSMOperation)
	}
	handles, _, err := b.p11ctx.FindObjects(session, 1)
	if err != nil {
		b.p11ctx.FindObjectsFinal(session)
		return 0, fmt.Errorf("pkcs11: find objects: %v: %w", err, types.ErrHSMOperation)
	}
	if err := b.p11ctx.FindObjectsFinal(session); err != nil {
		return 0, fmt.Errorf("pkcs11: find final: %v: %w", err, types.ErrHSMOperation)
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("pkcs11: key %s: %w", label, types.ErrKeyNotFound)
	}
	return handles[0], nil
}

func (b *Backend) label(handle string) string {
	if b.config.KeyLabelPrefix == "" {
		return handle
	}
	return b.config.KeyLabelPrefix + handle
}

// GenerateKey creates a non-extractable AES-256 key on the token.
func (b *Backend) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("pkcs11: backend closed: %w", types.ErrHSMOperation)
	}
	if keyType != types.HSMKeyAES256 {
		return nil, fmt.Errorf("pkcs11: key type %s: %w", keyType, types.ErrNotSupported)
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("pkcs11: id generation: %w", err)
	}
	handle := fmt.Sprintf("p11-%s-%s", strings.ToLower(string(keyType)), hex.EncodeToString(idBytes))
	keyLabel := b.label(handle)

	err := b.withSession(func(session p11.SessionHandle) error {
		template := []*p11.Attribute{
			p11.NewAttribute(p11.CKA_CLASS, p11.CKO_SECRET_KEY),
			p11.NewAttribute(p11.CKA_KEY_TYPE, p11.CKK_AES),
			p11.NewAttribute(p11.CKA_VALUE_LEN, aesKeyBytes),
			p11.NewAttribute(p11.CKA_LABEL, keyLabel),
			p11.NewAttribute(p11.CKA_ID, idBytes),
			p11.NewAttribute(p11.CKA_TOKEN, true),
			p11.NewAttribute(p11.CKA_PRIVATE, true),
			p11.NewAttribute(p11.CKA_SENSITIVE, true),
			p11.NewAttribute(p11.CKA_EXTRACTABLE, false),
			p11.NewAttribute(p11.CKA_ENCRYPT, true),
			p11.NewAttribute(p11.CKA_DECRYPT, true),
		}
		mechanism := []*p11.Mechanism{p11.NewMechanism(p11.CKM_AES_KEY_GEN, nil)}

		_, err := b.p11ctx.GenerateKey(session, mechanism, template)
		if err != nil {
			return fmt.Errorf("pkcs11: generate key: %v: %w", err, types.ErrHSMOperation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("generated pkcs11 key", "handle", handle)
	return &types.HSMKeyMetadata{
		KeyID:       handle,
		KeyType:     keyType,
		Provider:    types.ProviderPKCS11,
		KeyHandle:   handle,
		Label:       keyLabel,
		Extractable: false,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Encrypt performs AES-GCM encryption on the module.
func (b *Backend) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("pkcs11: nonce generation: %w", err)
	}

	var sealed []byte
	err := b.withSession(func(session p11.SessionHandle) error {
		key, err := b.findKey(session, b.label(handle))
		if err != nil {
			return err
		}

		// Tag length is in bits, not bytes.
		params := p11.NewGCMParams(nonce, aad, gcmTagBits)
		defer params.Free()
		mechanism := []*p11.Mechanism{p11.NewMechanism(p11.CKM_AES_GCM, params)}

		if err := b.p11ctx.EncryptInit(session, mechanism, key); err != nil {
			return fmt.Errorf("pkcs11: encrypt init: %v: %w", err, types.ErrHSMOperation)
		}
		sealed, err = b.p11ctx.Encrypt(session, plaintext)
		if err != nil {
			return fmt.Errorf("pkcs11: encrypt: %v: %w", err, types.ErrHSMOperation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tagBytes := gcmTagBits / 8
	if len(sealed) < tagBytes {
		return nil, fmt.Errorf("pkcs11: short ciphertext: %w", types.ErrHSMOperation)
	}

	return &types.EncryptedData{
		Ciphertext:  sealed[:len(sealed)-tagBytes],
		Nonce:       nonce,
		Tag:         sealed[len(sealed)-tagBytes:],
		Algorithm:   types.AlgorithmAES256GCM,
		KeyVersion:  handle,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt performs AES-GCM decryption on the module. Authentication
// failures from the module surface as types.ErrAuthenticationFailure.
func (b *Backend) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var plaintext []byte
	err := b.withSession(func(session p11.SessionHandle) error {
		key, err := b.findKey(session, b.label(handle))
		if err != nil {
			return err
		}

		params := p11.NewGCMParams(data.Nonce, aad, len(data.Tag)*8)
		defer params.Free()
		mechanism := []*p11.Mechanism{p11.NewMechanism(p11.CKM_AES_GCM, params)}

		if err := b.p11ctx.DecryptInit(session, mechanism, key); err != nil {
			return fmt.Errorf("pkcs11: decrypt init: %v: %w", err, types.ErrHSMOperation)
		}

		sealed := make([]byte, 0, len(data.Ciphertext)+len(data.Tag))
		sealed = append(sealed, data.Ciphertext...)
		sealed = append(sealed, data.Tag...)

		plaintext, err = b.p11ctx.Decrypt(session, sealed)
		if err != nil {
			if err == p11.Error(p11.CKR_ENCRYPTED_DATA_INVALID) {
				return fmt.Errorf("pkcs11: decrypt: %w", types.ErrAuthenticationFailure)
			}
			return fmt.Errorf("pkcs11: decrypt: %v: %w", err, types.ErrHSMOperation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// WrapKey is not supported; raw key export crosses the module boundary.
func (b *Backend) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	return nil, fmt.Errorf("pkcs11: wrap key: %w", types.ErrNotSupported)
}

// UnwrapKey is not supported; raw key import crosses the module boundary.
func (b *Backend) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	return nil, fmt.Errorf("pkcs11: unwrap key: %w", types.ErrNotSupported)
}

// DeleteKey destroys the key object on the token.
func (b *Backend) DeleteKey(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.withSession(func(session p11.SessionHandle) error {
		key, err := b.findKey(session, b.label(handle))
		if err != nil {
			return err
		}
		if err := b.p11ctx.DestroyObject(session, key); err != nil {
			return fmt.Errorf("pkcs11: destroy object: %v: %w", err, types.ErrHSMOperation)
		}
		return nil
	})
}

// ListKeys enumerates secret keys created by this module.
func (b *Backend) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var metas []*types.HSMKeyMetadata
	err := b.withSession(func(session p11.SessionHandle) error {
		template := []*p11.Attribute{
			p11.NewAttribute(p11.CKA_CLASS, p11.CKO_SECRET_KEY),
		}
		if err := b.p11ctx.FindObjectsInit(session, template); err != nil {
			return fmt.Errorf("pkcs11: find init: %v: %w", err, types.ErrHSMOperation)
		}
		defer b.p11ctx.FindObjectsFinal(session)

		for {
			handles, _, err := b.p11ctx.FindObjects(session, 32)
			if err != nil {
				return fmt.Errorf("pkcs11: find objects: %v: %w", err, types.ErrHSMOperation)
			}
			if len(handles) == 0 {
				break
			}
			for _, h := range handles {
				attrs, err := b.p11ctx.GetAttributeValue(session, h, []*p11.Attribute{
					p11.NewAttribute(p11.CKA_LABEL, nil),
				})
				if err != nil || len(attrs) == 0 {
					continue
				}
				label := string(attrs[0].Value)
				if b.config.KeyLabelPrefix != "" && !strings.HasPrefix(label, b.config.KeyLabelPrefix) {
					continue
				}
				metas = append(metas, &types.HSMKeyMetadata{
					KeyID:       strings.TrimPrefix(label, b.config.KeyLabelPrefix),
					KeyType:     types.HSMKeyAES256,
					Provider:    types.ProviderPKCS11,
					KeyHandle:   strings.TrimPrefix(label, b.config.KeyLabelPrefix),
					Label:       label,
					Extractable: false,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// HealthCheck verifies the module responds and a token is present.
func (b *Backend) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("pkcs11: backend closed: %w", types.ErrHSMOperation)
	}
	if _, err := b.p11ctx.GetInfo(); err != nil {
		return fmt.Errorf("pkcs11: module info: %v: %w", err, types.ErrHSMOperation)
	}
	_, err := b.slot()
	return err
}

// Close releases the raw module handle and drops the shared context
// reference, finalizing it when this was the last user.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	contextCacheMu.Lock()
	if ref, exists := contextCache[cacheKey(b.config)]; exists {
		ref.refCount--
		if ref.refCount <= 0 {
			ref.ctx.Close()
			delete(contextCache, cacheKey(b.config))
		}
	}
	contextCacheMu.Unlock()

	if b.p11ctx != nil {
		b.p11ctx.Destroy()
	}
	return nil
}
