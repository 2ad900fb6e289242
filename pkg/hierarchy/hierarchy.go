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

// Package hierarchy implements the two-level key hierarchy: key encryption
// keys (KEKs) at the root and data encryption keys (DEKs) wrapped beneath
// them. Exactly one KEK is ACTIVE at any time; rotation publishes a
// successor before the predecessor leaves ACTIVE, and retired KEKs remain
// available for unwrapping until their retention window lapses.
//
// KEK material is either resident in an HSM backend (referenced by handle)
// or derived from a master secret with HKDF-SHA-256, salted by the key id.
// Derived material is reconstructed on load and never persisted.
package hierarchy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-kms/pkg/crypto/aead"
	"github.com/jeremyhahn/go-kms/pkg/hsm"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/metrics"
	"github.com/jeremyhahn/go-kms/pkg/storage"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

const (
	// keyStorePrefix is the storage namespace for managed keys.
	keyStorePrefix = "keys/"

	// DefaultRetiredRetention is how long a RETIRED KEK remains usable for
	// unwrapping before unwrap attempts return ErrExpiredResource.
	DefaultRetiredRetention = 30 * 24 * time.Hour
)

// Options configures a Hierarchy.
type Options struct {
	// Store persists key metadata and wrapped DEK material. Required.
	Store storage.Backend

	// HSM, when set, makes KEK material resident in the backend. KEK
	// operations are delegated through the client.
	HSM *hsm.Client

	// MasterSecret seeds HKDF derivation of software KEKs. Required when
	// HSM is nil.
	MasterSecret []byte

	// Algorithm selects the wrapping cipher for software KEKs. Defaults to
	// the platform-preferred AEAD.
	Algorithm types.Algorithm

	// RetiredRetention overrides DefaultRetiredRetention.
	RetiredRetention time.Duration

	Logger *logging.Logger

	// Now injects a clock for tests.
	Now func() time.Time
}

// Hierarchy owns the managed key set. All methods are safe for concurrent
// use; returned keys are clones.
type Hierarchy struct {
	store     storage.Backend
	hsm       *hsm.Client
	master    []byte
	algorithm types.Algorithm
	retention time.Duration
	logger    *logging.Logger
	now       func() time.Time

	mu        sync.RWMutex
	keys      map[string]*types.ManagedKey
	activeKEK string
}

// New builds the hierarchy, loading persisted keys and establishing the
// single-ACTIVE-KEK invariant. If no ACTIVE KEK exists one is created, so a
// freshly constructed hierarchy is always ready to wrap.
func New(ctx context.Context, opts *Options) (*Hierarchy, error) {
	if opts == nil || opts.Store == nil {
		return nil, fmt.Errorf("hierarchy: storage backend required: %w", types.ErrConfiguration)
	}
	if opts.HSM == nil && len(opts.MasterSecret) == 0 {
		return nil, fmt.Errorf("hierarchy: master secret required without an hsm backend: %w",
			types.ErrConfiguration)
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = aead.SelectAlgorithm(opts.HSM != nil)
	}
	if algorithm.KeySize() != aead.KeySize {
		return nil, fmt.Errorf("hierarchy: %s is not a wrapping algorithm: %w",
			algorithm, types.ErrConfiguration)
	}

	retention := opts.RetiredRetention
	if retention == 0 {
		retention = DefaultRetiredRetention
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	h := &Hierarchy{
		store:     opts.Store,
		hsm:       opts.HSM,
		master:    opts.MasterSecret,
		algorithm: algorithm,
		retention: retention,
		logger:    logger,
		now:       now,
		keys:      make(map[string]*types.ManagedKey),
	}

	if err := h.load(); err != nil {
		return nil, err
	}
	if h.activeKEK == "" {
		if _, err := h.createKEK(ctx); err != nil {
			return nil, err
		}
		h.logger.Info("created initial kek", "kek_id", h.activeKEK)
	}
	h.refreshKeyMetrics()
	return h, nil
}

// load reads persisted keys, re-derives software KEK material, and locates
// the ACTIVE KEK. Two ACTIVE KEKs indicate a corrupted store.
func (h *Hierarchy) load() error {
	ids, err := h.store.List(keyStorePrefix)
	if err != nil {
		return fmt.Errorf("hierarchy: list keys: %w", err)
	}

	for _, id := range ids {
		raw, err := h.store.Get(id)
		if err != nil {
			return fmt.Errorf("hierarchy: load %s: %w", id, err)
		}
		var key types.ManagedKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return fmt.Errorf("hierarchy: decode %s: %w", id, err)
		}

		if key.KeyType == types.KeyTypeKEK && key.HSMKeyHandle == "" {
			key.Material, err = aead.DeriveKEK(h.master, []byte(key.KeyID))
			if err != nil {
				return err
			}
		}

		if key.KeyType == types.KeyTypeKEK && key.Status == types.KeyStatusActive {
			if h.activeKEK != "" {
				return fmt.Errorf("hierarchy: keks %s and %s both active: %w",
					h.activeKEK, key.KeyID, types.ErrIntegrityViolation)
			}
			h.activeKEK = key.KeyID
		}
		h.keys[key.KeyID] = &key
	}
	return nil
}

func (h *Hierarchy) persist(key *types.ManagedKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("hierarchy: encode %s: %w", key.KeyID, err)
	}
	if err := h.store.Put(keyStorePrefix+key.KeyID, raw, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("hierarchy: persist %s: %w", key.KeyID, err)
	}
	return nil
}

// createKEK creates and publishes a KEK. Caller must not hold h.mu.
func (h *Hierarchy) createKEK(ctx context.Context) (*types.ManagedKey, error) {
	id := "kek-" + uuid.NewString()

	key := &types.ManagedKey{
		KeyID:     id,
		KeyType:   types.KeyTypeKEK,
		Status:    types.KeyStatusActive,
		Algorithm: h.algorithm,
		Version:   1,
		CreatedAt: h.now().UTC(),
	}

	if h.hsm != nil {
		meta, err := h.hsm.GenerateKey(ctx, types.HSMKeyAES256, id)
		if err != nil {
			return nil, err
		}
		key.HSMKeyHandle = meta.KeyHandle
	} else {
		material, err := aead.DeriveKEK(h.master, []byte(id))
		if err != nil {
			return nil, err
		}
		key.Material = material
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.keys {
		if existing.KeyType == types.KeyTypeKEK && key.Version <= existing.Version {
			key.Version = existing.Version + 1
		}
	}
	if err := h.persist(key); err != nil {
		return nil, err
	}
	h.keys[id] = key
	h.activeKEK = id
	return key.Clone(), nil
}

// ActiveKEK returns a clone of the current KEK.
func (h *Hierarchy) ActiveKEK() (*types.ManagedKey, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	kek, ok := h.keys[h.activeKEK]
	if !ok {
		return nil, fmt.Errorf("hierarchy: no active kek: %w", types.ErrKeyNotFound)
	}
	return kek.Clone(), nil
}

func wrapAAD(kekID string) []byte {
	return []byte("kek:" + kekID)
}

// wrapUnder encrypts material under the given KEK.
func (h *Hierarchy) wrapUnder(ctx context.Context, kek *types.ManagedKey, material []byte) (*types.WrappedKey, error) {
	if kek.HSMKeyHandle != "" {
		data, err := h.hsm.Encrypt(ctx, kek.HSMKeyHandle, material, wrapAAD(kek.KeyID))
		if err != nil {
			return nil, err
		}
		return &types.WrappedKey{KEKID: kek.KeyID, Data: *data}, nil
	}

	cipher, err := aead.New(kek.Algorithm, kek.Material)
	if err != nil {
		return nil, err
	}
	data, err := cipher.Seal(material, wrapAAD(kek.KeyID))
	if err != nil {
		return nil, err
	}
	return &types.WrappedKey{KEKID: kek.KeyID, Data: *data}, nil
}

// WrapDEK wraps raw DEK material under the ACTIVE KEK and counts the use.
func (h *Hierarchy) WrapDEK(ctx context.Context, material []byte) (*types.WrappedKey, error) {
	h.mu.RLock()
	kek, ok := h.keys[h.activeKEK]
	if !ok {
		h.mu.RUnlock()
		return nil, fmt.Errorf("hierarchy: no active kek: %w", types.ErrKeyNotFound)
	}
	snapshot := kek.Clone()
	h.mu.RUnlock()

	wrapped, err := h.wrapUnder(ctx, snapshot, material)
	if err != nil {
		return nil, err
	}
	if _, err := h.IncrementUsage(snapshot.KeyID); err != nil {
		return nil, err
	}
	return wrapped, nil
}

// UnwrapDEK recovers DEK material from a wrapped key. The wrapping KEK may
// be ACTIVE, ROTATING, or RETIRED within its retention window; RETIRED past
// retention returns ErrExpiredResource and REVOKED returns
// ErrAuthenticationFailure.
func (h *Hierarchy) UnwrapDEK(ctx context.Context, wrapped *types.WrappedKey) ([]byte, error) {
	if wrapped == nil || wrapped.KEKID == "" {
		return nil, fmt.Errorf("hierarchy: malformed wrapped key: %w", types.ErrAuthenticationFailure)
	}

	h.mu.RLock()
	kek, ok := h.keys[wrapped.KEKID]
	if !ok {
		h.mu.RUnlock()
		return nil, fmt.Errorf("hierarchy: kek %s: %w", wrapped.KEKID, types.ErrKeyNotFound)
	}
	snapshot := kek.Clone()
	h.mu.RUnlock()

	switch snapshot.Status {
	case types.KeyStatusRevoked:
		return nil, fmt.Errorf("hierarchy: kek %s revoked: %w",
			snapshot.KeyID, types.ErrAuthenticationFailure)
	case types.KeyStatusRetired:
		if snapshot.RetiredAt != nil && h.now().After(snapshot.RetiredAt.Add(h.retention)) {
			return nil, fmt.Errorf("hierarchy: kek %s past retention: %w",
				snapshot.KeyID, types.ErrExpiredResource)
		}
	}

	if snapshot.HSMKeyHandle != "" {
		return h.hsm.Decrypt(ctx, snapshot.HSMKeyHandle, &wrapped.Data, wrapAAD(snapshot.KeyID))
	}

	cipher, err := aead.New(snapshot.Algorithm, snapshot.Material)
	if err != nil {
		return nil, err
	}
	return cipher.Open(&wrapped.Data, wrapAAD(snapshot.KeyID))
}

// GenerateDEK creates a named, persisted DEK wrapped under the ACTIVE KEK.
// The returned clone carries the raw material; the stored record does not.
func (h *Hierarchy) GenerateDEK(ctx context.Context, purpose string, ttl time.Duration) (*types.ManagedKey, error) {
	material, err := aead.GenerateKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := h.WrapDEK(ctx, material)
	if err != nil {
		return nil, err
	}
	wrappedRaw, err := json.Marshal(wrapped.Data)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: encode wrapped dek: %w", err)
	}

	nowT := h.now().UTC()
	key := &types.ManagedKey{
		KeyID:           "dek-" + uuid.NewString(),
		KeyType:         types.KeyTypeDEK,
		Status:          types.KeyStatusActive,
		Algorithm:       h.algorithm,
		Purpose:         purpose,
		Version:         1,
		CreatedAt:       nowT,
		Material:        material,
		WrappedMaterial: wrappedRaw,
		KEKID:           wrapped.KEKID,
	}
	if ttl > 0 {
		expires := nowT.Add(ttl)
		key.ExpiresAt = &expires
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.persist(key); err != nil {
		return nil, err
	}
	h.keys[key.KeyID] = key
	h.refreshKeyMetricsLocked()
	return key.Clone(), nil
}

// GenerateHSMDEK creates a named, persisted DEK resident in the HSM
// backend. The key yields no raw material; data operations are delegated
// to the backend by handle.
func (h *Hierarchy) GenerateHSMDEK(ctx context.Context, purpose string, ttl time.Duration) (*types.ManagedKey, error) {
	if h.hsm == nil {
		return nil, fmt.Errorf("hierarchy: hsm-backed dek without an hsm backend: %w",
			types.ErrConfiguration)
	}

	id := "dek-" + uuid.NewString()
	meta, err := h.hsm.GenerateKey(ctx, types.HSMKeyAES256, id)
	if err != nil {
		return nil, err
	}

	nowT := h.now().UTC()
	key := &types.ManagedKey{
		KeyID:        id,
		KeyType:      types.KeyTypeDEK,
		Status:       types.KeyStatusActive,
		Algorithm:    h.algorithm,
		Purpose:      purpose,
		Version:      1,
		CreatedAt:    nowT,
		HSMKeyHandle: meta.KeyHandle,
	}
	if ttl > 0 {
		expires := nowT.Add(ttl)
		key.ExpiresAt = &expires
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.persist(key); err != nil {
		return nil, err
	}
	h.keys[key.KeyID] = key
	h.refreshKeyMetricsLocked()
	return key.Clone(), nil
}

// UnwrapManagedDEK recovers the raw material of a persisted DEK. Expired
// DEKs return ErrExpiredResource.
func (h *Hierarchy) UnwrapManagedDEK(ctx context.Context, keyID string) ([]byte, error) {
	h.mu.RLock()
	key, ok := h.keys[keyID]
	if !ok || key.KeyType != types.KeyTypeDEK {
		h.mu.RUnlock()
		return nil, fmt.Errorf("hierarchy: dek %s: %w", keyID, types.ErrKeyNotFound)
	}
	snapshot := key.Clone()
	h.mu.RUnlock()

	if snapshot.Expired(h.now()) {
		return nil, fmt.Errorf("hierarchy: dek %s expired: %w", keyID, types.ErrExpiredResource)
	}
	if snapshot.Status == types.KeyStatusRevoked {
		return nil, fmt.Errorf("hierarchy: dek %s revoked: %w", keyID, types.ErrAuthenticationFailure)
	}

	if snapshot.HSMKeyHandle != "" {
		return nil, fmt.Errorf("hierarchy: dek %s is backend-resident and non-extractable: %w",
			keyID, types.ErrNotSupported)
	}

	var data types.EncryptedData
	if err := json.Unmarshal(snapshot.WrappedMaterial, &data); err != nil {
		return nil, fmt.Errorf("hierarchy: decode wrapped dek %s: %w", keyID, err)
	}
	return h.UnwrapDEK(ctx, &types.WrappedKey{KEKID: snapshot.KEKID, Data: data})
}

// RotateKEK creates a successor KEK, publishes it as ACTIVE, and moves the
// predecessor to ROTATING. The predecessor keeps unwrapping until it is
// retired.
func (h *Hierarchy) RotateKEK(ctx context.Context) (old, current *types.ManagedKey, err error) {
	h.mu.Lock()
	predecessor, ok := h.keys[h.activeKEK]
	if !ok {
		h.mu.Unlock()
		return nil, nil, fmt.Errorf("hierarchy: no active kek: %w", types.ErrKeyNotFound)
	}
	predecessorID := predecessor.KeyID
	h.mu.Unlock()

	successor, err := h.createSuccessorKEK(ctx, predecessorID)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	predecessor = h.keys[predecessorID]
	h.refreshKeyMetricsLocked()
	return predecessor.Clone(), successor, nil
}

// createSuccessorKEK generates the successor's material first, then swaps
// statuses and publishes under the lock. The predecessor is persisted as
// ROTATING before the successor record lands, so a crash mid-rotation leaves
// at most one ACTIVE KEK on disk.
func (h *Hierarchy) createSuccessorKEK(ctx context.Context, predecessorID string) (*types.ManagedKey, error) {
	id := "kek-" + uuid.NewString()

	successor := &types.ManagedKey{
		KeyID:     id,
		KeyType:   types.KeyTypeKEK,
		Status:    types.KeyStatusActive,
		Algorithm: h.algorithm,
		CreatedAt: h.now().UTC(),
	}

	if h.hsm != nil {
		meta, err := h.hsm.GenerateKey(ctx, types.HSMKeyAES256, id)
		if err != nil {
			return nil, err
		}
		successor.HSMKeyHandle = meta.KeyHandle
	} else {
		material, err := aead.DeriveKEK(h.master, []byte(id))
		if err != nil {
			return nil, err
		}
		successor.Material = material
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	predecessor, ok := h.keys[predecessorID]
	if !ok {
		return nil, fmt.Errorf("hierarchy: kek %s: %w", predecessorID, types.ErrKeyNotFound)
	}
	if !predecessor.Status.CanTransition(types.KeyStatusRotating) {
		return nil, fmt.Errorf("hierarchy: kek %s in %s cannot begin rotation: %w",
			predecessorID, predecessor.Status, types.ErrConfiguration)
	}

	successor.Version = predecessor.Version + 1

	rotated := h.now().UTC()
	predecessor.Status = types.KeyStatusRotating
	predecessor.RotatedAt = &rotated
	if err := h.persist(predecessor); err != nil {
		predecessor.Status = types.KeyStatusActive
		predecessor.RotatedAt = nil
		return nil, err
	}

	if err := h.persist(successor); err != nil {
		return nil, err
	}
	h.keys[successor.KeyID] = successor
	h.activeKEK = successor.KeyID

	h.logger.Info("rotated kek",
		"old_kek_id", predecessorID, "new_kek_id", successor.KeyID,
		"version", successor.Version)
	return successor.Clone(), nil
}

// RotateDEK creates a successor for a persisted DEK with the same purpose
// and expiry window, and moves the predecessor to ROTATING.
func (h *Hierarchy) RotateDEK(ctx context.Context, keyID string) (old, current *types.ManagedKey, err error) {
	h.mu.RLock()
	predecessor, ok := h.keys[keyID]
	if !ok || predecessor.KeyType != types.KeyTypeDEK {
		h.mu.RUnlock()
		return nil, nil, fmt.Errorf("hierarchy: dek %s: %w", keyID, types.ErrKeyNotFound)
	}
	if !predecessor.Status.CanTransition(types.KeyStatusRotating) {
		status := predecessor.Status
		h.mu.RUnlock()
		return nil, nil, fmt.Errorf("hierarchy: dek %s in %s cannot begin rotation: %w",
			keyID, status, types.ErrConfiguration)
	}
	purpose := predecessor.Purpose
	var ttl time.Duration
	if predecessor.ExpiresAt != nil {
		ttl = predecessor.ExpiresAt.Sub(predecessor.CreatedAt)
	}
	version := predecessor.Version
	hsmBacked := predecessor.HSMKeyHandle != ""
	h.mu.RUnlock()

	// The successor keeps the predecessor's backing mode.
	var successor *types.ManagedKey
	if hsmBacked {
		successor, err = h.GenerateHSMDEK(ctx, purpose, ttl)
	} else {
		successor, err = h.GenerateDEK(ctx, purpose, ttl)
	}
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	predecessor, ok = h.keys[keyID]
	if !ok {
		h.discardSuccessorLocked(successor.KeyID)
		return nil, nil, fmt.Errorf("hierarchy: dek %s: %w", keyID, types.ErrKeyNotFound)
	}
	if !predecessor.Status.CanTransition(types.KeyStatusRotating) {
		// A concurrent rotation won the race. Withdraw the successor this
		// call minted so only the winner's survives.
		h.discardSuccessorLocked(successor.KeyID)
		return nil, nil, fmt.Errorf("hierarchy: dek %s in %s cannot begin rotation: %w",
			keyID, predecessor.Status, types.ErrConfiguration)
	}
	rotated := h.now().UTC()
	predecessor.Status = types.KeyStatusRotating
	predecessor.RotatedAt = &rotated
	if err := h.persist(predecessor); err != nil {
		return nil, nil, err
	}

	succ := h.keys[successor.KeyID]
	succ.Version = version + 1
	if err := h.persist(succ); err != nil {
		return nil, nil, err
	}
	successor.Version = succ.Version

	h.refreshKeyMetricsLocked()
	return predecessor.Clone(), successor, nil
}

// discardSuccessorLocked removes a freshly minted successor key that lost a
// rotation race. Callers hold the write lock.
func (h *Hierarchy) discardSuccessorLocked(keyID string) {
	delete(h.keys, keyID)
	_ = h.logger.MaybeError(h.store.Delete(keyStorePrefix + keyID))
}

// MarkStatus transitions a key's lifecycle status, enforcing the ordering
// rules. Moving to RETIRED stamps RetiredAt.
func (h *Hierarchy) MarkStatus(keyID string, next types.KeyStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, ok := h.keys[keyID]
	if !ok {
		return fmt.Errorf("hierarchy: key %s: %w", keyID, types.ErrKeyNotFound)
	}
	if !key.Status.CanTransition(next) {
		return fmt.Errorf("hierarchy: key %s: invalid transition %s -> %s: %w",
			keyID, key.Status, next, types.ErrConfiguration)
	}

	prev := key.Status
	key.Status = next
	if next == types.KeyStatusRetired {
		retired := h.now().UTC()
		key.RetiredAt = &retired
	}
	if err := h.persist(key); err != nil {
		key.Status = prev
		key.RetiredAt = nil
		return err
	}

	h.logger.Info("key status changed", "key_id", keyID, "from", prev, "to", next)
	h.refreshKeyMetricsLocked()
	return nil
}

// IncrementUsage bumps and persists a key's usage counter, returning the new
// count.
func (h *Hierarchy) IncrementUsage(keyID string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, ok := h.keys[keyID]
	if !ok {
		return 0, fmt.Errorf("hierarchy: key %s: %w", keyID, types.ErrKeyNotFound)
	}
	key.UsageCount++
	if err := h.persist(key); err != nil {
		key.UsageCount--
		return 0, err
	}
	return key.UsageCount, nil
}

// GetKey returns a clone of the key.
func (h *Hierarchy) GetKey(keyID string) (*types.ManagedKey, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	key, ok := h.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hierarchy: key %s: %w", keyID, types.ErrKeyNotFound)
	}
	return key.Clone(), nil
}

// ListKeys returns metadata for every managed key. Material is never
// included.
func (h *Hierarchy) ListKeys() []types.KeyMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()

	metas := make([]types.KeyMetadata, 0, len(h.keys))
	for _, key := range h.keys {
		provider := types.ProviderMock
		if h.hsm != nil {
			provider = h.hsm.Type()
		}
		metas = append(metas, types.KeyMetadata{
			KeyID:     key.KeyID,
			KeyType:   key.KeyType,
			Status:    key.Status,
			Algorithm: key.Algorithm,
			Provider:  provider,
			Label:     key.Purpose,
			CreatedAt: key.CreatedAt,
		})
	}
	return metas
}

func (h *Hierarchy) refreshKeyMetrics() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.refreshKeyMetricsLocked()
}

func (h *Hierarchy) refreshKeyMetricsLocked() {
	counts := make(map[[2]string]int)
	for _, key := range h.keys {
		counts[[2]string{string(key.KeyType), string(key.Status)}]++
	}
	for label, count := range counts {
		metrics.SetKeysTotal(label[0], label[1], float64(count))
	}
}
