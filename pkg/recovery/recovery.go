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

// Package recovery implements threshold-based key recovery. A secret is
// split into single-use shares with Shamir secret sharing; reconstruction
// runs as a ceremony that collects shares one at a time and releases the
// secret only when the threshold is met and the result matches the expected
// key fingerprint.
//
// Share data is returned to custodians at split time and held in process
// memory during a ceremony; the persistent store carries only share and
// ceremony metadata, never share payloads.
package recovery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-kms/pkg/crypto/secretsharing"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/metrics"
	"github.com/jeremyhahn/go-kms/pkg/storage"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

const (
	ceremonyStorePrefix = "recovery/ceremonies/"
	shareStorePrefix    = "recovery/shares/"

	// DefaultShareTTL is how long issued shares remain valid.
	DefaultShareTTL = 90 * 24 * time.Hour

	// DefaultCeremonyTTL is how long an open ceremony accepts shares.
	DefaultCeremonyTTL = time.Hour

	// fingerprintLen is the hex length of a key fingerprint.
	fingerprintLen = 16
)

// Fingerprint returns the public identifier of a secret: the first 16 hex
// characters of its SHA-256 digest.
func Fingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// KeyShare is one custodian's share of a split secret. Data and Checksum are
// present only on the copy handed to the custodian.
type KeyShare struct {
	ShareID        string     `json:"share_id"`
	Index          byte       `json:"index"`
	Threshold      int        `json:"threshold"`
	Total          int        `json:"total"`
	Data           []byte     `json:"data,omitempty"`
	Checksum       []byte     `json:"checksum,omitempty"`
	KeyFingerprint string     `json:"key_fingerprint"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	UsedBy         string     `json:"used_by,omitempty"`
}

// CeremonyStatus is a recovery ceremony's lifecycle state.
type CeremonyStatus string

const (
	CeremonyPending    CeremonyStatus = "PENDING"
	CeremonyInProgress CeremonyStatus = "IN_PROGRESS"
	CeremonyCompleted  CeremonyStatus = "COMPLETED"
	CeremonyFailed     CeremonyStatus = "FAILED"
)

// terminal reports whether a ceremony accepts no further shares.
func (s CeremonyStatus) terminal() bool {
	return s == CeremonyCompleted || s == CeremonyFailed
}

// Ceremony tracks one recovery attempt.
type Ceremony struct {
	CeremonyID     string         `json:"ceremony_id"`
	KeyFingerprint string         `json:"key_fingerprint"`
	Threshold      int            `json:"threshold"`
	Status         CeremonyStatus `json:"status"`
	InitiatedBy    string         `json:"initiated_by"`
	InitiatedAt    time.Time      `json:"initiated_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	SharesReceived int            `json:"shares_received"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// ShareTTL overrides DefaultShareTTL.
	ShareTTL time.Duration

	// CeremonyTTL overrides DefaultCeremonyTTL.
	CeremonyTTL time.Duration

	Logger *logging.Logger

	// Now injects a clock for tests.
	Now func() time.Time
}

// Manager runs split and recovery operations. All ceremony mutation is
// serialized under one lock; ceremonies are short-lived and rare, so
// contention is not a concern.
type Manager struct {
	store       storage.Backend
	shareTTL    time.Duration
	ceremonyTTL time.Duration
	logger      *logging.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending map[string][]secretsharing.Share
}

// NewManager builds a Manager over the store.
func NewManager(store storage.Backend, opts *Options) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("recovery: storage backend required: %w", types.ErrConfiguration)
	}
	if opts == nil {
		opts = &Options{}
	}
	shareTTL := opts.ShareTTL
	if shareTTL == 0 {
		shareTTL = DefaultShareTTL
	}
	ceremonyTTL := opts.CeremonyTTL
	if ceremonyTTL == 0 {
		ceremonyTTL = DefaultCeremonyTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:       store,
		shareTTL:    shareTTL,
		ceremonyTTL: ceremonyTTL,
		logger:      logger,
		now:         now,
		pending:     make(map[string][]secretsharing.Share),
	}, nil
}

// SplitKey splits a secret into total shares with the given threshold. The
// returned shares carry their payloads and go to custodians; only metadata
// is persisted.
func (m *Manager) SplitKey(ctx context.Context, secret []byte, threshold, total int) ([]*KeyShare, error) {
	raw, err := secretsharing.Split(secret, threshold, total)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, types.ErrConfiguration)
	}

	fingerprint := Fingerprint(secret)
	nowT := m.now().UTC()
	shares := make([]*KeyShare, 0, total)

	for _, s := range raw {
		share := &KeyShare{
			ShareID:        "share-" + uuid.NewString(),
			Index:          s.X,
			Threshold:      threshold,
			Total:          total,
			Data:           s.Y,
			Checksum:       s.Checksum,
			KeyFingerprint: fingerprint,
			CreatedAt:      nowT,
			ExpiresAt:      nowT.Add(m.shareTTL),
		}
		if err := m.persistShareMetadata(share); err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}

	metrics.RecordOperation(metrics.OpSplit, "recovery", metrics.StatusSuccess, 0)
	m.logger.Info("split key into shares",
		"key_fingerprint", fingerprint, "threshold", threshold, "total", total)
	return shares, nil
}

// persistShareMetadata stores the share record without its payload.
func (m *Manager) persistShareMetadata(share *KeyShare) error {
	meta := *share
	meta.Data = nil
	meta.Checksum = nil

	raw, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("recovery: encode share: %w", err)
	}
	if err := m.store.Put(shareStorePrefix+share.ShareID, raw, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("recovery: persist share: %w", err)
	}
	return nil
}

func (m *Manager) loadShareMetadata(shareID string) (*KeyShare, error) {
	raw, err := m.store.Get(shareStorePrefix + shareID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("recovery: share %s: %w", shareID, types.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("recovery: load share %s: %w", shareID, err)
	}
	var share KeyShare
	if err := json.Unmarshal(raw, &share); err != nil {
		return nil, fmt.Errorf("recovery: decode share %s: %w", shareID, err)
	}
	return &share, nil
}

func (m *Manager) persistCeremony(c *Ceremony) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("recovery: encode ceremony: %w", err)
	}
	if err := m.store.Put(ceremonyStorePrefix+c.CeremonyID, raw, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("recovery: persist ceremony: %w", err)
	}
	return nil
}

// GetCeremony returns a ceremony by id.
func (m *Manager) GetCeremony(ceremonyID string) (*Ceremony, error) {
	raw, err := m.store.Get(ceremonyStorePrefix + ceremonyID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("recovery: ceremony %s: %w", ceremonyID, types.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("recovery: load ceremony %s: %w", ceremonyID, err)
	}
	var c Ceremony
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("recovery: decode ceremony %s: %w", ceremonyID, err)
	}
	return &c, nil
}

// InitiateRecovery opens a ceremony for the key identified by fingerprint.
func (m *Manager) InitiateRecovery(ctx context.Context, fingerprint string, threshold int, initiatedBy string) (*Ceremony, error) {
	if len(fingerprint) != fingerprintLen {
		return nil, fmt.Errorf("recovery: malformed key fingerprint: %w", types.ErrConfiguration)
	}
	if threshold < secretsharing.MinThreshold {
		return nil, fmt.Errorf("recovery: threshold %d below minimum %d: %w",
			threshold, secretsharing.MinThreshold, types.ErrConfiguration)
	}

	nowT := m.now().UTC()
	c := &Ceremony{
		CeremonyID:     "ceremony-" + uuid.NewString(),
		KeyFingerprint: fingerprint,
		Threshold:      threshold,
		Status:         CeremonyPending,
		InitiatedBy:    initiatedBy,
		InitiatedAt:    nowT,
		ExpiresAt:      nowT.Add(m.ceremonyTTL),
	}
	if err := m.persistCeremony(c); err != nil {
		return nil, err
	}

	m.logger.Info("recovery ceremony initiated",
		"ceremony_id", c.CeremonyID, "key_fingerprint", fingerprint,
		"threshold", threshold, "initiated_by", initiatedBy)
	return c, nil
}

// failCeremony moves a ceremony to FAILED. Caller holds m.mu.
func (m *Manager) failCeremony(c *Ceremony, reason string) {
	c.Status = CeremonyFailed
	c.FailureReason = reason
	completed := m.now().UTC()
	c.CompletedAt = &completed
	delete(m.pending, c.CeremonyID)
	if err := m.persistCeremony(c); err != nil {
		m.logger.MaybeError(err)
	}
	metrics.RecordCeremony(string(CeremonyFailed))
	m.logger.Warn("recovery ceremony failed",
		"ceremony_id", c.CeremonyID, "reason", reason)
}

// SubmitShare presents one share to an open ceremony. The reconstructed
// secret is returned only on the submission that meets the threshold; until
// then the returned secret is nil. Shares are single use: a share accepted
// here is marked used whether or not the ceremony ultimately completes.
func (m *Manager) SubmitShare(ctx context.Context, ceremonyID string, share *KeyShare, submittedBy string) ([]byte, *Ceremony, error) {
	if share == nil || len(share.Data) == 0 {
		return nil, nil, fmt.Errorf("recovery: empty share: %w", types.ErrConfiguration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.GetCeremony(ceremonyID)
	if err != nil {
		return nil, nil, err
	}
	if c.Status.terminal() {
		return nil, c, fmt.Errorf("recovery: ceremony %s is %s: %w",
			ceremonyID, c.Status, types.ErrConfiguration)
	}

	nowT := m.now()
	if nowT.After(c.ExpiresAt) {
		m.failCeremony(c, "ceremony expired")
		return nil, c, fmt.Errorf("recovery: ceremony %s expired: %w",
			ceremonyID, types.ErrExpiredResource)
	}

	meta, err := m.loadShareMetadata(share.ShareID)
	if err != nil {
		return nil, c, err
	}
	if nowT.After(meta.ExpiresAt) {
		return nil, c, fmt.Errorf("recovery: share %s expired: %w",
			share.ShareID, types.ErrExpiredResource)
	}
	if meta.UsedAt != nil {
		return nil, c, fmt.Errorf("recovery: share %s already used: %w",
			share.ShareID, types.ErrConfiguration)
	}
	if meta.KeyFingerprint != c.KeyFingerprint {
		m.failCeremony(c, "share belongs to a different key")
		return nil, c, fmt.Errorf("recovery: share %s targets key %s, ceremony expects %s: %w",
			share.ShareID, meta.KeyFingerprint, c.KeyFingerprint, types.ErrIntegrityViolation)
	}

	raw := secretsharing.Share{X: share.Index, Y: share.Data, Checksum: share.Checksum}
	if !raw.Valid() {
		return nil, c, fmt.Errorf("recovery: share %s failed checksum verification: %w",
			share.ShareID, types.ErrIntegrityViolation)
	}
	for _, existing := range m.pending[ceremonyID] {
		if existing.X == share.Index {
			return nil, c, fmt.Errorf("recovery: share index %d already submitted: %w",
				share.Index, types.ErrConfiguration)
		}
	}

	used := nowT.UTC()
	meta.UsedAt = &used
	meta.UsedBy = submittedBy
	if err := m.persistShareMetadata(meta); err != nil {
		return nil, c, err
	}

	m.pending[ceremonyID] = append(m.pending[ceremonyID], raw)
	c.SharesReceived = len(m.pending[ceremonyID])
	c.Status = CeremonyInProgress

	if c.SharesReceived < c.Threshold {
		if err := m.persistCeremony(c); err != nil {
			return nil, c, err
		}
		m.logger.Info("recovery share accepted",
			"ceremony_id", ceremonyID, "shares_received", c.SharesReceived,
			"threshold", c.Threshold)
		return nil, c, nil
	}

	secret, err := secretsharing.Combine(m.pending[ceremonyID])
	if err != nil {
		m.failCeremony(c, "share reconstruction failed")
		return nil, c, fmt.Errorf("%v: %w", err, types.ErrIntegrityViolation)
	}
	if Fingerprint(secret) != c.KeyFingerprint {
		m.failCeremony(c, "reconstructed key fingerprint mismatch")
		return nil, c, fmt.Errorf("recovery: reconstructed secret does not match key %s: %w",
			c.KeyFingerprint, types.ErrIntegrityViolation)
	}

	c.Status = CeremonyCompleted
	completed := nowT.UTC()
	c.CompletedAt = &completed
	delete(m.pending, ceremonyID)
	if err := m.persistCeremony(c); err != nil {
		return nil, c, err
	}

	metrics.RecordCeremony(string(CeremonyCompleted))
	metrics.RecordOperation(metrics.OpReconstruct, "recovery", metrics.StatusSuccess, 0)
	m.logger.Info("recovery ceremony completed",
		"ceremony_id", ceremonyID, "key_fingerprint", c.KeyFingerprint)
	return secret, c, nil
}

// CancelRecovery aborts an open ceremony and discards collected shares.
func (m *Manager) CancelRecovery(ctx context.Context, ceremonyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.GetCeremony(ceremonyID)
	if err != nil {
		return err
	}
	if c.Status.terminal() {
		return fmt.Errorf("recovery: ceremony %s is %s: %w",
			ceremonyID, c.Status, types.ErrConfiguration)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	m.failCeremony(c, reason)
	return nil
}

// VerifyShare checks a share's integrity without consuming it.
func (m *Manager) VerifyShare(share *KeyShare) error {
	if share == nil || len(share.Data) == 0 {
		return fmt.Errorf("recovery: empty share: %w", types.ErrConfiguration)
	}
	raw := secretsharing.Share{X: share.Index, Y: share.Data, Checksum: share.Checksum}
	if !raw.Valid() {
		return fmt.Errorf("recovery: share %s failed checksum verification: %w",
			share.ShareID, types.ErrIntegrityViolation)
	}
	return nil
}

// ListCeremonies returns all ceremonies, newest first.
func (m *Manager) ListCeremonies() ([]*Ceremony, error) {
	keys, err := m.store.List(ceremonyStorePrefix)
	if err != nil {
		return nil, fmt.Errorf("recovery: list ceremonies: %w", err)
	}

	ceremonies := make([]*Ceremony, 0, len(keys))
	for _, key := range keys {
		raw, err := m.store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("recovery: load ceremony %s: %w", key, err)
		}
		var c Ceremony
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("recovery: decode ceremony %s: %w", key, err)
		}
		ceremonies = append(ceremonies, &c)
	}

	sort.Slice(ceremonies, func(i, j int) bool {
		return ceremonies[i].InitiatedAt.After(ceremonies[j].InitiatedAt)
	})
	return ceremonies, nil
}

// HealthCheck runs a 2-of-3 split and reconstruction self-test on a random
// secret.
func (m *Manager) HealthCheck(ctx context.Context) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("recovery: health probe: %w", err)
	}

	shares, err := secretsharing.Split(secret, 2, 3)
	if err != nil {
		return fmt.Errorf("recovery: health split: %w", err)
	}
	combined, err := secretsharing.Combine(shares[:2])
	if err != nil {
		return fmt.Errorf("recovery: health combine: %w", err)
	}
	if Fingerprint(combined) != Fingerprint(secret) {
		return fmt.Errorf("recovery: health round trip mismatch: %w", types.ErrIntegrityViolation)
	}
	return nil
}
