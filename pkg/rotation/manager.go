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

package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-kms/pkg/hierarchy"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/metrics"
	"github.com/jeremyhahn/go-kms/pkg/storage"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

const (
	eventStorePrefix  = "rotation/events/"
	policyStorePrefix = "rotation/policy/"
)

// EventStatus is a rotation event's lifecycle state.
type EventStatus string

const (
	// EventInGrace means the successor is ACTIVE and the predecessor is
	// still decrypt-capable.
	EventInGrace EventStatus = "IN_GRACE"

	// EventCompleted means the predecessor has been retired.
	EventCompleted EventStatus = "COMPLETED"

	// EventFailed means retiring the predecessor failed; the event will be
	// retried on the next sweep.
	EventFailed EventStatus = "FAILED"
)

// Event records one rotation.
type Event struct {
	EventID         string        `json:"event_id"`
	KeyType         types.KeyType `json:"key_type"`
	OldKeyID        string        `json:"old_key_id"`
	NewKeyID        string        `json:"new_key_id"`
	Trigger         Trigger       `json:"trigger"`
	RotatedAt       time.Time     `json:"rotated_at"`
	GracePeriodEnds time.Time     `json:"grace_period_ends"`
	OldKeyRetiresAt time.Time     `json:"old_key_retires_at"`
	Status          EventStatus   `json:"status"`
}

// Result is the outcome of rotating one key during a bulk operation.
type Result struct {
	KeyID string `json:"key_id"`
	Event *Event `json:"event,omitempty"`
	Err   error  `json:"-"`
}

// Status summarizes the manager's current state.
type Status struct {
	Policies      []*Policy `json:"policies"`
	PendingEvents []*Event  `json:"pending_events"`
	TotalEvents   int       `json:"total_events"`
}

// Options configures a Manager.
type Options struct {
	// Policies overrides the defaults per key type.
	Policies []*Policy

	Logger *logging.Logger

	// Now injects a clock for tests.
	Now func() time.Time
}

// Manager evaluates rotation policies and executes rotations through the
// key hierarchy. The policy table is shared between the scheduler sweep and
// operator SetPolicy calls, so access goes through policyMu.
type Manager struct {
	hierarchy *hierarchy.Hierarchy
	store     storage.Backend
	logger    *logging.Logger
	now       func() time.Time

	policyMu sync.RWMutex
	policies map[types.KeyType]*Policy
}

// NewManager builds a Manager. Persisted policies override the provided and
// default ones, so operator policy updates survive restarts.
func NewManager(h *hierarchy.Hierarchy, store storage.Backend, opts *Options) (*Manager, error) {
	if h == nil || store == nil {
		return nil, fmt.Errorf("rotation: hierarchy and storage required: %w", types.ErrConfiguration)
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		hierarchy: h,
		store:     store,
		policies: map[types.KeyType]*Policy{
			types.KeyTypeKEK: DefaultKEKPolicy(),
			types.KeyTypeDEK: DefaultDEKPolicy(),
		},
		logger: logger,
		now:    now,
	}

	for _, p := range opts.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		m.policies[p.KeyType] = p
	}

	if err := m.loadPolicies(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadPolicies() error {
	keys, err := m.store.List(policyStorePrefix)
	if err != nil {
		return fmt.Errorf("rotation: list policies: %w", err)
	}
	for _, key := range keys {
		raw, err := m.store.Get(key)
		if err != nil {
			return fmt.Errorf("rotation: load policy %s: %w", key, err)
		}
		var p Policy
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("rotation: decode policy %s: %w", key, err)
		}
		if err := p.Validate(); err != nil {
			return err
		}
		m.policies[p.KeyType] = &p
	}
	return nil
}

// Policy returns the policy for a key type.
func (m *Manager) Policy(keyType types.KeyType) (*Policy, error) {
	m.policyMu.RLock()
	p, ok := m.policies[keyType]
	m.policyMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rotation: no policy for %s: %w", keyType, types.ErrConfiguration)
	}
	cp := *p
	return &cp, nil
}

// SetPolicy validates, persists, and applies a policy.
func (m *Manager) SetPolicy(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("rotation: encode policy: %w", err)
	}
	if err := m.store.Put(policyStorePrefix+string(p.KeyType), raw, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("rotation: persist policy: %w", err)
	}
	cp := *p
	m.policyMu.Lock()
	m.policies[p.KeyType] = &cp
	m.policyMu.Unlock()
	m.logger.Info("rotation policy updated", "key_type", p.KeyType,
		"interval", p.Interval, "max_usage", p.MaxUsage)
	return nil
}

// CheckRotationNeeded evaluates whether a key needs rotation right now.
func (m *Manager) CheckRotationNeeded(key *types.ManagedKey) (Trigger, bool) {
	m.policyMu.RLock()
	p, ok := m.policies[key.KeyType]
	m.policyMu.RUnlock()
	if !ok {
		return "", false
	}
	return p.CheckRotationNeeded(key, m.now())
}

func (m *Manager) persistEvent(ev *Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rotation: encode event: %w", err)
	}
	if err := m.store.Put(eventStorePrefix+ev.EventID, raw, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("rotation: persist event: %w", err)
	}
	return nil
}

// RotateKey rotates one key and opens a grace window per policy. The key
// must be ACTIVE; rotating a key that already has a successor in flight is
// rejected by the hierarchy's lifecycle rules.
func (m *Manager) RotateKey(ctx context.Context, keyID string, trigger Trigger) (*Event, error) {
	key, err := m.hierarchy.GetKey(keyID)
	if err != nil {
		return nil, err
	}
	m.policyMu.RLock()
	p, ok := m.policies[key.KeyType]
	m.policyMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rotation: no policy for %s: %w", key.KeyType, types.ErrConfiguration)
	}

	var old, current *types.ManagedKey
	switch key.KeyType {
	case types.KeyTypeKEK:
		active, aerr := m.hierarchy.ActiveKEK()
		if aerr != nil {
			return nil, aerr
		}
		if active.KeyID != keyID {
			return nil, fmt.Errorf("rotation: kek %s is not the active kek: %w",
				keyID, types.ErrConfiguration)
		}
		old, current, err = m.hierarchy.RotateKEK(ctx)
	case types.KeyTypeDEK:
		old, current, err = m.hierarchy.RotateDEK(ctx, keyID)
	}
	if err != nil {
		return nil, err
	}

	grace := p.GracePeriod
	if trigger == TriggerEmergency {
		grace = 0
	}

	nowT := m.now().UTC()
	ev := &Event{
		EventID:         "rot-" + uuid.NewString(),
		KeyType:         key.KeyType,
		OldKeyID:        old.KeyID,
		NewKeyID:        current.KeyID,
		Trigger:         trigger,
		RotatedAt:       nowT,
		GracePeriodEnds: nowT.Add(grace),
		OldKeyRetiresAt: nowT.Add(grace),
		Status:          EventInGrace,
	}

	if grace == 0 {
		if err := m.hierarchy.MarkStatus(old.KeyID, types.KeyStatusRetired); err != nil {
			return nil, err
		}
		ev.Status = EventCompleted
	}

	if err := m.persistEvent(ev); err != nil {
		return nil, err
	}

	metrics.RecordRotation(string(key.KeyType), string(trigger))
	m.logger.Info("rotated key",
		"key_type", key.KeyType, "old_key_id", old.KeyID,
		"new_key_id", current.KeyID, "trigger", trigger,
		"grace_period_ends", ev.GracePeriodEnds)
	return ev, nil
}

// EmergencyRotation rotates the active KEK and every ACTIVE DEK with no
// grace period, continuing past individual failures so a partially
// compromised hierarchy is rotated as far as possible. The error is non-nil
// if any key failed.
func (m *Manager) EmergencyRotation(ctx context.Context) ([]Result, error) {
	var results []Result
	var failed []error

	kek, err := m.hierarchy.ActiveKEK()
	if err != nil {
		return nil, err
	}
	ev, err := m.RotateKey(ctx, kek.KeyID, TriggerEmergency)
	results = append(results, Result{KeyID: kek.KeyID, Event: ev, Err: err})
	if err != nil {
		failed = append(failed, err)
	}

	for _, meta := range m.hierarchy.ListKeys() {
		if meta.KeyType != types.KeyTypeDEK || meta.Status != types.KeyStatusActive {
			continue
		}
		ev, err := m.RotateKey(ctx, meta.KeyID, TriggerEmergency)
		results = append(results, Result{KeyID: meta.KeyID, Event: ev, Err: err})
		if err != nil {
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		return results, fmt.Errorf("rotation: emergency rotation: %d of %d keys failed: %w",
			len(failed), len(results), errors.Join(failed...))
	}
	m.logger.Warn("emergency rotation completed", "keys_rotated", len(results))
	return results, nil
}

// CompleteRotation retires the predecessor of an in-grace event.
func (m *Manager) CompleteRotation(ctx context.Context, eventID string) error {
	raw, err := m.store.Get(eventStorePrefix + eventID)
	if err != nil {
		if err == storage.ErrNotFound {
			return fmt.Errorf("rotation: event %s: %w", eventID, types.ErrKeyNotFound)
		}
		return fmt.Errorf("rotation: load event %s: %w", eventID, err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("rotation: decode event %s: %w", eventID, err)
	}
	if ev.Status == EventCompleted {
		return nil
	}

	if err := m.hierarchy.MarkStatus(ev.OldKeyID, types.KeyStatusRetired); err != nil {
		ev.Status = EventFailed
		if perr := m.persistEvent(&ev); perr != nil {
			m.logger.MaybeError(perr)
		}
		return err
	}

	ev.Status = EventCompleted
	if err := m.persistEvent(&ev); err != nil {
		return err
	}
	m.logger.Info("rotation completed", "event_id", eventID, "retired_key_id", ev.OldKeyID)
	return nil
}

// events returns all persisted rotation events, newest first.
func (m *Manager) events() ([]*Event, error) {
	keys, err := m.store.List(eventStorePrefix)
	if err != nil {
		return nil, fmt.Errorf("rotation: list events: %w", err)
	}

	evs := make([]*Event, 0, len(keys))
	for _, key := range keys {
		raw, err := m.store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("rotation: load event %s: %w", key, err)
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("rotation: decode event %s: %w", key, err)
		}
		evs = append(evs, &ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].RotatedAt.After(evs[j].RotatedAt) })
	return evs, nil
}

// CheckAllRotations is one scheduler sweep: rotate every key whose policy
// says it is due, then retire predecessors whose grace period has elapsed.
// Individual failures are logged and do not stop the sweep.
func (m *Manager) CheckAllRotations(ctx context.Context) (rotated, completed int, err error) {
	var sweepErrs []error

	for _, meta := range m.hierarchy.ListKeys() {
		key, err := m.hierarchy.GetKey(meta.KeyID)
		if err != nil {
			sweepErrs = append(sweepErrs, err)
			continue
		}
		trigger, needed := m.CheckRotationNeeded(key)
		if !needed {
			continue
		}
		if _, err := m.RotateKey(ctx, key.KeyID, trigger); err != nil {
			sweepErrs = append(sweepErrs, err)
			continue
		}
		rotated++
	}

	evs, err := m.events()
	if err != nil {
		return rotated, completed, err
	}
	nowT := m.now()
	for _, ev := range evs {
		if ev.Status == EventCompleted {
			continue
		}
		if nowT.Before(ev.GracePeriodEnds) {
			continue
		}
		if err := m.CompleteRotation(ctx, ev.EventID); err != nil {
			sweepErrs = append(sweepErrs, err)
			continue
		}
		completed++
	}

	if len(sweepErrs) > 0 {
		return rotated, completed, errors.Join(sweepErrs...)
	}
	return rotated, completed, nil
}

// Status reports the active policies and pending rotation events.
func (m *Manager) Status() (*Status, error) {
	evs, err := m.events()
	if err != nil {
		return nil, err
	}

	var pending []*Event
	for _, ev := range evs {
		if ev.Status != EventCompleted {
			pending = append(pending, ev)
		}
	}

	m.policyMu.RLock()
	policies := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		cp := *p
		policies = append(policies, &cp)
	}
	m.policyMu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].KeyType < policies[j].KeyType })

	return &Status{
		Policies:      policies,
		PendingEvents: pending,
		TotalEvents:   len(evs),
	}, nil
}
