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

// Package rotation implements policy-driven key rotation over the key
// hierarchy: per-key-type policies, a manager that evaluates and executes
// rotations with grace periods, and a background scheduler that drives
// periodic checks.
package rotation

import (
	"fmt"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Trigger identifies why a rotation happened.
type Trigger string

const (
	// TriggerScheduled fires when a key's age reaches its policy interval.
	TriggerScheduled Trigger = "SCHEDULED"

	// TriggerUsageLimit fires when a key's usage count reaches its policy
	// maximum.
	TriggerUsageLimit Trigger = "USAGE_LIMIT"

	// TriggerEmergency marks an operator-initiated compromise response.
	// Emergency rotations skip the grace period.
	TriggerEmergency Trigger = "EMERGENCY"

	// TriggerManual marks an operator-initiated routine rotation.
	TriggerManual Trigger = "MANUAL"

	// TriggerPolicyChange marks a rotation forced by a policy update.
	TriggerPolicyChange Trigger = "POLICY_CHANGE"
)

// Policy governs rotation for one key type.
type Policy struct {
	KeyType types.KeyType `json:"key_type" yaml:"key_type"`

	// Interval is the maximum key age before a scheduled rotation.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// GracePeriod is how long a rotated-out key stays decrypt-capable in
	// ROTATING before it is retired.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`

	// MaxUsage rotates the key once its usage counter reaches this value.
	// Zero disables usage-based rotation.
	MaxUsage uint64 `json:"max_usage" yaml:"max_usage"`

	// Retention is how long a RETIRED key remains readable before unwrap
	// attempts fail.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultKEKPolicy returns the stock KEK policy: rotate every 90 days with a
// 7 day grace period and 30 day retention, no usage limit.
func DefaultKEKPolicy() *Policy {
	return &Policy{
		KeyType:     types.KeyTypeKEK,
		Interval:    90 * 24 * time.Hour,
		GracePeriod: 7 * 24 * time.Hour,
		MaxUsage:    0,
		Retention:   30 * 24 * time.Hour,
	}
}

// DefaultDEKPolicy returns the stock DEK policy: rotate daily or after
// 100000 uses, one day grace, 7 day retention.
func DefaultDEKPolicy() *Policy {
	return &Policy{
		KeyType:     types.KeyTypeDEK,
		Interval:    24 * time.Hour,
		GracePeriod: 24 * time.Hour,
		MaxUsage:    100000,
		Retention:   7 * 24 * time.Hour,
	}
}

// Validate checks policy bounds.
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("rotation: nil policy: %w", types.ErrConfiguration)
	}
	if p.KeyType != types.KeyTypeKEK && p.KeyType != types.KeyTypeDEK {
		return fmt.Errorf("rotation: policy key type %q: %w", p.KeyType, types.ErrConfiguration)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("rotation: interval must be positive: %w", types.ErrConfiguration)
	}
	if p.GracePeriod < 0 || p.Retention < 0 {
		return fmt.Errorf("rotation: negative grace period or retention: %w", types.ErrConfiguration)
	}
	return nil
}

// CheckRotationNeeded evaluates the policy against a key at the given time.
// Only ACTIVE keys rotate; a key already in ROTATING has a successor.
func (p *Policy) CheckRotationNeeded(key *types.ManagedKey, now time.Time) (Trigger, bool) {
	if key == nil || key.Status != types.KeyStatusActive {
		return "", false
	}
	if p.MaxUsage > 0 && key.UsageCount >= p.MaxUsage {
		return TriggerUsageLimit, true
	}
	if now.Sub(key.CreatedAt) >= p.Interval {
		return TriggerScheduled, true
	}
	return "", false
}
