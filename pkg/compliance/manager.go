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

package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Audit event types emitted by the manager.
const (
	EventKeyCreated  = "key.created"
	EventKeyRotated  = "key.rotated"
	EventKeyRetired  = "key.retired"
	EventKeyRevoked  = "key.revoked"
	EventKeyDeleted  = "key.deleted"
	EventKeyLineage  = "key.lineage"
	EventEncrypt     = "data.encrypt"
	EventDecrypt     = "data.decrypt"
	EventRecovery    = "recovery.ceremony"
	EventFIPSReject  = "fips.rejected"
	EventHealthCheck = "system.health"
)

// keyEventTypes maps key operations to their audit event types.
var keyEventTypes = map[string]string{
	"create": EventKeyCreated,
	"rotate": EventKeyRotated,
	"retire": EventKeyRetired,
	"revoke": EventKeyRevoked,
	"delete": EventKeyDeleted,
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Keys optionally exposes the managed key inventory to reports.
	Keys KeyLister

	Logger *logging.Logger

	// Now injects a clock for tests.
	Now func() time.Time
}

// Manager ties the FIPS gate and the audit ledger together: operations are
// validated through the gate and recorded in the ledger, and reports assess
// both.
type Manager struct {
	fips   *FIPSValidator
	audit  *AuditLogger
	keys   KeyLister
	logger *logging.Logger
	now    func() time.Time
}

// NewManager builds a Manager over an existing gate and ledger.
func NewManager(fips *FIPSValidator, audit *AuditLogger, opts *ManagerOptions) (*Manager, error) {
	if fips == nil || audit == nil {
		return nil, fmt.Errorf("compliance: fips validator and audit logger required: %w",
			types.ErrConfiguration)
	}
	if opts == nil {
		opts = &ManagerOptions{}
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
		fips:   fips,
		audit:  audit,
		keys:   opts.Keys,
		logger: logger,
		now:    now,
	}, nil
}

// FIPSEnabled reports whether the FIPS gate is active.
func (m *Manager) FIPSEnabled() bool {
	return m.fips.Enabled()
}

// ValidateOperation gates an operation's algorithm. Rejections are written
// to the ledger before the error is returned.
func (m *Manager) ValidateOperation(ctx context.Context, operation string, algorithm types.Algorithm) error {
	err := m.fips.ValidateOperation(operation, algorithm)
	if err == nil {
		return nil
	}

	auditErr := m.audit.Append(ctx, &AuditEvent{
		EventType: EventFIPSReject,
		Operation: operation,
		Algorithm: algorithm,
		Success:   false,
	})
	if auditErr != nil {
		m.logger.MaybeError(auditErr)
	}
	return err
}

// LogKeyEvent records a key lifecycle operation. Unknown operations are
// recorded verbatim under their own name.
func (m *Manager) LogKeyEvent(ctx context.Context, actor, keyID, operation string, success bool, details map[string]string) error {
	eventType, ok := keyEventTypes[operation]
	if !ok {
		eventType = "key." + operation
	}
	return m.audit.Append(ctx, &AuditEvent{
		EventType: eventType,
		Actor:     actor,
		KeyID:     keyID,
		Operation: operation,
		Success:   success,
		Details:   details,
	})
}

// LogEncryptionEvent records an envelope encrypt or decrypt.
func (m *Manager) LogEncryptionEvent(ctx context.Context, actor, kekID, operation string, algorithm types.Algorithm, success bool) error {
	eventType := EventEncrypt
	if operation == "decrypt" {
		eventType = EventDecrypt
	}
	return m.audit.Append(ctx, &AuditEvent{
		EventType: eventType,
		Actor:     actor,
		KeyID:     kekID,
		Operation: operation,
		Algorithm: algorithm,
		Success:   success,
	})
}

// TrackKeyLineage records a rotation edge from predecessor to successor so
// the full ancestry of any key can be reconstructed from the ledger.
func (m *Manager) TrackKeyLineage(ctx context.Context, oldKeyID, newKeyID, trigger string) error {
	return m.audit.Append(ctx, &AuditEvent{
		EventType: EventKeyLineage,
		KeyID:     newKeyID,
		Operation: "rotate",
		Success:   true,
		Details: map[string]string{
			"predecessor": oldKeyID,
			"trigger":     trigger,
		},
	})
}

// LogRecoveryEvent records a recovery ceremony transition.
func (m *Manager) LogRecoveryEvent(ctx context.Context, actor, ceremonyID, status string, success bool) error {
	return m.audit.Append(ctx, &AuditEvent{
		EventType: EventRecovery,
		Actor:     actor,
		Operation: status,
		Success:   success,
		Details:   map[string]string{"ceremony_id": ceremonyID},
	})
}

// VerifyAuditIntegrity checks the full ledger hash chain.
func (m *Manager) VerifyAuditIntegrity(ctx context.Context) (*VerifyResult, error) {
	return m.audit.VerifyIntegrity(ctx)
}

// QueryEvents returns matching ledger entries, newest first.
func (m *Manager) QueryEvents(ctx context.Context, filter QueryFilter) ([]*AuditEvent, error) {
	return m.audit.Query(ctx, filter)
}

// HealthCheck verifies the ledger chain is intact.
func (m *Manager) HealthCheck(ctx context.Context) error {
	result, err := m.audit.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("compliance: audit ledger tampered at %s line %d: %w",
			result.BadSegment, result.BadLine, types.ErrIntegrityViolation)
	}
	return nil
}

// Close releases the audit ledger.
func (m *Manager) Close() error {
	return m.audit.Close()
}
