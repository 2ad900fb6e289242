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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

type staticKeys []types.KeyMetadata

func (s staticKeys) ListKeys() []types.KeyMetadata { return s }

func testComplianceManager(t *testing.T, fipsEnabled bool, keys KeyLister) *Manager {
	t.Helper()
	audit, err := NewAuditLogger(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	m, err := NewManager(NewFIPSValidator(fipsEnabled), audit, &ManagerOptions{Keys: keys})
	require.NoError(t, err)
	return m
}

func TestValidateOperationAuditsRejections(t *testing.T) {
	m := testComplianceManager(t, true, nil)
	ctx := context.Background()

	require.NoError(t, m.ValidateOperation(ctx, "encrypt", types.AlgorithmAES256GCM))
	err := m.ValidateOperation(ctx, "encrypt", types.AlgorithmRC4)
	assert.ErrorIs(t, err, types.ErrNotSupported)

	events, err := m.QueryEvents(ctx, QueryFilter{EventType: EventFIPSReject})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.AlgorithmRC4, events[0].Algorithm)
	assert.False(t, events[0].Success)
}

func TestLogKeyEventTypes(t *testing.T) {
	m := testComplianceManager(t, true, nil)
	ctx := context.Background()

	require.NoError(t, m.LogKeyEvent(ctx, "alice", "kek-1", "create", true, nil))
	require.NoError(t, m.LogKeyEvent(ctx, "alice", "kek-1", "rotate", true, nil))
	require.NoError(t, m.LogKeyEvent(ctx, "alice", "kek-1", "unwrap", true, nil))

	events, err := m.QueryEvents(ctx, QueryFilter{KeyID: "kek-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "key.unwrap", events[0].EventType)
	assert.Equal(t, EventKeyRotated, events[1].EventType)
	assert.Equal(t, EventKeyCreated, events[2].EventType)
}

func TestTrackKeyLineage(t *testing.T) {
	m := testComplianceManager(t, true, nil)
	ctx := context.Background()

	require.NoError(t, m.TrackKeyLineage(ctx, "kek-1", "kek-2", "SCHEDULED"))
	require.NoError(t, m.TrackKeyLineage(ctx, "kek-2", "kek-3", "EMERGENCY"))

	events, err := m.QueryEvents(ctx, QueryFilter{EventType: EventKeyLineage})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Walk the ancestry of kek-3 back to the root.
	assert.Equal(t, "kek-3", events[0].KeyID)
	assert.Equal(t, "kek-2", events[0].Details["predecessor"])
	assert.Equal(t, "kek-2", events[1].KeyID)
	assert.Equal(t, "kek-1", events[1].Details["predecessor"])
}

func TestGenerateReportCompliant(t *testing.T) {
	keys := staticKeys{
		{KeyID: "kek-1", Algorithm: types.AlgorithmAES256GCM},
		{KeyID: "dek-1", Algorithm: types.AlgorithmAES256GCM},
	}
	m := testComplianceManager(t, true, keys)
	ctx := context.Background()
	require.NoError(t, m.LogKeyEvent(ctx, "alice", "kek-1", "create", true, nil))

	report, err := m.GenerateReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReportCompliant, report.Status)
	assert.True(t, report.FIPSMode)
	assert.Equal(t, 4, report.ChecksPassed)
	assert.Zero(t, report.ChecksFailed)
	assert.Equal(t, 1, report.AuditEvents)
}

func TestGenerateReportFindings(t *testing.T) {
	keys := staticKeys{
		{KeyID: "dek-legacy", Algorithm: types.AlgorithmChaCha20Poly1305},
	}
	m := testComplianceManager(t, false, keys)

	report, err := m.GenerateReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReportNonCompliant, report.Status)
	assert.False(t, report.FIPSMode)
	assert.GreaterOrEqual(t, report.ChecksFailed, 2)
	assert.NotEmpty(t, report.Findings)
	assert.NotEmpty(t, report.Recommendations)
}

func TestManagerHealthCheck(t *testing.T) {
	m := testComplianceManager(t, true, nil)
	ctx := context.Background()
	require.NoError(t, m.LogKeyEvent(ctx, "alice", "kek-1", "create", true, nil))
	require.NoError(t, m.HealthCheck(ctx))
}
