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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

func testLogger(t *testing.T, opts *AuditOptions) (*AuditLogger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewAuditLogger(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func appendN(t *testing.T, l *AuditLogger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := l.Append(context.Background(), &AuditEvent{
			EventType: EventKeyCreated,
			Actor:     "test",
			KeyID:     fmt.Sprintf("key-%03d", i),
			Operation: "create",
			Success:   true,
		})
		require.NoError(t, err)
	}
}

func TestChainVerifies(t *testing.T) {
	l, _ := testLogger(t, nil)
	appendN(t, l, 25)

	result, err := l.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 25, result.EventsVerified)
}

func TestGenesisEventChainsFromEmptyHash(t *testing.T) {
	l, _ := testLogger(t, nil)
	appendN(t, l, 1)

	events, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].PreviousHash)
	assert.NotEmpty(t, events[0].Hash)
	assert.Equal(t, events[0].Hash, l.LastHash())
}

func TestTamperDetectedAtLine(t *testing.T) {
	l, dir := testLogger(t, nil)
	appendN(t, l, 10)
	require.NoError(t, l.Close())

	// Flip one byte inside the payload of line 4.
	path := filepath.Join(dir, "audit-000000.log")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	lines[3] = strings.Replace(lines[3], "key-003", "key-999", 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	l2, err := NewAuditLogger(dir, nil)
	require.NoError(t, err)
	defer l2.Close()

	result, err := l2.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "audit-000000.log", result.BadSegment)
	assert.Equal(t, 4, result.BadLine)
	assert.Equal(t, "event hash mismatch", result.Reason)
}

func TestDeletedLineDetected(t *testing.T) {
	l, dir := testLogger(t, nil)
	appendN(t, l, 10)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "audit-000000.log")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	lines = append(lines[:5], lines[6:]...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	l2, err := NewAuditLogger(dir, nil)
	require.NoError(t, err)
	defer l2.Close()

	result, err := l2.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, 6, result.BadLine)
	assert.Equal(t, "previous hash mismatch", result.Reason)
}

func TestSegmentRollover(t *testing.T) {
	l, dir := testLogger(t, &AuditOptions{MaxEventsPerSegment: 10})
	appendN(t, l, 25)

	paths, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	// The chain runs across segment boundaries.
	result, err := l.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 25, result.EventsVerified)
}

func TestResumeAfterReopen(t *testing.T) {
	l, dir := testLogger(t, &AuditOptions{MaxEventsPerSegment: 10})
	appendN(t, l, 15)
	head := l.LastHash()
	require.NoError(t, l.Close())

	l2, err := NewAuditLogger(dir, &AuditOptions{MaxEventsPerSegment: 10})
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, head, l2.LastHash())

	appendN(t, l2, 5)
	result, err := l2.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 20, result.EventsVerified)
}

func TestQuery(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l, _ := testLogger(t, &AuditOptions{Now: func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}})
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, &AuditEvent{
		EventType: EventKeyCreated, Actor: "alice", KeyID: "kek-1", Success: true,
	}))
	require.NoError(t, l.Append(ctx, &AuditEvent{
		EventType: EventEncrypt, Actor: "bob", KeyID: "kek-1", Success: true,
	}))
	require.NoError(t, l.Append(ctx, &AuditEvent{
		EventType: EventKeyRotated, Actor: "alice", KeyID: "kek-2", Success: true,
	}))

	byKey, err := l.Query(ctx, QueryFilter{KeyID: "kek-1"})
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	// Reverse chronological order.
	assert.Equal(t, EventEncrypt, byKey[0].EventType)
	assert.Equal(t, EventKeyCreated, byKey[1].EventType)

	byActor, err := l.Query(ctx, QueryFilter{Actor: "alice"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	limited, err := l.Query(ctx, QueryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, EventKeyRotated, limited[0].EventType)
}

func TestQueryLimitAcrossSegments(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l, _ := testLogger(t, &AuditOptions{
		MaxEventsPerSegment: 10,
		Now: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	})
	appendN(t, l, 25)

	// A bounded query returns the newest events even though they live in
	// the later segments.
	events, err := l.Query(context.Background(), QueryFilter{Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("key-%03d", 24-i), ev.KeyID)
	}

	// Matches buried in an older segment are still found.
	filtered, err := l.Query(context.Background(), QueryFilter{KeyID: "key-003", Limit: 1})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "key-003", filtered[0].KeyID)
}

func TestClosedLoggerRefusesAppend(t *testing.T) {
	l, _ := testLogger(t, nil)
	require.NoError(t, l.Close())

	err := l.Append(context.Background(), &AuditEvent{EventType: EventKeyCreated})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
