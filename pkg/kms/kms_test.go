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

package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-kms/internal/config"
	"github.com/jeremyhahn/go-kms/pkg/compliance"
	"github.com/jeremyhahn/go-kms/pkg/health"
	"github.com/jeremyhahn/go-kms/pkg/recovery"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

func testService(t *testing.T, mutate func(*config.Config)) *Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Audit.Directory = t.TempDir()
	cfg.Metrics.Enabled = false
	cfg.FIPS.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	s, err := New(context.Background(), cfg, &Options{MasterSecret: secret})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	plaintext := []byte("customer record 42")
	aad := []byte("tenant-7")

	data, wrapped, err := s.Encrypt(ctx, "alice", plaintext, aad)
	require.NoError(t, err)
	require.NotNil(t, wrapped)
	assert.Equal(t, types.AlgorithmAES256GCM, data.Algorithm)
	assert.NotEqual(t, plaintext, data.Ciphertext)

	got, err := s.Decrypt(ctx, "alice", data, wrapped, aad)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, got))

	// Both operations landed in the audit ledger.
	events, err := s.QueryAuditEvents(ctx, compliance.QueryFilter{KeyID: wrapped.KEKID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, compliance.EventDecrypt, events[0].EventType)
	assert.Equal(t, compliance.EventEncrypt, events[1].EventType)
}

func TestDecryptSurvivesRotation(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	data, wrapped, err := s.Encrypt(ctx, "alice", []byte("pre-rotation"), nil)
	require.NoError(t, err)

	kek, err := s.ActiveKEK()
	require.NoError(t, err)
	event, err := s.RotateKey(ctx, "ops", kek.KeyID)
	require.NoError(t, err)
	assert.Equal(t, kek.KeyID, event.OldKeyID)

	// Old ciphertext still decrypts through the rotated KEK.
	got, err := s.Decrypt(ctx, "alice", data, wrapped, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), got)

	// New encryptions wrap under the successor.
	_, wrapped2, err := s.Encrypt(ctx, "alice", []byte("post-rotation"), nil)
	require.NoError(t, err)
	assert.Equal(t, event.NewKeyID, wrapped2.KEKID)

	// The rotation left a lineage record.
	lineage, err := s.QueryAuditEvents(ctx, compliance.QueryFilter{EventType: compliance.EventKeyLineage})
	require.NoError(t, err)
	require.Len(t, lineage, 1)
	assert.Equal(t, kek.KeyID, lineage[0].Details["predecessor"])
}

func TestEmergencyRotate(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	_, err := s.GenerateDEK(ctx, "app", "database", time.Hour, false)
	require.NoError(t, err)

	kek, err := s.ActiveKEK()
	require.NoError(t, err)

	results, err := s.EmergencyRotate(ctx, "ops")
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// No grace period: the predecessor is retired immediately.
	old, err := s.hierarchy.GetKey(kek.KeyID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyStatusRetired, old.Status)
}

func TestGenerateHSMBackedDEK(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	key, err := s.GenerateDEK(ctx, "app", "payments", 0, true)
	require.NoError(t, err)
	assert.NotEmpty(t, key.HSMKeyHandle)
	assert.Empty(t, key.Material)
	assert.Empty(t, key.WrappedMaterial)

	// Backend-resident material cannot be extracted.
	_, err = s.hierarchy.UnwrapManagedDEK(ctx, key.KeyID)
	assert.ErrorIs(t, err, types.ErrNotSupported)
}

func TestRevokedKeyRefusesUse(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	data, wrapped, err := s.Encrypt(ctx, "alice", []byte("secret"), nil)
	require.NoError(t, err)

	require.NoError(t, s.RevokeKey(ctx, "ops", wrapped.KEKID))

	_, err = s.Decrypt(ctx, "alice", data, wrapped, nil)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailure)
}

func TestRecoveryCeremonyEndToEnd(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	secret := []byte("master secret to escrow, 32 byte")
	shares, err := s.SplitMasterSecret(ctx, "ops", secret, 3, 5)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	ceremony, err := s.InitiateRecovery(ctx, "ops", shares[0].KeyFingerprint, 3)
	require.NoError(t, err)
	assert.Equal(t, recovery.CeremonyPending, ceremony.Status)

	var recovered []byte
	for _, share := range []*recovery.KeyShare{shares[4], shares[1], shares[2]} {
		recovered, ceremony, err = s.SubmitRecoveryShare(ctx, "custodian", ceremony.CeremonyID, share)
		require.NoError(t, err)
	}
	assert.Equal(t, recovery.CeremonyCompleted, ceremony.Status)
	assert.Equal(t, secret, recovered)

	events, err := s.QueryAuditEvents(ctx, compliance.QueryFilter{EventType: compliance.EventRecovery})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestFIPSGateRejectsChaCha(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	data := &types.EncryptedData{Algorithm: types.AlgorithmChaCha20Poly1305}
	wrapped := &types.WrappedKey{KEKID: "kek-x"}
	_, err := s.Decrypt(ctx, "alice", data, wrapped, nil)
	assert.ErrorIs(t, err, types.ErrNotSupported)

	events, err := s.QueryAuditEvents(ctx, compliance.QueryFilter{EventType: compliance.EventFIPSReject})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.AlgorithmChaCha20Poly1305, events[0].Algorithm)
}

func TestComplianceReportAndAuditIntegrity(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	_, _, err := s.Encrypt(ctx, "alice", []byte("x"), nil)
	require.NoError(t, err)

	report, err := s.ComplianceReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, compliance.ReportCompliant, report.Status)

	result, err := s.VerifyAuditIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestHealth(t *testing.T) {
	s := testService(t, nil)

	report := s.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 4)
}

func TestMockProviderRequiresMasterSecret(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audit.Directory = t.TempDir()

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestRotationStatus(t *testing.T) {
	s := testService(t, nil)

	status, err := s.RotationStatus()
	require.NoError(t, err)
	assert.Len(t, status.Policies, 2)
}
