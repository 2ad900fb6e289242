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

// Package kms assembles the key management service from configuration: the
// storage backend, the HSM client, the key hierarchy, the envelope engine,
// rotation, recovery, and compliance. Every data-path operation passes the
// FIPS gate and lands in the audit ledger.
package kms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jeremyhahn/go-kms/internal/config"
	"github.com/jeremyhahn/go-kms/pkg/compliance"
	"github.com/jeremyhahn/go-kms/pkg/envelope"
	"github.com/jeremyhahn/go-kms/pkg/health"
	"github.com/jeremyhahn/go-kms/pkg/hierarchy"
	"github.com/jeremyhahn/go-kms/pkg/hsm"
	"github.com/jeremyhahn/go-kms/pkg/hsm/awscloudhsm"
	"github.com/jeremyhahn/go-kms/pkg/hsm/azurekv"
	"github.com/jeremyhahn/go-kms/pkg/hsm/gcpkms"
	"github.com/jeremyhahn/go-kms/pkg/hsm/mock"
	"github.com/jeremyhahn/go-kms/pkg/hsm/pkcs11"
	"github.com/jeremyhahn/go-kms/pkg/hsm/vault"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/metrics"
	"github.com/jeremyhahn/go-kms/pkg/recovery"
	"github.com/jeremyhahn/go-kms/pkg/rotation"
	"github.com/jeremyhahn/go-kms/pkg/storage"
	"github.com/jeremyhahn/go-kms/pkg/storage/file"
	"github.com/jeremyhahn/go-kms/pkg/storage/memory"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Options configures a Service beyond what the config file carries.
type Options struct {
	// MasterSecret seeds software KEK derivation and the mock backend's
	// at-rest encryption. Required for the mock provider; unused by cloud
	// providers, which keep key material backend-resident.
	MasterSecret []byte

	// Logger overrides the logger built from the config's logging section.
	Logger *logging.Logger
}

// Service is the assembled key management service.
type Service struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      storage.Backend
	hsm        *hsm.Client
	hierarchy  *hierarchy.Hierarchy
	engine     *envelope.Engine
	rotation   *rotation.Manager
	scheduler  *rotation.Scheduler
	recovery   *recovery.Manager
	compliance *compliance.Manager
	checker    *health.Checker

	closeOnce sync.Once
	closeErr  error
}

// New assembles a Service from cfg. Construction fails fast: an unreachable
// HSM, a bad audit directory, or an invalid policy surfaces here rather
// than on the first operation.
func New(ctx context.Context, cfg *config.Config, opts *Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = newLogger(cfg.Logging)
	}

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	store, err := newStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	client, err := newHSMClient(ctx, cfg, store, opts.MasterSecret, logger)
	if err != nil {
		return nil, err
	}

	// FIPS mode pins the cipher; otherwise the configured algorithm or the
	// platform-preferred AEAD is used.
	algorithm := types.Algorithm(cfg.Keys.Algorithm)
	if cfg.FIPS.Enabled {
		algorithm = types.AlgorithmAES256GCM
	}

	h, err := hierarchy.New(ctx, &hierarchy.Options{
		Store:            store,
		HSM:              client,
		MasterSecret:     opts.MasterSecret,
		Algorithm:        algorithm,
		RetiredRetention: cfg.Keys.RetiredRetention,
		Logger:           logger,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	engine, err := envelope.New(h, &envelope.Options{Algorithm: algorithm, Logger: logger})
	if err != nil {
		client.Close()
		return nil, err
	}

	rotationMgr, err := rotation.NewManager(h, store, &rotation.Options{
		Policies: rotationPolicies(cfg.Rotation),
		Logger:   logger,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	var scheduler *rotation.Scheduler
	if cfg.Rotation.CheckInterval > 0 {
		scheduler, err = rotation.NewScheduler(rotationMgr, cfg.Rotation.CheckInterval, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	recoveryMgr, err := recovery.NewManager(store, &recovery.Options{
		ShareTTL:    cfg.Recovery.ShareTTL,
		CeremonyTTL: cfg.Recovery.CeremonyTTL,
		Logger:      logger,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	audit, err := compliance.NewAuditLogger(cfg.Audit.Directory, &compliance.AuditOptions{
		MaxEventsPerSegment: cfg.Audit.MaxEventsPerSegment,
		Logger:              logger,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	complianceMgr, err := compliance.NewManager(
		compliance.NewFIPSValidator(cfg.FIPS.Enabled), audit,
		&compliance.ManagerOptions{Keys: h, Logger: logger})
	if err != nil {
		audit.Close()
		client.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		hsm:        client,
		hierarchy:  h,
		engine:     engine,
		rotation:   rotationMgr,
		scheduler:  scheduler,
		recovery:   recoveryMgr,
		compliance: complianceMgr,
		checker:    health.NewChecker(),
	}
	s.registerChecks()
	return s, nil
}

// newLogger builds a logger from the logging section.
func newLogger(cfg config.LoggingConfig) *logging.Logger {
	debug := cfg.Level == "debug"
	if cfg.Format == "text" {
		return logging.New(os.Stderr, debug)
	}
	return logging.NewJSON(os.Stderr, debug)
}

// newStore builds the configured storage backend.
func newStore(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "file":
		return file.New(cfg.Path)
	default:
		return memory.New(), nil
	}
}

// newHSMClient registers the configured provider's factory and constructs
// the backend through the registry.
func newHSMClient(ctx context.Context, cfg *config.Config, store storage.Backend, masterSecret []byte, logger *logging.Logger) (*hsm.Client, error) {
	provider, err := types.ParseProviderType(cfg.HSM.Provider)
	if err != nil {
		return nil, err
	}

	registry := hsm.NewRegistry()
	switch provider {
	case types.ProviderMock:
		if len(masterSecret) == 0 {
			return nil, fmt.Errorf("kms: master secret required for the mock provider: %w",
				types.ErrConfiguration)
		}
		registry.Register(provider, func() (types.Backend, error) {
			return mock.New(store, masterSecret, logger)
		})
	case types.ProviderPKCS11:
		registry.Register(provider, func() (types.Backend, error) {
			return pkcs11.New(cfg.HSM.PKCS11, logger)
		})
	case types.ProviderAWSCloudHSM:
		registry.Register(provider, func() (types.Backend, error) {
			return awscloudhsm.New(ctx, cfg.HSM.AWSCloudHSM, logger)
		})
	case types.ProviderGCPKMS:
		registry.Register(provider, func() (types.Backend, error) {
			return gcpkms.New(ctx, cfg.HSM.GCPKMS, logger)
		})
	case types.ProviderAzureKV:
		registry.Register(provider, func() (types.Backend, error) {
			return azurekv.New(cfg.HSM.AzureKV, logger)
		})
	case types.ProviderVault:
		registry.Register(provider, func() (types.Backend, error) {
			return vault.New(cfg.HSM.Vault, logger)
		})
	}

	backend, err := registry.New(provider)
	if err != nil {
		return nil, err
	}
	return hsm.NewClient(backend, &hsm.ClientOptions{Logger: logger}), nil
}

// rotationPolicies converts the config's rotation section into policies.
// Absent sections fall back to the manager's defaults.
func rotationPolicies(cfg config.RotationConfig) []*rotation.Policy {
	var policies []*rotation.Policy
	if cfg.KEK != nil {
		policies = append(policies, &rotation.Policy{
			KeyType:     types.KeyTypeKEK,
			Interval:    cfg.KEK.Interval,
			GracePeriod: cfg.KEK.GracePeriod,
			MaxUsage:    cfg.KEK.MaxUsage,
			Retention:   cfg.KEK.Retention,
		})
	}
	if cfg.DEK != nil {
		policies = append(policies, &rotation.Policy{
			KeyType:     types.KeyTypeDEK,
			Interval:    cfg.DEK.Interval,
			GracePeriod: cfg.DEK.GracePeriod,
			MaxUsage:    cfg.DEK.MaxUsage,
			Retention:   cfg.DEK.Retention,
		})
	}
	return policies
}

func (s *Service) registerChecks() {
	s.checker.RegisterCheck("hsm", true, s.hsm.HealthCheck)
	s.checker.RegisterCheck("envelope", true, s.engine.HealthCheck)
	s.checker.RegisterCheck("compliance", true, s.compliance.HealthCheck)
	s.checker.RegisterCheck("recovery", false, s.recovery.HealthCheck)
}

// Start begins background work: the rotation scheduler, when configured.
func (s *Service) Start(ctx context.Context) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	s.checker.MarkStarted()
	s.logger.Info("kms service started",
		"provider", string(s.hsm.Type()),
		"algorithm", string(s.engine.Algorithm()),
		"fips", s.compliance.FIPSEnabled())
	return nil
}

// Close stops background work and releases the audit ledger and the HSM
// backend. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		s.engine.PurgeCache()
		s.closeErr = errors.Join(s.compliance.Close(), s.hsm.Close())
	})
	return s.closeErr
}

// Encrypt envelope-encrypts plaintext under a fresh data key. The operation
// is validated against the FIPS gate and recorded in the audit ledger.
func (s *Service) Encrypt(ctx context.Context, actor string, plaintext, aad []byte) (*types.EncryptedData, *types.WrappedKey, error) {
	if err := s.compliance.ValidateOperation(ctx, "encrypt", s.engine.Algorithm()); err != nil {
		return nil, nil, err
	}

	data, wrapped, err := s.engine.Encrypt(ctx, plaintext, aad)
	kekID := ""
	if wrapped != nil {
		kekID = wrapped.KEKID
	}
	if auditErr := s.compliance.LogEncryptionEvent(ctx, actor, kekID, "encrypt",
		s.engine.Algorithm(), err == nil); auditErr != nil {
		s.logger.Error(auditErr, "operation", "encrypt")
	}
	return data, wrapped, err
}

// Decrypt reverses Encrypt. The wrapped data key is resolved against its
// wrapping KEK, which may already be retired within its grace window.
func (s *Service) Decrypt(ctx context.Context, actor string, data *types.EncryptedData, wrapped *types.WrappedKey, aad []byte) ([]byte, error) {
	if data == nil || wrapped == nil {
		return nil, fmt.Errorf("kms: encrypted data and wrapped key required: %w", types.ErrConfiguration)
	}
	if err := s.compliance.ValidateOperation(ctx, "decrypt", data.Algorithm); err != nil {
		return nil, err
	}

	plaintext, err := s.engine.Decrypt(ctx, data, wrapped, aad)
	if auditErr := s.compliance.LogEncryptionEvent(ctx, actor, wrapped.KEKID, "decrypt",
		data.Algorithm, err == nil); auditErr != nil {
		s.logger.Error(auditErr, "operation", "decrypt")
	}
	return plaintext, err
}

// GenerateDEK creates a managed data key. Software keys are wrapped under
// the active KEK and return their raw material; hsmBacked keys are created
// inside the backend and referenced by handle only. A zero ttl means the
// key never expires on its own.
func (s *Service) GenerateDEK(ctx context.Context, actor, purpose string, ttl time.Duration, hsmBacked bool) (*types.ManagedKey, error) {
	var key *types.ManagedKey
	var err error
	if hsmBacked {
		key, err = s.hierarchy.GenerateHSMDEK(ctx, purpose, ttl)
	} else {
		key, err = s.hierarchy.GenerateDEK(ctx, purpose, ttl)
	}
	keyID := ""
	if key != nil {
		keyID = key.KeyID
	}
	if auditErr := s.compliance.LogKeyEvent(ctx, actor, keyID, "create", err == nil,
		map[string]string{"purpose": purpose, "hsm_backed": fmt.Sprint(hsmBacked)}); auditErr != nil {
		s.logger.Error(auditErr, "operation", "generate_dek")
	}
	return key, err
}

// RotateKey rotates the named key through the rotation manager and records
// the lineage from predecessor to successor.
func (s *Service) RotateKey(ctx context.Context, actor, keyID string) (*rotation.Event, error) {
	event, err := s.rotation.RotateKey(ctx, keyID, rotation.TriggerManual)
	if auditErr := s.compliance.LogKeyEvent(ctx, actor, keyID, "rotate", err == nil, nil); auditErr != nil {
		s.logger.Error(auditErr, "operation", "rotate")
	}
	if err != nil {
		return nil, err
	}
	if auditErr := s.compliance.TrackKeyLineage(ctx, event.OldKeyID, event.NewKeyID,
		string(event.Trigger)); auditErr != nil {
		s.logger.Error(auditErr, "operation", "rotate")
	}
	return event, nil
}

// EmergencyRotate rotates the active KEK and every active DEK with no grace
// period, retiring predecessors immediately.
func (s *Service) EmergencyRotate(ctx context.Context, actor string) ([]rotation.Result, error) {
	results, err := s.rotation.EmergencyRotation(ctx)
	for _, r := range results {
		if auditErr := s.compliance.LogKeyEvent(ctx, actor, r.KeyID, "rotate", r.Err == nil,
			map[string]string{"trigger": string(rotation.TriggerEmergency)}); auditErr != nil {
			s.logger.Error(auditErr, "operation", "emergency_rotate")
		}
		if r.Err == nil && r.Event != nil {
			if auditErr := s.compliance.TrackKeyLineage(ctx, r.Event.OldKeyID, r.Event.NewKeyID,
				string(r.Event.Trigger)); auditErr != nil {
				s.logger.Error(auditErr, "operation", "emergency_rotate")
			}
		}
	}
	return results, err
}

// RevokeKey marks a key compromised. Revoked keys refuse all use.
func (s *Service) RevokeKey(ctx context.Context, actor, keyID string) error {
	err := s.hierarchy.MarkStatus(keyID, types.KeyStatusRevoked)
	if auditErr := s.compliance.LogKeyEvent(ctx, actor, keyID, "revoke", err == nil, nil); auditErr != nil {
		s.logger.Error(auditErr, "operation", "revoke")
	}
	return err
}

// SplitMasterSecret splits the service's master secret into recovery shares
// for distribution to custodians.
func (s *Service) SplitMasterSecret(ctx context.Context, actor string, secret []byte, threshold, total int) ([]*recovery.KeyShare, error) {
	shares, err := s.recovery.SplitKey(ctx, secret, threshold, total)
	fingerprint := ""
	if err == nil && len(shares) > 0 {
		fingerprint = shares[0].KeyFingerprint
	}
	if auditErr := s.compliance.LogKeyEvent(ctx, actor, fingerprint, "split", err == nil,
		map[string]string{"threshold": fmt.Sprint(threshold), "total": fmt.Sprint(total)}); auditErr != nil {
		s.logger.Error(auditErr, "operation", "split")
	}
	return shares, err
}

// InitiateRecovery opens a recovery ceremony for the key identified by
// fingerprint.
func (s *Service) InitiateRecovery(ctx context.Context, actor, fingerprint string, threshold int) (*recovery.Ceremony, error) {
	ceremony, err := s.recovery.InitiateRecovery(ctx, fingerprint, threshold, actor)
	ceremonyID := ""
	if ceremony != nil {
		ceremonyID = ceremony.CeremonyID
	}
	if auditErr := s.compliance.LogRecoveryEvent(ctx, actor, ceremonyID, "initiated", err == nil); auditErr != nil {
		s.logger.Error(auditErr, "operation", "recovery_initiate")
	}
	return ceremony, err
}

// SubmitRecoveryShare submits one custodian share. When the threshold is
// met the reconstructed secret is returned.
func (s *Service) SubmitRecoveryShare(ctx context.Context, actor, ceremonyID string, share *recovery.KeyShare) ([]byte, *recovery.Ceremony, error) {
	secret, ceremony, err := s.recovery.SubmitShare(ctx, ceremonyID, share, actor)

	status := "share_accepted"
	switch {
	case err != nil:
		status = "share_rejected"
	case ceremony != nil && ceremony.Status == recovery.CeremonyCompleted:
		status = "completed"
	}
	if auditErr := s.compliance.LogRecoveryEvent(ctx, actor, ceremonyID, status, err == nil); auditErr != nil {
		s.logger.Error(auditErr, "operation", "recovery_submit")
	}
	return secret, ceremony, err
}

// CancelRecovery aborts an open ceremony.
func (s *Service) CancelRecovery(ctx context.Context, actor, ceremonyID, reason string) error {
	err := s.recovery.CancelRecovery(ctx, ceremonyID, reason)
	if auditErr := s.compliance.LogRecoveryEvent(ctx, actor, ceremonyID, "cancelled", err == nil); auditErr != nil {
		s.logger.Error(auditErr, "operation", "recovery_cancel")
	}
	return err
}

// VerifyAuditIntegrity walks the full audit chain.
func (s *Service) VerifyAuditIntegrity(ctx context.Context) (*compliance.VerifyResult, error) {
	return s.compliance.VerifyAuditIntegrity(ctx)
}

// QueryAuditEvents returns audit events matching the filter, newest first.
func (s *Service) QueryAuditEvents(ctx context.Context, filter compliance.QueryFilter) ([]*compliance.AuditEvent, error) {
	return s.compliance.QueryEvents(ctx, filter)
}

// ComplianceReport assesses the deployment's current compliance posture.
func (s *Service) ComplianceReport(ctx context.Context) (*compliance.Report, error) {
	return s.compliance.GenerateReport(ctx)
}

// RotationStatus reports effective policies and pending rotation events.
func (s *Service) RotationStatus() (*rotation.Status, error) {
	return s.rotation.Status()
}

// ListKeys returns metadata for every managed key.
func (s *Service) ListKeys() []types.KeyMetadata {
	return s.hierarchy.ListKeys()
}

// ActiveKEK returns the current key encryption key.
func (s *Service) ActiveKEK() (*types.ManagedKey, error) {
	return s.hierarchy.ActiveKEK()
}

// Health runs every registered component check.
func (s *Service) Health(ctx context.Context) *health.Report {
	return s.checker.Ready(ctx)
}
