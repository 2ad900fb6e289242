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

// Package awscloudhsm provides a types.Backend over an AWS CloudHSM
// cluster. Cryptographic operations are delegated to the cluster's PKCS#11
// endpoint; the CloudHSM control-plane API supplies cluster health.
package awscloudhsm

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudhsmv2"
	hsmtypes "github.com/aws/aws-sdk-go-v2/service/cloudhsmv2/types"

	"github.com/jeremyhahn/go-kms/pkg/hsm/pkcs11"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Config describes the CloudHSM cluster and its PKCS#11 endpoint.
type Config struct {
	// Region is the AWS region hosting the cluster.
	Region string `yaml:"region"`

	// ClusterID identifies the CloudHSM cluster for health checks.
	ClusterID string `yaml:"cluster_id"`

	// PKCS11 configures the CloudHSM client library endpoint that carries
	// all cryptographic operations.
	PKCS11 *pkcs11.Config `yaml:"pkcs11"`
}

// Validate checks the configuration for startup errors.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("awscloudhsm: nil config: %w", types.ErrConfiguration)
	}
	if c.Region == "" {
		return fmt.Errorf("awscloudhsm: region required: %w", types.ErrConfiguration)
	}
	if c.ClusterID == "" {
		return fmt.Errorf("awscloudhsm: cluster id required: %w", types.ErrConfiguration)
	}
	if c.PKCS11 == nil {
		return fmt.Errorf("awscloudhsm: pkcs11 endpoint config required: %w", types.ErrConfiguration)
	}
	return c.PKCS11.Validate()
}

// Backend is an AWS CloudHSM backend.
type Backend struct {
	cfg      *Config
	control  *cloudhsmv2.Client
	delegate types.Backend
	logger   *logging.Logger
}

// New connects the control-plane client and the PKCS#11 delegate.
func New(ctx context.Context, cfg *Config, logger *logging.Logger) (types.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("awscloudhsm: load aws config: %v: %w", err, types.ErrConfiguration)
	}

	delegate, err := pkcs11.New(cfg.PKCS11, logger)
	if err != nil {
		return nil, err
	}

	return &Backend{
		cfg:      cfg,
		control:  cloudhsmv2.NewFromConfig(awsCfg),
		delegate: delegate,
		logger:   logger.With("cluster_id", cfg.ClusterID),
	}, nil
}

// Type returns the aws-cloudhsm provider identifier.
func (b *Backend) Type() types.ProviderType {
	return types.ProviderAWSCloudHSM
}

// Capabilities mirrors the PKCS#11 delegate's hardware capability set.
func (b *Backend) Capabilities() types.Capabilities {
	return b.delegate.Capabilities()
}

// GenerateKey creates a key on the cluster via the PKCS#11 endpoint.
func (b *Backend) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	meta, err := b.delegate.GenerateKey(ctx, keyType, label)
	if err != nil {
		return nil, err
	}
	meta.Provider = types.ProviderAWSCloudHSM
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}
	meta.Tags["cluster_id"] = b.cfg.ClusterID
	return meta, nil
}

// Encrypt delegates to the PKCS#11 endpoint.
func (b *Backend) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	return b.delegate.Encrypt(ctx, handle, plaintext, aad)
}

// Decrypt delegates to the PKCS#11 endpoint.
func (b *Backend) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	return b.delegate.Decrypt(ctx, handle, data, aad)
}

// WrapKey delegates to the PKCS#11 endpoint.
func (b *Backend) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	return b.delegate.WrapKey(ctx, handle, material)
}

// UnwrapKey delegates to the PKCS#11 endpoint.
func (b *Backend) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	return b.delegate.UnwrapKey(ctx, handle, wrapped)
}

// DeleteKey delegates to the PKCS#11 endpoint.
func (b *Backend) DeleteKey(ctx context.Context, handle string) error {
	return b.delegate.DeleteKey(ctx, handle)
}

// ListKeys delegates to the PKCS#11 endpoint.
func (b *Backend) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	metas, err := b.delegate.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		meta.Provider = types.ProviderAWSCloudHSM
	}
	return metas, nil
}

// HealthCheck verifies the cluster is ACTIVE via the control-plane API and
// that the PKCS#11 endpoint responds.
func (b *Backend) HealthCheck(ctx context.Context) error {
	out, err := b.control.DescribeClusters(ctx, &cloudhsmv2.DescribeClustersInput{
		Filters: map[string][]string{"clusterIds": {b.cfg.ClusterID}},
	})
	if err != nil {
		return fmt.Errorf("awscloudhsm: describe clusters: %v: %w", err, types.ErrHSMOperation)
	}
	if len(out.Clusters) == 0 {
		return fmt.Errorf("awscloudhsm: cluster %s not found: %w", b.cfg.ClusterID, types.ErrHSMOperation)
	}
	if state := out.Clusters[0].State; state != hsmtypes.ClusterStateActive {
		return fmt.Errorf("awscloudhsm: cluster %s in state %s: %w",
			b.cfg.ClusterID, state, types.ErrHSMOperation)
	}

	return b.delegate.HealthCheck(ctx)
}

// Close releases the PKCS#11 delegate.
func (b *Backend) Close() error {
	return b.delegate.Close()
}
