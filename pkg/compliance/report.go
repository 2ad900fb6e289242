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

	"github.com/jeremyhahn/go-kms/pkg/types"
)

// ReportStatus summarizes a compliance report.
type ReportStatus string

const (
	ReportCompliant    ReportStatus = "COMPLIANT"
	ReportNonCompliant ReportStatus = "NON_COMPLIANT"
)

// Report is a point-in-time compliance assessment.
type Report struct {
	Status          ReportStatus `json:"status"`
	GeneratedAt     time.Time    `json:"generated_at"`
	FIPSMode        bool         `json:"fips_mode"`
	ChecksPassed    int          `json:"checks_passed"`
	ChecksFailed    int          `json:"checks_failed"`
	AuditEvents     int          `json:"audit_events"`
	Findings        []string     `json:"findings,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

func (r *Report) pass() { r.ChecksPassed++ }

func (r *Report) fail(finding, recommendation string) {
	r.ChecksFailed++
	r.Findings = append(r.Findings, finding)
	if recommendation != "" {
		r.Recommendations = append(r.Recommendations, recommendation)
	}
}

// GenerateReport assesses the ledger, the FIPS gate, and the managed key
// inventory.
func (m *Manager) GenerateReport(ctx context.Context) (*Report, error) {
	report := &Report{
		GeneratedAt: m.now().UTC(),
		FIPSMode:    m.fips.Enabled(),
	}

	// Ledger integrity.
	verify, err := m.audit.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	report.AuditEvents = verify.EventsVerified
	if verify.Valid {
		report.pass()
	} else {
		report.fail(
			fmt.Sprintf("audit ledger tampered: %s line %d (%s)",
				verify.BadSegment, verify.BadLine, verify.Reason),
			"restore the ledger from backup and investigate write access to the audit directory")
	}

	// FIPS gate posture.
	if m.fips.Enabled() {
		report.pass()
	} else {
		report.fail("fips mode disabled",
			"enable fips mode to enforce the approved algorithm list")
	}
	if violations := m.fips.Violations(); len(violations) == 0 {
		report.pass()
	} else {
		report.fail(
			fmt.Sprintf("%d operations rejected by the fips gate since startup", len(violations)),
			"identify the callers requesting non-approved algorithms")
	}

	// Key inventory: every managed key must use an approved algorithm, and
	// retired keys must not linger unrevoked past their retention.
	if m.keys != nil {
		unapproved := 0
		for _, meta := range m.keys.ListKeys() {
			if !m.fips.Approved(meta.Algorithm) {
				unapproved++
			}
		}
		if unapproved == 0 {
			report.pass()
		} else {
			report.fail(
				fmt.Sprintf("%d managed keys use non-approved algorithms", unapproved),
				"rotate affected keys to AES-256-GCM")
		}
	}

	if report.ChecksFailed == 0 {
		report.Status = ReportCompliant
	} else {
		report.Status = ReportNonCompliant
	}
	return report, nil
}

// KeyLister exposes the managed key inventory to compliance checks.
type KeyLister interface {
	ListKeys() []types.KeyMetadata
}
