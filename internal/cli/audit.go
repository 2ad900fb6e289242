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

package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-kms/pkg/compliance"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit ledger",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit ledger hash chain",
	Long: `Recompute the full hash chain across every ledger segment. Any
modified or deleted entry is reported with its segment and line number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.VerifyAuditIntegrity(cmd.Context())
		if err != nil {
			return err
		}
		if err := NewPrinter(outputFormat, os.Stdout).PrintVerifyResult(result); err != nil {
			return err
		}
		if !result.Valid {
			os.Exit(1)
		}
		return nil
	},
}

var (
	queryKeyID     string
	queryActor     string
	queryEventType string
	queryLimit     int
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		events, err := s.QueryAuditEvents(cmd.Context(), compliance.QueryFilter{
			KeyID:     queryKeyID,
			Actor:     queryActor,
			EventType: queryEventType,
			Limit:     queryLimit,
		})
		if err != nil {
			return err
		}
		return NewPrinter(outputFormat, os.Stdout).PrintAuditEvents(events)
	},
}

var auditReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a compliance report",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.ComplianceReport(cmd.Context())
		if err != nil {
			return err
		}
		return NewPrinter(outputFormat, os.Stdout).PrintReport(report)
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&queryKeyID, "key", "", "filter by key ID")
	auditQueryCmd.Flags().StringVar(&queryActor, "actor", "", "filter by actor")
	auditQueryCmd.Flags().StringVar(&queryEventType, "type", "", "filter by event type")
	auditQueryCmd.Flags().IntVar(&queryLimit, "limit", 100, "maximum events to return")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditReportCmd)
}
