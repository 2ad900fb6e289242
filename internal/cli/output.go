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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/compliance"
	"github.com/jeremyhahn/go-kms/pkg/health"
	"github.com/jeremyhahn/go-kms/pkg/recovery"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintError prints an error in the configured format
func (p *Printer) PrintError(err error) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{"error": err.Error()})
	}
	_, werr := fmt.Fprintf(p.writer, "Error: %v\n", err)
	return werr
}

// PrintKeyList prints managed key metadata
func (p *Printer) PrintKeyList(keys []types.KeyMetadata) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{"keys": keys})
	}

	w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tTYPE\tSTATUS\tALGORITHM\tPROVIDER\tCREATED")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			k.KeyID, k.KeyType, k.Status, k.Algorithm, k.Provider,
			k.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// PrintAuditEvents prints audit ledger entries
func (p *Printer) PrintAuditEvents(events []*compliance.AuditEvent) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{"events": events})
	}

	w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tTYPE\tACTOR\tKEY\tOK")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.Actor, ev.KeyID, ev.Success)
	}
	return w.Flush()
}

// PrintVerifyResult prints an audit integrity check result
func (p *Printer) PrintVerifyResult(result *compliance.VerifyResult) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(result)
	}

	if result.Valid {
		fmt.Fprintf(p.writer, "audit ledger intact: %d events verified\n", result.EventsVerified)
		return nil
	}
	fmt.Fprintf(p.writer, "AUDIT LEDGER TAMPERED: %s line %d: %s\n",
		result.BadSegment, result.BadLine, result.Reason)
	return nil
}

// PrintReport prints a compliance report
func (p *Printer) PrintReport(report *compliance.Report) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(report)
	}

	fmt.Fprintf(p.writer, "Status:        %s\n", report.Status)
	fmt.Fprintf(p.writer, "FIPS mode:     %t\n", report.FIPSMode)
	fmt.Fprintf(p.writer, "Checks passed: %d\n", report.ChecksPassed)
	fmt.Fprintf(p.writer, "Checks failed: %d\n", report.ChecksFailed)
	fmt.Fprintf(p.writer, "Audit events:  %d\n", report.AuditEvents)
	for i, finding := range report.Findings {
		fmt.Fprintf(p.writer, "Finding:       %s\n", finding)
		if i < len(report.Recommendations) {
			fmt.Fprintf(p.writer, "  Remediation: %s\n", report.Recommendations[i])
		}
	}
	return nil
}

// PrintShares prints issued recovery shares, payloads included. Shares are
// handed to custodians and never persisted server-side.
func (p *Printer) PrintShares(shares []*recovery.KeyShare) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{"shares": shares})
	}

	for _, s := range shares {
		raw, err := json.Marshal(s)
		if err != nil {
			return err
		}
		fmt.Fprintf(p.writer, "share %d/%d (%s): %s\n", s.Index, s.Total, s.ShareID, raw)
	}
	return nil
}

// PrintCeremony prints a recovery ceremony's state
func (p *Printer) PrintCeremony(c *recovery.Ceremony) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(c)
	}

	fmt.Fprintf(p.writer, "Ceremony:    %s\n", c.CeremonyID)
	fmt.Fprintf(p.writer, "Key:         %s\n", c.KeyFingerprint)
	fmt.Fprintf(p.writer, "Status:      %s\n", c.Status)
	fmt.Fprintf(p.writer, "Shares:      %d/%d\n", c.SharesReceived, c.Threshold)
	fmt.Fprintf(p.writer, "Expires:     %s\n", c.ExpiresAt.Format(time.RFC3339))
	if c.FailureReason != "" {
		fmt.Fprintf(p.writer, "Failure:     %s\n", c.FailureReason)
	}
	return nil
}

// PrintHealth prints a health report
func (p *Printer) PrintHealth(report *health.Report) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(report)
	}

	fmt.Fprintf(p.writer, "Status: %s (uptime %s)\n", report.Status, report.Uptime.Round(time.Second))
	w := tabwriter.NewWriter(p.writer, 0, 8, 2, ' ', 0)
	for _, chk := range report.Checks {
		msg := chk.Message
		if msg == "" {
			msg = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", chk.Name, chk.Status, msg)
	}
	return w.Flush()
}
