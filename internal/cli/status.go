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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service health and rotation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		printer := NewPrinter(outputFormat, os.Stdout)
		if err := printer.PrintHealth(s.Health(cmd.Context())); err != nil {
			return err
		}

		status, err := s.RotationStatus()
		if err != nil {
			return err
		}
		if outputFormat == string(OutputFormatJSON) {
			return printer.printJSON(status)
		}

		fmt.Println()
		for _, p := range status.Policies {
			fmt.Printf("policy %s: rotate every %s, grace %s\n",
				p.KeyType, p.Interval, p.GracePeriod)
		}
		for _, ev := range status.PendingEvents {
			fmt.Printf("pending: %s -> %s, grace ends %s\n",
				ev.OldKeyID, ev.NewKeyID, ev.GracePeriodEnds.Format(time.RFC3339))
		}
		return nil
	},
}
