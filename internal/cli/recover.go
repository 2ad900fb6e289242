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
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-kms/pkg/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Split keys and run recovery ceremonies",
}

var (
	splitThreshold int
	splitTotal     int
)

var recoverSplitCmd = &cobra.Command{
	Use:   "split [file]",
	Short: "Split a secret into custodian shares",
	Long: `Split a secret read from a file or stdin into shares using Shamir
secret sharing. Each share goes to one custodian; the service keeps only
share metadata, never the payloads. Reconstructing the secret requires
the threshold number of shares.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readInput(args)
		if err != nil {
			return err
		}

		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		shares, err := s.SplitMasterSecret(cmd.Context(), currentActor(), secret, splitThreshold, splitTotal)
		if err != nil {
			return err
		}
		return NewPrinter(outputFormat, os.Stdout).PrintShares(shares)
	},
}

var recoverThreshold int

var recoverInitCmd = &cobra.Command{
	Use:   "init <fingerprint>",
	Short: "Open a recovery ceremony",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		ceremony, err := s.InitiateRecovery(cmd.Context(), currentActor(), args[0], recoverThreshold)
		if err != nil {
			return err
		}
		return NewPrinter(outputFormat, os.Stdout).PrintCeremony(ceremony)
	},
}

var recoverOut string

var recoverSubmitCmd = &cobra.Command{
	Use:   "submit <ceremony-id> [share-file]",
	Short: "Submit a custodian share to an open ceremony",
	Long: `Submit one share, read as JSON from a file or stdin. When the
threshold is met the reconstructed secret is written to --out or stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args[1:])
		if err != nil {
			return err
		}
		var share recovery.KeyShare
		if err := json.Unmarshal(raw, &share); err != nil {
			return fmt.Errorf("malformed share: %w", err)
		}

		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		secret, ceremony, err := s.SubmitRecoveryShare(cmd.Context(), currentActor(), args[0], &share)
		if err != nil {
			return err
		}
		if err := NewPrinter(outputFormat, os.Stderr).PrintCeremony(ceremony); err != nil {
			return err
		}
		if len(secret) > 0 {
			return writeOutput(recoverOut, secret)
		}
		return nil
	},
}

var cancelReason string

var recoverCancelCmd = &cobra.Command{
	Use:   "cancel <ceremony-id>",
	Short: "Cancel an open ceremony",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.CancelRecovery(cmd.Context(), currentActor(), args[0], cancelReason); err != nil {
			return err
		}
		fmt.Printf("cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	recoverSplitCmd.Flags().IntVar(&splitThreshold, "threshold", 3, "shares required to reconstruct")
	recoverSplitCmd.Flags().IntVar(&splitTotal, "total", 5, "total shares to issue")
	recoverInitCmd.Flags().IntVar(&recoverThreshold, "threshold", 3, "shares required to reconstruct")
	recoverSubmitCmd.Flags().StringVar(&recoverOut, "out", "", "file for the reconstructed secret (default stdout)")
	recoverCancelCmd.Flags().StringVar(&cancelReason, "reason", "operator cancelled", "cancellation reason")

	recoverCmd.AddCommand(recoverSplitCmd)
	recoverCmd.AddCommand(recoverInitCmd)
	recoverCmd.AddCommand(recoverSubmitCmd)
	recoverCmd.AddCommand(recoverCancelCmd)
}
