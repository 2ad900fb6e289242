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

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the key hierarchy",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		return NewPrinter(outputFormat, os.Stdout).PrintKeyList(s.ListKeys())
	},
}

var (
	dekPurpose   string
	dekTTL       time.Duration
	dekHSMBacked bool
)

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a managed data encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		key, err := s.GenerateDEK(cmd.Context(), currentActor(), dekPurpose, dekTTL, dekHSMBacked)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (purpose %q)\n", key.KeyID, dekPurpose)
		return nil
	},
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a key, opening its grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		event, err := s.RotateKey(cmd.Context(), currentActor(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("rotated %s -> %s (grace period ends %s)\n",
			event.OldKeyID, event.NewKeyID, event.GracePeriodEnds.Format(time.RFC3339))
		return nil
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a compromised key",
	Long: `Mark a key compromised. Revoked keys refuse every operation,
including decryption of existing data. This cannot be undone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.RevokeKey(cmd.Context(), currentActor(), args[0]); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	},
}

var keyEmergencyCmd = &cobra.Command{
	Use:   "emergency-rotate",
	Short: "Rotate every active key immediately, with no grace period",
	Long: `Respond to a suspected compromise: rotate the active key
encryption key and every active data encryption key, retiring all
predecessors immediately instead of opening a grace period.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		results, err := s.EmergencyRotate(cmd.Context(), currentActor())
		for _, r := range results {
			if r.Err != nil {
				fmt.Printf("FAILED %s: %v\n", r.KeyID, r.Err)
				continue
			}
			fmt.Printf("rotated %s -> %s\n", r.KeyID, r.Event.NewKeyID)
		}
		return err
	},
}

func init() {
	keyGenerateCmd.Flags().StringVar(&dekPurpose, "purpose", "", "what the key encrypts")
	keyGenerateCmd.Flags().DurationVar(&dekTTL, "ttl", 0, "key lifetime (0 means no expiry)")
	keyGenerateCmd.Flags().BoolVar(&dekHSMBacked, "hsm", false,
		"create the key inside the HSM backend (non-extractable)")

	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyRotateCmd)
	keyCmd.AddCommand(keyRevokeCmd)
	keyCmd.AddCommand(keyEmergencyCmd)
}
