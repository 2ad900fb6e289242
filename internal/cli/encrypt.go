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
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

// envelopeBundle is the wire form of an envelope encryption result: the
// ciphertext plus the wrapped data key needed to decrypt it later.
type envelopeBundle struct {
	Data    *types.EncryptedData `json:"data"`
	Wrapped *types.WrappedKey    `json:"wrapped_key"`
}

var (
	encryptAAD string
	encryptOut string
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [file]",
	Short: "Envelope-encrypt a file or stdin",
	Long: `Encrypt data under a fresh data encryption key wrapped by the
active key encryption key. The output is a JSON bundle containing the
ciphertext and the wrapped data key; both are required to decrypt.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, err := readInput(args)
		if err != nil {
			return err
		}

		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		data, wrapped, err := s.Encrypt(cmd.Context(), currentActor(), plaintext, []byte(encryptAAD))
		if err != nil {
			return err
		}

		raw, err := json.Marshal(&envelopeBundle{Data: data, Wrapped: wrapped})
		if err != nil {
			return err
		}
		return writeOutput(encryptOut, append(raw, '\n'))
	},
}

var (
	decryptAAD string
	decryptOut string
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt [file]",
	Short: "Decrypt an envelope bundle",
	Long: `Decrypt a JSON bundle produced by encrypt. The wrapped data key is
unwrapped through its original key encryption key, which keeps working
through rotation grace periods.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args)
		if err != nil {
			return err
		}
		var bundle envelopeBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return fmt.Errorf("malformed envelope bundle: %w", err)
		}

		s, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		plaintext, err := s.Decrypt(cmd.Context(), currentActor(), bundle.Data, bundle.Wrapped, []byte(decryptAAD))
		if err != nil {
			return err
		}
		return writeOutput(decryptOut, plaintext)
	},
}

func init() {
	encryptCmd.Flags().StringVar(&encryptAAD, "aad", "", "additional authenticated data")
	encryptCmd.Flags().StringVar(&encryptOut, "out", "", "output file (default stdout)")
	decryptCmd.Flags().StringVar(&decryptAAD, "aad", "", "additional authenticated data")
	decryptCmd.Flags().StringVar(&decryptOut, "out", "", "output file (default stdout)")
}

// readInput reads the named file, or stdin when no argument was given.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	// #nosec G304 - Input file path is provided by the operator
	return os.ReadFile(args[0])
}

// writeOutput writes to the named file, or stdout when path is empty.
func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}
