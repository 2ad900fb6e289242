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

// Package cli implements the kmsctl command tree.
package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-kms/internal/config"
	"github.com/jeremyhahn/go-kms/pkg/kms"
)

var (
	cfgFile      string
	outputFormat string
	verbose      bool
	actor        string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kmsctl",
	Short: "go-kms CLI - Envelope encryption and key management tool",
	Long: `kmsctl provides a command-line interface for the go-kms key
management service: envelope encryption, key hierarchy and rotation,
Shamir recovery ceremonies, and the hash-chained audit ledger.

Supported HSM providers:
  - mock:           software emulation with encrypted-at-rest keys
  - pkcs11:         PKCS#11 hardware modules
  - aws-cloudhsm:   AWS CloudHSM clusters
  - gcp-kms:        Google Cloud KMS (HSM protection level)
  - azure-keyvault: Azure Key Vault managed HSM
  - vault:          HashiCorp Vault transit engine`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is /etc/kms/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text",
		"output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "",
		"actor recorded in the audit ledger (default is $USER)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statusCmd)
}

// initViper wires flags and the KMS_* environment into viper.
func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/kms")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("KMS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		cfgFile = viper.ConfigFileUsed()
		printVerbose("using config file: %s", cfgFile)
	}
}

// loadConfig loads the effective configuration: the config file when one
// was found, defaults otherwise.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// masterSecret reads the master secret from KMS_MASTER_SECRET. A hex string
// is decoded; anything else is used as raw bytes.
func masterSecret() []byte {
	raw := viper.GetString("master_secret")
	if raw == "" {
		return nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil {
		return decoded
	}
	return []byte(raw)
}

// newService assembles a Service for one command invocation.
func newService(ctx context.Context) (*kms.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s, err := kms.New(ctx, cfg, &kms.Options{MasterSecret: masterSecret()})
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// currentActor returns the audit actor: the --actor flag or $USER.
func currentActor() string {
	if actor != "" {
		return actor
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] "+format+"\n", args...)
	}
}
