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

// Package storage defines the key-value persistence interface used by the
// key hierarchy, rotation manager, and recovery manager to store key
// metadata, rotation history, and ceremony state. Audit segments are not
// stored here; the audit logger owns its append-only files directly.
package storage

import (
	"errors"
	"io/fs"
	"time"
)

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("storage: backend is closed")

	// ErrInvalidKey is returned when a key is empty or malformed.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Backend is a generic key-value store. Implementations must be safe for
// concurrent use and must defensively copy values.
type Backend interface {
	// Get retrieves the value for key. Returns ErrNotFound if absent.
	Get(key string) ([]byte, error)

	// Put stores value under key, overwriting any existing value.
	Put(key string, value []byte, opts *Options) error

	// Delete removes key. Returns ErrNotFound if absent.
	Delete(key string) error

	// List returns all keys with the given prefix in sorted order.
	List(prefix string) ([]string, error)

	// Exists reports whether key is present.
	Exists(key string) (bool, error)

	// Close releases resources. Subsequent operations return ErrClosed.
	Close() error
}

// Options carries optional per-write settings.
type Options struct {
	// Permissions applies to file-backed stores. Defaults to 0600.
	Permissions fs.FileMode

	// TTL expires the entry after the given duration. Zero means no
	// expiry. Backends that cannot expire entries ignore TTL.
	TTL time.Duration
}

// DefaultOptions returns Options with owner-only file permissions.
func DefaultOptions() *Options {
	return &Options{Permissions: 0600}
}
