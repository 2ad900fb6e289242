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

// Package memory provides an in-memory storage.Backend. Values are
// defensively copied and optional TTLs are honored lazily on read.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/storage"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Storage is an in-memory implementation of storage.Backend.
type Storage struct {
	mu     sync.RWMutex
	data   map[string]entry
	closed bool
	now    func() time.Time
}

// New creates an in-memory storage backend.
func New() *Storage {
	return &Storage{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

// Get retrieves the value for key. Expired entries behave as absent.
func (s *Storage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return nil, storage.ErrNotFound
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

// Put stores value under key. A non-zero opts.TTL sets the entry's expiry.
func (s *Storage) Put(key string, value []byte, opts *storage.Options) error {
	if key == "" {
		return storage.ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	e := entry{value: valueCopy}
	if opts != nil && opts.TTL > 0 {
		e.expiresAt = s.now().Add(opts.TTL)
	}
	s.data[key] = e

	return nil
}

// Delete removes key.
func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	if _, ok := s.data[key]; !ok {
		return storage.ErrNotFound
	}

	delete(s.data, key)
	return nil
}

// List returns all live keys with the given prefix in sorted order.
func (s *Storage) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	now := s.now()
	var keys []string
	for key, e := range s.data {
		if e.expired(now) {
			continue
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key is present and not expired.
func (s *Storage) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, storage.ErrClosed
	}

	e, ok := s.data[key]
	return ok && !e.expired(s.now()), nil
}

// Close marks the backend closed and releases its data.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = nil
	return nil
}
