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

package memory

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/storage"
)

func TestPutGetDelete(t *testing.T) {
	s := New()
	defer s.Close()

	if err := s.Put("keys/kek-1", []byte("metadata"), nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, err := s.Get("keys/kek-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(value, []byte("metadata")) {
		t.Errorf("Get returned %q, want %q", value, "metadata")
	}

	if err := s.Delete("keys/kek-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get("keys/kek-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete returned %v, want ErrNotFound", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	defer s.Close()

	if _, err := s.Get("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get returned %v, want ErrNotFound", err)
	}
	if err := s.Delete("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Delete returned %v, want ErrNotFound", err)
	}
}

func TestPutEmptyKey(t *testing.T) {
	s := New()
	defer s.Close()

	if err := s.Put("", []byte("x"), nil); !errors.Is(err, storage.ErrInvalidKey) {
		t.Errorf("Put returned %v, want ErrInvalidKey", err)
	}
}

func TestDefensiveCopies(t *testing.T) {
	s := New()
	defer s.Close()

	value := []byte("original")
	if err := s.Put("k", value, nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value[0] = 'X'

	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("original")) {
		t.Errorf("stored value was mutated: %q", got)
	}

	got[0] = 'Y'
	again, _ := s.Get("k")
	if !bytes.Equal(again, []byte("original")) {
		t.Errorf("returned value aliased storage: %q", again)
	}
}

func TestListPrefix(t *testing.T) {
	s := New()
	defer s.Close()

	for _, key := range []string{"keys/kek-1", "keys/dek-1", "rotation/events/e1"} {
		if err := s.Put(key, []byte("v"), nil); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	keys, err := s.List("keys/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List returned %d keys, want 2", len(keys))
	}
	if keys[0] != "keys/dek-1" || keys[1] != "keys/kek-1" {
		t.Errorf("List not sorted: %v", keys)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List returned %d keys, want 3", len(all))
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New()
	defer s.Close()

	base := time.Now()
	s.now = func() time.Time { return base }

	if err := s.Put("ephemeral", []byte("v"), &storage.Options{TTL: time.Minute}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := s.Get("ephemeral"); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	if _, err := s.Get("ephemeral"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after expiry returned %v, want ErrNotFound", err)
	}
	ok, err := s.Exists("ephemeral")
	if err != nil || ok {
		t.Errorf("Exists after expiry = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestClosed(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := s.Get("k"); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Get returned %v, want ErrClosed", err)
	}
	if err := s.Put("k", nil, nil); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Put returned %v, want ErrClosed", err)
	}
	if _, err := s.List(""); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("List returned %v, want ErrClosed", err)
	}
}
