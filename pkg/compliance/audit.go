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

package compliance

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/metrics"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

const (
	// DefaultMaxEventsPerSegment caps a segment file before rollover.
	DefaultMaxEventsPerSegment = 10000

	segmentPattern = "audit-%06d.log"
	segmentGlob    = "audit-*.log"
)

// AuditEvent is one ledger entry. Hash covers the event content and the
// previous entry's hash, chaining the ledger so any modification or
// deletion invalidates every later entry.
type AuditEvent struct {
	EventID      string            `json:"event_id"`
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	Actor        string            `json:"actor,omitempty"`
	KeyID        string            `json:"key_id,omitempty"`
	Operation    string            `json:"operation,omitempty"`
	Algorithm    types.Algorithm   `json:"algorithm,omitempty"`
	Success      bool              `json:"success"`
	Details      map[string]string `json:"details,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	Hash         string            `json:"hash"`
}

// computeHash returns the chain hash for an event: SHA-256 over the
// canonical JSON of the event content (hash field cleared) and the previous
// hash. encoding/json emits map keys in sorted order, which fixes the
// canonical form.
func computeHash(ev *AuditEvent) (string, error) {
	content := *ev
	content.Hash = ""

	canonical, err := json.Marshal(map[string]any{
		"event":         &content,
		"previous_hash": ev.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("compliance: hash event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// AuditOptions configures an AuditLogger.
type AuditOptions struct {
	// MaxEventsPerSegment overrides DefaultMaxEventsPerSegment.
	MaxEventsPerSegment int

	Logger *logging.Logger

	// Now injects a clock for tests.
	Now func() time.Time
}

// AuditLogger is an append-only, hash-chained JSONL ledger. Events are
// written one JSON object per line across numbered segment files; the chain
// runs across segment boundaries.
type AuditLogger struct {
	dir       string
	maxPerSeg int
	logger    *logging.Logger
	now       func() time.Time

	mu        sync.Mutex
	file      *os.File
	segment   int
	segEvents int
	lastHash  string
	closed    bool
}

// NewAuditLogger opens the ledger at dir, resuming the chain from the last
// entry of the newest segment.
func NewAuditLogger(dir string, opts *AuditOptions) (*AuditLogger, error) {
	if dir == "" {
		return nil, fmt.Errorf("compliance: audit directory required: %w", types.ErrConfiguration)
	}
	if opts == nil {
		opts = &AuditOptions{}
	}
	maxPerSeg := opts.MaxEventsPerSegment
	if maxPerSeg <= 0 {
		maxPerSeg = DefaultMaxEventsPerSegment
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("compliance: create audit directory: %w", err)
	}

	l := &AuditLogger{
		dir:       dir,
		maxPerSeg: maxPerSeg,
		logger:    logger,
		now:       now,
	}
	if err := l.resume(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) segments() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(l.dir, segmentGlob))
	if err != nil {
		return nil, fmt.Errorf("compliance: list segments: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// resume locates the newest segment and restores the running hash and event
// count from its last line.
func (l *AuditLogger) resume() error {
	paths, err := l.segments()
	if err != nil {
		return err
	}

	if len(paths) > 0 {
		last := paths[len(paths)-1]
		if _, err := fmt.Sscanf(filepath.Base(last), segmentPattern, &l.segment); err != nil {
			return fmt.Errorf("compliance: unrecognized segment name %s: %w",
				last, types.ErrIntegrityViolation)
		}

		f, err := os.Open(last)
		if err != nil {
			return fmt.Errorf("compliance: open segment %s: %w", last, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev AuditEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				f.Close()
				return fmt.Errorf("compliance: corrupt segment %s: %w",
					last, types.ErrIntegrityViolation)
			}
			l.lastHash = ev.Hash
			l.segEvents++
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return fmt.Errorf("compliance: read segment %s: %w", last, err)
		}
		f.Close()
	}

	return l.openSegment()
}

func (l *AuditLogger) openSegment() error {
	path := filepath.Join(l.dir, fmt.Sprintf(segmentPattern, l.segment))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("compliance: open segment %s: %w", path, err)
	}
	l.file = f
	return nil
}

// Append writes an event to the ledger, assigning its id, timestamp, and
// chain hashes. The first event of a ledger chains from the empty hash.
func (l *AuditLogger) Append(ctx context.Context, ev *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("compliance: audit logger closed: %w", types.ErrConfiguration)
	}

	if ev.EventID == "" {
		ev.EventID = "evt-" + uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	ev.PreviousHash = l.lastHash

	hash, err := computeHash(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("compliance: encode event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("compliance: append event: %w", err)
	}

	l.lastHash = hash
	l.segEvents++
	metrics.RecordAuditEvent()

	if l.segEvents >= l.maxPerSeg {
		if err := l.rollover(); err != nil {
			return err
		}
	}
	return nil
}

// rollover closes the current segment and starts the next. The hash chain
// continues across the boundary. Caller holds l.mu.
func (l *AuditLogger) rollover() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("compliance: close segment: %w", err)
	}
	l.segment++
	l.segEvents = 0
	l.logger.Info("audit segment rollover", "segment", l.segment)
	return l.openSegment()
}

// VerifyResult reports a ledger integrity check.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EventsVerified int    `json:"events_verified"`
	BadSegment     string `json:"bad_segment,omitempty"`
	BadLine        int    `json:"bad_line,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// VerifyIntegrity walks the full ledger and recomputes the hash chain,
// reporting the first divergent line if any.
func (l *AuditLogger) VerifyIntegrity(ctx context.Context) (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths, err := l.segments()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	prevHash := ""

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("compliance: open segment %s: %w", path, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				f.Close()
				return nil, ctx.Err()
			default:
			}

			lineNo++
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var ev AuditEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				f.Close()
				return invalid(result, path, lineNo, "unparseable event"), nil
			}
			if ev.PreviousHash != prevHash {
				f.Close()
				return invalid(result, path, lineNo, "previous hash mismatch"), nil
			}
			expected, err := computeHash(&ev)
			if err != nil {
				f.Close()
				return nil, err
			}
			if ev.Hash != expected {
				f.Close()
				return invalid(result, path, lineNo, "event hash mismatch"), nil
			}

			prevHash = ev.Hash
			result.EventsVerified++
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, fmt.Errorf("compliance: read segment %s: %w", path, err)
		}
		f.Close()
	}
	return result, nil
}

func invalid(r *VerifyResult, segment string, line int, reason string) *VerifyResult {
	r.Valid = false
	r.BadSegment = filepath.Base(segment)
	r.BadLine = line
	r.Reason = reason
	return r
}

// QueryFilter selects audit events. Zero fields match everything.
type QueryFilter struct {
	EventType string
	KeyID     string
	Actor     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f QueryFilter) matches(ev *AuditEvent) bool {
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.KeyID != "" && ev.KeyID != f.KeyID {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns matching events in reverse chronological order. Segments are
// scanned newest first and the scan stops at the limit, so a bounded query
// never reads the whole ledger.
func (l *AuditLogger) Query(ctx context.Context, filter QueryFilter) ([]*AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths, err := l.segments()
	if err != nil {
		return nil, err
	}

	var matched []*AuditEvent
	for i := len(paths) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		segMatched, err := querySegment(paths[i], filter)
		if err != nil {
			return nil, err
		}
		// Entries within a segment are appended oldest first.
		for j := len(segMatched) - 1; j >= 0; j-- {
			matched = append(matched, segMatched[j])
			if filter.Limit > 0 && len(matched) == filter.Limit {
				return matched, nil
			}
		}
	}
	return matched, nil
}

func querySegment(path string, filter QueryFilter) ([]*AuditEvent, error) {
	// #nosec G304 - Segment paths come from the logger's own directory
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("compliance: open segment %s: %w", path, err)
	}
	defer f.Close()

	var matched []*AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if !filter.matches(&ev) {
			continue
		}
		evCopy := ev
		matched = append(matched, &evCopy)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("compliance: read segment %s: %w", path, err)
	}
	return matched, nil
}

// LastHash returns the hash at the head of the chain.
func (l *AuditLogger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Close flushes and closes the current segment.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
