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

package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// DefaultCheckInterval is the default sweep cadence.
const DefaultCheckInterval = time.Hour

// Scheduler periodically runs rotation sweeps against the manager until its
// context is cancelled.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewScheduler builds a Scheduler. A zero interval takes the default.
func NewScheduler(m *Manager, interval time.Duration, logger *logging.Logger) (*Scheduler, error) {
	if m == nil {
		return nil, fmt.Errorf("rotation: manager required: %w", types.ErrConfiguration)
	}
	if interval == 0 {
		interval = DefaultCheckInterval
	}
	if interval < 0 {
		return nil, fmt.Errorf("rotation: negative check interval: %w", types.ErrConfiguration)
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Scheduler{manager: m, interval: interval, logger: logger}, nil
}

// Start launches the sweep loop. The first sweep runs after one interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("rotation: scheduler already started: %w", types.ErrConfiguration)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.run(runCtx)
	s.logger.Info("rotation scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotated, completed, err := s.manager.CheckAllRotations(ctx)
			if err != nil {
				s.logger.Errorf("rotation sweep: %v", err)
			}
			if rotated > 0 || completed > 0 {
				s.logger.Info("rotation sweep finished",
					"rotated", rotated, "completed", completed)
			}
		}
	}
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.started = false
	s.logger.Info("rotation scheduler stopped")
}
