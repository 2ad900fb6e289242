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

// Package health aggregates named component checks into a structured status
// suitable for dashboards and Kubernetes-style probes. Components register a
// CheckFunc; Ready runs every registered check and reports per-component
// results alongside an aggregate status.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is a component or aggregate health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// Report is the aggregate of all component checks.
type Report struct {
	Status    Status        `json:"status"`
	Uptime    time.Duration `json:"uptime_ns"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

type registeredCheck struct {
	fn       CheckFunc
	critical bool
}

// Checker runs registered component checks.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]registeredCheck
	started   bool
	startTime time.Time
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		checks:    make(map[string]registeredCheck),
		startTime: time.Now(),
	}
}

// RegisterCheck adds a named component check. A critical check failing
// makes the aggregate unhealthy; a non-critical failure only degrades it.
func (c *Checker) RegisterCheck(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registeredCheck{fn: fn, critical: critical}
}

// MarkStarted records that startup completed. Startup probes fail until
// this is called.
func (c *Checker) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

// Live reports process liveness. It never runs component checks; a live
// process that cannot serve traffic is a readiness concern.
func (c *Checker) Live(ctx context.Context) error {
	return nil
}

// Startup reports whether initialization has completed.
func (c *Checker) Startup(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Ready runs all registered checks and returns the aggregate report.
func (c *Checker) Ready(ctx context.Context) *Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]registeredCheck, len(c.checks))
	for name, chk := range c.checks {
		checks[name] = chk
	}
	c.mu.RUnlock()

	report := &Report{
		Status:    StatusHealthy,
		Uptime:    time.Since(c.startTime),
		CheckedAt: time.Now().UTC(),
	}

	for _, name := range names {
		chk := checks[name]
		start := time.Now()
		err := chk.fn(ctx)
		result := CheckResult{
			Name:    name,
			Status:  StatusHealthy,
			Latency: time.Since(start),
		}
		if err != nil {
			result.Message = err.Error()
			if chk.critical {
				result.Status = StatusUnhealthy
				report.Status = StatusUnhealthy
			} else {
				result.Status = StatusDegraded
				if report.Status == StatusHealthy {
					report.Status = StatusDegraded
				}
			}
		}
		report.Checks = append(report.Checks, result)
	}

	return report
}

// IsHealthy reports whether every registered check passes.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	return c.Ready(ctx).Status == StatusHealthy
}

// Uptime returns the time since the Checker was created.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}
