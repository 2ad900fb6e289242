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

package health

import (
	"context"
	"errors"
	"testing"
)

func TestReadyAllHealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterCheck("hsm", true, func(ctx context.Context) error { return nil })
	c.RegisterCheck("storage", true, func(ctx context.Context) error { return nil })

	report := c.Ready(context.Background())
	if report.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(report.Checks))
	}
	// Results are sorted by name.
	if report.Checks[0].Name != "hsm" || report.Checks[1].Name != "storage" {
		t.Errorf("check order: %s, %s", report.Checks[0].Name, report.Checks[1].Name)
	}
}

func TestReadyCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterCheck("hsm", true, func(ctx context.Context) error {
		return errors.New("backend unreachable")
	})
	c.RegisterCheck("storage", true, func(ctx context.Context) error { return nil })

	report := c.Ready(context.Background())
	if report.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", report.Status)
	}
	if report.Checks[0].Message != "backend unreachable" {
		t.Errorf("message = %q", report.Checks[0].Message)
	}
	if c.IsHealthy(context.Background()) {
		t.Error("IsHealthy returned true with a failing critical check")
	}
}

func TestReadyNonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterCheck("metrics", false, func(ctx context.Context) error {
		return errors.New("scrape endpoint down")
	})
	c.RegisterCheck("storage", true, func(ctx context.Context) error { return nil })

	report := c.Ready(context.Background())
	if report.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", report.Status)
	}
}

func TestStartup(t *testing.T) {
	c := NewChecker()
	if c.Startup(context.Background()) {
		t.Error("Startup true before MarkStarted")
	}
	c.MarkStarted()
	if !c.Startup(context.Background()) {
		t.Error("Startup false after MarkStarted")
	}
}

func TestLive(t *testing.T) {
	c := NewChecker()
	c.RegisterCheck("hsm", true, func(ctx context.Context) error {
		return errors.New("down")
	})
	if err := c.Live(context.Background()); err != nil {
		t.Errorf("Live returned %v, want nil", err)
	}
}
