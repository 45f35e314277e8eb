package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/mayorista/pedidos/internal/domain"
)

func TestReadinessProbeCollectSuccess(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(5 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{
			Name:  "pubsub",
			Check: func(context.Context) error { return nil },
		},
	}

	now := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)
	probe, err := NewReadinessProbe(checks, WithProbeClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewReadinessProbe: %v", err)
	}

	report, err := probe.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.ReadinessOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.ReadinessOK {
			t.Fatalf("expected check %s to be ok, got %s", name, check.Status)
		}
		if !check.CheckedAt.Equal(now) {
			t.Fatalf("expected check %s checkedAt %s, got %s", name, now, check.CheckedAt)
		}
	}
}

func TestReadinessProbeCollectDegraded(t *testing.T) {
	probe, err := NewReadinessProbe([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return errors.New("boom") }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewReadinessProbe: %v", err)
	}

	report, err := probe.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.ReadinessDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
	if got := report.Checks["firestore"].Detail; got != "boom" {
		t.Fatalf("expected detail boom, got %q", got)
	}
}

func TestReadinessProbeCollectTimeout(t *testing.T) {
	probe, err := NewReadinessProbe([]DependencyCheck{
		{
			Name:    "catalog",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(200 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewReadinessProbe: %v", err)
	}

	report, err := probe.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.ReadinessError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if got := report.Checks["catalog"].Detail; got != "timeout" {
		t.Fatalf("expected detail timeout, got %s", got)
	}
}

func TestNewReadinessProbeRejectsUnnamedCheck(t *testing.T) {
	if _, err := NewReadinessProbe([]DependencyCheck{{Check: func(context.Context) error { return nil }}}); err == nil {
		t.Fatalf("expected error for unnamed check")
	}
	if _, err := NewReadinessProbe(nil); err == nil {
		t.Fatalf("expected error for empty check set")
	}
}
