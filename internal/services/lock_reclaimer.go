package services

import (
	"context"
	"errors"
	"time"
)

const (
	defaultReclaimInterval = time.Minute
	defaultReclaimBatch    = 100
)

// LockReclaimerDeps configures the background sweep of expired edit locks.
type LockReclaimerDeps struct {
	Orders   OrderLifecycleService
	Interval time.Duration
	Batch    int
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// LockReclaimer periodically reverts orders whose edit lock expired back to pendiente. Expired
// locks are also reclaimed passively by BeginEdit; the sweep keeps listings accurate.
type LockReclaimer struct {
	orders   OrderLifecycleService
	interval time.Duration
	batch    int
	logger   func(context.Context, string, map[string]any)
}

// NewLockReclaimer validates dependencies and applies defaults.
func NewLockReclaimer(deps LockReclaimerDeps) (*LockReclaimer, error) {
	if deps.Orders == nil {
		return nil, errors.New("lock reclaimer: order lifecycle service is required")
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultReclaimInterval
	}
	batch := deps.Batch
	if batch <= 0 {
		batch = defaultReclaimBatch
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &LockReclaimer{orders: deps.Orders, interval: interval, batch: batch, logger: logger}, nil
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (r *LockReclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep drains expired locks batch by batch. A full batch means more may be waiting.
func (r *LockReclaimer) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := r.orders.ReclaimExpiredLocks(ctx, r.batch)
		total += n
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger(ctx, "order.reclaim.sweep.failed", map[string]any{"error": err.Error()})
			}
			break
		}
		if n < r.batch {
			break
		}
	}
	if total > 0 {
		r.logger(ctx, "order.reclaim.sweep", map[string]any{"reclaimed": total})
	}
	return total
}
