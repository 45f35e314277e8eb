package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const metricNamespace = "github.com/mayorista/pedidos/internal/services"

// OrderMetrics records reconciliation and lifecycle counters.
type OrderMetrics struct {
	submissions   metric.Int64Counter
	discrepancies metric.Int64Counter
	reclaimed     metric.Int64Counter
}

// NewOrderMetrics registers counters on the supplied meter, or the global provider when nil.
// Instruments that fail to register are skipped.
func NewOrderMetrics(meter metric.Meter, logger *zap.Logger) *OrderMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &OrderMetrics{}
	var err error
	if m.submissions, err = meter.Int64Counter("orders.submissions",
		metric.WithDescription("Cart submissions by outcome")); err != nil {
		logger.Warn("metrics: unable to register submissions counter", zap.Error(err))
		m.submissions = nil
	}
	if m.discrepancies, err = meter.Int64Counter("orders.reconcile.discrepancies",
		metric.WithDescription("Cart entries rejected during reconciliation by reason")); err != nil {
		logger.Warn("metrics: unable to register discrepancies counter", zap.Error(err))
		m.discrepancies = nil
	}
	if m.reclaimed, err = meter.Int64Counter("orders.edit_locks.reclaimed",
		metric.WithDescription("Expired edit locks reverted to pendiente")); err != nil {
		logger.Warn("metrics: unable to register reclaim counter", zap.Error(err))
		m.reclaimed = nil
	}
	return m
}

// RecordSubmission counts a submission outcome (created, committed, rejected, deduplicated).
func (m *OrderMetrics) RecordSubmission(ctx context.Context, outcome string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDiscrepancy counts a rejected cart entry.
func (m *OrderMetrics) RecordDiscrepancy(ctx context.Context, reason string) {
	if m == nil || m.discrepancies == nil {
		return
	}
	m.discrepancies.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReclaimed counts reverted edit locks.
func (m *OrderMetrics) RecordReclaimed(ctx context.Context, count int) {
	if m == nil || m.reclaimed == nil || count <= 0 {
		return
	}
	m.reclaimed.Add(ctx, int64(count))
}
