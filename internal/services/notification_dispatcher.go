package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
)

const (
	defaultDispatchWorkers = 8
	defaultSinkTimeout     = 10 * time.Second
)

// ErrDispatcherClosed is returned once Close has been called.
var ErrDispatcherClosed = errors.New("notification dispatcher: closed")

// NotificationDispatcherDeps configures the asynchronous fan-out of order events.
type NotificationDispatcherDeps struct {
	// Sinks receive every event. Keys name the sink in logs.
	Sinks       map[string]OrderEventPublisher
	Workers     int
	SinkTimeout time.Duration
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// NotificationDispatcher fans order events out to every sink on a bounded worker pool so
// request paths never wait on Pub/Sub or webhook delivery.
type NotificationDispatcher struct {
	sinks   []namedSink
	timeout time.Duration
	logger  func(context.Context, string, map[string]any)

	mu     sync.RWMutex
	closed bool
	pool   *concpool.Pool
}

type namedSink struct {
	name string
	sink OrderEventPublisher
}

var _ OrderEventPublisher = (*NotificationDispatcher)(nil)

// NewNotificationDispatcher validates the sink set and starts the worker pool lazily.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (*NotificationDispatcher, error) {
	if len(deps.Sinks) == 0 {
		return nil, errors.New("notification dispatcher: at least one sink is required")
	}
	names := make([]string, 0, len(deps.Sinks))
	for name, sink := range deps.Sinks {
		if sink == nil {
			return nil, errors.New("notification dispatcher: sink " + name + " is nil")
		}
		names = append(names, name)
	}
	sort.Strings(names)
	sinks := make([]namedSink, 0, len(names))
	for _, name := range names {
		sinks = append(sinks, namedSink{name: name, sink: deps.Sinks[name]})
	}

	workers := deps.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	timeout := deps.SinkTimeout
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &NotificationDispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
		pool:    concpool.New().WithMaxGoroutines(workers),
	}, nil
}

// PublishOrderEvent queues delivery to every sink and returns without waiting for it. Delivery
// runs detached from ctx cancellation; values such as the request logger are kept.
func (d *NotificationDispatcher) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	detached := context.WithoutCancel(ctx)
	for _, target := range d.sinks {
		target := target
		d.pool.Go(func() {
			d.deliver(detached, target, event)
		})
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries to finish or for ctx to end.
func (d *NotificationDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *NotificationDispatcher) deliver(ctx context.Context, target namedSink, event OrderEvent) {
	sinkCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := target.sink.PublishOrderEvent(sinkCtx, event); err != nil {
		d.logger(ctx, "order.notify.failed", map[string]any{
			"sink":  target.name,
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
		return
	}
	d.logger(ctx, "order.notify.delivered", map[string]any{
		"sink":  target.name,
		"type":  event.Type,
		"order": event.OrderID,
	})
}
