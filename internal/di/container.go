package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mayorista/pedidos/internal/platform/config"
	"github.com/mayorista/pedidos/internal/repositories"
	"github.com/mayorista/pedidos/internal/services"
)

// Services bundles the service-layer contracts that handlers and background loops rely upon.
type Services struct {
	Orders services.OrderLifecycleService
	Audit  services.AuditLogService
	System services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	// Dispatcher is nil when no event sink is configured.
	Dispatcher *services.NotificationDispatcher
	Reclaimer  *services.LockReclaimer
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	sinks       map[string]services.OrderEventPublisher
	checks      []repositories.DependencyCheck
	metrics     services.OrderMetrics
	eventLogger func(context.Context, string, map[string]any)
	auditLogger services.AuditLogger
	build       services.BuildInfo
	clock       func() time.Time
}

// WithEventSink registers a named destination for order lifecycle events.
func WithEventSink(name string, sink services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		if sink == nil {
			return
		}
		if o.sinks == nil {
			o.sinks = make(map[string]services.OrderEventPublisher)
		}
		o.sinks[name] = sink
	}
}

// WithReadinessChecks adds dependency checks to the readiness probe.
func WithReadinessChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *containerOptions) {
		o.checks = append(o.checks, checks...)
	}
}

// WithMetrics wires lifecycle counters.
func WithMetrics(metrics services.OrderMetrics) Option {
	return func(o *containerOptions) {
		o.metrics = metrics
	}
}

// WithEventLogger sets the structured event callback handed to services.
func WithEventLogger(logger func(context.Context, string, map[string]any)) Option {
	return func(o *containerOptions) {
		o.eventLogger = logger
	}
}

// WithAuditLogger sets the logger used when audit writes fail.
func WithAuditLogger(logger services.AuditLogger) Option {
	return func(o *containerOptions) {
		o.auditLogger = logger
	}
}

// WithBuildInfo sets the metadata reported by the liveness endpoint.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithClock overrides the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore
// registry; tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	container := &Container{
		Config:       cfg,
		Repositories: reg,
	}

	if len(options.sinks) > 0 {
		dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
			Sinks:       options.sinks,
			SinkTimeout: cfg.Notifications.Timeout,
			Logger:      options.eventLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build notification dispatcher: %w", err)
		}
		container.Dispatcher = dispatcher
	}

	svc, err := buildServices(ctx, reg, cfg, options, container.Dispatcher)
	if err != nil {
		return nil, err
	}
	container.Services = svc

	reclaimer, err := services.NewLockReclaimer(services.LockReclaimerDeps{
		Orders:   svc.Orders,
		Interval: cfg.Orders.ReclaimInterval,
		Batch:    cfg.Orders.ReclaimBatch,
		Logger:   options.eventLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("build lock reclaimer: %w", err)
	}
	container.Reclaimer = reclaimer

	return container, nil
}

// Close drains queued notifications and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Dispatcher != nil {
		if err := c.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, options containerOptions, dispatcher *services.NotificationDispatcher) (Services, error) {
	var svc Services

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      options.clock,
			Logger:     options.auditLogger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	deps := services.OrderLifecycleServiceDeps{
		Orders:      reg.Orders(),
		Catalog:     reg.Catalog(),
		Counters:    reg.Counters(),
		Audit:       svc.Audit,
		Metrics:     options.metrics,
		EditLockTTL: cfg.Orders.EditLockTTL,
		Clock:       options.clock,
		Logger:      options.eventLogger,
	}
	if dispatcher != nil {
		deps.Events = dispatcher
	}
	orders, err := services.NewOrderLifecycleService(deps)
	if err != nil {
		return Services{}, fmt.Errorf("build order lifecycle service: %w", err)
	}
	svc.Orders = orders

	if len(options.checks) > 0 {
		probe, err := repositories.NewReadinessProbe(options.checks, repositories.WithProbeClock(options.clock))
		if err != nil {
			return Services{}, fmt.Errorf("build readiness probe: %w", err)
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			Probe: probe,
			Clock: options.clock,
			Build: options.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
