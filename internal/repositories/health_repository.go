package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	domain "github.com/mayorista/pedidos/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck describes a dependency probe executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// ReadinessProbe collects the state of downstream dependencies.
type ReadinessProbe interface {
	Collect(ctx context.Context) (domain.ReadinessReport, error)
}

// ProbeOption customises the dependency probe.
type ProbeOption func(*dependencyProbe)

// WithProbeTimeout overrides the timeout applied when a check omits its own timeout.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(p *dependencyProbe) {
		if timeout > 0 {
			p.defaultTimeout = timeout
		}
	}
}

// WithProbeClock injects a custom clock primarily for tests.
func WithProbeClock(clock func() time.Time) ProbeOption {
	return func(p *dependencyProbe) {
		if clock != nil {
			p.now = clock
		}
	}
}

type dependencyProbe struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ ReadinessProbe = (*dependencyProbe)(nil)

// NewReadinessProbe validates the check set and returns a probe that runs every check concurrently.
func NewReadinessProbe(checks []DependencyCheck, opts ...ProbeOption) (ReadinessProbe, error) {
	if len(checks) == 0 {
		return nil, errors.New("readiness probe: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("readiness probe: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("readiness probe: dependency %s missing check function", check.Name)
		}
	}

	probe := &dependencyProbe{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultProbeTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(probe)
		}
	}
	return probe, nil
}

func (p *dependencyProbe) Collect(ctx context.Context) (domain.ReadinessReport, error) {
	if ctx == nil {
		return domain.ReadinessReport{}, errors.New("readiness probe: context is required")
	}

	results := make(map[string]domain.ReadinessCheck, len(p.checks))
	var (
		mu sync.Mutex
		wg conc.WaitGroup
	)
	for _, check := range p.checks {
		check := check
		wg.Go(func() {
			result := p.run(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		})
	}
	wg.Wait()

	status := domain.ReadinessOK
	for _, result := range results {
		if result.Status == domain.ReadinessError {
			status = domain.ReadinessError
			break
		}
		if result.Status == domain.ReadinessDegraded {
			status = domain.ReadinessDegraded
		}
	}

	return domain.ReadinessReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: p.now(),
	}, nil
}

func (p *dependencyProbe) run(ctx context.Context, check DependencyCheck) domain.ReadinessCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Check(checkCtx)
	end := p.now()

	result := domain.ReadinessCheck{
		Status:    domain.ReadinessOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	switch {
	case err == nil && checkCtx.Err() != nil:
		result.Status = domain.ReadinessError
		result.Detail = checkCtx.Err().Error()
	case err == nil:
	case errors.Is(err, context.Canceled):
		result.Status = domain.ReadinessError
		result.Detail = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.ReadinessError
		result.Detail = "timeout"
	default:
		result.Status = domain.ReadinessDegraded
		result.Detail = err.Error()
	}
	return result
}
