package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/mayorista/pedidos/internal/domain"
	"github.com/mayorista/pedidos/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemStatus is the liveness payload: process metadata only, no dependency calls.
type SystemStatus struct {
	Status      string
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// SystemServiceDeps are the inputs of NewSystemService. Probe is required.
type SystemServiceDeps struct {
	Probe repositories.ReadinessProbe
	Clock func() time.Time
	Build BuildInfo
}

type systemService struct {
	probe repositories.ReadinessProbe
	now   func() time.Time
	build BuildInfo
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Probe == nil {
		return nil, errors.New("system service: readiness probe is required")
	}
	now := time.Now
	if deps.Clock != nil {
		now = deps.Clock
	}
	build := deps.Build
	if strings.TrimSpace(build.Version) == "" {
		build.Version = "dev"
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &systemService{probe: deps.Probe, now: now, build: build}, nil
}

// Liveness never touches dependencies.
func (s *systemService) Liveness(context.Context) SystemStatus {
	at := s.now().UTC()
	return SystemStatus{
		Status:      domain.ReadinessOK,
		Version:     s.build.Version,
		CommitSHA:   s.build.CommitSHA,
		Environment: s.build.Environment,
		Uptime:      at.Sub(s.build.StartedAt),
		GeneratedAt: at,
	}
}

// Readiness runs the probe and fills the overall status from the checks when the probe
// left it empty: any error check fails the report, any other non-ok check degrades it.
func (s *systemService) Readiness(ctx context.Context) (domain.ReadinessReport, error) {
	if ctx == nil {
		return domain.ReadinessReport{}, errors.New("system service: context is required")
	}
	report, err := s.probe.Collect(ctx)
	if err != nil {
		return domain.ReadinessReport{}, err
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.ReadinessCheck{}
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now().UTC()
	}
	if strings.TrimSpace(report.Status) != "" {
		return report, nil
	}
	report.Status = domain.ReadinessOK
	for _, check := range report.Checks {
		if check.Status == domain.ReadinessError {
			report.Status = domain.ReadinessError
			break
		}
		if check.Status != "" && check.Status != domain.ReadinessOK {
			report.Status = domain.ReadinessDegraded
		}
	}
	return report, nil
}
