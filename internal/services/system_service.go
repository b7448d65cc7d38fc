package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/repositories"
)

// BuildInfo is the release metadata reported on /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires the readiness service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
}

var _ SystemService = (*systemService)(nil)

// severity orders probe outcomes; unknown statuses count as degraded.
var severity = map[string]int{
	"":                          0,
	domain.HealthStatusOK:       0,
	domain.HealthStatusDegraded: 1,
	domain.HealthStatusError:    2,
}

// NewSystemService returns the service behind the readiness probe.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := time.Now
	if deps.Clock != nil {
		now = deps.Clock
	}
	svc := &systemService{
		probes: deps.HealthRepository,
		now:    func() time.Time { return now().UTC() },
		build:  deps.Build,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	return svc, nil
}

func (s *systemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("system service: context is required")
	}
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}
	s.stamp(&report)
	if report.Checks == nil {
		report.Checks = make(map[string]domain.SystemHealthCheck)
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = overallStatus(report.Checks)
	}
	return report, nil
}

// stamp fills build metadata and timing the probes left blank.
func (s *systemService) stamp(report *domain.SystemHealthReport) {
	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	fill := func(dst *string, value string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = value
		}
	}
	fill(&report.Version, s.build.Version)
	fill(&report.CommitSHA, s.build.CommitSHA)
	fill(&report.Environment, s.build.Environment)
}

func overallStatus(checks map[string]domain.SystemHealthCheck) string {
	worst := 0
	for _, check := range checks {
		rank, known := severity[check.Status]
		if !known {
			rank = severity[domain.HealthStatusDegraded]
		}
		if rank > worst {
			worst = rank
		}
	}
	switch worst {
	case 0:
		return domain.HealthStatusOK
	case 1:
		return domain.HealthStatusDegraded
	default:
		return domain.HealthStatusError
	}
}
