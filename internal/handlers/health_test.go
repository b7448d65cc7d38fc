package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/services"
)

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

type healthBody struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version"`
	CommitSHA   string                        `json:"commitSha"`
	Environment string                        `json:"environment"`
	Uptime      string                        `json:"uptime"`
	Checks      map[string]healthCheckPayload `json:"checks"`
	Details     []string                      `json:"details"`
}

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) healthBody {
	t.Helper()
	var body healthBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	started := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2.3.1", CommitSHA: "9f1c2e7", Environment: "staging", StartedAt: started}),
		WithHealthClock(func() time.Time { return started.Add(95 * time.Second) }),
	)

	rr := serve(t, http.HandlerFunc(h.Healthz), http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, healthBody{
		Status:      domain.HealthStatusOK,
		Version:     "2.3.1",
		CommitSHA:   "9f1c2e7",
		Environment: "staging",
		Uptime:      "1m35s",
	}, decodeHealth(t, rr))
}

func TestReadyzMapsReportToStatusCode(t *testing.T) {
	checkedAt := time.Date(2026, 4, 1, 12, 5, 0, 0, time.UTC)
	cases := map[string]struct {
		report      domain.SystemHealthReport
		wantCode    int
		wantDetails []string
	}{
		"all dependencies ok": {
			report: domain.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"orderStore":    {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond, CheckedAt: checkedAt},
					"secretManager": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond},
				},
			},
			wantCode: http.StatusOK,
		},
		"degraded dependency": {
			report: domain.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"orderStore":    {Status: domain.HealthStatusOK},
					"secretManager": {Status: domain.HealthStatusDegraded, Detail: "permission denied"},
				},
			},
			wantCode:    http.StatusServiceUnavailable,
			wantDetails: []string{"secretManager: permission denied"},
		},
		"dependency timed out": {
			report: domain.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"orderStore": {Status: domain.HealthStatusError, Detail: "context deadline exceeded"},
				},
			},
			wantCode:    http.StatusServiceUnavailable,
			wantDetails: []string{"orderStore: context deadline exceeded"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{report: tc.report}))

			rr := serve(t, http.HandlerFunc(h.Readyz), http.MethodGet, "/readyz")

			require.Equal(t, tc.wantCode, rr.Code)
			body := decodeHealth(t, rr)
			assert.Equal(t, tc.report.Status, body.Status)
			assert.Equal(t, tc.wantDetails, body.Details)
			require.Len(t, body.Checks, len(tc.report.Checks))
			for name, check := range tc.report.Checks {
				assert.Equal(t, check.Status, body.Checks[name].Status, name)
				assert.Equal(t, check.Latency.Milliseconds(), body.Checks[name].LatencyMS, name)
			}
		})
	}
}

func TestReadyzServiceError(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{err: errors.New("collect failed")}))

	rr := serve(t, http.HandlerFunc(h.Readyz), http.MethodGet, "/readyz")

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "health_unavailable", decodeEnvelope(t, rr).Code)
}

func TestReadyzWithoutSystemServiceFallsBackToLiveness(t *testing.T) {
	rr := serve(t, http.HandlerFunc(NewHealthHandlers().Readyz), http.MethodGet, "/readyz")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.HealthStatusOK, decodeHealth(t, rr).Status)
}
