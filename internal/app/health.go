package app

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

type healthCheck struct {
	Status  string  `json:"status"`
	Latency float64 `json:"latency_ms"`
	Error   string  `json:"error,omitempty"`
}

// HealthReport probes every backing dependency and aggregates the result.
// Any failing check makes the report unhealthy (503). A slow but working
// check only degrades it.
func (s *Service) HealthReport(ctx context.Context) (int, map[string]any) {
	checks := map[string]healthCheck{
		"database": s.runCheck(ctx, s.store.Ping),
		"tables":   s.runCheck(ctx, s.store.CheckTables),
		"sessions": s.runCheck(ctx, s.sessions.Ping),
	}
	if s.storage != nil {
		checks["storage"] = s.runCheck(ctx, s.storage.Ping)
	}

	overall := "healthy"
	for _, check := range checks {
		switch check.Status {
		case "error":
			overall = "unhealthy"
		case "degraded":
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	return status, map[string]any{
		"status": overall,
		"checks": checks,
		"time":   time.Now().UTC(),
	}
}

func (s *Service) runCheck(ctx context.Context, probe func(context.Context) error) healthCheck {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	elapsed := time.Since(start)

	check := healthCheck{
		Status:  "ok",
		Latency: float64(elapsed.Microseconds()) / 1000,
	}
	if err != nil {
		check.Status = "error"
		check.Error = err.Error()
		return check
	}
	if elapsed > s.healthSlowAfter {
		check.Status = "degraded"
	}
	return check
}
