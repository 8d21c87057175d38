package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func reportChecks(t *testing.T, payload map[string]any) map[string]healthCheck {
	t.Helper()
	checks, ok := payload["checks"].(map[string]healthCheck)
	if !ok {
		t.Fatalf("checks = %T", payload["checks"])
	}
	return checks
}

func TestHealthReportHealthy(t *testing.T) {
	svc := newTestService(&fakeStore{})

	status, payload := svc.HealthReport(context.Background())
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if payload["status"] != "healthy" {
		t.Fatalf("overall = %v, want healthy", payload["status"])
	}

	checks := reportChecks(t, payload)
	for _, name := range []string{"database", "tables", "sessions"} {
		if checks[name].Status != "ok" {
			t.Errorf("check %s = %q, want ok", name, checks[name].Status)
		}
	}
	if _, present := checks["storage"]; present {
		t.Error("storage check reported without configured object storage")
	}
}

func TestHealthReportUnhealthyOnSessionFailure(t *testing.T) {
	svc := New(testConfig(), &fakeStore{}, &fakeSessions{pingErr: errors.New("redis down")}, nil, nil, nil, nil, nil)

	status, payload := svc.HealthReport(context.Background())
	if status != 503 {
		t.Fatalf("status = %d, want 503", status)
	}
	if payload["status"] != "unhealthy" {
		t.Fatalf("overall = %v, want unhealthy", payload["status"])
	}
	checks := reportChecks(t, payload)
	if checks["sessions"].Status != "error" || checks["sessions"].Error != "redis down" {
		t.Fatalf("sessions check = %+v", checks["sessions"])
	}
	if checks["database"].Status != "ok" {
		t.Fatalf("database check = %+v", checks["database"])
	}
}

func TestHealthReportDegradedOnSlowProbe(t *testing.T) {
	fs := &fakeStore{
		ping: func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
	svc := newTestService(fs)
	svc.healthSlowAfter = time.Millisecond

	status, payload := svc.HealthReport(context.Background())
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if payload["status"] != "degraded" {
		t.Fatalf("overall = %v, want degraded", payload["status"])
	}
	checks := reportChecks(t, payload)
	if checks["database"].Status != "degraded" {
		t.Fatalf("database check = %+v", checks["database"])
	}
}
