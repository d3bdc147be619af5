package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/audiencekit/segment-engine/internal/health"
	"github.com/prometheus/client_golang/prometheus"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestChecker(db, cache health.Pinger) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return health.NewChecker(db, cache, slog.Default(), reg), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{err: errors.New("db down")}, &mockPinger{})

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_AllUp(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{}, &mockPinger{})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	for _, dep := range []string{"postgres", "redis"} {
		check, ok := result.Checks[dep]
		if !ok {
			t.Fatalf("missing %s check", dep)
		}
		if check.Status != "up" {
			t.Fatalf("expected %s up, got %s", dep, check.Status)
		}
		if g := testGauge(t, reg, "segment_engine_health_check_up", dep); g != 1 {
			t.Fatalf("expected %s gauge 1, got %f", dep, g)
		}
	}
}

func TestReadiness_PostgresDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{err: errors.New("connection refused")}, &mockPinger{})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	pg := result.Checks["postgres"]
	if pg.Status != "down" || pg.Error == "" {
		t.Fatalf("postgres check = %+v", pg)
	}
	if result.Checks["redis"].Status != "up" {
		t.Fatal("redis should still report up")
	}

	if g := testGauge(t, reg, "segment_engine_health_check_up", "postgres"); g != 0 {
		t.Fatalf("expected gauge 0, got %f", g)
	}
}

func TestReadiness_RedisDown_NotReady(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{}, &mockPinger{err: errors.New("NOAUTH")})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
}

func TestReadiness_NilCache_Skipped(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{}, nil)

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if _, ok := result.Checks["redis"]; ok {
		t.Fatal("redis check should be skipped when no cache is configured")
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}
