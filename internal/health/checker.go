package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by *pgxpool.Pool and the segment cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that all dependencies are reachable.
type Checker struct {
	db     Pinger
	cache  Pinger
	logger *slog.Logger
	gauge  *prometheus.GaugeVec
}

// NewChecker creates a health checker and registers its Prometheus gauge.
// cache may be nil for processes that do not use Redis.
func NewChecker(db, cache Pinger, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "segment_engine",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		db:     db,
		cache:  cache,
		logger: logger.With("component", "health"),
		gauge:  gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness pings every dependency and reports per-check status.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	c.check(checkCtx, &result, "postgres", c.db)
	if c.cache != nil {
		c.check(checkCtx, &result, "redis", c.cache)
	}

	return result
}

func (c *Checker) check(ctx context.Context, result *HealthResult, name string, dep Pinger) {
	if err := dep.Ping(ctx); err != nil {
		c.logger.Warn("health check failed", "dependency", name, "error", err)
		result.Status = "down"
		result.Checks[name] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues(name).Set(0)
		return
	}
	result.Checks[name] = CheckResult{Status: "up"}
	c.gauge.WithLabelValues(name).Set(1)
}
