// Package health rolls integrity results and consistency reports up into a
// per-project health state.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dan-solli/patternguard/pkg/ledger"
	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
)

// Config tunes the state thresholds.
type Config struct {
	HealthyThreshold float64       // minimum score for Healthy
	TrendWindow      time.Duration // integrity results considered when no report exists
	Deadline         time.Duration // bound on a Monitor read that misses the cache
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		HealthyThreshold: 99,
		TrendWindow:      15 * time.Minute,
		Deadline:         200 * time.Millisecond,
	}
}

// Inputs is everything a health evaluation looks at.
type Inputs struct {
	HasScore bool
	Score    float64
	Open     []pattern.Discrepancy
}

// Evaluate maps inputs onto a health state and a short reason.
//
// Critical requires an open high-severity discrepancy. Repeated recovery failures
// reach Critical through escalation of the pattern's discrepancies to High.
func Evaluate(in Inputs, healthyThreshold float64) (pattern.HealthState, string) {
	if !in.HasScore && len(in.Open) == 0 {
		return pattern.HealthUnknown, "no validation data"
	}

	var high int
	for _, d := range in.Open {
		if d.Severity >= pattern.SeverityHigh {
			high++
		}
	}
	switch {
	case high > 0:
		return pattern.HealthCritical, fmt.Sprintf("%d open high-severity discrepancies", high)
	case len(in.Open) > 0:
		return pattern.HealthDegraded, fmt.Sprintf("%d open discrepancies", len(in.Open))
	case in.HasScore && in.Score < healthyThreshold:
		return pattern.HealthDegraded, fmt.Sprintf("consistency score %.2f below %.0f", in.Score, healthyThreshold)
	}
	return pattern.HealthHealthy, ""
}

// Monitor is the memory health monitor. It keeps the latest status of each
// project in memory and in the ledger.
type Monitor struct {
	ledger    *ledger.Ledger
	cfg       Config
	logger    *slog.Logger
	metrics   metrics.Collector
	refresher func(ctx context.Context, projectID string) error

	mu    sync.RWMutex
	cache map[string]pattern.HealthStatus
}

// New creates a monitor backed by the ledger.
func New(l *ledger.Ledger, cfg Config) *Monitor {
	return &Monitor{
		ledger:  l,
		cfg:     cfg,
		metrics: metrics.NewNoopCollector(),
		cache:   make(map[string]pattern.HealthStatus),
	}
}

// WithLogger sets the logger and returns the monitor for chaining.
func (m *Monitor) WithLogger(logger *slog.Logger) *Monitor {
	m.logger = logger
	return m
}

// WithMetrics sets the metrics collector and returns the monitor for chaining.
func (m *Monitor) WithMetrics(c metrics.Collector) *Monitor {
	if c != nil {
		m.metrics = c
	}
	return m
}

// WithRefresher sets the function Refresh uses to run a fresh validation cycle.
func (m *Monitor) WithRefresher(fn func(ctx context.Context, projectID string) error) *Monitor {
	m.refresher = fn
	return m
}

func (m *Monitor) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Observe recomputes a project's health after a new result or report has been
// persisted, and stores it. This is the only path that changes a project's state.
func (m *Monitor) Observe(ctx context.Context, projectID string) (pattern.HealthStatus, error) {
	in, checkedAt, err := m.inputs(ctx, projectID)
	if err != nil {
		return pattern.UnknownHealth(projectID), err
	}

	state, reason := Evaluate(in, m.cfg.HealthyThreshold)
	status := pattern.HealthStatus{
		ProjectID:         projectID,
		OverallHealth:     state,
		ConsistencyScore:  in.Score,
		LastCheckedAt:     checkedAt,
		OpenDiscrepancies: in.Open,
		Reason:            reason,
	}
	if err := m.ledger.SaveHealth(ctx, status); err != nil {
		m.log().Error("failed to save health", "project_id", projectID, "error", err)
		return status, err
	}

	m.mu.Lock()
	prev, seen := m.cache[projectID]
	m.cache[projectID] = status
	m.mu.Unlock()

	m.metrics.SetHealth(ctx, projectID, state.Gauge())
	if !seen || prev.OverallHealth != state {
		level := slog.LevelInfo
		if state == pattern.HealthCritical {
			level = slog.LevelWarn
		}
		m.log().Log(ctx, level, "health changed",
			"project_id", projectID,
			"from", prev.OverallHealth,
			"to", state,
			"score", in.Score,
			"open", len(in.Open),
			"reason", reason)
	}
	return status, nil
}

func (m *Monitor) inputs(ctx context.Context, projectID string) (Inputs, time.Time, error) {
	var in Inputs
	checkedAt := time.Now()

	report, err := m.ledger.LatestConsistency(ctx, projectID)
	switch {
	case err == nil:
		in.HasScore = true
		in.Score = report.ConsistencyScore
		checkedAt = report.CheckedAt
	case errors.Is(err, pattern.ErrNotFound):
		avg, n, err := m.ledger.IntegrityTrend(ctx, projectID, time.Now().Add(-m.cfg.TrendWindow))
		if err != nil {
			return in, checkedAt, err
		}
		if n > 0 {
			in.HasScore = true
			in.Score = pattern.ClampScore(avg)
		}
	default:
		return in, checkedAt, err
	}

	in.Open, err = m.ledger.Open(ctx, ledger.DiscrepancyFilter{ProjectID: projectID})
	if err != nil {
		return in, checkedAt, err
	}
	return in, checkedAt, nil
}

// Monitor returns the latest health of a project without triggering validation.
// It never fails: a project with no data, or whose status cannot be read in
// time, is Unknown.
func (m *Monitor) Monitor(ctx context.Context, projectID string) pattern.HealthStatus {
	m.mu.RLock()
	status, ok := m.cache[projectID]
	m.mu.RUnlock()
	if ok {
		return status
	}

	if m.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Deadline)
		defer cancel()
	}

	status, err := m.ledger.GetHealth(ctx, projectID)
	if err != nil {
		if !errors.Is(err, pattern.ErrNotFound) {
			m.log().Warn("health read failed", "project_id", projectID, "error", err)
		}
		return pattern.UnknownHealth(projectID)
	}
	status.OpenDiscrepancies, err = m.ledger.Open(ctx, ledger.DiscrepancyFilter{ProjectID: projectID})
	if err != nil {
		m.log().Warn("open discrepancy read failed", "project_id", projectID, "error", err)
		return pattern.UnknownHealth(projectID)
	}

	m.mu.Lock()
	m.cache[projectID] = status
	m.mu.Unlock()
	return status
}

// Refresh forces a new validation cycle for the project and returns the
// resulting health. Without a refresher it recomputes from stored data.
func (m *Monitor) Refresh(ctx context.Context, projectID string) (pattern.HealthStatus, error) {
	if m.refresher == nil {
		return m.Observe(ctx, projectID)
	}
	if err := m.refresher(ctx, projectID); err != nil {
		return m.Monitor(ctx, projectID), fmt.Errorf("refresh %s: %w", projectID, err)
	}
	return m.Monitor(ctx, projectID), nil
}

// Forget drops the cached status of a project so the next read goes to the ledger.
func (m *Monitor) Forget(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, projectID)
}
