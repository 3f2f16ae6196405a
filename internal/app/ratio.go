package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deadman/internal/clock"
	"deadman/internal/domain"
	"deadman/internal/engine"
	"deadman/internal/metrics"
	"deadman/internal/state"
)

// ratioStore is the persistence surface used by ratio passes.
type ratioStore interface {
	state.RatioStore
	CountHits(ctx context.Context, ruleID string, since time.Time) (int64, error)
}

// RatioPassResult summarizes one ratio pass.
type RatioPassResult struct {
	Checked int
	Failed  int
	Changed int
	Alerts  int
}

// RatioChecker evaluates enabled ratio monitors against their thresholds.
type RatioChecker struct {
	store   ratioStore
	alerts  *AlertGenerator
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRatioChecker creates ratio pass runner.
func NewRatioChecker(store ratioStore, alerts *AlertGenerator, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *RatioChecker {
	return &RatioChecker{
		store:   store,
		alerts:  alerts,
		clock:   clk,
		logger:  logger,
		metrics: m,
	}
}

// RunPass evaluates every enabled monitor; failures are isolated per monitor.
// Params: context for store calls.
// Returns: pass summary; error only when monitors cannot be listed.
func (r *RatioChecker) RunPass(ctx context.Context) (RatioPassResult, error) {
	monitors, err := r.store.ListRatioMonitors(ctx, true)
	if err != nil {
		return RatioPassResult{}, fmt.Errorf("list enabled ratio monitors: %w", err)
	}

	now := r.clock.Now()
	var result RatioPassResult
	for _, monitor := range monitors {
		result.Checked++
		changed, alerted, err := r.checkMonitor(ctx, monitor, now)
		if err != nil {
			result.Failed++
			r.metrics.RatioChecks.WithLabelValues("error").Inc()
			r.logger.Error("ratio monitor check failed", "monitor", monitor.ID, "error", err.Error())
			continue
		}
		if changed {
			result.Changed++
		}
		if alerted {
			result.Alerts++
		}
	}
	if result.Checked > 0 {
		r.logger.Debug("ratio pass finished", "checked", result.Checked, "failed", result.Failed, "changed", result.Changed)
	}
	return result, nil
}

// checkMonitor computes one snapshot and persists it with compare-and-set on health.
// Params: context, monitor, and evaluation time.
// Returns: changed/alerted flags and first error.
func (r *RatioChecker) checkMonitor(ctx context.Context, monitor domain.RatioMonitor, now time.Time) (bool, bool, error) {
	window, ok := monitor.TimeWindow.Duration()
	if !ok {
		return false, false, fmt.Errorf("unsupported time window %q", monitor.TimeWindow)
	}
	since := now.Add(-window)

	counts := make(map[string]int64, 2+len(monitor.Steps))
	count := func(ruleID string) (int64, error) {
		if value, ok := counts[ruleID]; ok {
			return value, nil
		}
		value, err := r.store.CountHits(ctx, ruleID, since)
		if err != nil {
			return 0, fmt.Errorf("count hits of %s: %w", ruleID, err)
		}
		counts[ruleID] = value
		return value, nil
	}

	first, err := count(monitor.FirstRuleID)
	if err != nil {
		return false, false, err
	}
	second, err := count(monitor.SecondRuleID)
	if err != nil {
		return false, false, err
	}
	stepCounts := make([]int64, 0, len(monitor.Steps))
	for _, step := range monitor.Steps {
		value, err := count(step.RuleID)
		if err != nil {
			return false, false, err
		}
		stepCounts = append(stepCounts, value)
	}

	previous, err := r.store.GetRatioState(ctx, monitor.ID)
	if err != nil {
		return false, false, fmt.Errorf("get ratio state: %w", err)
	}

	ratio := engine.CalculateRatio(first, second)
	checkedAt := now
	next := domain.RatioState{
		MonitorID:    monitor.ID,
		State:        engine.DetermineRatioHealth(ratio, monitor.ThresholdPercent),
		FirstCount:   first,
		SecondCount:  second,
		CurrentRatio: ratio,
		StepsData:    engine.BuildStepSnapshots(monitor.Steps, stepCounts),
		CheckedAt:    &checkedAt,
		ChangedAt:    previous.ChangedAt,
	}
	changed := next.State != previous.State
	if changed {
		next.ChangedAt = now
	}

	applied, err := r.store.SaveRatioState(ctx, next, previous.State)
	if err != nil {
		return false, false, fmt.Errorf("save ratio state: %w", err)
	}
	if !applied {
		r.metrics.RatioChecks.WithLabelValues("conflict").Inc()
		r.logger.Debug("ratio state changed concurrently, skipped", "monitor", monitor.ID)
		return false, false, nil
	}
	if !changed {
		r.metrics.RatioChecks.WithLabelValues("ok").Inc()
		return false, false, nil
	}
	r.metrics.RatioChecks.WithLabelValues("changed").Inc()

	_, created, err := r.alerts.RatioTransition(ctx, RatioTransition{
		Monitor:  monitor,
		Previous: previous.State,
		State:    next,
		Epoch:    previous.ChangedAt.UnixMilli(),
		At:       now,
	})
	if err != nil {
		return true, false, err
	}
	return true, created, nil
}
