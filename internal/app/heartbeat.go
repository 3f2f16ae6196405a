package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deadman/internal/clock"
	"deadman/internal/domain"
	"deadman/internal/engine"
	"deadman/internal/metrics"
	"deadman/internal/state"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// heartbeatStore is the persistence surface used by heartbeat passes.
type heartbeatStore interface {
	state.RuleStore
	state.SignalStore
	state.LogStore
}

// Heartbeat recomputes liveness of every enabled rule on each pass.
// Params: store, alert generator, worker bound, per-rule timeout, clock, logger, and metrics.
// Returns: pass runner driven by the heartbeat periodic task.
type Heartbeat struct {
	store       heartbeatStore
	alerts      *AlertGenerator
	workers     int
	ruleTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// ruleOutcome is result of one rule evaluation inside a pass.
type ruleOutcome struct {
	state   domain.SignalState
	changed bool
	alerted bool
	failed  bool
}

// NewHeartbeat creates heartbeat pass runner.
func NewHeartbeat(store heartbeatStore, alerts *AlertGenerator, workers int, ruleTimeout time.Duration, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Heartbeat {
	if workers <= 0 {
		workers = 1
	}
	return &Heartbeat{
		store:       store,
		alerts:      alerts,
		workers:     workers,
		ruleTimeout: ruleTimeout,
		clock:       clk,
		logger:      logger,
		metrics:     m,
	}
}

// RunPass evaluates all enabled rules and writes one heartbeat log row.
// Params: context for store calls.
// Returns: written log entry; error only when rules cannot be listed or the log cannot be written.
func (h *Heartbeat) RunPass(ctx context.Context) (domain.HeartbeatLog, error) {
	checkedAt := h.clock.Now()
	started := time.Now()
	entry := domain.HeartbeatLog{
		ID:        uuid.NewString(),
		CheckedAt: checkedAt,
	}

	rules, err := h.store.ListRules(ctx, true)
	if err != nil {
		entry.DurationMs = time.Since(started).Milliseconds()
		listErr := fmt.Errorf("list enabled rules: %w", err)
		if logErr := h.store.InsertHeartbeatLog(ctx, entry); logErr != nil {
			return entry, errors.Join(listErr, fmt.Errorf("insert heartbeat log: %w", logErr))
		}
		return entry, listErr
	}

	outcomes := make([]ruleOutcome, len(rules))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(h.workers)
	for i, rule := range rules {
		i, rule := i, rule
		group.Go(func() error {
			outcomes[i] = h.evaluateRule(groupCtx, rule, checkedAt)
			return nil
		})
	}
	_ = group.Wait()

	byState := map[domain.SignalState]int{
		domain.SignalStateActive: 0,
		domain.SignalStateWeak:   0,
		domain.SignalStateDead:   0,
	}
	for _, outcome := range outcomes {
		if outcome.failed {
			entry.RulesFailed++
			continue
		}
		byState[outcome.state]++
		if outcome.changed {
			entry.StateChanges++
		}
		if outcome.alerted {
			entry.AlertsTriggered++
		}
	}
	for stateValue, count := range byState {
		h.metrics.SignalsByState.WithLabelValues(string(stateValue)).Set(float64(count))
	}

	entry.RulesChecked = len(rules)
	entry.DurationMs = time.Since(started).Milliseconds()
	if err := h.store.InsertHeartbeatLog(ctx, entry); err != nil {
		return entry, fmt.Errorf("insert heartbeat log: %w", err)
	}

	level := slog.LevelDebug
	if entry.StateChanges > 0 || entry.RulesFailed > 0 {
		level = slog.LevelInfo
	}
	h.logger.Log(ctx, level,
		"heartbeat pass finished",
		"rules_checked", entry.RulesChecked,
		"rules_failed", entry.RulesFailed,
		"state_changes", entry.StateChanges,
		"alerts_triggered", entry.AlertsTriggered,
		"duration_ms", entry.DurationMs,
	)
	return entry, nil
}

// evaluateRule refreshes counters, recomputes state, and applies a conditional transition.
// Params: pass context, enabled rule, and pass evaluation time.
// Returns: isolated outcome; failures are logged here and never propagated.
func (h *Heartbeat) evaluateRule(ctx context.Context, rule domain.MonitoringRule, now time.Time) (outcome ruleOutcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("rule evaluation panicked", "rule", rule.ID, "panic", fmt.Sprint(recovered))
			h.metrics.RuleFailures.Inc()
			outcome = ruleOutcome{failed: true}
		}
	}()

	if h.ruleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.ruleTimeout)
		defer cancel()
	}

	fail := func(step string, err error) ruleOutcome {
		h.metrics.RuleFailures.Inc()
		h.logger.Error("rule evaluation failed", "rule", rule.ID, "step", step, "error", err.Error())
		return ruleOutcome{failed: true}
	}

	counters, err := h.store.RefreshCounters(ctx, rule.ID, now)
	if err != nil {
		return fail("refresh_counters", err)
	}
	record, err := h.store.GetSignal(ctx, rule.ID)
	if err != nil {
		return fail("get_signal", err)
	}

	gap, next := engine.EvaluateSignal(rule, record, now)
	outcome.state = next
	if next == record.State {
		return outcome
	}

	applied, err := h.store.TransitionSignal(ctx, record, next, now)
	if err != nil {
		return fail("transition", err)
	}
	if !applied {
		h.logger.Debug("signal changed since read, transition skipped", "rule", rule.ID, "from", record.State, "to", next)
		outcome.state = record.State
		return outcome
	}
	outcome.changed = true
	h.metrics.SignalTransitions.WithLabelValues(string(record.State), string(next)).Inc()

	if engine.IsSilentPartialRecovery(record.State, next) {
		h.metrics.PartialRecoveries.Inc()
		h.logger.Warn(
			"signal partially recovered without alert",
			"rule", rule.ID,
			"from", record.State,
			"to", next,
			"flagged", "partial_recovery",
		)
		return outcome
	}

	_, created, err := h.alerts.SignalTransition(ctx, SignalTransition{
		Rule:       rule,
		Previous:   record.State,
		Current:    next,
		GapMinutes: engine.GapPointer(gap),
		Counters:   counters,
		Epoch:      domain.EpochOf(record.ChangedAt),
		At:         now,
	})
	if err != nil {
		failed := fail("alert", err)
		failed.state = next
		return failed
	}
	outcome.alerted = created
	return outcome
}
