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
	"deadman/internal/state"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Monitor is the external surface of the service: hit ingestion, status queries, and admin CRUD.
// Params: store, alert generator, subject matcher, clock, and logger.
// Returns: object shared by ingestion adapters and embedding callers.
type Monitor struct {
	store   state.Store
	alerts  *AlertGenerator
	matcher *engine.Matcher
	clock   clock.Clock
	logger  *slog.Logger
}

// NewMonitor creates service surface.
func NewMonitor(store state.Store, alerts *AlertGenerator, clk clock.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:   store,
		alerts:  alerts,
		matcher: engine.NewMatcher(),
		clock:   clk,
		logger:  logger,
	}
}

// RecordHit records one observation of rule and emits SIGNAL_RECOVERED for a returning signal.
// Params: context, rule id, and observation time.
// Returns: state.ErrNotFound for unknown rules or store error; alert failures are only logged.
func (m *Monitor) RecordHit(ctx context.Context, ruleID string, at time.Time) error {
	previous, err := m.store.RecordHit(ctx, ruleID, at)
	if err != nil {
		return fmt.Errorf("record hit for rule %s: %w", ruleID, err)
	}
	if previous.LastSeenAt == nil || previous.State == domain.SignalStateActive {
		return nil
	}

	rule, err := m.store.GetRule(ctx, ruleID)
	if err != nil {
		m.logger.Error("load rule for recovery alert failed", "rule", ruleID, "error", err.Error())
		return nil
	}
	if !rule.Enabled {
		return nil
	}
	counters := previous.Counters
	counters.Count1h++
	counters.Count12h++
	counters.Count24h++
	_, _, err = m.alerts.SignalTransition(ctx, SignalTransition{
		Rule:       rule,
		Previous:   previous.State,
		Current:    domain.SignalStateActive,
		GapMinutes: engine.GapPointer(engine.CalculateGapMinutes(previous.LastSeenAt, at)),
		Counters:   counters,
		Epoch:      at.UnixMilli(),
		At:         at,
	})
	if err != nil {
		m.logger.Error("recovery alert failed", "rule", ruleID, "error", err.Error())
	}
	return nil
}

// IngestHit records one decoded hit addressed by rule id or by merchant+subject.
// Params: context and validated hit event; missing ts means now.
// Returns: domain.ErrNoMatchingRule, state.ErrNotFound, or joined store errors.
func (m *Monitor) IngestHit(ctx context.Context, hit domain.HitEvent) error {
	at := hit.HitTime(m.clock.Now())
	if hit.ByRule() {
		return m.RecordHit(ctx, hit.RuleID, at)
	}

	rules, err := m.store.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("list rules for subject match: %w", err)
	}
	matched := m.matcher.MatchRules(rules, hit.Merchant, hit.Subject)
	if len(matched) == 0 {
		return fmt.Errorf("merchant %q subject %q: %w", hit.Merchant, hit.Subject, domain.ErrNoMatchingRule)
	}
	var errs []error
	for _, rule := range matched {
		if err := m.RecordHit(ctx, rule.ID, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SignalStatus returns rule joined with live state and a freshly computed gap.
func (m *Monitor) SignalStatus(ctx context.Context, ruleID string) (domain.SignalStatus, error) {
	rule, err := m.store.GetRule(ctx, ruleID)
	if err != nil {
		return domain.SignalStatus{}, err
	}
	record, err := m.store.GetSignal(ctx, ruleID)
	if err != nil {
		return domain.SignalStatus{}, err
	}
	return buildSignalStatus(rule, record, m.clock.Now()), nil
}

// SignalStatuses returns status of every rule, enabled or not.
func (m *Monitor) SignalStatuses(ctx context.Context) ([]domain.SignalStatus, error) {
	rules, err := m.store.ListRules(ctx, false)
	if err != nil {
		return nil, err
	}
	records, err := m.store.ListSignals(ctx)
	if err != nil {
		return nil, err
	}
	byRule := make(map[string]domain.SignalRecord, len(records))
	for _, record := range records {
		byRule[record.RuleID] = record
	}

	now := m.clock.Now()
	out := make([]domain.SignalStatus, 0, len(rules))
	for _, rule := range rules {
		record, ok := byRule[rule.ID]
		if !ok {
			record = domain.NewSignalRecord(rule.ID, rule.CreatedAt)
		}
		out = append(out, buildSignalStatus(rule, record, now))
	}
	return out, nil
}

func buildSignalStatus(rule domain.MonitoringRule, record domain.SignalRecord, now time.Time) domain.SignalStatus {
	gap, implied := engine.EvaluateSignal(rule, record, now)
	return domain.SignalStatus{
		Rule:         rule,
		Signal:       record,
		GapMinutes:   engine.GapPointer(gap),
		ImpliedState: implied,
	}
}

// Alerts lists newest signal alerts; empty ruleID lists every rule.
func (m *Monitor) Alerts(ctx context.Context, ruleID string, limit int) ([]domain.Alert, error) {
	return m.store.ListAlerts(ctx, ruleID, normalizeLimit(limit))
}

// RatioStatus returns monitor joined with its latest snapshot.
func (m *Monitor) RatioStatus(ctx context.Context, monitorID string) (domain.RatioStatus, error) {
	monitor, err := m.store.GetRatioMonitor(ctx, monitorID)
	if err != nil {
		return domain.RatioStatus{}, err
	}
	snapshot, err := m.store.GetRatioState(ctx, monitorID)
	if err != nil {
		return domain.RatioStatus{}, err
	}
	return domain.RatioStatus{Monitor: monitor, State: snapshot}, nil
}

// RatioStatuses returns status of every ratio monitor.
func (m *Monitor) RatioStatuses(ctx context.Context) ([]domain.RatioStatus, error) {
	monitors, err := m.store.ListRatioMonitors(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RatioStatus, 0, len(monitors))
	for _, monitor := range monitors {
		snapshot, err := m.store.GetRatioState(ctx, monitor.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RatioStatus{Monitor: monitor, State: snapshot})
	}
	return out, nil
}

// RatioAlerts lists newest ratio alerts; empty monitorID lists every monitor.
func (m *Monitor) RatioAlerts(ctx context.Context, monitorID string, limit int) ([]domain.RatioAlert, error) {
	return m.store.ListRatioAlerts(ctx, monitorID, normalizeLimit(limit))
}

// HeartbeatLogs lists newest heartbeat pass summaries.
func (m *Monitor) HeartbeatLogs(ctx context.Context, limit int) ([]domain.HeartbeatLog, error) {
	return m.store.ListHeartbeatLogs(ctx, normalizeLimit(limit))
}

// CleanupLogs lists newest retention sweep summaries.
func (m *Monitor) CleanupLogs(ctx context.Context, limit int) ([]domain.CleanupLog, error) {
	return m.store.ListCleanupLogs(ctx, normalizeLimit(limit))
}

// CreateRule validates and stores a rule with its DEAD signal record.
// Params: rule candidate; empty ID gets a generated one.
// Returns: stored rule, *domain.ValidationError, or state.ErrConflict.
func (m *Monitor) CreateRule(ctx context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error) {
	rule = rule.Normalize()
	if err := domain.ValidateRule(rule); err != nil {
		return domain.MonitoringRule{}, err
	}
	created, err := m.store.CreateRule(ctx, rule)
	if err != nil {
		return domain.MonitoringRule{}, err
	}
	m.logger.Info("rule created", "rule", created.ID, "merchant", created.Merchant)
	return created, nil
}

// UpdateRule validates and replaces an existing rule; signal state is kept.
func (m *Monitor) UpdateRule(ctx context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error) {
	rule = rule.Normalize()
	if rule.ID == "" {
		return domain.MonitoringRule{}, &domain.ValidationError{Field: "id", Code: domain.CodeRequired, Message: "id is required"}
	}
	if err := domain.ValidateRule(rule); err != nil {
		return domain.MonitoringRule{}, err
	}
	return m.store.UpdateRule(ctx, rule)
}

// DeleteRule removes rule together with its signal record, hits, and alerts.
func (m *Monitor) DeleteRule(ctx context.Context, ruleID string) error {
	if err := m.store.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	m.logger.Info("rule deleted", "rule", ruleID)
	return nil
}

// CreateRatioMonitor validates and stores a monitor with its HEALTHY state.
// Params: monitor candidate; every referenced rule must exist.
// Returns: stored monitor, *domain.ValidationError, or state.ErrConflict.
func (m *Monitor) CreateRatioMonitor(ctx context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error) {
	monitor = monitor.Normalize()
	if err := m.validateRatioMonitor(ctx, monitor); err != nil {
		return domain.RatioMonitor{}, err
	}
	created, err := m.store.CreateRatioMonitor(ctx, monitor)
	if err != nil {
		return domain.RatioMonitor{}, err
	}
	m.logger.Info("ratio monitor created", "monitor", created.ID)
	return created, nil
}

// UpdateRatioMonitor validates and replaces an existing monitor; state is kept.
func (m *Monitor) UpdateRatioMonitor(ctx context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error) {
	monitor = monitor.Normalize()
	if monitor.ID == "" {
		return domain.RatioMonitor{}, &domain.ValidationError{Field: "id", Code: domain.CodeRequired, Message: "id is required"}
	}
	if err := m.validateRatioMonitor(ctx, monitor); err != nil {
		return domain.RatioMonitor{}, err
	}
	return m.store.UpdateRatioMonitor(ctx, monitor)
}

// DeleteRatioMonitor removes monitor with its state and alerts.
func (m *Monitor) DeleteRatioMonitor(ctx context.Context, monitorID string) error {
	if err := m.store.DeleteRatioMonitor(ctx, monitorID); err != nil {
		return err
	}
	m.logger.Info("ratio monitor deleted", "monitor", monitorID)
	return nil
}

func (m *Monitor) validateRatioMonitor(ctx context.Context, monitor domain.RatioMonitor) error {
	if err := domain.ValidateRatioMonitor(monitor); err != nil {
		return err
	}
	fields := map[string]string{
		monitor.FirstRuleID:  "first_rule_id",
		monitor.SecondRuleID: "second_rule_id",
	}
	for _, ruleID := range monitor.RuleIDs() {
		_, err := m.store.GetRule(ctx, ruleID)
		if err == nil {
			continue
		}
		if !errors.Is(err, state.ErrNotFound) {
			return err
		}
		field, ok := fields[ruleID]
		if !ok {
			field = "steps"
		}
		return &domain.ValidationError{Field: field, Code: domain.CodeUnknownRule, Message: fmt.Sprintf("rule %q does not exist", ruleID)}
	}
	return nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
