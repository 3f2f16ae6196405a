package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deadman/internal/domain"

	"github.com/google/uuid"
)

// MemoryStore keeps all state in process memory for single-instance mode and tests.
// Params: maps guarded by one RWMutex and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	rules       map[string]domain.MonitoringRule
	signals     map[string]domain.SignalRecord
	hits        []domain.Hit
	alerts      []domain.Alert
	ratioAlerts []domain.RatioAlert
	alertKeys   map[alertKey]struct{}
	monitors    map[string]domain.RatioMonitor
	ratioStates map[string]domain.RatioState
	heartbeats  []domain.HeartbeatLog
	cleanups    []domain.CleanupLog
}

type alertKey struct {
	kind      domain.AlertKind
	ownerID   string
	alertType domain.AlertType
	epoch     int64
}

// NewMemoryStore creates in-memory state store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:         now,
		rules:       make(map[string]domain.MonitoringRule),
		signals:     make(map[string]domain.SignalRecord),
		alertKeys:   make(map[alertKey]struct{}),
		monitors:    make(map[string]domain.RatioMonitor),
		ratioStates: make(map[string]domain.RatioState),
	}
}

// CreateRule stores rule and its initial DEAD signal record.
// Params: rule; empty ID gets a generated UUID.
// Returns: stored rule or ErrConflict.
func (s *MemoryStore) CreateRule(_ context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, ok := s.rules[rule.ID]; ok {
		return domain.MonitoringRule{}, fmt.Errorf("rule %q: %w", rule.ID, ErrConflict)
	}
	now := s.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Tags = cloneStrings(rule.Tags)
	s.rules[rule.ID] = rule
	s.signals[rule.ID] = domain.NewSignalRecord(rule.ID, now)
	return cloneRule(rule), nil
}

// UpdateRule replaces mutable rule fields.
// Params: rule with existing ID.
// Returns: stored rule or ErrNotFound.
func (s *MemoryStore) UpdateRule(_ context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rules[rule.ID]
	if !ok {
		return domain.MonitoringRule{}, fmt.Errorf("rule %q: %w", rule.ID, ErrNotFound)
	}
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	rule.Tags = cloneStrings(rule.Tags)
	s.rules[rule.ID] = rule
	return cloneRule(rule), nil
}

// DeleteRule removes rule with its signal record, hits, and alerts.
func (s *MemoryStore) DeleteRule(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[ruleID]; !ok {
		return fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	delete(s.rules, ruleID)
	delete(s.signals, ruleID)
	s.hits = filterHits(s.hits, func(hit domain.Hit) bool { return hit.RuleID != ruleID })
	kept := s.alerts[:0]
	for _, alert := range s.alerts {
		if alert.RuleID == ruleID {
			delete(s.alertKeys, alertKey{kind: domain.AlertKindSignal, ownerID: alert.RuleID, alertType: alert.AlertType, epoch: alert.Epoch})
			continue
		}
		kept = append(kept, alert)
	}
	s.alerts = kept
	return nil
}

// GetRule returns one rule by ID.
func (s *MemoryStore) GetRule(_ context.Context, ruleID string) (domain.MonitoringRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return domain.MonitoringRule{}, fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	return cloneRule(rule), nil
}

// ListRules returns rules sorted by ID.
func (s *MemoryStore) ListRules(_ context.Context, enabledOnly bool) ([]domain.MonitoringRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MonitoringRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSignal returns signal record of one rule.
func (s *MemoryStore) GetSignal(_ context.Context, ruleID string) (domain.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.signals[ruleID]
	if !ok {
		return domain.SignalRecord{}, fmt.Errorf("signal %q: %w", ruleID, ErrNotFound)
	}
	return cloneSignal(record), nil
}

// ListSignals returns every signal record sorted by rule ID.
func (s *MemoryStore) ListSignals(_ context.Context) ([]domain.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SignalRecord, 0, len(s.signals))
	for _, record := range s.signals {
		out = append(out, cloneSignal(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

// TransitionSignal moves state to `to` when the stored record still matches expected.
// Params: record read before evaluation, next state, transition time.
// Returns: true when applied; false when state or last-seen moved since the read.
func (s *MemoryStore) TransitionSignal(_ context.Context, expected domain.SignalRecord, to domain.SignalState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.signals[expected.RuleID]
	if !ok {
		return false, fmt.Errorf("signal %q: %w", expected.RuleID, ErrNotFound)
	}
	if record.State != expected.State || !sameInstant(record.LastSeenAt, expected.LastSeenAt) {
		return false, nil
	}
	at = at.UTC()
	record.State = to
	record.ChangedAt = at
	record.UpdatedAt = at
	s.signals[expected.RuleID] = record
	return true, nil
}

// RecordHit applies one hit under the store lock.
// Params: rule ID and hit time.
// Returns: record before the hit or ErrNotFound.
func (s *MemoryStore) RecordHit(_ context.Context, ruleID string, at time.Time) (domain.SignalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.signals[ruleID]
	if !ok {
		return domain.SignalRecord{}, fmt.Errorf("signal %q: %w", ruleID, ErrNotFound)
	}
	previous := cloneSignal(record)

	at = at.UTC()
	if record.LastSeenAt == nil || at.After(*record.LastSeenAt) {
		seen := at
		record.LastSeenAt = &seen
	}
	if record.State != domain.SignalStateActive {
		record.State = domain.SignalStateActive
		record.ChangedAt = at
	}
	record.Counters.Count1h++
	record.Counters.Count12h++
	record.Counters.Count24h++
	record.UpdatedAt = s.now().UTC()
	s.signals[ruleID] = record
	s.hits = append(s.hits, domain.Hit{RuleID: ruleID, At: at})
	return previous, nil
}

// RefreshCounters recomputes rolling counters from hit rows.
func (s *MemoryStore) RefreshCounters(_ context.Context, ruleID string, now time.Time) (domain.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.signals[ruleID]
	if !ok {
		return domain.Counters{}, fmt.Errorf("signal %q: %w", ruleID, ErrNotFound)
	}
	counters := domain.Counters{
		Count1h:  s.countHitsLocked(ruleID, now.Add(-time.Hour)),
		Count12h: s.countHitsLocked(ruleID, now.Add(-12*time.Hour)),
		Count24h: s.countHitsLocked(ruleID, now.Add(-24*time.Hour)),
	}
	record.Counters = counters
	s.signals[ruleID] = record
	return counters, nil
}

// CountHits counts hit rows of rule at or after since.
func (s *MemoryStore) CountHits(_ context.Context, ruleID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countHitsLocked(ruleID, since), nil
}

func (s *MemoryStore) countHitsLocked(ruleID string, since time.Time) int64 {
	var count int64
	for _, hit := range s.hits {
		if hit.RuleID == ruleID && !hit.At.Before(since) {
			count++
		}
	}
	return count
}

// InsertAlert appends signal alert unless (rule, type, epoch) already exists.
func (s *MemoryStore) InsertAlert(_ context.Context, alert domain.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[alert.RuleID]; !ok {
		return false, fmt.Errorf("rule %q: %w", alert.RuleID, ErrNotFound)
	}
	key := alertKey{kind: domain.AlertKindSignal, ownerID: alert.RuleID, alertType: alert.AlertType, epoch: alert.Epoch}
	if _, ok := s.alertKeys[key]; ok {
		return false, nil
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	s.alertKeys[key] = struct{}{}
	s.alerts = append(s.alerts, cloneAlert(alert))
	return true, nil
}

// InsertRatioAlert appends ratio alert unless (monitor, type, epoch) already exists.
func (s *MemoryStore) InsertRatioAlert(_ context.Context, alert domain.RatioAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[alert.MonitorID]; !ok {
		return false, fmt.Errorf("ratio monitor %q: %w", alert.MonitorID, ErrNotFound)
	}
	key := alertKey{kind: domain.AlertKindRatio, ownerID: alert.MonitorID, alertType: alert.AlertType, epoch: alert.Epoch}
	if _, ok := s.alertKeys[key]; ok {
		return false, nil
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	s.alertKeys[key] = struct{}{}
	s.ratioAlerts = append(s.ratioAlerts, cloneRatioAlert(alert))
	return true, nil
}

// MarkAlertSent sets SentAt once for one alert.
func (s *MemoryStore) MarkAlertSent(_ context.Context, kind domain.AlertKind, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sentAt := at.UTC()
	switch kind {
	case domain.AlertKindSignal:
		for i := range s.alerts {
			if s.alerts[i].ID == alertID {
				if s.alerts[i].SentAt == nil {
					s.alerts[i].SentAt = &sentAt
				}
				return nil
			}
		}
	case domain.AlertKindRatio:
		for i := range s.ratioAlerts {
			if s.ratioAlerts[i].ID == alertID {
				if s.ratioAlerts[i].SentAt == nil {
					s.ratioAlerts[i].SentAt = &sentAt
				}
				return nil
			}
		}
	default:
		return fmt.Errorf("unsupported alert kind %d", kind)
	}
	return fmt.Errorf("%s alert %q: %w", kind, alertID, ErrNotFound)
}

// ListAlerts returns newest signal alerts first; empty ruleID lists all rules.
func (s *MemoryStore) ListAlerts(_ context.Context, ruleID string, limit int) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alert, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if ruleID != "" && s.alerts[i].RuleID != ruleID {
			continue
		}
		out = append(out, cloneAlert(s.alerts[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListRatioAlerts returns newest ratio alerts first; empty monitorID lists all monitors.
func (s *MemoryStore) ListRatioAlerts(_ context.Context, monitorID string, limit int) ([]domain.RatioAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RatioAlert, 0)
	for i := len(s.ratioAlerts) - 1; i >= 0; i-- {
		if monitorID != "" && s.ratioAlerts[i].MonitorID != monitorID {
			continue
		}
		out = append(out, cloneRatioAlert(s.ratioAlerts[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListUnsent returns undelivered alerts of both kinds created at or after since, oldest first.
func (s *MemoryStore) ListUnsent(_ context.Context, since time.Time, limit int) ([]domain.PendingDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PendingDelivery
	for _, alert := range s.alerts {
		if alert.SentAt == nil && !alert.CreatedAt.Before(since) {
			out = append(out, domain.PendingDelivery{Kind: domain.AlertKindSignal, ID: alert.ID, Message: alert.Message, CreatedAt: alert.CreatedAt})
		}
	}
	for _, alert := range s.ratioAlerts {
		if alert.SentAt == nil && !alert.CreatedAt.Before(since) {
			out = append(out, domain.PendingDelivery{Kind: domain.AlertKindRatio, ID: alert.ID, Message: alert.Message, CreatedAt: alert.CreatedAt})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateRatioMonitor stores monitor and its initial HEALTHY state.
func (s *MemoryStore) CreateRatioMonitor(_ context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if monitor.ID == "" {
		monitor.ID = uuid.NewString()
	}
	if _, ok := s.monitors[monitor.ID]; ok {
		return domain.RatioMonitor{}, fmt.Errorf("ratio monitor %q: %w", monitor.ID, ErrConflict)
	}
	now := s.now().UTC()
	monitor.CreatedAt = now
	monitor.UpdatedAt = now
	monitor.Steps = cloneSteps(monitor.Steps)
	s.monitors[monitor.ID] = monitor
	s.ratioStates[monitor.ID] = domain.NewRatioState(monitor.ID, now)
	return cloneMonitor(monitor), nil
}

// UpdateRatioMonitor replaces mutable monitor fields.
func (s *MemoryStore) UpdateRatioMonitor(_ context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.monitors[monitor.ID]
	if !ok {
		return domain.RatioMonitor{}, fmt.Errorf("ratio monitor %q: %w", monitor.ID, ErrNotFound)
	}
	monitor.CreatedAt = current.CreatedAt
	monitor.UpdatedAt = s.now().UTC()
	monitor.Steps = cloneSteps(monitor.Steps)
	s.monitors[monitor.ID] = monitor
	return cloneMonitor(monitor), nil
}

// DeleteRatioMonitor removes monitor with its state and alerts.
func (s *MemoryStore) DeleteRatioMonitor(_ context.Context, monitorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[monitorID]; !ok {
		return fmt.Errorf("ratio monitor %q: %w", monitorID, ErrNotFound)
	}
	delete(s.monitors, monitorID)
	delete(s.ratioStates, monitorID)
	kept := s.ratioAlerts[:0]
	for _, alert := range s.ratioAlerts {
		if alert.MonitorID == monitorID {
			delete(s.alertKeys, alertKey{kind: domain.AlertKindRatio, ownerID: alert.MonitorID, alertType: alert.AlertType, epoch: alert.Epoch})
			continue
		}
		kept = append(kept, alert)
	}
	s.ratioAlerts = kept
	return nil
}

// GetRatioMonitor returns one monitor by ID.
func (s *MemoryStore) GetRatioMonitor(_ context.Context, monitorID string) (domain.RatioMonitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	monitor, ok := s.monitors[monitorID]
	if !ok {
		return domain.RatioMonitor{}, fmt.Errorf("ratio monitor %q: %w", monitorID, ErrNotFound)
	}
	return cloneMonitor(monitor), nil
}

// ListRatioMonitors returns monitors sorted by ID.
func (s *MemoryStore) ListRatioMonitors(_ context.Context, enabledOnly bool) ([]domain.RatioMonitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RatioMonitor, 0, len(s.monitors))
	for _, monitor := range s.monitors {
		if enabledOnly && !monitor.Enabled {
			continue
		}
		out = append(out, cloneMonitor(monitor))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRatioState returns live state of one monitor.
func (s *MemoryStore) GetRatioState(_ context.Context, monitorID string) (domain.RatioState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.ratioStates[monitorID]
	if !ok {
		return domain.RatioState{}, fmt.Errorf("ratio state %q: %w", monitorID, ErrNotFound)
	}
	return cloneRatioState(current), nil
}

// SaveRatioState replaces snapshot when stored health equals expected.
func (s *MemoryStore) SaveRatioState(_ context.Context, next domain.RatioState, expected domain.RatioHealth) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.ratioStates[next.MonitorID]
	if !ok {
		return false, fmt.Errorf("ratio state %q: %w", next.MonitorID, ErrNotFound)
	}
	if current.State != expected {
		return false, nil
	}
	s.ratioStates[next.MonitorID] = cloneRatioState(next)
	return true, nil
}

// InsertHeartbeatLog appends one pass summary.
func (s *MemoryStore) InsertHeartbeatLog(_ context.Context, entry domain.HeartbeatLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.heartbeats = append(s.heartbeats, entry)
	return nil
}

// ListHeartbeatLogs returns newest pass summaries first.
func (s *MemoryStore) ListHeartbeatLogs(_ context.Context, limit int) ([]domain.HeartbeatLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.HeartbeatLog, 0, len(s.heartbeats))
	for i := len(s.heartbeats) - 1; i >= 0; i-- {
		out = append(out, s.heartbeats[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// InsertCleanupLog appends one sweep audit row.
func (s *MemoryStore) InsertCleanupLog(_ context.Context, entry domain.CleanupLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.cleanups = append(s.cleanups, cloneCleanupLog(entry))
	return nil
}

// ListCleanupLogs returns newest sweep audit rows first.
func (s *MemoryStore) ListCleanupLogs(_ context.Context, limit int) ([]domain.CleanupLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CleanupLog, 0, len(s.cleanups))
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		out = append(out, cloneCleanupLog(s.cleanups[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteExpired removes rows of table older than cutoff.
// Params: closed retention table and cutoff time.
// Returns: deleted row count.
func (s *MemoryStore) DeleteExpired(_ context.Context, table domain.RetentionTable, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	switch table {
	case domain.RetentionSignalHits:
		before := len(s.hits)
		s.hits = filterHits(s.hits, func(hit domain.Hit) bool { return !hit.At.Before(cutoff) })
		deleted = int64(before - len(s.hits))
	case domain.RetentionHeartbeatLogs:
		kept := s.heartbeats[:0]
		for _, entry := range s.heartbeats {
			if entry.CheckedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, entry)
		}
		s.heartbeats = kept
	case domain.RetentionAlerts:
		kept := s.alerts[:0]
		for _, alert := range s.alerts {
			if alert.CreatedAt.Before(cutoff) {
				delete(s.alertKeys, alertKey{kind: domain.AlertKindSignal, ownerID: alert.RuleID, alertType: alert.AlertType, epoch: alert.Epoch})
				deleted++
				continue
			}
			kept = append(kept, alert)
		}
		s.alerts = kept
	case domain.RetentionRatioAlerts:
		kept := s.ratioAlerts[:0]
		for _, alert := range s.ratioAlerts {
			if alert.CreatedAt.Before(cutoff) {
				delete(s.alertKeys, alertKey{kind: domain.AlertKindRatio, ownerID: alert.MonitorID, alertType: alert.AlertType, epoch: alert.Epoch})
				deleted++
				continue
			}
			kept = append(kept, alert)
		}
		s.ratioAlerts = kept
	case domain.RetentionCleanupLogs:
		kept := s.cleanups[:0]
		for _, entry := range s.cleanups {
			if entry.RanAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, entry)
		}
		s.cleanups = kept
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return deleted, nil
}

// Close releases nothing for in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

func filterHits(hits []domain.Hit, keep func(domain.Hit) bool) []domain.Hit {
	kept := hits[:0]
	for _, hit := range hits {
		if keep(hit) {
			kept = append(kept, hit)
		}
	}
	return kept
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func cloneSteps(values []domain.RatioStep) []domain.RatioStep {
	if values == nil {
		return nil
	}
	return append([]domain.RatioStep(nil), values...)
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneRule(rule domain.MonitoringRule) domain.MonitoringRule {
	rule.Tags = cloneStrings(rule.Tags)
	return rule
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneSignal(record domain.SignalRecord) domain.SignalRecord {
	record.LastSeenAt = cloneTime(record.LastSeenAt)
	return record
}

func cloneAlert(alert domain.Alert) domain.Alert {
	alert.GapMinutes = cloneFloat(alert.GapMinutes)
	alert.SentAt = cloneTime(alert.SentAt)
	return alert
}

func cloneRatioAlert(alert domain.RatioAlert) domain.RatioAlert {
	alert.SentAt = cloneTime(alert.SentAt)
	return alert
}

func cloneMonitor(monitor domain.RatioMonitor) domain.RatioMonitor {
	monitor.Steps = cloneSteps(monitor.Steps)
	return monitor
}

func cloneRatioState(current domain.RatioState) domain.RatioState {
	if current.StepsData != nil {
		current.StepsData = append([]domain.StepSnapshot(nil), current.StepsData...)
	}
	current.CheckedAt = cloneTime(current.CheckedAt)
	return current
}

func cloneCleanupLog(entry domain.CleanupLog) domain.CleanupLog {
	if entry.Deleted != nil {
		deleted := make(map[domain.RetentionTable]int64, len(entry.Deleted))
		for table, count := range entry.Deleted {
			deleted[table] = count
		}
		entry.Deleted = deleted
	}
	if entry.Failed != nil {
		failed := make(map[domain.RetentionTable]string, len(entry.Failed))
		for table, reason := range entry.Failed {
			failed[table] = reason
		}
		entry.Failed = failed
	}
	return entry
}
