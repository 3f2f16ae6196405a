package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"deadman/internal/domain"
	"deadman/internal/state"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHeartbeatWalksSignalDownAndAlertsOncePerTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.createRule("digest", 60, 120)
	h.hit("digest")
	if got := h.alertTypes("digest"); len(got) != 0 {
		t.Fatalf("first hit must not alert, got %v", got)
	}

	h.clock.Advance(30 * time.Minute)
	if entry := h.pass(); entry.StateChanges != 0 || entry.RulesChecked != 1 {
		t.Fatalf("unexpected pass at 30m: %+v", entry)
	}

	h.clock.Advance(70 * time.Minute)
	entry := h.pass()
	if entry.StateChanges != 1 || entry.AlertsTriggered != 1 {
		t.Fatalf("unexpected pass at 100m: %+v", entry)
	}
	if record := h.signal("digest"); record.State != domain.SignalStateWeak {
		t.Fatalf("expected WEAK at 100m, got %s", record.State)
	}

	h.clock.Advance(30 * time.Minute)
	h.pass()
	record := h.signal("digest")
	if record.State != domain.SignalStateDead {
		t.Fatalf("expected DEAD at 130m, got %s", record.State)
	}
	if record.Counters.Count1h != 0 || record.Counters.Count12h != 1 {
		t.Fatalf("unexpected refreshed counters %+v", record.Counters)
	}

	h.clock.Advance(5 * time.Minute)
	if entry := h.pass(); entry.StateChanges != 0 || entry.AlertsTriggered != 0 {
		t.Fatalf("steady DEAD pass must be a no-op, got %+v", entry)
	}

	got := h.alertTypes("digest")
	if !equalAlertTypes(got, domain.AlertTypeFrequencyDown, domain.AlertTypeSignalDead) {
		t.Fatalf("unexpected alerts %v", got)
	}
	alerts, _ := h.store.ListAlerts(h.ctx, "digest", 1)
	if want := testStart.Add(100 * time.Minute).UnixMilli(); alerts[0].Epoch != want {
		t.Fatalf("alert epoch must be the instant WEAK was entered, want %d got %d", want, alerts[0].Epoch)
	}
	if alerts[0].GapMinutes == nil || *alerts[0].GapMinutes != 130 {
		t.Fatalf("unexpected gap %v", alerts[0].GapMinutes)
	}
	if got := testutil.ToFloat64(h.metrics.SignalTransitions.WithLabelValues("WEAK", "DEAD")); got != 1 {
		t.Fatalf("expected one WEAK->DEAD transition metric, got %v", got)
	}
}

func TestHeartbeatJumpsStraightToDead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.createRule("digest", 60, 120)
	h.hit("digest")

	h.clock.Advance(6 * time.Hour)
	h.pass()
	h.pass()

	if got := h.alertTypes("digest"); !equalAlertTypes(got, domain.AlertTypeSignalDead) {
		t.Fatalf("expected a single SIGNAL_DEAD, got %v", got)
	}
}

func TestHeartbeatNeverSeenRuleStaysDeadWithoutAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.createRule("digest", 60, 120)

	h.clock.Advance(24 * time.Hour)
	entry := h.pass()
	if entry.StateChanges != 0 {
		t.Fatalf("never-seen rule must stay DEAD, got %+v", entry)
	}
	if got := h.alertTypes("digest"); len(got) != 0 {
		t.Fatalf("unexpected alerts %v", got)
	}
}

func TestHeartbeatDeadToWeakIsSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rule := h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(130 * time.Minute)
	h.pass()

	rule.DeadAfterMinutes = 240
	if _, err := h.monitor.UpdateRule(h.ctx, rule); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	h.clock.Advance(time.Minute)
	entry := h.pass()

	if record := h.signal("digest"); record.State != domain.SignalStateWeak {
		t.Fatalf("expected WEAK after widening dead-after, got %s", record.State)
	}
	if entry.StateChanges != 1 || entry.AlertsTriggered != 0 {
		t.Fatalf("partial recovery must change state silently, got %+v", entry)
	}
	if got := h.alertTypes("digest"); !equalAlertTypes(got, domain.AlertTypeSignalDead) {
		t.Fatalf("unexpected alerts %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.PartialRecoveries); got != 1 {
		t.Fatalf("expected partial recovery metric 1, got %v", got)
	}
}

func TestHitAfterOutageEmitsRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(3 * time.Hour)
	h.pass()

	h.hit("digest")
	h.hit("digest")

	if record := h.signal("digest"); record.State != domain.SignalStateActive {
		t.Fatalf("hit must force ACTIVE, got %s", record.State)
	}
	got := h.alertTypes("digest")
	if !equalAlertTypes(got, domain.AlertTypeSignalDead, domain.AlertTypeSignalRecovered) {
		t.Fatalf("unexpected alerts %v", got)
	}
	alerts, _ := h.store.ListAlerts(h.ctx, "digest", 1)
	if alerts[0].Epoch != h.clock.Now().UnixMilli() || alerts[0].PreviousState != domain.SignalStateDead {
		t.Fatalf("unexpected recovery alert %+v", alerts[0])
	}

	// Next pass finds the signal ACTIVE and stays quiet.
	if entry := h.pass(); entry.StateChanges != 0 {
		t.Fatalf("unexpected pass after recovery %+v", entry)
	}
}

func TestHitOnDisabledRuleRecordsWithoutRecoveryAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rule := h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(3 * time.Hour)
	h.pass()

	rule.Enabled = false
	if _, err := h.monitor.UpdateRule(h.ctx, rule); err != nil {
		t.Fatalf("disable rule: %v", err)
	}
	h.hit("digest")
	if got := h.alertTypes("digest"); !equalAlertTypes(got, domain.AlertTypeSignalDead) {
		t.Fatalf("disabled rule must not emit recovery, got %v", got)
	}
	if entry := h.pass(); entry.RulesChecked != 0 {
		t.Fatalf("disabled rule must be skipped by heartbeat, got %+v", entry)
	}
}

func TestHitForUnknownRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	err := h.monitor.RecordHit(h.ctx, "missing", h.clock.Now())
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIngestHitBySubjectMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.createRule("digest", 60, 120)
	h.createRule("receipt", 60, 120)

	err := h.monitor.IngestHit(h.ctx, domain.HitEvent{Merchant: "ACME", Subject: "Digest for March"})
	if err != nil {
		t.Fatalf("ingest by subject: %v", err)
	}
	if record := h.signal("digest"); record.LastSeenAt == nil {
		t.Fatalf("digest must be seen")
	}
	if record := h.signal("receipt"); record.LastSeenAt != nil {
		t.Fatalf("receipt must stay unseen")
	}

	err = h.monitor.IngestHit(h.ctx, domain.HitEvent{Merchant: "acme", Subject: "newsletter"})
	if !errors.Is(err, domain.ErrNoMatchingRule) {
		t.Fatalf("expected no matching rule, got %v", err)
	}

	past := h.clock.Now().Add(-10 * time.Minute)
	if err := h.monitor.IngestHit(h.ctx, domain.HitEvent{RuleID: "receipt", TS: past.UnixMilli()}); err != nil {
		t.Fatalf("ingest by rule: %v", err)
	}
	if record := h.signal("receipt"); record.LastSeenAt == nil || !record.LastSeenAt.Equal(past) {
		t.Fatalf("expected last seen at payload ts, got %v", record.LastSeenAt)
	}
}

// flakyStore fails counter refresh for selected rules.
type flakyStore struct {
	state.Store
	failRefresh map[string]bool
	panicRule   string
}

func (s *flakyStore) RefreshCounters(ctx context.Context, ruleID string, now time.Time) (domain.Counters, error) {
	if ruleID == s.panicRule {
		panic("boom")
	}
	if s.failRefresh[ruleID] {
		return domain.Counters{}, fmt.Errorf("refresh %s: connection reset", ruleID)
	}
	return s.Store.RefreshCounters(ctx, ruleID, now)
}

func TestHeartbeatIsolatesRuleFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(inner state.Store) state.Store {
		return &flakyStore{Store: inner, failRefresh: map[string]bool{"broken": true}, panicRule: "panicky"}
	})
	for _, id := range []string{"broken", "panicky", "healthy"} {
		h.createRule(id, 60, 120)
		h.hit(id)
	}
	h.clock.Advance(3 * time.Hour)

	entry := h.pass()
	if entry.RulesChecked != 3 || entry.RulesFailed != 2 || entry.StateChanges != 1 {
		t.Fatalf("unexpected pass summary %+v", entry)
	}
	if record := h.signal("healthy"); record.State != domain.SignalStateDead {
		t.Fatalf("healthy rule must still be evaluated, got %s", record.State)
	}
	if got := testutil.ToFloat64(h.metrics.RuleFailures); got != 2 {
		t.Fatalf("expected 2 rule failures, got %v", got)
	}

	logs, err := h.monitor.HeartbeatLogs(h.ctx, 0)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one heartbeat log, got %d err=%v", len(logs), err)
	}
}

// listFailStore fails rule listing.
type listFailStore struct {
	state.Store
}

func (s *listFailStore) ListRules(context.Context, bool) ([]domain.MonitoringRule, error) {
	return nil, errors.New("database is down")
}

func TestHeartbeatListFailureStillLogsPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(inner state.Store) state.Store { return &listFailStore{Store: inner} })
	_, err := h.heartbeat.RunPass(h.ctx)
	if err == nil || !strings.Contains(err.Error(), "database is down") {
		t.Fatalf("expected list error, got %v", err)
	}
	logs, _ := h.store.ListHeartbeatLogs(h.ctx, 0)
	if len(logs) != 1 || logs[0].RulesChecked != 0 {
		t.Fatalf("expected zero-count heartbeat log, got %+v", logs)
	}
}

// concurrentHitStore records one hit right after the next GetSignal read,
// as an ingestion request racing the heartbeat pass would.
type concurrentHitStore struct {
	state.Store
	mu     sync.Mutex
	ruleID string
	at     time.Time
}

func (s *concurrentHitStore) arm(ruleID string, at time.Time) {
	s.mu.Lock()
	s.ruleID, s.at = ruleID, at
	s.mu.Unlock()
}

func (s *concurrentHitStore) GetSignal(ctx context.Context, ruleID string) (domain.SignalRecord, error) {
	record, err := s.Store.GetSignal(ctx, ruleID)
	s.mu.Lock()
	armed := s.ruleID == ruleID
	if armed {
		s.ruleID = ""
	}
	at := s.at
	s.mu.Unlock()
	if err == nil && armed {
		if _, hitErr := s.Store.RecordHit(ctx, ruleID, at); hitErr != nil {
			return record, hitErr
		}
	}
	return record, err
}

func TestHeartbeatKeepsHitRecordedDuringEvaluation(t *testing.T) {
	t.Parallel()

	var racing *concurrentHitStore
	h := newHarness(t, func(inner state.Store) state.Store {
		racing = &concurrentHitStore{Store: inner}
		return racing
	})
	h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(3 * time.Hour)

	racing.arm("digest", h.clock.Now())
	entry := h.pass()
	if entry.StateChanges != 0 || entry.AlertsTriggered != 0 {
		t.Fatalf("transition computed from a stale read must be skipped, got %+v", entry)
	}
	record := h.signal("digest")
	if record.State != domain.SignalStateActive {
		t.Fatalf("expected ACTIVE after concurrent hit, got %s", record.State)
	}
	if record.LastSeenAt == nil || !record.LastSeenAt.Equal(h.clock.Now()) {
		t.Fatalf("concurrent hit must be kept, got %v", record.LastSeenAt)
	}

	if entry := h.pass(); entry.StateChanges != 0 {
		t.Fatalf("next pass must see a fresh signal, got %+v", entry)
	}
	if got := h.alertTypes("digest"); len(got) != 0 {
		t.Fatalf("unexpected alerts %v", got)
	}
}

func TestHeartbeatAlertsOnEveryTransitionAfterThresholdEdits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rule := h.createRule("digest", 60, 240)
	h.hit("digest")

	h.clock.Advance(100 * time.Minute)
	if entry := h.pass(); entry.StateChanges != 1 || entry.AlertsTriggered != 1 {
		t.Fatalf("expected ACTIVE->WEAK with alert, got %+v", entry)
	}

	rule.ExpectedIntervalMinutes = 70
	if _, err := h.monitor.UpdateRule(h.ctx, rule); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	h.clock.Advance(time.Minute)
	if entry := h.pass(); entry.StateChanges != 1 || entry.AlertsTriggered != 1 {
		t.Fatalf("expected WEAK->ACTIVE with alert, got %+v", entry)
	}

	rule.ExpectedIntervalMinutes = 60
	if _, err := h.monitor.UpdateRule(h.ctx, rule); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	h.clock.Advance(time.Minute)
	entry := h.pass()
	if entry.StateChanges != 1 || entry.AlertsTriggered != 1 {
		t.Fatalf("second ACTIVE->WEAK must alert again, got %+v", entry)
	}

	got := h.alertTypes("digest")
	if !equalAlertTypes(got, domain.AlertTypeFrequencyDown, domain.AlertTypeSignalRecovered, domain.AlertTypeFrequencyDown) {
		t.Fatalf("unexpected alerts %v", got)
	}
	alerts, _ := h.store.ListAlerts(h.ctx, "digest", 1)
	if want := testStart.Add(101 * time.Minute).UnixMilli(); alerts[0].Epoch != want {
		t.Fatalf("epoch must be the instant ACTIVE was re-entered, want %d got %d", want, alerts[0].Epoch)
	}
}
