package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"deadman/internal/clock"
	"deadman/internal/config"
	"deadman/internal/domain"
	"deadman/internal/metrics"
	"deadman/internal/notify"
	"deadman/internal/state"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	sent  []domain.Notification
	fail  bool
	calls int
}

func (s *fakeSender) Channel() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, notification domain.Notification) (notify.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return notify.SendResult{}, errors.New("channel unavailable")
	}
	s.sent = append(s.sent, notification)
	return notify.SendResult{MessageID: 1}, nil
}

func (s *fakeSender) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *fakeSender) delivered() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.sent...)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clock.Manual
	store   *state.MemoryStore
	sender  *fakeSender
	metrics *metrics.Metrics
	components
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Heartbeat.Workers = 4
	cfg.Heartbeat.RuleTimeoutSec = 5
	cfg.Notify.DispatchTimeoutSec = 5
	cfg.Notify.RetryUnsentMaxAgeMin = 60
	cfg.Notify.RetryUnsentBatch = 50
	cfg.Cleanup = config.CleanupConfig{
		Schedule:                  "0 3 * * *",
		Timezone:                  "UTC",
		HitRetentionHours:         48,
		HeartbeatLogRetentionDays: 30,
		AlertRetentionDays:        90,
		RatioAlertRetentionDays:   90,
		CleanupLogRetentionDays:   30,
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires components on a memory store; store wraps it when non-nil.
func newHarness(t *testing.T, wrap func(state.Store) state.Store) *harness {
	t.Helper()

	clk := clock.NewManual(testStart)
	memory := state.NewMemoryStore(clk.Now)
	var store state.Store = memory
	if wrap != nil {
		store = wrap(memory)
	}
	sender := &fakeSender{}
	m := metrics.New()
	built, err := buildComponents(testConfig(), store, notify.NewDispatcherWithSenders(discardLogger(), sender), clk, discardLogger(), m)
	if err != nil {
		t.Fatalf("build components: %v", err)
	}
	return &harness{
		t:          t,
		ctx:        context.Background(),
		clock:      clk,
		store:      memory,
		sender:     sender,
		metrics:    m,
		components: built,
	}
}

func (h *harness) createRule(id string, interval, deadAfter int) domain.MonitoringRule {
	h.t.Helper()
	rule, err := h.monitor.CreateRule(h.ctx, domain.MonitoringRule{
		ID:                      id,
		Merchant:                "acme",
		Name:                    id,
		SubjectPattern:          id + "*",
		ExpectedIntervalMinutes: interval,
		DeadAfterMinutes:        deadAfter,
		Enabled:                 true,
	})
	if err != nil {
		h.t.Fatalf("create rule %s: %v", id, err)
	}
	return rule
}

func (h *harness) hit(ruleID string) {
	h.t.Helper()
	if err := h.monitor.RecordHit(h.ctx, ruleID, h.clock.Now()); err != nil {
		h.t.Fatalf("record hit %s: %v", ruleID, err)
	}
}

func (h *harness) pass() domain.HeartbeatLog {
	h.t.Helper()
	entry, err := h.heartbeat.RunPass(h.ctx)
	if err != nil {
		h.t.Fatalf("heartbeat pass: %v", err)
	}
	return entry
}

func (h *harness) signal(ruleID string) domain.SignalRecord {
	h.t.Helper()
	record, err := h.store.GetSignal(h.ctx, ruleID)
	if err != nil {
		h.t.Fatalf("get signal %s: %v", ruleID, err)
	}
	return record
}

// alertTypes returns alert types of rule oldest first.
func (h *harness) alertTypes(ruleID string) []domain.AlertType {
	h.t.Helper()
	alerts, err := h.store.ListAlerts(h.ctx, ruleID, 0)
	if err != nil {
		h.t.Fatalf("list alerts: %v", err)
	}
	out := make([]domain.AlertType, 0, len(alerts))
	for i := len(alerts) - 1; i >= 0; i-- {
		out = append(out, alerts[i].AlertType)
	}
	return out
}

func equalAlertTypes(got []domain.AlertType, want ...domain.AlertType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
