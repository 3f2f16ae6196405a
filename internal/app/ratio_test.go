package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"deadman/internal/domain"
	"deadman/internal/state"
)

func createFunnel(t *testing.T, h *harness) domain.RatioMonitor {
	t.Helper()
	h.createRule("visit", 60, 120)
	h.createRule("signup", 60, 120)
	monitor, err := h.monitor.CreateRatioMonitor(h.ctx, domain.RatioMonitor{
		ID:               "signup-funnel",
		Name:             "Signup funnel",
		FirstRuleID:      "visit",
		SecondRuleID:     "signup",
		Steps:            []domain.RatioStep{{RuleID: "visit", Label: "Visit"}, {RuleID: "signup", Label: "Signup"}},
		ThresholdPercent: 50,
		TimeWindow:       domain.TimeWindow1h,
		Enabled:          true,
	})
	if err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	return monitor
}

func (h *harness) ratioAlerts(monitorID string) []domain.RatioAlert {
	h.t.Helper()
	alerts, err := h.store.ListRatioAlerts(h.ctx, monitorID, 0)
	if err != nil {
		h.t.Fatalf("list ratio alerts: %v", err)
	}
	return alerts
}

func TestRatioPassTransitionsAndAlerts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	createFunnel(t, h)

	h.clock.Advance(time.Minute)
	result, err := h.ratio.RunPass(h.ctx)
	if err != nil {
		t.Fatalf("ratio pass: %v", err)
	}
	if result.Checked != 1 || result.Changed != 1 || result.Alerts != 1 {
		t.Fatalf("empty first step must drop to LOW, got %+v", result)
	}
	alerts := h.ratioAlerts("signup-funnel")
	if len(alerts) != 1 || alerts[0].AlertType != domain.AlertTypeRatioLow || alerts[0].CurrentRatio != 0 {
		t.Fatalf("unexpected ratio alerts %+v", alerts)
	}
	if alerts[0].Epoch != testStart.UnixMilli() {
		t.Fatalf("epoch must be previous change instant, got %d", alerts[0].Epoch)
	}

	h.hit("visit")
	h.hit("visit")
	h.hit("signup")
	h.clock.Advance(time.Minute)
	if result, _ := h.ratio.RunPass(h.ctx); result.Changed != 1 {
		t.Fatalf("ratio at threshold must recover, got %+v", result)
	}
	snapshot, err := h.monitor.RatioStatus(h.ctx, "signup-funnel")
	if err != nil {
		t.Fatalf("ratio status: %v", err)
	}
	if snapshot.State.State != domain.RatioHealthHealthy || snapshot.State.CurrentRatio != 50 {
		t.Fatalf("unexpected snapshot %+v", snapshot.State)
	}
	if len(snapshot.State.StepsData) != 2 || snapshot.State.StepsData[1].PercentOfFirst != 50 {
		t.Fatalf("unexpected steps %+v", snapshot.State.StepsData)
	}

	if result, _ := h.ratio.RunPass(h.ctx); result.Changed != 0 {
		t.Fatalf("steady ratio must not change, got %+v", result)
	}

	h.clock.Advance(2 * time.Hour)
	h.ratio.RunPass(h.ctx)
	alerts = h.ratioAlerts("signup-funnel")
	if len(alerts) != 3 {
		t.Fatalf("expected LOW, RECOVERED, LOW; got %d alerts", len(alerts))
	}
	if alerts[0].AlertType != domain.AlertTypeRatioLow || alerts[1].AlertType != domain.AlertTypeRatioRecovered {
		t.Fatalf("unexpected alert order %s, %s", alerts[0].AlertType, alerts[1].AlertType)
	}
	h.alerts.Wait()
	if got := len(h.sender.delivered()); got != 3 {
		t.Fatalf("expected 3 ratio deliveries, got %d", got)
	}
}

func (h *harness) hits(ruleID string, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.hit(ruleID)
	}
}

func TestRatioMovesWithinSideWithoutAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	createFunnel(t, h)

	status := func() domain.RatioState {
		t.Helper()
		snapshot, err := h.monitor.RatioStatus(h.ctx, "signup-funnel")
		if err != nil {
			t.Fatalf("ratio status: %v", err)
		}
		return snapshot.State
	}
	run := func() RatioPassResult {
		t.Helper()
		h.clock.Advance(time.Minute)
		result, err := h.ratio.RunPass(h.ctx)
		if err != nil {
			t.Fatalf("ratio pass: %v", err)
		}
		return result
	}

	h.hits("visit", 5)
	h.hits("signup", 4)
	if result := run(); result.Changed != 0 {
		t.Fatalf("80%% is healthy, got %+v", result)
	}
	if got := status(); got.State != domain.RatioHealthHealthy || got.CurrentRatio != 80 {
		t.Fatalf("unexpected state %+v", got)
	}

	h.hits("visit", 2)
	if result := run(); result.Changed != 0 || result.Alerts != 0 {
		t.Fatalf("drop to 4/7 stays healthy, got %+v", result)
	}
	if got := status(); got.State != domain.RatioHealthHealthy || got.CurrentRatio <= 50 || got.CurrentRatio >= 60 {
		t.Fatalf("ratio must follow counts on the healthy side, got %+v", got)
	}

	h.hits("visit", 5)
	if result := run(); result.Changed != 1 || result.Alerts != 1 {
		t.Fatalf("4/12 crosses the threshold, got %+v", result)
	}

	h.hits("visit", 3)
	if result := run(); result.Changed != 0 || result.Alerts != 0 {
		t.Fatalf("drop to 4/15 stays low, got %+v", result)
	}
	got := status()
	if got.State != domain.RatioHealthLow || got.CurrentRatio >= 30 || got.FirstCount != 15 {
		t.Fatalf("ratio must follow counts on the low side, got %+v", got)
	}
	alerts := h.ratioAlerts("signup-funnel")
	if len(alerts) != 1 || alerts[0].AlertType != domain.AlertTypeRatioLow {
		t.Fatalf("expected a single RATIO_LOW, got %+v", alerts)
	}
}

// ratioConflictStore simulates a concurrent writer changing the stored health.
type ratioConflictStore struct {
	state.Store
}

func (s *ratioConflictStore) SaveRatioState(context.Context, domain.RatioState, domain.RatioHealth) (bool, error) {
	return false, nil
}

func TestRatioPassLostRaceSkipsAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(inner state.Store) state.Store { return &ratioConflictStore{Store: inner} })
	createFunnel(t, h)

	result, err := h.ratio.RunPass(h.ctx)
	if err != nil {
		t.Fatalf("ratio pass: %v", err)
	}
	if result.Changed != 0 || result.Alerts != 0 {
		t.Fatalf("lost race must not alert, got %+v", result)
	}
	if alerts := h.ratioAlerts("signup-funnel"); len(alerts) != 0 {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

// countFailStore fails hit counting for one rule.
type countFailStore struct {
	state.Store
	ruleID string
}

func (s *countFailStore) CountHits(ctx context.Context, ruleID string, since time.Time) (int64, error) {
	if ruleID == s.ruleID {
		return 0, errors.New("count timeout")
	}
	return s.Store.CountHits(ctx, ruleID, since)
}

func TestRatioPassIsolatesMonitorFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(inner state.Store) state.Store { return &countFailStore{Store: inner, ruleID: "broken"} })
	createFunnel(t, h)
	h.createRule("broken", 60, 120)
	if _, err := h.monitor.CreateRatioMonitor(h.ctx, domain.RatioMonitor{
		ID:               "broken-funnel",
		Name:             "Broken funnel",
		FirstRuleID:      "broken",
		SecondRuleID:     "signup",
		ThresholdPercent: 10,
		TimeWindow:       domain.TimeWindow24h,
		Enabled:          true,
	}); err != nil {
		t.Fatalf("create broken monitor: %v", err)
	}

	result, err := h.ratio.RunPass(h.ctx)
	if err != nil {
		t.Fatalf("ratio pass: %v", err)
	}
	if result.Checked != 2 || result.Failed != 1 || result.Changed != 1 {
		t.Fatalf("unexpected pass result %+v", result)
	}
}
