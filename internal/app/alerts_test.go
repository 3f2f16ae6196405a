package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"deadman/internal/domain"
	"deadman/internal/metrics"
	"deadman/internal/notify"
	"deadman/internal/templatefmt"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAlertDispatchMarksSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(3 * time.Hour)
	h.pass()
	h.alerts.Wait()

	delivered := h.sender.delivered()
	if len(delivered) != 1 || delivered[0].AlertType != domain.AlertTypeSignalDead {
		t.Fatalf("unexpected deliveries %+v", delivered)
	}
	if delivered[0].Channel != "fake" || delivered[0].Subject != "acme / digest" {
		t.Fatalf("unexpected notification %+v", delivered[0])
	}
	alerts, _ := h.store.ListAlerts(h.ctx, "digest", 0)
	if alerts[0].SentAt == nil {
		t.Fatalf("delivered alert must be marked sent")
	}
	if got := testutil.ToFloat64(h.metrics.Notifications.WithLabelValues("signal", "sent")); got != 1 {
		t.Fatalf("expected sent metric 1, got %v", got)
	}
}

func TestFailedDispatchIsRetriedLater(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.sender.setFail(true)
	h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(3 * time.Hour)
	h.pass()
	h.alerts.Wait()

	alerts, _ := h.store.ListAlerts(h.ctx, "digest", 0)
	if alerts[0].SentAt != nil {
		t.Fatalf("failed alert must stay unsent")
	}

	h.sender.setFail(false)
	started, err := h.alerts.RetryUnsent(h.ctx)
	if err != nil || started != 1 {
		t.Fatalf("expected one retry, got %d err=%v", started, err)
	}
	h.alerts.Wait()

	alerts, _ = h.store.ListAlerts(h.ctx, "digest", 0)
	if alerts[0].SentAt == nil {
		t.Fatalf("retried alert must be marked sent")
	}
	if started, _ := h.alerts.RetryUnsent(h.ctx); started != 0 {
		t.Fatalf("sent alert must not be retried, started=%d", started)
	}
}

func TestRetryUnsentSkipsOldAlerts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.sender.setFail(true)
	h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(3 * time.Hour)
	h.pass()
	h.alerts.Wait()

	h.sender.setFail(false)
	h.clock.Advance(2 * time.Hour)
	if started, _ := h.alerts.RetryUnsent(h.ctx); started != 0 {
		t.Fatalf("alerts older than retry window must be skipped, started=%d", started)
	}
}

func TestDuplicateTransitionIsSuppressed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rule := h.createRule("digest", 60, 120)
	transition := SignalTransition{
		Rule:     rule,
		Previous: domain.SignalStateWeak,
		Current:  domain.SignalStateDead,
		Epoch:    testStart.UnixMilli(),
		At:       h.clock.Now(),
	}

	_, created, err := h.alerts.SignalTransition(h.ctx, transition)
	if err != nil || !created {
		t.Fatalf("first transition: created=%v err=%v", created, err)
	}
	_, created, err = h.alerts.SignalTransition(h.ctx, transition)
	if err != nil || created {
		t.Fatalf("duplicate transition: created=%v err=%v", created, err)
	}
	h.alerts.Wait()

	if got := len(h.sender.delivered()); got != 1 {
		t.Fatalf("duplicate must not be dispatched, got %d deliveries", got)
	}
	if got := testutil.ToFloat64(h.metrics.AlertsDuplicate.WithLabelValues(string(domain.AlertTypeSignalDead))); got != 1 {
		t.Fatalf("expected duplicate metric 1, got %v", got)
	}
}

func TestSilentTransitionCreatesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rule := h.createRule("digest", 60, 120)
	_, created, err := h.alerts.SignalTransition(h.ctx, SignalTransition{
		Rule:     rule,
		Previous: domain.SignalStateDead,
		Current:  domain.SignalStateWeak,
	})
	if err != nil || created {
		t.Fatalf("DEAD->WEAK must not create alerts: created=%v err=%v", created, err)
	}
}

func TestAlertsStayUnsentWithoutChannels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	renderer, err := templatefmt.NewRenderer(nil)
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	generator := NewAlertGenerator(h.store, notify.NewDispatcherWithSenders(discardLogger()), renderer, testConfig().Notify, h.clock, discardLogger(), metrics.New())
	rule := h.createRule("digest", 60, 120)

	alert, created, err := generator.SignalTransition(h.ctx, SignalTransition{
		Rule:     rule,
		Previous: domain.SignalStateActive,
		Current:  domain.SignalStateWeak,
		Epoch:    1,
		At:       h.clock.Now(),
	})
	if err != nil || !created {
		t.Fatalf("alert must be stored without channels: created=%v err=%v", created, err)
	}
	if started, _ := generator.RetryUnsent(h.ctx); started != 0 {
		t.Fatalf("retry must be a no-op without channels, started=%d", started)
	}
	stored, _ := h.store.ListAlerts(h.ctx, "digest", 0)
	if len(stored) != 1 || stored[0].ID != alert.ID || stored[0].SentAt != nil {
		t.Fatalf("unexpected stored alerts %+v", stored)
	}
}

func TestInFlightLimitLeavesAlertForRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	renderer, _ := templatefmt.NewRenderer(nil)
	cfg := testConfig().Notify
	cfg.InFlightMax = 1
	m := metrics.New()
	generator := NewAlertGenerator(h.store, notify.NewDispatcherWithSenders(discardLogger(), h.sender), renderer, cfg, h.clock, discardLogger(), m)
	generator.inFlight.Set("signal:occupied", struct{}{}, time.Minute)

	rule := h.createRule("digest", 60, 120)
	_, created, err := generator.SignalTransition(h.ctx, SignalTransition{
		Rule:     rule,
		Previous: domain.SignalStateActive,
		Current:  domain.SignalStateDead,
		Epoch:    1,
		At:       h.clock.Now(),
	})
	if err != nil || !created {
		t.Fatalf("alert must be stored: created=%v err=%v", created, err)
	}
	generator.Wait()
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("signal", "in_flight_full")); got != 1 {
		t.Fatalf("expected in_flight_full metric 1, got %v", got)
	}
	pending, _ := h.store.ListUnsent(h.ctx, testStart.Add(-time.Hour), 0)
	if len(pending) != 1 || pending[0].Kind != domain.AlertKindSignal {
		t.Fatalf("expected alert pending retry, got %+v", pending)
	}
}

// blockingSender holds every delivery until release is closed.
type blockingSender struct {
	release chan struct{}
}

func (s *blockingSender) Channel() string { return "blocking" }

func (s *blockingSender) Send(ctx context.Context, _ domain.Notification) (notify.SendResult, error) {
	select {
	case <-s.release:
		return notify.SendResult{MessageID: 1}, nil
	case <-ctx.Done():
		return notify.SendResult{}, ctx.Err()
	}
}

func TestInFlightLimitHoldsUnderConcurrentDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	renderer, _ := templatefmt.NewRenderer(nil)
	cfg := testConfig().Notify
	cfg.InFlightMax = 2
	m := metrics.New()
	sender := &blockingSender{release: make(chan struct{})}
	generator := NewAlertGenerator(h.store, notify.NewDispatcherWithSenders(discardLogger(), sender), renderer, cfg, h.clock, discardLogger(), m)

	const attempts = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := generator.dispatch(domain.Notification{
				AlertID:   fmt.Sprintf("alert-%d", i),
				Kind:      domain.AlertKindSignal.String(),
				Message:   "late",
				Timestamp: testStart,
			}, domain.AlertKindSignal)
			if ok {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if started != 2 || generator.InFlight() != 2 {
		t.Fatalf("expected exactly 2 reservations, started=%d in_flight=%d", started, generator.InFlight())
	}
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("signal", "in_flight_full")); got != attempts-2 {
		t.Fatalf("expected %d in_flight_full, got %v", attempts-2, got)
	}
	close(sender.release)
	generator.Wait()
	if generator.InFlight() != 0 {
		t.Fatalf("in-flight set must drain, got %d", generator.InFlight())
	}
}
