package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deadman/internal/clock"
	"deadman/internal/config"
	"deadman/internal/domain"
	"deadman/internal/engine"
	"deadman/internal/metrics"
	"deadman/internal/notify"
	"deadman/internal/state"
	"deadman/internal/templatefmt"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// SignalTransition describes one applied signal state change.
type SignalTransition struct {
	Rule       domain.MonitoringRule
	Previous   domain.SignalState
	Current    domain.SignalState
	GapMinutes *float64
	Counters   domain.Counters
	Epoch      int64
	At         time.Time
}

// RatioTransition describes one applied ratio health change.
type RatioTransition struct {
	Monitor  domain.RatioMonitor
	Previous domain.RatioHealth
	State    domain.RatioState
	Epoch    int64
	At       time.Time
}

// AlertGenerator records transition alerts once and dispatches them in the background.
// Params: alert store, dispatcher, renderer, and dispatch limits.
// Returns: alert sink shared by heartbeat, ratio, and ingestion paths.
type AlertGenerator struct {
	store      state.AlertStore
	dispatcher *notify.Dispatcher
	renderer   *templatefmt.Renderer
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics

	timeout     time.Duration
	reserveMu   sync.Mutex
	inFlight    *cache.Cache
	inFlightTTL time.Duration
	inFlightMax int
	retryMaxAge time.Duration
	retryBatch  int

	wg sync.WaitGroup
}

// NewAlertGenerator creates alert generator.
// Params: store, dispatcher, renderer, notify config, clock, logger, and metrics.
// Returns: generator with in-flight set sized from config.
func NewAlertGenerator(
	store state.AlertStore,
	dispatcher *notify.Dispatcher,
	renderer *templatefmt.Renderer,
	cfg config.NotifyConfig,
	clk clock.Clock,
	logger *slog.Logger,
	m *metrics.Metrics,
) *AlertGenerator {
	timeout := cfg.DispatchTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := 2 * timeout
	g := &AlertGenerator{
		store:       store,
		dispatcher:  dispatcher,
		renderer:    renderer,
		clock:       clk,
		logger:      logger,
		metrics:     m,
		timeout:     timeout,
		inFlight:    cache.New(ttl, ttl),
		inFlightTTL: ttl,
		inFlightMax: cfg.InFlightMax,
		retryMaxAge: cfg.RetryUnsentMaxAge(),
		retryBatch:  cfg.RetryUnsentBatch,
	}
	m.SetInFlightSource(func() float64 { return float64(g.inFlight.ItemCount()) })
	return g
}

// SignalTransition inserts the alert implied by a signal transition and dispatches it once.
// Params: context and applied transition.
// Returns: stored alert, created flag (false for silent transitions and duplicates), and store error.
func (g *AlertGenerator) SignalTransition(ctx context.Context, transition SignalTransition) (domain.Alert, bool, error) {
	alertType, ok := engine.DetermineAlertType(transition.Previous, transition.Current)
	if !ok {
		return domain.Alert{}, false, nil
	}

	message, err := g.renderer.RenderSignal(alertType, templatefmt.SignalData{
		Rule:       transition.Rule,
		Previous:   transition.Previous,
		Current:    transition.Current,
		GapMinutes: transition.GapMinutes,
		Counters:   transition.Counters,
		At:         transition.At,
	})
	if err != nil {
		g.logger.Warn("alert template failed, using fallback", "rule", transition.Rule.ID, "alert_type", alertType, "error", err.Error())
		message = fmt.Sprintf("%s: %s / %s %s -> %s", alertType, transition.Rule.Merchant, transition.Rule.Name, transition.Previous, transition.Current)
	}

	alert := domain.Alert{
		ID:            uuid.NewString(),
		RuleID:        transition.Rule.ID,
		AlertType:     alertType,
		PreviousState: transition.Previous,
		CurrentState:  transition.Current,
		GapMinutes:    transition.GapMinutes,
		Counters:      transition.Counters,
		Message:       message,
		Epoch:         transition.Epoch,
		CreatedAt:     g.clock.Now(),
	}
	created, err := g.store.InsertAlert(ctx, alert)
	if err != nil {
		return domain.Alert{}, false, fmt.Errorf("insert %s alert for rule %s: %w", alertType, alert.RuleID, err)
	}
	if !created {
		g.metrics.AlertsDuplicate.WithLabelValues(string(alertType)).Inc()
		g.logger.Debug("duplicate alert suppressed", "rule", alert.RuleID, "alert_type", alertType, "epoch", alert.Epoch)
		return alert, false, nil
	}

	g.metrics.AlertsCreated.WithLabelValues(string(alertType)).Inc()
	g.logger.Warn(
		"alert created",
		"rule", alert.RuleID,
		"alert_type", alertType,
		"previous", alert.PreviousState,
		"current", alert.CurrentState,
	)
	g.dispatch(domain.Notification{
		AlertID:   alert.ID,
		Kind:      domain.AlertKindSignal.String(),
		AlertType: alertType,
		Subject:   transition.Rule.Merchant + " / " + transition.Rule.Name,
		Message:   message,
		Timestamp: alert.CreatedAt,
	}, domain.AlertKindSignal)
	return alert, true, nil
}

// RatioTransition inserts the alert implied by a ratio health change and dispatches it once.
// Params: context and applied transition carrying the new snapshot.
// Returns: stored alert, created flag, and store error.
func (g *AlertGenerator) RatioTransition(ctx context.Context, transition RatioTransition) (domain.RatioAlert, bool, error) {
	alertType, ok := engine.DetermineRatioAlertType(transition.Previous, transition.State.State)
	if !ok {
		return domain.RatioAlert{}, false, nil
	}

	snapshot := transition.State
	message, err := g.renderer.RenderRatio(alertType, templatefmt.RatioData{
		Monitor:     transition.Monitor,
		Previous:    transition.Previous,
		Current:     snapshot.State,
		FirstCount:  snapshot.FirstCount,
		SecondCount: snapshot.SecondCount,
		Ratio:       snapshot.CurrentRatio,
		Steps:       snapshot.StepsData,
		At:          transition.At,
	})
	if err != nil {
		g.logger.Warn("alert template failed, using fallback", "monitor", transition.Monitor.ID, "alert_type", alertType, "error", err.Error())
		message = fmt.Sprintf("%s: %s %s", alertType, transition.Monitor.Name, templatefmt.FormatPercent(snapshot.CurrentRatio))
	}

	alert := domain.RatioAlert{
		ID:               uuid.NewString(),
		MonitorID:        transition.Monitor.ID,
		AlertType:        alertType,
		PreviousState:    transition.Previous,
		CurrentState:     snapshot.State,
		FirstCount:       snapshot.FirstCount,
		SecondCount:      snapshot.SecondCount,
		CurrentRatio:     snapshot.CurrentRatio,
		ThresholdPercent: transition.Monitor.ThresholdPercent,
		Message:          message,
		Epoch:            transition.Epoch,
		CreatedAt:        g.clock.Now(),
	}
	created, err := g.store.InsertRatioAlert(ctx, alert)
	if err != nil {
		return domain.RatioAlert{}, false, fmt.Errorf("insert %s alert for monitor %s: %w", alertType, alert.MonitorID, err)
	}
	if !created {
		g.metrics.AlertsDuplicate.WithLabelValues(string(alertType)).Inc()
		g.logger.Debug("duplicate ratio alert suppressed", "monitor", alert.MonitorID, "alert_type", alertType, "epoch", alert.Epoch)
		return alert, false, nil
	}

	g.metrics.AlertsCreated.WithLabelValues(string(alertType)).Inc()
	g.logger.Warn(
		"ratio alert created",
		"monitor", alert.MonitorID,
		"alert_type", alertType,
		"ratio", alert.CurrentRatio,
		"threshold", alert.ThresholdPercent,
	)
	g.dispatch(domain.Notification{
		AlertID:   alert.ID,
		Kind:      domain.AlertKindRatio.String(),
		AlertType: alertType,
		Subject:   transition.Monitor.Name,
		Message:   message,
		Timestamp: alert.CreatedAt,
	}, domain.AlertKindRatio)
	return alert, true, nil
}

// RetryUnsent re-dispatches recent alerts whose delivery never succeeded.
// Params: context for the listing query.
// Returns: number of dispatches started.
func (g *AlertGenerator) RetryUnsent(ctx context.Context) (int, error) {
	if !g.dispatcher.Enabled() || g.retryMaxAge <= 0 {
		return 0, nil
	}
	since := g.clock.Now().Add(-g.retryMaxAge)
	pending, err := g.store.ListUnsent(ctx, since, g.retryBatch)
	if err != nil {
		return 0, fmt.Errorf("list unsent alerts: %w", err)
	}

	started := 0
	for _, item := range pending {
		if g.dispatch(domain.Notification{
			AlertID:   item.ID,
			Kind:      item.Kind.String(),
			Message:   item.Message,
			Timestamp: item.CreatedAt,
		}, item.Kind) {
			started++
		}
	}
	if started > 0 {
		g.logger.Info("unsent alerts re-dispatched", "count", started)
	}
	return started, nil
}

// Wait blocks until every detached dispatch has finished.
func (g *AlertGenerator) Wait() {
	g.wg.Wait()
}

// InFlight returns number of dispatches currently tracked.
func (g *AlertGenerator) InFlight() int {
	return g.inFlight.ItemCount()
}

type reservation int

const (
	reserveOK reservation = iota
	reserveFull
	reserveTaken
)

// reserve adds key to the in-flight set unless the set is full or already holds key.
// Capacity check and insert happen under one lock.
func (g *AlertGenerator) reserve(key string) reservation {
	g.reserveMu.Lock()
	defer g.reserveMu.Unlock()
	if g.inFlightMax > 0 && g.inFlight.ItemCount() >= g.inFlightMax {
		return reserveFull
	}
	if err := g.inFlight.Add(key, struct{}{}, g.inFlightTTL); err != nil {
		return reserveTaken
	}
	return reserveOK
}

// dispatch starts one detached delivery unless the alert is already in flight.
// Params: notification payload and alert kind used for SentAt bookkeeping.
// Returns: true when a delivery goroutine was started.
func (g *AlertGenerator) dispatch(notification domain.Notification, kind domain.AlertKind) bool {
	if !g.dispatcher.Enabled() {
		g.logger.Debug("notify disabled, alert kept unsent", "alert_id", notification.AlertID)
		return false
	}
	key := kind.String() + ":" + notification.AlertID
	switch g.reserve(key) {
	case reserveFull:
		g.metrics.Notifications.WithLabelValues(kind.String(), "in_flight_full").Inc()
		g.logger.Warn("dispatch in-flight limit reached, alert left for retry", "alert_id", notification.AlertID, "limit", g.inFlightMax)
		return false
	case reserveTaken:
		g.metrics.Notifications.WithLabelValues(kind.String(), "in_flight").Inc()
		return false
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.inFlight.Delete(key)

		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := g.dispatcher.Dispatch(ctx, notification); err != nil {
			g.metrics.Notifications.WithLabelValues(kind.String(), "failed").Inc()
			g.logger.Error("alert dispatch failed", "alert_id", notification.AlertID, "kind", kind.String(), "error", err.Error())
			return
		}
		if err := g.store.MarkAlertSent(ctx, kind, notification.AlertID, g.clock.Now()); err != nil {
			g.metrics.Notifications.WithLabelValues(kind.String(), "mark_failed").Inc()
			g.logger.Error("mark alert sent failed", "alert_id", notification.AlertID, "error", err.Error())
			return
		}
		g.metrics.Notifications.WithLabelValues(kind.String(), "sent").Inc()
	}()
	return true
}
