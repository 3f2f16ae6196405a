package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"deadman/internal/clock"
	"deadman/internal/config"
	"deadman/internal/ingest"
	"deadman/internal/logging"
	"deadman/internal/metrics"
	"deadman/internal/notify"
	"deadman/internal/state"
	"deadman/internal/templatefmt"

	"github.com/robfig/cron/v3"
)

// Task names used in logs and metric labels.
const (
	taskHeartbeat = "heartbeat"
	taskRatio     = "ratio"
	taskCleanup   = "cleanup"
)

// components groups the domain services shared by every runtime surface.
type components struct {
	alerts    *AlertGenerator
	monitor   *Monitor
	heartbeat *Heartbeat
	ratio     *RatioChecker
	cleanup   *Cleanup
}

// buildComponents wires alert generation, hit recording, and periodic passes on one store.
// Params: config snapshot, store, dispatcher, clock, logger, and metrics.
// Returns: components or template error.
func buildComponents(cfg config.Config, store state.Store, dispatcher *notify.Dispatcher, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (components, error) {
	renderer, err := templatefmt.NewRenderer(cfg.Notify.Template.Overrides())
	if err != nil {
		return components{}, err
	}
	alerts := NewAlertGenerator(store, dispatcher, renderer, cfg.Notify, clk, logging.Component(logger, "alerts"), m)
	return components{
		alerts:    alerts,
		monitor:   NewMonitor(store, alerts, clk, logging.Component(logger, "monitor")),
		heartbeat: NewHeartbeat(store, alerts, cfg.Heartbeat.Workers, cfg.Heartbeat.RuleTimeout(), clk, logging.Component(logger, taskHeartbeat), m),
		ratio:     NewRatioChecker(store, alerts, clk, logging.Component(logger, taskRatio), m),
		cleanup:   NewCleanup(store, cfg.Cleanup, clk, logging.Component(logger, taskCleanup), m),
	}, nil
}

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable dead-man's-switch service.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	store    state.Store
	metrics  *metrics.Metrics
	clock    clock.Clock
	components

	heartbeatTask *periodicTask
	ratioTask     *periodicTask
	cleanupTask   *periodicTask

	httpSrv   *http.Server
	natsSub   *ingest.NATSSubscriber
	kafka     *ingest.KafkaConsumer
	scheduler *cron.Cron
	readyFlag atomic.Bool
	tasks     sync.WaitGroup
}

// NewService builds service instance from config source.
// Params: init context, config source, and clock implementation.
// Returns: initialized service with config rules seeded, or setup error.
func NewService(ctx context.Context, source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg, clk)
	if err != nil {
		closeLog()
		return nil, err
	}

	service, err := newService(ctx, cfg, store, notify.NewDispatcher(cfg.Notify, logger), clk, logger, metrics.New())
	if err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}
	service.closeLog = closeLog
	return service, nil
}

// newService assembles service around ready store and dispatcher.
func newService(ctx context.Context, cfg config.Config, store state.Store, dispatcher *notify.Dispatcher, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	built, err := buildComponents(cfg, store, dispatcher, clk, logger, m)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		metrics:    m,
		clock:      clk,
		components: built,
	}
	service.ratioTask = newPeriodicTask(taskRatio, service.runRatio, logger, m)
	service.heartbeatTask = newPeriodicTask(taskHeartbeat, service.runHeartbeat, logger, m)
	service.cleanupTask = newPeriodicTask(taskCleanup, service.runCleanup, logger, m)

	seeded, err := service.monitor.Seed(ctx, cfg.Rule, cfg.RatioMonitor)
	if err != nil {
		return nil, fmt.Errorf("seed configured rules: %w", err)
	}
	logger.Info(
		"configuration seeded",
		"rules_created", seeded.RulesCreated,
		"rules_updated", seeded.RulesUpdated,
		"monitors_created", seeded.MonitorsCreated,
		"monitors_updated", seeded.MonitorsUpdated,
		"channels", dispatcher.Channels(),
	)

	service.httpSrv = &http.Server{
		Addr: cfg.Ingest.HTTP.Listen,
		Handler: ingest.NewRouter(cfg.Ingest.HTTP, ingest.RouterDeps{
			Sink:    service.monitor,
			Ready:   service.readyFlag.Load,
			Metrics: m,
			Logger:  logging.Component(logger, "http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return service, nil
}

// Monitor exposes hit recording and status queries.
func (s *Service) Monitor() *Monitor {
	return s.monitor
}

// runHeartbeat runs one liveness pass, retries unsent alerts, and chains ratio pass when it has no own timer.
func (s *Service) runHeartbeat(ctx context.Context) error {
	_, passErr := s.heartbeat.RunPass(ctx)
	if _, err := s.alerts.RetryUnsent(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("retry unsent alerts failed", "error", err.Error())
	}
	if s.cfg.Ratio.Interval() <= 0 {
		s.ratioTask.Trigger(ctx)
	}
	return passErr
}

func (s *Service) runRatio(ctx context.Context) error {
	_, err := s.ratio.RunPass(ctx)
	return err
}

func (s *Service) runCleanup(ctx context.Context) error {
	_, err := s.cleanup.RunSweep(ctx)
	return err
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Ingest.HTTP.Listen)
	if err != nil {
		s.shutdownResources()
		return fmt.Errorf("listen %q: %w", s.cfg.Ingest.HTTP.Listen, err)
	}
	return s.serve(ctx, listener)
}

// serve runs timers and consumers around an already bound listener.
func (s *Service) serve(ctx context.Context, listener net.Listener) error {
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	// Passes outlive the tick loops so shutdown can let them finish.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	errChan := make(chan error, 2)
	go func() {
		s.logger.Info("http server starting", "listen", listener.Addr().String())
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	if err := s.startConsumers(loopCtx, errChan); err != nil {
		_ = s.httpSrv.Close()
		s.shutdownResources()
		return err
	}

	scheduler, err := newCleanupCron(s.cfg.Cleanup, func() { s.cleanupTask.Trigger(workCtx) })
	if err != nil {
		_ = s.httpSrv.Close()
		s.shutdownResources()
		return err
	}
	s.scheduler = scheduler
	s.scheduler.Start()

	trigger := func(task *periodicTask) func(context.Context) {
		return func(context.Context) { task.Trigger(workCtx) }
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		runEvery(loopCtx, s.cfg.Heartbeat.Interval(), s.cfg.Heartbeat.ShouldRunOnStart(), &s.tasks, trigger(s.heartbeatTask))
	}()
	if interval := s.cfg.Ratio.Interval(); interval > 0 {
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			runEvery(loopCtx, interval, false, &s.tasks, trigger(s.ratioTask))
		}()
	}

	s.readyFlag.Store(true)
	s.logger.Info(
		"service started",
		"heartbeat_interval", s.cfg.Heartbeat.Interval().String(),
		"ratio_interval", s.cfg.Ratio.Interval().String(),
		"cleanup_schedule", s.cfg.Cleanup.Schedule,
		"store", s.cfg.Store.Backend,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = err
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}
	stopLoops()
	if err := s.shutdown(cancelWork); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// startConsumers starts broker consumers enabled in config.
// Params: loop context and channel receiving terminal consumer errors.
// Returns: initialization error.
func (s *Service) startConsumers(ctx context.Context, errChan chan<- error) error {
	if s.cfg.Ingest.NATS.Enabled {
		subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.monitor, s.metrics, logging.Component(s.logger, "nats"))
		if err != nil {
			return err
		}
		s.natsSub = subscriber
	}
	if s.cfg.Ingest.Kafka.Enabled {
		consumer, err := ingest.NewKafkaConsumer(s.cfg.Ingest.Kafka, s.monitor, s.metrics, logging.Component(s.logger, "kafka"))
		if err != nil {
			return err
		}
		s.kafka = consumer
		go func() {
			if err := consumer.Run(ctx); err != nil {
				errChan <- err
			}
		}()
	}
	return nil
}

// shutdown stops intake, waits for running passes and dispatches, then closes resources.
// Params: cancel function aborting passes once the shutdown timeout expires.
// Returns: first close error.
func (s *Service) shutdown(cancelWork context.CancelFunc) error {
	s.readyFlag.Store(false)
	timeout := time.Duration(s.cfg.Service.ShutdownTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	markErr(s.closeConsumers())
	if s.scheduler != nil {
		select {
		case <-s.scheduler.Stop().Done():
		case <-ctx.Done():
		}
	}
	if !waitGroupWithin(ctx, &s.tasks) {
		s.logger.Warn("periodic tasks still running at shutdown timeout, cancelling")
		cancelWork()
		s.tasks.Wait()
	}

	s.alerts.Wait()
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// shutdownResources closes resources of a service that never started its loops.
func (s *Service) shutdownResources() {
	_ = s.closeConsumers()
	_ = s.store.Close()
	if s.closeLog != nil {
		s.closeLog()
	}
}

func (s *Service) closeConsumers() error {
	var firstErr error
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			firstErr = fmt.Errorf("nats subscriber close: %w", err)
		}
		s.natsSub = nil
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka consumer close failed", "error", err.Error())
			if firstErr == nil {
				firstErr = fmt.Errorf("kafka consumer close: %w", err)
			}
		}
		s.kafka = nil
	}
	return firstErr
}

// waitGroupWithin waits for wg until ctx is done.
// Returns: true when wg finished first.
func waitGroupWithin(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildStore creates runtime state backend from config.
// Params: init context, root config snapshot, and clock.
// Returns: selected store backend.
func buildStore(ctx context.Context, cfg config.Config, clk clock.Clock) (state.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		return state.NewPostgresStore(ctx, cfg.Store.Postgres, clk.Now)
	default:
		return state.NewMemoryStore(clk.Now), nil
	}
}
