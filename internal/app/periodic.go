package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"deadman/internal/metrics"
)

// periodicTask runs one unit of periodic work with an overlap guard.
// Params: task name, run function, logger, and metrics bundle.
// Returns: trigger that skips ticks while a previous run is in progress.
type periodicTask struct {
	name    string
	run     func(ctx context.Context) error
	running atomic.Bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newPeriodicTask(name string, run func(ctx context.Context) error, logger *slog.Logger, m *metrics.Metrics) *periodicTask {
	return &periodicTask{
		name:    name,
		run:     run,
		logger:  logger,
		metrics: m,
	}
}

// Trigger runs the task unless it is already running.
// Params: context passed to the run function.
// Returns: false when the tick was skipped.
func (t *periodicTask) Trigger(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Warn("periodic task still running, tick skipped", "task", t.name)
		t.metrics.TaskSkipped.WithLabelValues(t.name).Inc()
		return false
	}
	defer t.running.Store(false)
	t.execute(ctx)
	return true
}

// Running reports whether a run is in progress.
func (t *periodicTask) Running() bool {
	return t.running.Load()
}

func (t *periodicTask) execute(ctx context.Context) {
	started := time.Now()
	outcome := "ok"
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = "panic"
			t.logger.Error(
				"periodic task panicked",
				"task", t.name,
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
		}
		t.metrics.TaskRuns.WithLabelValues(t.name, outcome).Inc()
		t.metrics.TaskDuration.WithLabelValues(t.name).Observe(time.Since(started).Seconds())
	}()

	if err := t.run(ctx); err != nil {
		outcome = "error"
		if ctx.Err() == nil {
			t.logger.Error("periodic task failed", "task", t.name, "error", err.Error())
		}
	}
}

// runEvery fires fn on every tick of interval until ctx is done.
// Params: loop context, interval, immediate-run flag, wait group tracking spawned runs, and tick callback.
// Returns: when ctx is cancelled; runs started before that are tracked by wg.
func runEvery(ctx context.Context, interval time.Duration, runOnStart bool, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	spawn := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if runOnStart {
		spawn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			spawn()
		}
	}
}
