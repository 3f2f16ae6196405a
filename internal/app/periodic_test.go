package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deadman/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPeriodicTaskSkipsOverlappingTick(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	release := make(chan struct{})
	started := make(chan struct{})
	task := newPeriodicTask("heartbeat", func(context.Context) error {
		close(started)
		<-release
		return nil
	}, discardLogger(), m)

	done := make(chan bool)
	go func() { done <- task.Trigger(context.Background()) }()
	<-started

	if task.Trigger(context.Background()) {
		t.Fatalf("overlapping tick must be skipped")
	}
	if !task.Running() {
		t.Fatalf("task must report running")
	}
	close(release)
	if !<-done {
		t.Fatalf("first tick must run")
	}
	if task.Running() {
		t.Fatalf("task must be idle after run")
	}
	if got := testutil.ToFloat64(m.TaskSkipped.WithLabelValues("heartbeat")); got != 1 {
		t.Fatalf("expected one skipped tick, got %v", got)
	}
	if got := testutil.ToFloat64(m.TaskRuns.WithLabelValues("heartbeat", "ok")); got != 1 {
		t.Fatalf("expected one ok run, got %v", got)
	}
}

func TestPeriodicTaskRecoversPanicAndRecordsErrors(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	calls := 0
	task := newPeriodicTask("cleanup", func(context.Context) error {
		calls++
		switch calls {
		case 1:
			panic("unexpected nil")
		case 2:
			return errors.New("store unavailable")
		default:
			return nil
		}
	}, discardLogger(), m)

	for i := 0; i < 3; i++ {
		if !task.Trigger(context.Background()) {
			t.Fatalf("trigger %d skipped", i)
		}
	}
	for outcome, want := range map[string]float64{"panic": 1, "error": 1, "ok": 1} {
		if got := testutil.ToFloat64(m.TaskRuns.WithLabelValues("cleanup", outcome)); got != want {
			t.Fatalf("outcome %s: expected %v, got %v", outcome, want, got)
		}
	}
}

func TestRunEveryRunsOnStartAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		ticks int
		wg    sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		runEvery(ctx, 10*time.Millisecond, true, &wg, func(context.Context) {
			mu.Lock()
			ticks++
			mu.Unlock()
		})
		close(loopDone)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := ticks
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 ticks, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-loopDone
	wg.Wait()
}
