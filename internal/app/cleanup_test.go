package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"deadman/internal/config"
	"deadman/internal/domain"
	"deadman/internal/state"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// retentionFailStore fails deletes of one table.
type retentionFailStore struct {
	state.Store
	table domain.RetentionTable
}

func (s *retentionFailStore) DeleteExpired(ctx context.Context, table domain.RetentionTable, cutoff time.Time) (int64, error) {
	if table == s.table {
		return 0, errors.New("lock timeout")
	}
	return s.Store.DeleteExpired(ctx, table, cutoff)
}

func TestCleanupSweepDeletesExpiredRows(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.createRule("digest", 60, 120)
	h.hit("digest")
	h.clock.Advance(3 * time.Hour)
	h.pass()
	h.hit("digest")

	h.clock.Advance(72 * time.Hour)
	entry, err := h.cleanup.RunSweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if entry.Deleted[domain.RetentionSignalHits] != 2 {
		t.Fatalf("expected both hits purged, got %+v", entry.Deleted)
	}
	if entry.Deleted[domain.RetentionAlerts] != 0 || entry.Deleted[domain.RetentionHeartbeatLogs] != 0 {
		t.Fatalf("recent alerts and logs must be kept, got %+v", entry.Deleted)
	}
	if len(entry.Failed) != 0 {
		t.Fatalf("unexpected failures %+v", entry.Failed)
	}
	if record := h.signal("digest"); record.LastSeenAt == nil {
		t.Fatalf("purging hits must not touch signal record")
	}

	logs, _ := h.monitor.CleanupLogs(h.ctx, 0)
	if len(logs) != 1 || logs[0].TotalDeleted() != 2 {
		t.Fatalf("unexpected cleanup logs %+v", logs)
	}
}

func TestCleanupSweepIsolatesTableFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(inner state.Store) state.Store {
		return &retentionFailStore{Store: inner, table: domain.RetentionHeartbeatLogs}
	})
	h.createRule("digest", 60, 120)
	h.hit("digest")
	h.pass()

	h.clock.Advance(90 * 24 * time.Hour)
	entry, err := h.cleanup.RunSweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, ok := entry.Failed[domain.RetentionHeartbeatLogs]; !ok {
		t.Fatalf("expected heartbeat_logs failure, got %+v", entry.Failed)
	}
	if entry.Deleted[domain.RetentionSignalHits] != 1 {
		t.Fatalf("other tables must still be swept, got %+v", entry.Deleted)
	}
	if got := testutil.ToFloat64(h.metrics.CleanupFailures.WithLabelValues(string(domain.RetentionHeartbeatLogs))); got != 1 {
		t.Fatalf("expected failure metric 1, got %v", got)
	}
}

func TestNewCleanupCron(t *testing.T) {
	t.Parallel()

	scheduler, err := newCleanupCron(config.CleanupConfig{Schedule: "30 2 * * *", Timezone: "Europe/Berlin"}, func() {})
	if err != nil {
		t.Fatalf("new cron: %v", err)
	}
	entries := scheduler.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one scheduled job, got %d", len(entries))
	}
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	next := entries[0].Schedule.Next(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)).In(berlin)
	if next.Hour() != 2 || next.Minute() != 30 {
		t.Fatalf("unexpected next run %v", next)
	}

	if _, err := newCleanupCron(config.CleanupConfig{Schedule: "bogus", Timezone: "UTC"}, func() {}); err == nil {
		t.Fatalf("expected schedule error")
	}
	if _, err := newCleanupCron(config.CleanupConfig{Schedule: "0 3 * * *", Timezone: "Nowhere/City"}, func() {}); err == nil {
		t.Fatalf("expected timezone error")
	}
}
