package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deadman/internal/clock"
	"deadman/internal/config"
	"deadman/internal/domain"
	"deadman/internal/metrics"
	"deadman/internal/state"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cleanupStore is the persistence surface used by retention sweeps.
type cleanupStore interface {
	state.RetentionStore
	InsertCleanupLog(ctx context.Context, entry domain.CleanupLog) error
}

// Cleanup purges rows older than their table retention.
type Cleanup struct {
	store   cleanupStore
	cfg     config.CleanupConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCleanup creates retention sweeper.
func NewCleanup(store cleanupStore, cfg config.CleanupConfig, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Cleanup {
	return &Cleanup{
		store:   store,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		metrics: m,
	}
}

// RunSweep deletes expired rows table by table and records one cleanup log row.
// Params: context for store calls.
// Returns: written log entry; per-table failures are recorded, not returned.
func (c *Cleanup) RunSweep(ctx context.Context) (domain.CleanupLog, error) {
	started := time.Now()
	now := c.clock.Now()
	entry := domain.CleanupLog{
		ID:      uuid.NewString(),
		RanAt:   now,
		Deleted: make(map[domain.RetentionTable]int64),
	}

	for _, table := range domain.RetentionTables() {
		retention, ok := c.cfg.Retention(table)
		if !ok || retention <= 0 {
			c.recordFailure(&entry, table, fmt.Errorf("no retention configured for %s", table))
			continue
		}
		deleted, err := c.store.DeleteExpired(ctx, table, now.Add(-retention))
		if err != nil {
			c.recordFailure(&entry, table, err)
			continue
		}
		entry.Deleted[table] = deleted
		c.metrics.CleanupDeleted.WithLabelValues(string(table)).Add(float64(deleted))
	}

	entry.DurationMs = time.Since(started).Milliseconds()
	if err := c.store.InsertCleanupLog(ctx, entry); err != nil {
		return entry, fmt.Errorf("insert cleanup log: %w", err)
	}
	c.logger.Info(
		"retention sweep finished",
		"deleted", entry.TotalDeleted(),
		"failed_tables", len(entry.Failed),
		"duration_ms", entry.DurationMs,
	)
	return entry, nil
}

func (c *Cleanup) recordFailure(entry *domain.CleanupLog, table domain.RetentionTable, err error) {
	if entry.Failed == nil {
		entry.Failed = make(map[domain.RetentionTable]string)
	}
	entry.Failed[table] = err.Error()
	c.metrics.CleanupFailures.WithLabelValues(string(table)).Inc()
	c.logger.Error("retention delete failed", "table", string(table), "error", err.Error())
}

// newCleanupCron schedules fn with the configured cron expression and timezone.
// Params: cleanup config and job callback.
// Returns: stopped cron scheduler ready to Start.
func newCleanupCron(cfg config.CleanupConfig, fn func()) (*cron.Cron, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load cleanup timezone %q: %w", cfg.Timezone, err)
	}
	scheduler := cron.New(cron.WithLocation(location))
	if _, err := scheduler.AddFunc(cfg.Schedule, fn); err != nil {
		return nil, fmt.Errorf("schedule cleanup %q: %w", cfg.Schedule, err)
	}
	return scheduler, nil
}
