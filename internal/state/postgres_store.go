package state

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deadman/internal/config"
	"deadman/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const ruleColumns = `id, merchant, name, subject_pattern, expected_interval_minutes, dead_after_minutes, tags, enabled, created_at, updated_at`

const signalColumns = `rule_id, state, last_seen_at, count_1h, count_12h, count_24h, changed_at, updated_at`

const alertColumns = `id, rule_id, alert_type, previous_state, current_state, gap_minutes, count_1h, count_12h, count_24h, message, epoch, created_at, sent_at`

const ratioAlertColumns = `id, monitor_id, alert_type, previous_state, current_state, first_count, second_count, current_ratio, threshold_percent, message, epoch, created_at, sent_at`

const monitorColumns = `id, name, tag, first_rule_id, second_rule_id, steps, threshold_percent, time_window, enabled, created_at, updated_at`

// PostgresStore keeps service state in PostgreSQL through a pgx pool.
// Params: connection pool and injected clock for row timestamps.
// Returns: Store implementation for multi-instance deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// NewPostgresStore connects pool and applies schema when enabled.
// Params: context for connect/migrate, postgres config, and clock.
// Returns: ready store or connection/migration error.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, now func() time.Time) (*PostgresStore, error) {
	if now == nil {
		now = time.Now
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeoutSec)*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool, now: now}
	if cfg.Migrate {
		if err := store.Migrate(connectCtx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// Migrate applies embedded idempotent schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// CreateRule inserts rule and its DEAD signal record in one transaction.
func (s *PostgresStore) CreateRule(ctx context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := s.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Tags == nil {
		rule.Tags = []string{}
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO monitoring_rules (`+ruleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rule.ID, rule.Merchant, rule.Name, rule.SubjectPattern, rule.ExpectedIntervalMinutes,
			rule.DeadAfterMinutes, rule.Tags, rule.Enabled, rule.CreatedAt, rule.UpdatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO signal_states (rule_id, state, changed_at, updated_at) VALUES ($1, $2, $3, $3)`,
			rule.ID, string(domain.SignalStateDead), now,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.MonitoringRule{}, fmt.Errorf("rule %q: %w", rule.ID, ErrConflict)
		}
		return domain.MonitoringRule{}, fmt.Errorf("insert rule %q: %w", rule.ID, err)
	}
	return rule, nil
}

// UpdateRule replaces mutable rule fields.
func (s *PostgresStore) UpdateRule(ctx context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error) {
	if rule.Tags == nil {
		rule.Tags = []string{}
	}
	row := s.pool.QueryRow(ctx, `UPDATE monitoring_rules
SET merchant = $2, name = $3, subject_pattern = $4, expected_interval_minutes = $5,
    dead_after_minutes = $6, tags = $7, enabled = $8, updated_at = $9
WHERE id = $1
RETURNING `+ruleColumns,
		rule.ID, rule.Merchant, rule.Name, rule.SubjectPattern, rule.ExpectedIntervalMinutes,
		rule.DeadAfterMinutes, rule.Tags, rule.Enabled, s.now().UTC(),
	)
	updated, err := scanRule(row)
	if err != nil {
		return domain.MonitoringRule{}, notFoundOr(err, "rule", rule.ID)
	}
	return updated, nil
}

// DeleteRule removes rule; signal state, hits, and alerts cascade.
func (s *PostgresStore) DeleteRule(ctx context.Context, ruleID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitoring_rules WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule %q: %w", ruleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	return nil
}

// GetRule returns one rule by ID.
func (s *PostgresStore) GetRule(ctx context.Context, ruleID string) (domain.MonitoringRule, error) {
	rule, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM monitoring_rules WHERE id = $1`, ruleID))
	if err != nil {
		return domain.MonitoringRule{}, notFoundOr(err, "rule", ruleID)
	}
	return rule, nil
}

// ListRules returns rules ordered by ID.
func (s *PostgresStore) ListRules(ctx context.Context, enabledOnly bool) ([]domain.MonitoringRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM monitoring_rules WHERE ($1 = FALSE OR enabled) ORDER BY id`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []domain.MonitoringRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return out, nil
}

// GetSignal returns signal record of one rule.
func (s *PostgresStore) GetSignal(ctx context.Context, ruleID string) (domain.SignalRecord, error) {
	record, err := scanSignal(s.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signal_states WHERE rule_id = $1`, ruleID))
	if err != nil {
		return domain.SignalRecord{}, notFoundOr(err, "signal", ruleID)
	}
	return record, nil
}

// ListSignals returns every signal record ordered by rule ID.
func (s *PostgresStore) ListSignals(ctx context.Context) ([]domain.SignalRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+signalColumns+` FROM signal_states ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()
	var out []domain.SignalRecord
	for rows.Next() {
		record, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return out, nil
}

// TransitionSignal updates state only when stored state and last_seen_at still match expected.
func (s *PostgresStore) TransitionSignal(ctx context.Context, expected domain.SignalRecord, to domain.SignalState, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE signal_states
SET state = $4, changed_at = $5, updated_at = $5
WHERE rule_id = $1 AND state = $2 AND last_seen_at IS NOT DISTINCT FROM $3`,
		expected.RuleID, string(expected.State), expected.LastSeenAt, string(to), at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("transition signal %q: %w", expected.RuleID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordHit locks the signal row, applies storage-level increments, and appends a hit row.
func (s *PostgresStore) RecordHit(ctx context.Context, ruleID string, at time.Time) (domain.SignalRecord, error) {
	at = at.UTC()
	var previous domain.SignalRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		record, err := scanSignal(tx.QueryRow(ctx, `SELECT `+signalColumns+` FROM signal_states WHERE rule_id = $1 FOR UPDATE`, ruleID))
		if err != nil {
			return err
		}
		previous = record
		if _, err := tx.Exec(ctx, `UPDATE signal_states
SET changed_at = CASE WHEN state = 'ACTIVE' THEN changed_at ELSE $2 END,
    state = 'ACTIVE',
    last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2),
    count_1h = count_1h + 1,
    count_12h = count_12h + 1,
    count_24h = count_24h + 1,
    updated_at = $3
WHERE rule_id = $1`, ruleID, at, s.now().UTC()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO signal_hits (rule_id, hit_at) VALUES ($1, $2)`, ruleID, at)
		return err
	})
	if err != nil {
		return domain.SignalRecord{}, notFoundOr(err, "signal", ruleID)
	}
	return previous, nil
}

// RefreshCounters recomputes rolling counters from hit rows in one statement.
func (s *PostgresStore) RefreshCounters(ctx context.Context, ruleID string, now time.Time) (domain.Counters, error) {
	var counters domain.Counters
	err := s.pool.QueryRow(ctx, `UPDATE signal_states SET
    count_1h = (SELECT count(*) FROM signal_hits WHERE rule_id = $1 AND hit_at >= $2),
    count_12h = (SELECT count(*) FROM signal_hits WHERE rule_id = $1 AND hit_at >= $3),
    count_24h = (SELECT count(*) FROM signal_hits WHERE rule_id = $1 AND hit_at >= $4)
WHERE rule_id = $1
RETURNING count_1h, count_12h, count_24h`,
		ruleID, now.Add(-time.Hour), now.Add(-12*time.Hour), now.Add(-24*time.Hour),
	).Scan(&counters.Count1h, &counters.Count12h, &counters.Count24h)
	if err != nil {
		return domain.Counters{}, notFoundOr(err, "signal", ruleID)
	}
	return counters, nil
}

// CountHits counts hit rows of rule at or after since.
func (s *PostgresStore) CountHits(ctx context.Context, ruleID string, since time.Time) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM signal_hits WHERE rule_id = $1 AND hit_at >= $2`, ruleID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count hits %q: %w", ruleID, err)
	}
	return count, nil
}

// InsertAlert inserts once per (rule, type, epoch).
func (s *PostgresStore) InsertAlert(ctx context.Context, alert domain.Alert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO alerts (`+alertColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (rule_id, alert_type, epoch) DO NOTHING`,
		alert.ID, alert.RuleID, string(alert.AlertType), string(alert.PreviousState), string(alert.CurrentState),
		alert.GapMinutes, alert.Counters.Count1h, alert.Counters.Count12h, alert.Counters.Count24h,
		alert.Message, alert.Epoch, alert.CreatedAt, alert.SentAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert for rule %q: %w", alert.RuleID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertRatioAlert inserts once per (monitor, type, epoch).
func (s *PostgresStore) InsertRatioAlert(ctx context.Context, alert domain.RatioAlert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO ratio_alerts (`+ratioAlertColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (monitor_id, alert_type, epoch) DO NOTHING`,
		alert.ID, alert.MonitorID, string(alert.AlertType), string(alert.PreviousState), string(alert.CurrentState),
		alert.FirstCount, alert.SecondCount, alert.CurrentRatio, alert.ThresholdPercent,
		alert.Message, alert.Epoch, alert.CreatedAt, alert.SentAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert ratio alert for monitor %q: %w", alert.MonitorID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAlertSent sets sent_at once.
func (s *PostgresStore) MarkAlertSent(ctx context.Context, kind domain.AlertKind, alertID string, at time.Time) error {
	var query string
	switch kind {
	case domain.AlertKindSignal:
		query = `UPDATE alerts SET sent_at = COALESCE(sent_at, $2) WHERE id = $1`
	case domain.AlertKindRatio:
		query = `UPDATE ratio_alerts SET sent_at = COALESCE(sent_at, $2) WHERE id = $1`
	default:
		return fmt.Errorf("unsupported alert kind %d", kind)
	}
	tag, err := s.pool.Exec(ctx, query, alertID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark %s alert %q sent: %w", kind, alertID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s alert %q: %w", kind, alertID, ErrNotFound)
	}
	return nil
}

// ListAlerts returns newest signal alerts first; empty ruleID lists all rules.
func (s *PostgresStore) ListAlerts(ctx context.Context, ruleID string, limit int) ([]domain.Alert, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+alertColumns+` FROM alerts
WHERE ($1 = '' OR rule_id = $1)
ORDER BY created_at DESC, id
LIMIT $2`, ruleID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []domain.Alert
	for rows.Next() {
		var (
			alert                            domain.Alert
			alertType, previousState, state string
		)
		if err := rows.Scan(
			&alert.ID, &alert.RuleID, &alertType, &previousState, &state, &alert.GapMinutes,
			&alert.Counters.Count1h, &alert.Counters.Count12h, &alert.Counters.Count24h,
			&alert.Message, &alert.Epoch, &alert.CreatedAt, &alert.SentAt,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert.AlertType = domain.AlertType(alertType)
		alert.PreviousState = domain.SignalState(previousState)
		alert.CurrentState = domain.SignalState(state)
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// ListRatioAlerts returns newest ratio alerts first; empty monitorID lists all monitors.
func (s *PostgresStore) ListRatioAlerts(ctx context.Context, monitorID string, limit int) ([]domain.RatioAlert, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ratioAlertColumns+` FROM ratio_alerts
WHERE ($1 = '' OR monitor_id = $1)
ORDER BY created_at DESC, id
LIMIT $2`, monitorID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list ratio alerts: %w", err)
	}
	defer rows.Close()
	var out []domain.RatioAlert
	for rows.Next() {
		var (
			alert                            domain.RatioAlert
			alertType, previousState, state string
		)
		if err := rows.Scan(
			&alert.ID, &alert.MonitorID, &alertType, &previousState, &state,
			&alert.FirstCount, &alert.SecondCount, &alert.CurrentRatio, &alert.ThresholdPercent,
			&alert.Message, &alert.Epoch, &alert.CreatedAt, &alert.SentAt,
		); err != nil {
			return nil, fmt.Errorf("scan ratio alert: %w", err)
		}
		alert.AlertType = domain.AlertType(alertType)
		alert.PreviousState = domain.RatioHealth(previousState)
		alert.CurrentState = domain.RatioHealth(state)
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ratio alerts: %w", err)
	}
	return out, nil
}

// ListUnsent returns undelivered alerts of both kinds, oldest first.
func (s *PostgresStore) ListUnsent(ctx context.Context, since time.Time, limit int) ([]domain.PendingDelivery, error) {
	rows, err := s.pool.Query(ctx, `SELECT kind, id, message, created_at FROM (
    SELECT $3::int AS kind, id, message, created_at FROM alerts WHERE sent_at IS NULL AND created_at >= $1
    UNION ALL
    SELECT $4::int AS kind, id, message, created_at FROM ratio_alerts WHERE sent_at IS NULL AND created_at >= $1
) pending
ORDER BY created_at
LIMIT $2`, since, sqlLimit(limit), int(domain.AlertKindSignal), int(domain.AlertKindRatio))
	if err != nil {
		return nil, fmt.Errorf("list unsent alerts: %w", err)
	}
	defer rows.Close()
	var out []domain.PendingDelivery
	for rows.Next() {
		var (
			kind    int
			pending domain.PendingDelivery
		)
		if err := rows.Scan(&kind, &pending.ID, &pending.Message, &pending.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unsent alert: %w", err)
		}
		pending.Kind = domain.AlertKind(kind)
		out = append(out, pending)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unsent alerts: %w", err)
	}
	return out, nil
}

// CreateRatioMonitor inserts monitor and its HEALTHY state in one transaction.
func (s *PostgresStore) CreateRatioMonitor(ctx context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error) {
	if monitor.ID == "" {
		monitor.ID = uuid.NewString()
	}
	now := s.now().UTC()
	monitor.CreatedAt = now
	monitor.UpdatedAt = now
	steps, err := encodeJSON(monitor.Steps, "[]")
	if err != nil {
		return domain.RatioMonitor{}, err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO ratio_monitors (`+monitorColumns+`) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11)`,
			monitor.ID, monitor.Name, monitor.Tag, monitor.FirstRuleID, monitor.SecondRuleID, steps,
			monitor.ThresholdPercent, string(monitor.TimeWindow), monitor.Enabled, monitor.CreatedAt, monitor.UpdatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO ratio_states (monitor_id, state, changed_at) VALUES ($1, $2, $3)`,
			monitor.ID, string(domain.RatioHealthHealthy), now,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.RatioMonitor{}, fmt.Errorf("ratio monitor %q: %w", monitor.ID, ErrConflict)
		}
		return domain.RatioMonitor{}, fmt.Errorf("insert ratio monitor %q: %w", monitor.ID, err)
	}
	return monitor, nil
}

// UpdateRatioMonitor replaces mutable monitor fields.
func (s *PostgresStore) UpdateRatioMonitor(ctx context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error) {
	steps, err := encodeJSON(monitor.Steps, "[]")
	if err != nil {
		return domain.RatioMonitor{}, err
	}
	row := s.pool.QueryRow(ctx, `UPDATE ratio_monitors
SET name = $2, tag = $3, first_rule_id = $4, second_rule_id = $5, steps = $6::jsonb,
    threshold_percent = $7, time_window = $8, enabled = $9, updated_at = $10
WHERE id = $1
RETURNING `+monitorColumns,
		monitor.ID, monitor.Name, monitor.Tag, monitor.FirstRuleID, monitor.SecondRuleID, steps,
		monitor.ThresholdPercent, string(monitor.TimeWindow), monitor.Enabled, s.now().UTC(),
	)
	updated, err := scanMonitor(row)
	if err != nil {
		return domain.RatioMonitor{}, notFoundOr(err, "ratio monitor", monitor.ID)
	}
	return updated, nil
}

// DeleteRatioMonitor removes monitor; state and alerts cascade.
func (s *PostgresStore) DeleteRatioMonitor(ctx context.Context, monitorID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ratio_monitors WHERE id = $1`, monitorID)
	if err != nil {
		return fmt.Errorf("delete ratio monitor %q: %w", monitorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ratio monitor %q: %w", monitorID, ErrNotFound)
	}
	return nil
}

// GetRatioMonitor returns one monitor by ID.
func (s *PostgresStore) GetRatioMonitor(ctx context.Context, monitorID string) (domain.RatioMonitor, error) {
	monitor, err := scanMonitor(s.pool.QueryRow(ctx, `SELECT `+monitorColumns+` FROM ratio_monitors WHERE id = $1`, monitorID))
	if err != nil {
		return domain.RatioMonitor{}, notFoundOr(err, "ratio monitor", monitorID)
	}
	return monitor, nil
}

// ListRatioMonitors returns monitors ordered by ID.
func (s *PostgresStore) ListRatioMonitors(ctx context.Context, enabledOnly bool) ([]domain.RatioMonitor, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+monitorColumns+` FROM ratio_monitors WHERE ($1 = FALSE OR enabled) ORDER BY id`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list ratio monitors: %w", err)
	}
	defer rows.Close()
	var out []domain.RatioMonitor
	for rows.Next() {
		monitor, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ratio monitor: %w", err)
		}
		out = append(out, monitor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ratio monitors: %w", err)
	}
	return out, nil
}

// GetRatioState returns live state of one monitor.
func (s *PostgresStore) GetRatioState(ctx context.Context, monitorID string) (domain.RatioState, error) {
	var (
		current   domain.RatioState
		health    string
		stepsData []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT monitor_id, state, first_count, second_count, current_ratio, steps_data, checked_at, changed_at
FROM ratio_states WHERE monitor_id = $1`, monitorID).Scan(
		&current.MonitorID, &health, &current.FirstCount, &current.SecondCount, &current.CurrentRatio,
		&stepsData, &current.CheckedAt, &current.ChangedAt,
	)
	if err != nil {
		return domain.RatioState{}, notFoundOr(err, "ratio state", monitorID)
	}
	current.State = domain.RatioHealth(health)
	if err := decodeJSON(stepsData, &current.StepsData); err != nil {
		return domain.RatioState{}, fmt.Errorf("decode steps data of %q: %w", monitorID, err)
	}
	return current, nil
}

// SaveRatioState replaces snapshot when stored health equals expected.
func (s *PostgresStore) SaveRatioState(ctx context.Context, next domain.RatioState, expected domain.RatioHealth) (bool, error) {
	stepsData, err := encodeJSON(next.StepsData, "[]")
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE ratio_states
SET state = $3, first_count = $4, second_count = $5, current_ratio = $6, steps_data = $7::jsonb,
    checked_at = $8, changed_at = $9
WHERE monitor_id = $1 AND state = $2`,
		next.MonitorID, string(expected), string(next.State), next.FirstCount, next.SecondCount,
		next.CurrentRatio, stepsData, next.CheckedAt, next.ChangedAt,
	)
	if err != nil {
		return false, fmt.Errorf("save ratio state %q: %w", next.MonitorID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertHeartbeatLog appends one pass summary.
func (s *PostgresStore) InsertHeartbeatLog(ctx context.Context, entry domain.HeartbeatLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO heartbeat_logs (id, checked_at, rules_checked, rules_failed, state_changes, alerts_triggered, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.CheckedAt, entry.RulesChecked, entry.RulesFailed, entry.StateChanges, entry.AlertsTriggered, entry.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert heartbeat log: %w", err)
	}
	return nil
}

// ListHeartbeatLogs returns newest pass summaries first.
func (s *PostgresStore) ListHeartbeatLogs(ctx context.Context, limit int) ([]domain.HeartbeatLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, checked_at, rules_checked, rules_failed, state_changes, alerts_triggered, duration_ms
FROM heartbeat_logs ORDER BY checked_at DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list heartbeat logs: %w", err)
	}
	defer rows.Close()
	var out []domain.HeartbeatLog
	for rows.Next() {
		var entry domain.HeartbeatLog
		if err := rows.Scan(&entry.ID, &entry.CheckedAt, &entry.RulesChecked, &entry.RulesFailed,
			&entry.StateChanges, &entry.AlertsTriggered, &entry.DurationMs); err != nil {
			return nil, fmt.Errorf("scan heartbeat log: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list heartbeat logs: %w", err)
	}
	return out, nil
}

// InsertCleanupLog appends one sweep audit row.
func (s *PostgresStore) InsertCleanupLog(ctx context.Context, entry domain.CleanupLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	deleted, err := encodeJSON(entry.Deleted, "{}")
	if err != nil {
		return err
	}
	failed, err := encodeJSON(entry.Failed, "{}")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO cleanup_logs (id, ran_at, deleted, failed, duration_ms) VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)`,
		entry.ID, entry.RanAt, deleted, failed, entry.DurationMs,
	); err != nil {
		return fmt.Errorf("insert cleanup log: %w", err)
	}
	return nil
}

// ListCleanupLogs returns newest sweep audit rows first.
func (s *PostgresStore) ListCleanupLogs(ctx context.Context, limit int) ([]domain.CleanupLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, ran_at, deleted, failed, duration_ms FROM cleanup_logs ORDER BY ran_at DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list cleanup logs: %w", err)
	}
	defer rows.Close()
	var out []domain.CleanupLog
	for rows.Next() {
		var (
			entry           domain.CleanupLog
			deleted, failed []byte
		)
		if err := rows.Scan(&entry.ID, &entry.RanAt, &deleted, &failed, &entry.DurationMs); err != nil {
			return nil, fmt.Errorf("scan cleanup log: %w", err)
		}
		if err := decodeJSON(deleted, &entry.Deleted); err != nil {
			return nil, fmt.Errorf("decode cleanup log %q: %w", entry.ID, err)
		}
		if err := decodeJSON(failed, &entry.Failed); err != nil {
			return nil, fmt.Errorf("decode cleanup log %q: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cleanup logs: %w", err)
	}
	return out, nil
}

// DeleteExpired removes rows of one retention table older than cutoff.
func (s *PostgresStore) DeleteExpired(ctx context.Context, table domain.RetentionTable, cutoff time.Time) (int64, error) {
	var query string
	switch table {
	case domain.RetentionSignalHits:
		query = `DELETE FROM signal_hits WHERE hit_at < $1`
	case domain.RetentionHeartbeatLogs:
		query = `DELETE FROM heartbeat_logs WHERE checked_at < $1`
	case domain.RetentionAlerts:
		query = `DELETE FROM alerts WHERE created_at < $1`
	case domain.RetentionRatioAlerts:
		query = `DELETE FROM ratio_alerts WHERE created_at < $1`
	case domain.RetentionCleanupLogs:
		query = `DELETE FROM cleanup_logs WHERE ran_at < $1`
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// Close closes connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRule(row rowScanner) (domain.MonitoringRule, error) {
	var rule domain.MonitoringRule
	err := row.Scan(
		&rule.ID, &rule.Merchant, &rule.Name, &rule.SubjectPattern, &rule.ExpectedIntervalMinutes,
		&rule.DeadAfterMinutes, &rule.Tags, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if len(rule.Tags) == 0 {
		rule.Tags = nil
	}
	return rule, err
}

func scanSignal(row rowScanner) (domain.SignalRecord, error) {
	var (
		record domain.SignalRecord
		state  string
	)
	err := row.Scan(
		&record.RuleID, &state, &record.LastSeenAt,
		&record.Counters.Count1h, &record.Counters.Count12h, &record.Counters.Count24h,
		&record.ChangedAt, &record.UpdatedAt,
	)
	record.State = domain.SignalState(state)
	return record, err
}

func scanMonitor(row rowScanner) (domain.RatioMonitor, error) {
	var (
		monitor domain.RatioMonitor
		steps   []byte
		window  string
	)
	if err := row.Scan(
		&monitor.ID, &monitor.Name, &monitor.Tag, &monitor.FirstRuleID, &monitor.SecondRuleID, &steps,
		&monitor.ThresholdPercent, &window, &monitor.Enabled, &monitor.CreatedAt, &monitor.UpdatedAt,
	); err != nil {
		return domain.RatioMonitor{}, err
	}
	monitor.TimeWindow = domain.TimeWindow(window)
	if err := decodeJSON(steps, &monitor.Steps); err != nil {
		return domain.RatioMonitor{}, fmt.Errorf("decode steps: %w", err)
	}
	if len(monitor.Steps) == 0 {
		monitor.Steps = nil
	}
	return monitor, nil
}

func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", entity, id, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func encodeJSON(value any, empty string) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	if string(encoded) == "null" {
		return empty, nil
	}
	return string(encoded), nil
}

func decodeJSON(raw []byte, target any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}
