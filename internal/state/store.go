package state

import (
	"context"
	"errors"
	"time"

	"deadman/internal/domain"
)

var (
	// ErrNotFound indicates absent rule, monitor, or state row.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates an id that already exists.
	ErrConflict = errors.New("already exists")
)

// RuleStore persists monitoring rules together with their signal records.
// Params: CRUD operations; create writes rule and DEAD signal record atomically, delete cascades.
// Returns: backend persistence behavior.
type RuleStore interface {
	CreateRule(ctx context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error)
	UpdateRule(ctx context.Context, rule domain.MonitoringRule) (domain.MonitoringRule, error)
	DeleteRule(ctx context.Context, ruleID string) error
	GetRule(ctx context.Context, ruleID string) (domain.MonitoringRule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]domain.MonitoringRule, error)
}

// SignalStore persists liveness records and raw hits.
// Params: point reads, conditional transitions, and atomic hit recording.
// Returns: backend persistence behavior.
type SignalStore interface {
	GetSignal(ctx context.Context, ruleID string) (domain.SignalRecord, error)
	ListSignals(ctx context.Context) ([]domain.SignalRecord, error)
	// TransitionSignal writes to only when the stored state and last-seen still equal expected.
	TransitionSignal(ctx context.Context, expected domain.SignalRecord, to domain.SignalState, at time.Time) (bool, error)
	// RecordHit atomically sets last-seen, forces ACTIVE, increments counters, and stores a hit row.
	// It returns the record as it was before the hit.
	RecordHit(ctx context.Context, ruleID string, at time.Time) (domain.SignalRecord, error)
	RefreshCounters(ctx context.Context, ruleID string, now time.Time) (domain.Counters, error)
	CountHits(ctx context.Context, ruleID string, since time.Time) (int64, error)
}

// AlertStore persists signal and ratio alerts.
// Params: insert-once semantics keyed by (owner, type, epoch) and delivery marking.
// Returns: backend persistence behavior.
type AlertStore interface {
	// InsertAlert returns false when an alert with the same rule, type, and epoch exists.
	InsertAlert(ctx context.Context, alert domain.Alert) (bool, error)
	InsertRatioAlert(ctx context.Context, alert domain.RatioAlert) (bool, error)
	MarkAlertSent(ctx context.Context, kind domain.AlertKind, alertID string, at time.Time) error
	ListAlerts(ctx context.Context, ruleID string, limit int) ([]domain.Alert, error)
	ListRatioAlerts(ctx context.Context, monitorID string, limit int) ([]domain.RatioAlert, error)
	ListUnsent(ctx context.Context, since time.Time, limit int) ([]domain.PendingDelivery, error)
}

// RatioStore persists ratio monitors together with their state rows.
type RatioStore interface {
	CreateRatioMonitor(ctx context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error)
	UpdateRatioMonitor(ctx context.Context, monitor domain.RatioMonitor) (domain.RatioMonitor, error)
	DeleteRatioMonitor(ctx context.Context, monitorID string) error
	GetRatioMonitor(ctx context.Context, monitorID string) (domain.RatioMonitor, error)
	ListRatioMonitors(ctx context.Context, enabledOnly bool) ([]domain.RatioMonitor, error)
	GetRatioState(ctx context.Context, monitorID string) (domain.RatioState, error)
	// SaveRatioState replaces the snapshot only when stored health still equals expected.
	SaveRatioState(ctx context.Context, next domain.RatioState, expected domain.RatioHealth) (bool, error)
}

// LogStore persists heartbeat and cleanup audit rows.
type LogStore interface {
	InsertHeartbeatLog(ctx context.Context, entry domain.HeartbeatLog) error
	ListHeartbeatLogs(ctx context.Context, limit int) ([]domain.HeartbeatLog, error)
	InsertCleanupLog(ctx context.Context, entry domain.CleanupLog) error
	ListCleanupLogs(ctx context.Context, limit int) ([]domain.CleanupLog, error)
}

// RetentionStore deletes expired rows of one table.
type RetentionStore interface {
	DeleteExpired(ctx context.Context, table domain.RetentionTable, cutoff time.Time) (int64, error)
}

// Store aggregates every persistence concern of the service.
type Store interface {
	RuleStore
	SignalStore
	AlertStore
	RatioStore
	LogStore
	RetentionStore
	Close() error
}

// ErrUnknownTable is returned for retention tables outside the closed set.
var ErrUnknownTable = errors.New("unknown retention table")
