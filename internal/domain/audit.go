package domain

import "time"

// HeartbeatLog is append-only summary of one heartbeat pass.
// Params: pass start time, evaluated/failed rule counts, changes, alerts, and duration.
// Returns: audit row written once per pass.
type HeartbeatLog struct {
	ID              string    `json:"id"`
	CheckedAt       time.Time `json:"checked_at"`
	RulesChecked    int       `json:"rules_checked"`
	RulesFailed     int       `json:"rules_failed"`
	StateChanges    int       `json:"state_changes"`
	AlertsTriggered int       `json:"alerts_triggered"`
	DurationMs      int64     `json:"duration_ms"`
}

// RetentionTable is closed set of tables purged by the retention sweep.
type RetentionTable string

const (
	// RetentionSignalHits holds raw hit-tracking rows (hours retention).
	RetentionSignalHits RetentionTable = "signal_hits"
	// RetentionHeartbeatLogs holds heartbeat pass summaries.
	RetentionHeartbeatLogs RetentionTable = "heartbeat_logs"
	// RetentionAlerts holds signal alerts.
	RetentionAlerts RetentionTable = "alerts"
	// RetentionRatioAlerts holds ratio alerts.
	RetentionRatioAlerts RetentionTable = "ratio_alerts"
	// RetentionCleanupLogs holds retention sweep audit rows.
	RetentionCleanupLogs RetentionTable = "cleanup_logs"
)

// RetentionTables returns sweep order.
func RetentionTables() []RetentionTable {
	return []RetentionTable{
		RetentionSignalHits,
		RetentionHeartbeatLogs,
		RetentionAlerts,
		RetentionRatioAlerts,
		RetentionCleanupLogs,
	}
}

// CleanupLog is audit entry of one retention sweep.
// Params: run time, deleted rows and failures per table, and duration.
// Returns: single row written after every sweep.
type CleanupLog struct {
	ID         string                    `json:"id"`
	RanAt      time.Time                 `json:"ran_at"`
	Deleted    map[RetentionTable]int64  `json:"deleted"`
	Failed     map[RetentionTable]string `json:"failed,omitempty"`
	DurationMs int64                     `json:"duration_ms"`
}

// TotalDeleted sums deleted rows across tables.
func (l CleanupLog) TotalDeleted() int64 {
	var total int64
	for _, count := range l.Deleted {
		total += count
	}
	return total
}
