package domain

import "time"

// SignalState is liveness classification of one monitored signal.
// Params: ACTIVE/WEAK/DEAD constants.
// Returns: state stored per rule and compared across heartbeat passes.
type SignalState string

const (
	// SignalStateActive means the signal arrives at its expected cadence.
	SignalStateActive SignalState = "ACTIVE"
	// SignalStateWeak means the signal is late but not yet dead.
	SignalStateWeak SignalState = "WEAK"
	// SignalStateDead means the gap exceeded the dead-after threshold.
	SignalStateDead SignalState = "DEAD"
)

// Valid reports whether state is one of the known constants.
func (s SignalState) Valid() bool {
	switch s {
	case SignalStateActive, SignalStateWeak, SignalStateDead:
		return true
	default:
		return false
	}
}

// Counters holds rolling hit counts of one signal.
type Counters struct {
	Count1h  int64 `json:"count_1h"`
	Count12h int64 `json:"count_12h"`
	Count24h int64 `json:"count_24h"`
}

// SignalRecord is the persisted liveness record of one rule.
// Params: rule id, stored state, last observation time, counters, and the instant State was entered.
// Returns: row read and written by ingestion and heartbeat passes.
type SignalRecord struct {
	RuleID     string      `json:"rule_id"`
	State      SignalState `json:"state"`
	LastSeenAt *time.Time  `json:"last_seen_at,omitempty"`
	Counters   Counters    `json:"counters"`
	ChangedAt  time.Time   `json:"changed_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewSignalRecord builds the initial record created together with a rule.
// Params: rule id and creation time.
// Returns: DEAD record with no observation.
func NewSignalRecord(ruleID string, now time.Time) SignalRecord {
	return SignalRecord{
		RuleID:    ruleID,
		State:     SignalStateDead,
		ChangedAt: now,
		UpdatedAt: now,
	}
}

// SignalStatus joins rule config with live state for query callers.
// Params: rule, stored record, gap computed at read time, and implied state.
// Returns: read model for status accessors.
type SignalStatus struct {
	Rule         MonitoringRule `json:"rule"`
	Signal       SignalRecord   `json:"signal"`
	GapMinutes   *float64       `json:"gap_minutes"`
	ImpliedState SignalState    `json:"implied_state"`
}

// Hit is one raw hit-tracking row.
type Hit struct {
	RuleID string    `json:"rule_id"`
	At     time.Time `json:"at"`
}
