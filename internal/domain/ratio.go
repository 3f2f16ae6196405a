package domain

import (
	"strings"
	"time"
)

// TimeWindow is closed set of rolling windows for ratio monitors.
type TimeWindow string

const (
	// TimeWindow1h counts hits of the last hour.
	TimeWindow1h TimeWindow = "1h"
	// TimeWindow6h counts hits of the last six hours.
	TimeWindow6h TimeWindow = "6h"
	// TimeWindow12h counts hits of the last twelve hours.
	TimeWindow12h TimeWindow = "12h"
	// TimeWindow24h counts hits of the last day.
	TimeWindow24h TimeWindow = "24h"
)

// Duration maps window to its length.
// Params: none.
// Returns: window duration and false for unknown values.
func (w TimeWindow) Duration() (time.Duration, bool) {
	switch w {
	case TimeWindow1h:
		return time.Hour, true
	case TimeWindow6h:
		return 6 * time.Hour, true
	case TimeWindow12h:
		return 12 * time.Hour, true
	case TimeWindow24h:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// RatioHealth is ratio monitor state.
type RatioHealth string

const (
	// RatioHealthHealthy means ratio is at or above threshold.
	RatioHealthHealthy RatioHealth = "HEALTHY"
	// RatioHealthLow means ratio dropped below threshold.
	RatioHealthLow RatioHealth = "LOW"
)

// RatioStep is one funnel step shown for diagnostics.
type RatioStep struct {
	RuleID string `json:"rule_id" toml:"rule"`
	Label  string `json:"label" toml:"label"`
}

// RatioMonitor compares hits of two rules against a percentage threshold.
// Params: identity, rule pair, funnel steps, threshold, and rolling window.
// Returns: monitor configuration consumed by ratio passes.
type RatioMonitor struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Tag              string      `json:"tag"`
	FirstRuleID      string      `json:"first_rule_id"`
	SecondRuleID     string      `json:"second_rule_id"`
	Steps            []RatioStep `json:"steps"`
	ThresholdPercent float64     `json:"threshold_percent"`
	TimeWindow       TimeWindow  `json:"time_window"`
	Enabled          bool        `json:"enabled"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// StepSnapshot is per-step count captured by one ratio pass.
type StepSnapshot struct {
	RuleID         string  `json:"rule_id"`
	Label          string  `json:"label"`
	Count          int64   `json:"count"`
	PercentOfFirst float64 `json:"percent_of_first"`
}

// RatioState is live companion record of one ratio monitor.
// Params: health, counts, ratio, funnel snapshot, and check timestamps.
// Returns: row rewritten by every ratio pass.
type RatioState struct {
	MonitorID    string         `json:"monitor_id"`
	State        RatioHealth    `json:"state"`
	FirstCount   int64          `json:"first_count"`
	SecondCount  int64          `json:"second_count"`
	CurrentRatio float64        `json:"current_ratio"`
	StepsData    []StepSnapshot `json:"steps_data"`
	CheckedAt    *time.Time     `json:"checked_at,omitempty"`
	ChangedAt    time.Time      `json:"changed_at"`
}

// NewRatioState builds the initial state created together with a monitor.
func NewRatioState(monitorID string, now time.Time) RatioState {
	return RatioState{
		MonitorID: monitorID,
		State:     RatioHealthHealthy,
		ChangedAt: now,
	}
}

// RatioStatus joins monitor config with live state.
type RatioStatus struct {
	Monitor RatioMonitor `json:"monitor"`
	State   RatioState   `json:"state"`
}

// Normalize trims identifiers of the monitor and its steps.
func (m RatioMonitor) Normalize() RatioMonitor {
	m.ID = strings.TrimSpace(m.ID)
	m.Name = strings.TrimSpace(m.Name)
	m.Tag = strings.TrimSpace(m.Tag)
	m.FirstRuleID = strings.TrimSpace(m.FirstRuleID)
	m.SecondRuleID = strings.TrimSpace(m.SecondRuleID)
	m.TimeWindow = TimeWindow(strings.ToLower(strings.TrimSpace(string(m.TimeWindow))))
	if len(m.Steps) > 0 {
		steps := make([]RatioStep, 0, len(m.Steps))
		for _, step := range m.Steps {
			steps = append(steps, RatioStep{
				RuleID: strings.TrimSpace(step.RuleID),
				Label:  strings.TrimSpace(step.Label),
			})
		}
		m.Steps = steps
	}
	return m
}

// ValidateRatioMonitor checks monitor fields before create/update.
// Params: monitor candidate; rule existence is checked by the caller.
// Returns: *ValidationError for the first offending field.
func ValidateRatioMonitor(monitor RatioMonitor) error {
	if monitor.ID != "" && !identifierPattern.MatchString(monitor.ID) {
		return invalid("id", CodeInvalidIdentifier, "id %q has unsupported characters", monitor.ID)
	}
	if strings.TrimSpace(monitor.Name) == "" {
		return invalid("name", CodeRequired, "name is required")
	}
	if strings.TrimSpace(monitor.FirstRuleID) == "" {
		return invalid("first_rule_id", CodeRequired, "first rule is required")
	}
	if strings.TrimSpace(monitor.SecondRuleID) == "" {
		return invalid("second_rule_id", CodeRequired, "second rule is required")
	}
	if monitor.FirstRuleID == monitor.SecondRuleID {
		return invalid("second_rule_id", CodeSameRule, "second rule must differ from first rule")
	}
	if monitor.ThresholdPercent <= 0 || monitor.ThresholdPercent > 100 {
		return invalid("threshold_percent", CodeThresholdOutOfRange, "threshold must be in (0,100], got %g", monitor.ThresholdPercent)
	}
	if _, ok := monitor.TimeWindow.Duration(); !ok {
		return invalid("time_window", CodeInvalidWindow, "unsupported time window %q", monitor.TimeWindow)
	}
	for i, step := range monitor.Steps {
		if strings.TrimSpace(step.RuleID) == "" {
			return invalid("steps", CodeInvalidStep, "step %d has empty rule", i)
		}
	}
	return nil
}

// RuleIDs lists every rule referenced by the monitor.
func (m RatioMonitor) RuleIDs() []string {
	ids := []string{m.FirstRuleID, m.SecondRuleID}
	for _, step := range m.Steps {
		ids = append(ids, step.RuleID)
	}
	return ids
}
