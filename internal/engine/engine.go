package engine

import (
	"math"
	"time"

	"deadman/internal/domain"
)

// ActiveFactor scales expected interval into the ACTIVE upper bound.
const ActiveFactor = 1.5

// CalculateGapMinutes returns whole minutes elapsed since last observation.
// Params: optional last-seen time and evaluation time.
// Returns: +Inf for never-seen signals, otherwise floored minutes.
func CalculateGapMinutes(lastSeenAt *time.Time, now time.Time) float64 {
	if lastSeenAt == nil {
		return math.Inf(1)
	}
	elapsed := now.Sub(*lastSeenAt)
	return math.Floor(float64(elapsed.Milliseconds()) / float64(time.Minute/time.Millisecond))
}

// CalculateSignalState classifies gap against rule thresholds.
// Params: gap in minutes, expected interval, and dead-after threshold in minutes.
// Returns: ACTIVE up to 1.5x interval, WEAK up to dead-after, DEAD above.
func CalculateSignalState(gapMinutes float64, expectedIntervalMinutes, deadAfterMinutes int) domain.SignalState {
	switch {
	case gapMinutes <= ActiveFactor*float64(expectedIntervalMinutes):
		return domain.SignalStateActive
	case gapMinutes <= float64(deadAfterMinutes):
		return domain.SignalStateWeak
	default:
		return domain.SignalStateDead
	}
}

// DetermineAlertType maps one state transition to alert type.
// Params: stored state and recomputed state.
// Returns: alert type and true when the transition must alert.
func DetermineAlertType(previous, current domain.SignalState) (domain.AlertType, bool) {
	if previous == current {
		return "", false
	}
	switch current {
	case domain.SignalStateWeak:
		if previous == domain.SignalStateActive {
			return domain.AlertTypeFrequencyDown, true
		}
		return "", false
	case domain.SignalStateDead:
		return domain.AlertTypeSignalDead, true
	case domain.SignalStateActive:
		return domain.AlertTypeSignalRecovered, true
	default:
		return "", false
	}
}

// IsSilentPartialRecovery reports DEAD to WEAK, which is persisted without alert.
func IsSilentPartialRecovery(previous, current domain.SignalState) bool {
	return previous == domain.SignalStateDead && current == domain.SignalStateWeak
}

// GapPointer converts gap into nullable value for persistence and JSON.
// Params: gap minutes.
// Returns: nil for infinite gaps.
func GapPointer(gapMinutes float64) *float64 {
	if math.IsInf(gapMinutes, 0) || math.IsNaN(gapMinutes) {
		return nil
	}
	value := gapMinutes
	return &value
}

// EvaluateSignal recomputes state of one stored record.
// Params: rule thresholds, stored record, and evaluation time.
// Returns: gap and freshly computed state.
func EvaluateSignal(rule domain.MonitoringRule, record domain.SignalRecord, now time.Time) (float64, domain.SignalState) {
	gap := CalculateGapMinutes(record.LastSeenAt, now)
	return gap, CalculateSignalState(gap, rule.ExpectedIntervalMinutes, rule.DeadAfterMinutes)
}
