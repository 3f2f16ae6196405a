package engine

import "deadman/internal/domain"

// CalculateRatio returns second count as percentage of first count.
// Params: first and second counts over the monitor window.
// Returns: 0 when first is zero.
func CalculateRatio(firstCount, secondCount int64) float64 {
	if firstCount == 0 {
		return 0
	}
	return float64(secondCount) / float64(firstCount) * 100
}

// DetermineRatioHealth compares ratio against threshold.
// Params: current ratio and threshold in percent.
// Returns: HEALTHY when ratio >= threshold.
func DetermineRatioHealth(ratio, thresholdPercent float64) domain.RatioHealth {
	if ratio >= thresholdPercent {
		return domain.RatioHealthHealthy
	}
	return domain.RatioHealthLow
}

// DetermineRatioAlertType maps one health transition to alert type.
// Params: stored and recomputed health.
// Returns: RATIO_LOW/RATIO_RECOVERED and true on change.
func DetermineRatioAlertType(previous, current domain.RatioHealth) (domain.AlertType, bool) {
	if previous == current {
		return "", false
	}
	switch current {
	case domain.RatioHealthLow:
		return domain.AlertTypeRatioLow, true
	case domain.RatioHealthHealthy:
		return domain.AlertTypeRatioRecovered, true
	default:
		return "", false
	}
}

// BuildStepSnapshots attaches percent-of-first to funnel step counts.
// Params: monitor steps and counts in the same order.
// Returns: diagnostic snapshot; percent is 0 when first step is empty.
func BuildStepSnapshots(steps []domain.RatioStep, counts []int64) []domain.StepSnapshot {
	if len(steps) == 0 {
		return nil
	}
	out := make([]domain.StepSnapshot, 0, len(steps))
	var first int64
	if len(counts) > 0 {
		first = counts[0]
	}
	for i, step := range steps {
		var count int64
		if i < len(counts) {
			count = counts[i]
		}
		out = append(out, domain.StepSnapshot{
			RuleID:         step.RuleID,
			Label:          step.Label,
			Count:          count,
			PercentOfFirst: CalculateRatio(first, count),
		})
	}
	return out
}
