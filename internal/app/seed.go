package app

import (
	"context"
	"errors"
	"fmt"

	"deadman/internal/domain"
	"deadman/internal/state"
)

// SeedResult counts seeded entities.
type SeedResult struct {
	RulesCreated    int
	RulesUpdated    int
	MonitorsCreated int
	MonitorsUpdated int
}

// Seed upserts configured rules and then ratio monitors through the validated CRUD path.
// Params: context, rules, and monitors from config.
// Returns: counts and the first failing entity error.
func (m *Monitor) Seed(ctx context.Context, rules []domain.MonitoringRule, monitors []domain.RatioMonitor) (SeedResult, error) {
	var result SeedResult
	for _, rule := range rules {
		_, err := m.store.GetRule(ctx, rule.ID)
		switch {
		case errors.Is(err, state.ErrNotFound):
			if _, err := m.CreateRule(ctx, rule); err != nil {
				return result, fmt.Errorf("seed rule %s: %w", rule.ID, err)
			}
			result.RulesCreated++
		case err != nil:
			return result, fmt.Errorf("seed rule %s: %w", rule.ID, err)
		default:
			if _, err := m.UpdateRule(ctx, rule); err != nil {
				return result, fmt.Errorf("seed rule %s: %w", rule.ID, err)
			}
			result.RulesUpdated++
		}
	}

	for _, monitor := range monitors {
		_, err := m.store.GetRatioMonitor(ctx, monitor.ID)
		switch {
		case errors.Is(err, state.ErrNotFound):
			if _, err := m.CreateRatioMonitor(ctx, monitor); err != nil {
				return result, fmt.Errorf("seed ratio monitor %s: %w", monitor.ID, err)
			}
			result.MonitorsCreated++
		case err != nil:
			return result, fmt.Errorf("seed ratio monitor %s: %w", monitor.ID, err)
		default:
			if _, err := m.UpdateRatioMonitor(ctx, monitor); err != nil {
				return result, fmt.Errorf("seed ratio monitor %s: %w", monitor.ID, err)
			}
			result.MonitorsUpdated++
		}
	}
	return result, nil
}
