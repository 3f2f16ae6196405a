package ingest

import (
	"context"
	"errors"

	"deadman/internal/domain"
	"deadman/internal/metrics"
	"deadman/internal/state"
)

// HitSink receives decoded hits from ingest interfaces.
// Params: context and validated hit.
// Returns: unknown-rule or store error.
type HitSink interface {
	IngestHit(ctx context.Context, hit domain.HitEvent) error
}

// Hit outcome labels shared by adapters and metrics.
const (
	outcomeAccepted    = "accepted"
	outcomeInvalid     = "invalid"
	outcomeUnknownRule = "unknown_rule"
	outcomeError       = "error"
)

// IsUnknownRule reports whether err means the hit addresses no known rule.
func IsUnknownRule(err error) bool {
	return errors.Is(err, state.ErrNotFound) || errors.Is(err, domain.ErrNoMatchingRule)
}

// classify maps sink error to outcome label.
func classify(err error) string {
	switch {
	case err == nil:
		return outcomeAccepted
	case IsUnknownRule(err):
		return outcomeUnknownRule
	default:
		return outcomeError
	}
}

func observe(m *metrics.Metrics, source, outcome string) {
	if m == nil {
		return
	}
	m.HitsIngested.WithLabelValues(source, outcome).Inc()
}
