package domain

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// DeadAfterFactor is the minimum ratio between dead-after and expected interval.
const DeadAfterFactor = 1.5

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// MonitoringRule describes one watched signal and its cadence thresholds.
// Params: identity, grouping, matcher pattern, interval thresholds, tags, and enabled flag.
// Returns: rule configuration consumed by heartbeat passes.
type MonitoringRule struct {
	ID                      string    `json:"id"`
	Merchant                string    `json:"merchant"`
	Name                    string    `json:"name"`
	SubjectPattern          string    `json:"subject_pattern"`
	ExpectedIntervalMinutes int       `json:"expected_interval_minutes"`
	DeadAfterMinutes        int       `json:"dead_after_minutes"`
	Tags                    []string  `json:"tags"`
	Enabled                 bool      `json:"enabled"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Normalize trims text fields and sorts unique tags.
// Params: none.
// Returns: normalized copy of the rule.
func (r MonitoringRule) Normalize() MonitoringRule {
	r.ID = strings.TrimSpace(r.ID)
	r.Merchant = strings.TrimSpace(r.Merchant)
	r.Name = strings.TrimSpace(r.Name)
	r.SubjectPattern = strings.TrimSpace(r.SubjectPattern)
	r.Tags = normalizeTags(r.Tags)
	return r
}

// ValidateRule checks rule fields before create/update.
// Params: rule candidate; ID may be empty when the store assigns it.
// Returns: *ValidationError for the first offending field.
func ValidateRule(rule MonitoringRule) error {
	if rule.ID != "" && !identifierPattern.MatchString(rule.ID) {
		return invalid("id", CodeInvalidIdentifier, "id %q has unsupported characters", rule.ID)
	}
	if strings.TrimSpace(rule.Merchant) == "" {
		return invalid("merchant", CodeRequired, "merchant is required")
	}
	if strings.TrimSpace(rule.Name) == "" {
		return invalid("name", CodeRequired, "name is required")
	}
	if strings.TrimSpace(rule.SubjectPattern) == "" {
		return invalid("subject_pattern", CodeRequired, "subject pattern is required")
	}
	if rule.ExpectedIntervalMinutes <= 0 {
		return invalid("expected_interval_minutes", CodeMustBePositive, "expected interval must be >0, got %d", rule.ExpectedIntervalMinutes)
	}
	if rule.DeadAfterMinutes <= 0 {
		return invalid("dead_after_minutes", CodeMustBePositive, "dead-after must be >0, got %d", rule.DeadAfterMinutes)
	}
	if float64(rule.DeadAfterMinutes) < DeadAfterFactor*float64(rule.ExpectedIntervalMinutes) {
		return invalid(
			"dead_after_minutes",
			CodeDeadAfterTooSmall,
			"dead-after %d must be >= %.1fx expected interval %d",
			rule.DeadAfterMinutes,
			DeadAfterFactor,
			rule.ExpectedIntervalMinutes,
		)
	}
	return nil
}

// ValidIdentifier reports whether value can be used as a rule or monitor id.
func ValidIdentifier(value string) bool {
	return identifierPattern.MatchString(value)
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
