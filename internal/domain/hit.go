package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoMatchingRule indicates a merchant+subject hit that matches no enabled rule.
var ErrNoMatchingRule = errors.New("no rule matches hit")

// HitEvent is wire payload of one observed signal.
// Params: explicit rule id, or merchant+subject resolved through rule patterns, and optional unix-ms time.
// Returns: decoded hit for ingestion sinks.
type HitEvent struct {
	RuleID   string `json:"rule_id,omitempty"`
	Merchant string `json:"merchant,omitempty"`
	Subject  string `json:"subject,omitempty"`
	TS       int64  `json:"ts,omitempty"`
}

// HitTime returns event time or fallback when ts is absent.
// Params: fallback time used for payloads without ts.
// Returns: UTC hit time.
func (e HitEvent) HitTime(fallback time.Time) time.Time {
	if e.TS <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(e.TS).UTC()
}

// ByRule reports whether hit addresses one rule directly.
func (e HitEvent) ByRule() bool {
	return e.RuleID != ""
}

// DecodeHit decodes and validates one hit payload.
// Params: JSON document bytes.
// Returns: validated hit or decode/validation error.
func DecodeHit(raw []byte) (HitEvent, error) {
	var event HitEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return HitEvent{}, fmt.Errorf("decode hit: %w", err)
	}
	event.RuleID = strings.TrimSpace(event.RuleID)
	event.Merchant = strings.TrimSpace(event.Merchant)
	if err := event.Validate(); err != nil {
		return HitEvent{}, err
	}
	return event, nil
}

// Validate validates one hit against the contract.
// Params: hit fields parsed from transport.
// Returns: validation error when schema is violated.
func (e HitEvent) Validate() error {
	if e.TS < 0 {
		return errors.New("ts must be >=0")
	}
	if e.RuleID != "" {
		if !identifierPattern.MatchString(e.RuleID) {
			return fmt.Errorf("rule_id %q has unsupported characters", e.RuleID)
		}
		return nil
	}
	if strings.TrimSpace(e.Merchant) == "" || strings.TrimSpace(e.Subject) == "" {
		return errors.New("either rule_id or merchant+subject is required")
	}
	return nil
}
