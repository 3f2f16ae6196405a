package engine

import (
	"regexp"
	"strings"
	"sync"

	"deadman/internal/domain"
)

// Matcher resolves merchant+subject hits to rules by wildcard subject pattern.
// Params: cache of compiled patterns keyed by raw pattern text.
// Returns: concurrency-safe matcher reused across ingestion calls.
type Matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewMatcher creates empty pattern matcher.
func NewMatcher() *Matcher {
	return &Matcher{compiled: make(map[string]*regexp.Regexp)}
}

// MatchRules returns enabled rules of merchant whose pattern matches subject.
// Params: candidate rules, merchant, and observed subject.
// Returns: matching rules in input order.
func (m *Matcher) MatchRules(rules []domain.MonitoringRule, merchant, subject string) []domain.MonitoringRule {
	var out []domain.MonitoringRule
	subjectLower := strings.ToLower(strings.TrimSpace(subject))
	for _, rule := range rules {
		if !rule.Enabled || !strings.EqualFold(rule.Merchant, merchant) {
			continue
		}
		pattern, err := m.pattern(rule.SubjectPattern)
		if err != nil {
			continue
		}
		if pattern.MatchString(subjectLower) {
			out = append(out, rule)
		}
	}
	return out
}

func (m *Matcher) pattern(raw string) (*regexp.Regexp, error) {
	m.mu.RLock()
	compiled, ok := m.compiled[raw]
	m.mu.RUnlock()
	if ok {
		return compiled, nil
	}
	compiled, err := CompileSubjectPattern(raw)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.compiled[raw] = compiled
	m.mu.Unlock()
	return compiled, nil
}

// CompileSubjectPattern converts wildcard syntax (*, ?) into regex and compiles it.
// Params: wildcard expression from rule config.
// Returns: compiled regex that matches lower-cased subjects.
func CompileSubjectPattern(pattern string) (*regexp.Regexp, error) {
	replacer := strings.NewReplacer(
		".", "\\.",
		"+", "\\+",
		"(", "\\(",
		")", "\\)",
		"[", "\\[",
		"]", "\\]",
		"{", "\\{",
		"}", "\\}",
		"^", "\\^",
		"$", "\\$",
		"|", "\\|",
		"\\", "\\\\",
	)
	normalized := replacer.Replace(strings.ToLower(strings.TrimSpace(pattern)))
	normalized = strings.ReplaceAll(normalized, "*", ".*")
	normalized = strings.ReplaceAll(normalized, "?", ".")
	return regexp.Compile("^" + normalized + "$")
}
