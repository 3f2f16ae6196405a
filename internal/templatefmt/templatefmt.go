package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"
	"text/template"
	"time"

	"deadman/internal/domain"
)

// defaultTemplates holds built-in HTML message bodies per alert type.
var defaultTemplates = map[domain.AlertType]string{
	domain.AlertTypeFrequencyDown: `⚠️ <b>Frequency down</b>: {{ esc .Rule.Merchant }} / {{ esc .Rule.Name }}
{{ .Previous }} → {{ .Current }}, last seen {{ fmtGap .GapMinutes }} ago (expected every {{ .Rule.ExpectedIntervalMinutes }}m)
Hits 1h/12h/24h: {{ .Counters.Count1h }}/{{ .Counters.Count12h }}/{{ .Counters.Count24h }}`,
	domain.AlertTypeSignalDead: `🔴 <b>Signal dead</b>: {{ esc .Rule.Merchant }} / {{ esc .Rule.Name }}
{{ .Previous }} → {{ .Current }}, last seen {{ fmtGap .GapMinutes }} ago (dead after {{ .Rule.DeadAfterMinutes }}m)
Hits 1h/12h/24h: {{ .Counters.Count1h }}/{{ .Counters.Count12h }}/{{ .Counters.Count24h }}`,
	domain.AlertTypeSignalRecovered: `✅ <b>Signal recovered</b>: {{ esc .Rule.Merchant }} / {{ esc .Rule.Name }}
{{ .Previous }} → {{ .Current }} at {{ fmtTime .At }}`,
	domain.AlertTypeRatioLow: `📉 <b>Ratio low</b>: {{ esc .Monitor.Name }}{{ if .Monitor.Tag }} [{{ esc .Monitor.Tag }}]{{ end }}
{{ fmtPercent .Ratio }} &lt; {{ fmtPercent .Monitor.ThresholdPercent }} over {{ .Monitor.TimeWindow }} ({{ .SecondCount }}/{{ .FirstCount }})
{{- range .Steps }}
• {{ esc .Label }}: {{ .Count }} ({{ fmtPercent .PercentOfFirst }})
{{- end }}`,
	domain.AlertTypeRatioRecovered: `📈 <b>Ratio recovered</b>: {{ esc .Monitor.Name }}{{ if .Monitor.Tag }} [{{ esc .Monitor.Tag }}]{{ end }}
{{ fmtPercent .Ratio }} ≥ {{ fmtPercent .Monitor.ThresholdPercent }} over {{ .Monitor.TimeWindow }} ({{ .SecondCount }}/{{ .FirstCount }})`,
}

// SignalData is template input for signal alerts.
type SignalData struct {
	Rule       domain.MonitoringRule
	Previous   domain.SignalState
	Current    domain.SignalState
	GapMinutes *float64
	Counters   domain.Counters
	At         time.Time
}

// RatioData is template input for ratio alerts.
type RatioData struct {
	Monitor     domain.RatioMonitor
	Previous    domain.RatioHealth
	Current     domain.RatioHealth
	FirstCount  int64
	SecondCount int64
	Ratio       float64
	Steps       []domain.StepSnapshot
	At          time.Time
}

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtGap":      FormatGap,
		"fmtPercent":  FormatPercent,
		"fmtTime":     FormatTime,
		"esc":         html.EscapeString,
		"json":        MarshalJSON,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// Renderer renders alert messages from built-in or overridden templates.
type Renderer struct {
	templates map[domain.AlertType]*template.Template
}

// NewRenderer compiles default templates with optional per-type overrides.
// Params: override bodies keyed by alert type; empty bodies keep defaults.
// Returns: renderer or parse error naming the alert type.
func NewRenderer(overrides map[domain.AlertType]string) (*Renderer, error) {
	compiled := make(map[domain.AlertType]*template.Template, len(defaultTemplates))
	for alertType, body := range defaultTemplates {
		if override := strings.TrimSpace(overrides[alertType]); override != "" {
			body = override
		}
		tmpl, err := ParseNotificationTemplate(string(alertType), body)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", alertType, err)
		}
		compiled[alertType] = tmpl
	}
	return &Renderer{templates: compiled}, nil
}

// RenderSignal renders one signal alert message.
func (r *Renderer) RenderSignal(alertType domain.AlertType, data SignalData) (string, error) {
	return r.render(alertType, data)
}

// RenderRatio renders one ratio alert message.
func (r *Renderer) RenderRatio(alertType domain.AlertType, data RatioData) (string, error) {
	return r.render(alertType, data)
}

func (r *Renderer) render(alertType domain.AlertType, data any) (string, error) {
	tmpl, ok := r.templates[alertType]
	if !ok {
		return "", fmt.Errorf("no template for alert type %q", alertType)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", alertType, err)
	}
	return strings.TrimSpace(out.String()), nil
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatGap renders whole-minute gap; nil means the signal was never seen.
func FormatGap(value *float64) string {
	if value == nil {
		return "never"
	}
	minutes := int64(*value)
	switch {
	case minutes >= 24*60:
		return fmt.Sprintf("%dd%dh", minutes/(24*60), minutes%(24*60)/60)
	case minutes >= 60:
		return fmt.Sprintf("%dh%02dm", minutes/60, minutes%60)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// FormatPercent renders percentage with up to two decimals.
func FormatPercent(value float64) string {
	return strconv.FormatFloat(math.Round(value*100)/100, 'f', -1, 64) + "%"
}

// FormatTime renders timestamp in UTC minutes precision.
func FormatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format("2006-01-02 15:04 UTC")
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
