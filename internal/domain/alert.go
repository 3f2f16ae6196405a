package domain

import "time"

// AlertType classifies one detected transition.
// Params: signal and ratio alert constants.
// Returns: alert category stored with every alert row.
type AlertType string

const (
	// AlertTypeFrequencyDown marks ACTIVE to WEAK.
	AlertTypeFrequencyDown AlertType = "FREQUENCY_DOWN"
	// AlertTypeSignalDead marks any transition into DEAD.
	AlertTypeSignalDead AlertType = "SIGNAL_DEAD"
	// AlertTypeSignalRecovered marks WEAK or DEAD back to ACTIVE.
	AlertTypeSignalRecovered AlertType = "SIGNAL_RECOVERED"
	// AlertTypeRatioLow marks HEALTHY to LOW.
	AlertTypeRatioLow AlertType = "RATIO_LOW"
	// AlertTypeRatioRecovered marks LOW to HEALTHY.
	AlertTypeRatioRecovered AlertType = "RATIO_RECOVERED"
)

// AlertKind selects alert table for delivery bookkeeping.
type AlertKind int

const (
	// AlertKindSignal addresses signal alerts.
	AlertKindSignal AlertKind = iota + 1
	// AlertKindRatio addresses ratio alerts.
	AlertKindRatio
)

// String returns kind label used in logs and metrics.
func (k AlertKind) String() string {
	switch k {
	case AlertKindSignal:
		return "signal"
	case AlertKindRatio:
		return "ratio"
	default:
		return "unknown"
	}
}

// Alert is immutable record of one signal state transition.
// Params: rule identity, states, gap, counter snapshot, rendered message, and delivery time.
// Returns: append-only row; SentAt is set once after successful delivery.
type Alert struct {
	ID            string      `json:"id"`
	RuleID        string      `json:"rule_id"`
	AlertType     AlertType   `json:"alert_type"`
	PreviousState SignalState `json:"previous_state"`
	CurrentState  SignalState `json:"current_state"`
	GapMinutes    *float64    `json:"gap_minutes"`
	Counters      Counters    `json:"counters"`
	Message       string      `json:"message"`
	Epoch         int64       `json:"epoch"`
	CreatedAt     time.Time   `json:"created_at"`
	SentAt        *time.Time  `json:"sent_at,omitempty"`
}

// RatioAlert is immutable record of one ratio threshold crossing.
// Params: monitor identity, health states, counts, ratio, and rendered message.
// Returns: append-only row; SentAt is set once after successful delivery.
type RatioAlert struct {
	ID               string      `json:"id"`
	MonitorID        string      `json:"monitor_id"`
	AlertType        AlertType   `json:"alert_type"`
	PreviousState    RatioHealth `json:"previous_state"`
	CurrentState     RatioHealth `json:"current_state"`
	FirstCount       int64       `json:"first_count"`
	SecondCount      int64       `json:"second_count"`
	CurrentRatio     float64     `json:"current_ratio"`
	ThresholdPercent float64     `json:"threshold_percent"`
	Message          string      `json:"message"`
	Epoch            int64       `json:"epoch"`
	CreatedAt        time.Time   `json:"created_at"`
	SentAt           *time.Time  `json:"sent_at,omitempty"`
}

// PendingDelivery is one alert that still needs a notification.
type PendingDelivery struct {
	Kind      AlertKind
	ID        string
	Message   string
	CreatedAt time.Time
}

// Notification is outbound message for notifier channels.
// Params: alert identity, kind, type, and rendered text.
// Returns: payload for channel senders.
type Notification struct {
	Channel   string    `json:"channel"`
	AlertID   string    `json:"alert_id"`
	Kind      string    `json:"kind"`
	AlertType AlertType `json:"alert_type,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Message   string    `json:"message"`
	PlainText bool      `json:"plain_text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EpochOf converts the instant a state was entered into a transition epoch.
// Returns: unix milliseconds, 0 for zero time.
func EpochOf(changedAt time.Time) int64 {
	if changedAt.IsZero() {
		return 0
	}
	return changedAt.UnixMilli()
}
