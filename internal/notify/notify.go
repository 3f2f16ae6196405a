package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"deadman/internal/config"
	"deadman/internal/domain"
)

// ErrNoChannels is returned when dispatch is requested without configured senders.
var ErrNoChannels = errors.New("no notify channels configured")

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific metadata fields.
// Returns: optional message identifier.
type SendResult struct {
	MessageID int
}

// ChannelSender sends one outbound notification to one channel.
// Params: context and notification payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification domain.Notification) (SendResult, error)
}

// Dispatcher fans one rendered alert out to every enabled channel.
// Params: sender set keyed by channel name.
// Returns: delivery helper for the alert generator.
type Dispatcher struct {
	senders  map[string]ChannelSender
	channels []string
	logger   *slog.Logger
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: notify config and optional logger.
// Returns: dispatcher with available senders; empty when nothing is enabled.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	var senders []ChannelSender
	if cfg.Telegram.Enabled {
		senders = append(senders, NewTelegramSender(cfg.Telegram))
	}
	if cfg.HTTP.Enabled {
		senders = append(senders, NewWebhookSender(cfg.HTTP))
	}
	return NewDispatcherWithSenders(logger, senders...)
}

// NewDispatcherWithSenders builds dispatcher over explicit senders.
// Params: logger and sender implementations; later senders replace earlier ones with the same channel.
// Returns: dispatcher with deterministic channel order.
func NewDispatcherWithSenders(logger *slog.Logger, senders ...ChannelSender) *Dispatcher {
	byChannel := make(map[string]ChannelSender, len(senders))
	for _, sender := range senders {
		if sender == nil {
			continue
		}
		byChannel[sender.Channel()] = sender
	}
	channels := make([]string, 0, len(byChannel))
	for channel := range byChannel {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return &Dispatcher{
		senders:  byChannel,
		channels: channels,
		logger:   logger,
	}
}

// Channels returns configured channel list.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// Enabled reports whether at least one channel is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.senders) > 0
}

// Dispatch sends notification to every channel.
// Params: context bounding the whole fan-out and notification payload.
// Returns: nil when at least one channel accepted the message, otherwise joined channel errors.
func (d *Dispatcher) Dispatch(ctx context.Context, notification domain.Notification) error {
	if !d.Enabled() {
		return ErrNoChannels
	}

	var (
		delivered bool
		errs      []error
	)
	for _, channel := range d.channels {
		item := notification
		item.Channel = channel
		if _, err := d.senders[channel].Send(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
			if d.logger != nil {
				d.logger.Warn("notify channel failed", "channel", channel, "alert_id", notification.AlertID, "error", err.Error())
			}
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}

// WebhookSender posts notification payload as JSON to configured HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: generic HTTP sender.
type WebhookSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewWebhookSender creates generic HTTP sender.
// Params: HTTP notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.HTTPNotifier) *WebhookSender {
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
func (s *WebhookSender) Channel() string {
	return config.NotifyChannelHTTP
}

// Send delivers JSON payload to configured HTTP endpoint.
// Params: context and notification payload.
// Returns: transport or HTTP status error.
func (s *WebhookSender) Send(ctx context.Context, notification domain.Notification) (SendResult, error) {
	body, err := json.Marshal(notification)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode http notify payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build http notify request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, unexpectedHTTPStatusError("http notify", response)
	}
	return SendResult{}, nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
