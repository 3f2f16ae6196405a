package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"deadman/internal/config"
	"deadman/internal/domain"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"
)

// telegramMaxText is Bot API message length limit in characters.
const telegramMaxText = 4096

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot client, chat id, and outbound rate limiter.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	limiter *rate.Limiter
	initErr error
}

// NewTelegramSender creates Telegram sender.
// Params: Telegram notifier config.
// Returns: initialized sender; configuration errors surface on Send.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID:  normalizeChatID(cfg.ChatID),
		limiter: newLimiter(cfg.RatePerSec, cfg.Burst),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one message as HTML and retries once as plain text on any failure.
// Params: context and notification payload with HTML message body.
// Returns: sent message id or the plain-text attempt error.
func (s *TelegramSender) Send(ctx context.Context, notification domain.Notification) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, errors.New("telegram client is not initialized")
	}

	if !notification.PlainText {
		result, htmlErr := s.send(ctx, truncateText(notification.Message), tgmodels.ParseModeHTML)
		if htmlErr == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return SendResult{}, htmlErr
		}
		result, err := s.send(ctx, truncateText(StripHTML(notification.Message)), "")
		if err != nil {
			return SendResult{}, fmt.Errorf("telegram plain fallback after %v: %w", htmlErr, err)
		}
		return result, nil
	}
	return s.send(ctx, truncateText(notification.Message), "")
}

func (s *TelegramSender) send(ctx context.Context, text string, mode tgmodels.ParseMode) (SendResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("telegram rate limit wait: %w", err)
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: mode,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID}, nil
}

// StripHTML removes markup tags and unescapes entities.
func StripHTML(message string) string {
	return html.UnescapeString(htmlTagPattern.ReplaceAllString(message, ""))
}

func truncateText(text string) string {
	if utf8.RuneCountInString(text) <= telegramMaxText {
		return text
	}
	runes := []rune(text)
	return string(runes[:telegramMaxText-1]) + "…"
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
