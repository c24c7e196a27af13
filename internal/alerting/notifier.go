package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification is the text pushed to an external channel.
type Notification struct {
	Title string
	Body  string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// BarkNotifier pushes to a Bark endpoint: GET {endpoint}/{title}/{body}?group=...
type BarkNotifier struct {
	endpoint string
	group    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewBarkNotifier 构造 Bark 告警器。
func NewBarkNotifier(endpoint, group string, timeout time.Duration, logger zerolog.Logger) *BarkNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if group == "" {
		group = "GoldMonitor"
	}
	return &BarkNotifier{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		group:    group,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_bark").Logger(),
	}
}

// Notify sends the notification as path segments.
func (n *BarkNotifier) Notify(ctx context.Context, note Notification) error {
	if n.endpoint == "" {
		return errors.New("bark endpoint not configured")
	}

	target := fmt.Sprintf("%s/%s/%s?group=%s",
		n.endpoint,
		url.PathEscape(note.Title),
		url.PathEscape(note.Body),
		url.QueryEscape(n.group),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bark 响应码异常: %d", resp.StatusCode)
	}

	n.logger.Info().Str("title", note.Title).Msg("告警已发送 (Bark)")
	return nil
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify posts the rendered message through sendMessage. A 2xx answer with
// ok=false is still a failure; the API description is surfaced.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if n.botToken == "" || n.chatID == "" {
		return errors.New("telegram bot token or chat id not configured")
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:                n.chatID,
		Text:                  renderMessage(note),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := n.baseURL + "/bot" + n.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result telegramResult
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	switch {
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		if result.Description != "" {
			return fmt.Errorf("telegram 响应码异常: %d (%s)", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	case decodeErr == nil && !result.OK:
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Str("title", note.Title).Msg("告警已发送 (Telegram)")
	return nil
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// renderMessage puts the title on the first line, prefixed with the group tag.
func renderMessage(note Notification) string {
	if note.Body == "" {
		return "【黄金监控】" + note.Title
	}
	return "【黄金监控】" + note.Title + "\n" + note.Body
}

// Fanout delivers a notification to every wrapped notifier and joins the errors.
type Fanout []Notifier

// Notify sends to all targets; one failing target does not stop the others.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*BarkNotifier)(nil)
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Fanout(nil)
)
