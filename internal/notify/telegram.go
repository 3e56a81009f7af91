package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskpilot/taskpilot/internal/common/config"
)

// Telegram delivers through the Telegram bot API.
type Telegram struct {
	client  *http.Client
	baseURL string
}

func NewTelegram() *Telegram {
	return &Telegram{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

func (p *Telegram) Name() string { return "telegram" }

func (p *Telegram) Available() bool { return true }

func (p *Telegram) Validate(cfg config.NotifySettings) error {
	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	if cfg.Telegram.ChatID == "" {
		return fmt.Errorf("telegram chat id not configured")
	}
	return nil
}

func (p *Telegram) Send(ctx context.Context, cfg config.NotifySettings, title, body string) error {
	text := title
	if body != "" {
		text = title + "\n" + body
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": cfg.Telegram.ChatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", p.baseURL, cfg.Telegram.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
