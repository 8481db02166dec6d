package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const defaultTelegramAPI = "https://api.telegram.org"

// telegramMaxText is the Bot API limit for one message.
const telegramMaxText = 4096

// TelegramNotifier posts messages to a chat through the Telegram Bot API.
type TelegramNotifier struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramNotifier creates a notifier for chatID. apiBase may be empty.
func NewTelegramNotifier(apiBase, token, chatID string) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}
	if chatID == "" {
		return nil, fmt.Errorf("telegram chat id is empty")
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	return &TelegramNotifier{
		apiBase: apiBase,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, title, body string) error {
	text := body
	if title != "" {
		text = title + "\n" + body
	}
	if utf8.RuneCountInString(text) > telegramMaxText {
		text = string([]rune(text)[:telegramMaxText])
	}
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &result)
	if resp.StatusCode >= 400 || !result.OK {
		msg := result.Description
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("telegram api returned status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
