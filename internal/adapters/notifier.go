package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
)

// Notifier delivers user-facing messages. Fire-and-forget: delivery failures
// are logged, never returned to the reactor that triggered them.
type Notifier interface {
	Send(ctx context.Context, userID int64, text string)
}

// ChatLookup resolves a user ID to a messenger chat ID. The Store satisfies
// this.
type ChatLookup interface {
	ChatID(ctx context.Context, userID int64) (int64, error)
}

// TelegramNotifier sends messages through the Telegram Bot API.
type TelegramNotifier struct {
	apiURL     string
	token      string
	chats      ChatLookup
	httpClient *http.Client
}

func NewTelegramNotifier(apiURL, token string, chats ChatLookup) *TelegramNotifier {
	return &TelegramNotifier{
		apiURL:     apiURL,
		token:      token,
		chats:      chats,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (t *TelegramNotifier) Send(ctx context.Context, userID int64, text string) {
	chatID, err := t.chats.ChatID(ctx, userID)
	if err != nil {
		observ.Log("notify_chat_lookup_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}

	body, err := json.Marshal(telegramMessage{ChatID: chatID, Text: text, ParseMode: "Markdown"})
	if err != nil {
		observ.Log("notify_marshal_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		observ.Log("notify_request_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		observ.Log("notify_send_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observ.Log("notify_send_failed", map[string]any{"user_id": userID, "status": resp.StatusCode})
		return
	}
	observ.IncCounter("notifications_sent_total", nil)
}
