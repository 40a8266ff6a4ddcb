package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram is a Channel backed by the Telegram Bot API. Inline keyboard
// callback data is limited to 64 bytes, which is why the callback
// protocol keeps action names terse.
type Telegram struct {
	BaseURL    string // overridable for tests
	Token      string
	ChatID     string
	HTTPClient *http.Client

	mu sync.RWMutex // guards Token against rotation mid-call
}

// SetToken swaps the bot token after a credential rotation.
func (t *Telegram) SetToken(token string) {
	t.mu.Lock()
	t.Token = token
	t.mu.Unlock()
}

func (t *Telegram) token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Token
}

// NewTelegram creates a Telegram channel posting to chatID.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		BaseURL: telegramAPIBase,
		Token:   token,
		ChatID:  chatID,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

func keyboard(buttons []Button) *inlineKeyboard {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]inlineButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, inlineButton{Text: b.Label, CallbackData: b.Payload})
	}
	return &inlineKeyboard{InlineKeyboard: [][]inlineButton{row}}
}

// Ack answers a callback query immediately.
func (t *Telegram) Ack(ctx context.Context, callbackID, text string) error {
	payload := map[string]interface{}{
		"callback_query_id": callbackID,
		"text":              text,
	}
	_, err := t.call(ctx, "answerCallbackQuery", payload)
	return err
}

// Post sends a message with optional inline buttons.
func (t *Telegram) Post(ctx context.Context, text string, buttons []Button) (MessageRef, error) {
	payload := map[string]interface{}{
		"chat_id": t.ChatID,
		"text":    text,
	}
	if kb := keyboard(buttons); kb != nil {
		payload["reply_markup"] = kb
	}
	data, err := t.call(ctx, "sendMessage", payload)
	if err != nil {
		return MessageRef{}, err
	}
	var resp struct {
		Result struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return MessageRef{}, fmt.Errorf("parse sendMessage response: %w", err)
	}
	return MessageRef{ChatID: t.ChatID, MessageID: resp.Result.MessageID}, nil
}

// Update edits a previously posted message.
func (t *Telegram) Update(ctx context.Context, ref MessageRef, text string, buttons []Button) error {
	payload := map[string]interface{}{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
		"text":       text,
	}
	if kb := keyboard(buttons); kb != nil {
		payload["reply_markup"] = kb
	}
	_, err := t.call(ctx, "editMessageText", payload)
	return err
}

// CallbackEvent is one inbound button press from the channel.
type CallbackEvent struct {
	UpdateID   int
	CallbackID string
	Payload    string
}

// Poll long-polls for callback queries past offset. It returns when the
// server answers or the poll window elapses; an empty slice means the
// window passed quietly.
func (t *Telegram) Poll(ctx context.Context, offset int) ([]CallbackEvent, error) {
	// The poll window must stay under the HTTP client timeout.
	payload := map[string]interface{}{
		"offset":          offset,
		"timeout":         10,
		"allowed_updates": []string{"callback_query"},
	}
	data, err := t.call(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []struct {
			UpdateID      int `json:"update_id"`
			CallbackQuery *struct {
				ID   string `json:"id"`
				Data string `json:"data"`
			} `json:"callback_query"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse getUpdates response: %w", err)
	}

	events := make([]CallbackEvent, 0, len(resp.Result))
	for _, u := range resp.Result {
		if u.CallbackQuery == nil {
			continue
		}
		events = append(events, CallbackEvent{
			UpdateID:   u.UpdateID,
			CallbackID: u.CallbackQuery.ID,
			Payload:    u.CallbackQuery.Data,
		})
	}
	return events, nil
}

func (t *Telegram) call(ctx context.Context, method string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.BaseURL, t.token(), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, truncate(string(data), 300))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
