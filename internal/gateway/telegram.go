// ABOUTME: Telegram Bot API adapter: webhook updates in, sendMessage out
// ABOUTME: Verifies the secret-token header and renders replies in Telegram's HTML subset

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/laraclaw/internal/markdown"
	"github.com/2389/laraclaw/internal/store"
)

// TelegramName is the gateway name of the Telegram adapter.
const TelegramName = "telegram"

const (
	defaultTelegramAPI = "https://api.telegram.org"
	telegramMaxRunes   = 4096
)

// TelegramUpdate is the subset of a Telegram webhook update the adapter reads.
type TelegramUpdate struct {
	UpdateID          int64            `json:"update_id"`
	Message           *TelegramMessage `json:"message,omitempty"`
	EditedMessage     *TelegramMessage `json:"edited_message,omitempty"`
	ChannelPost       *TelegramMessage `json:"channel_post,omitempty"`
	EditedChannelPost *TelegramMessage `json:"edited_channel_post,omitempty"`
}

func (TelegramUpdate) gatewayName() string { return TelegramName }

// TelegramMessage is a Telegram message.
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Date      int64         `json:"date,omitempty"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	From      *TelegramUser `json:"from,omitempty"`
	Text      string        `json:"text,omitempty"`
	Caption   string        `json:"caption,omitempty"`
}

// TelegramChat is the chat a message was sent in.
type TelegramChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"` // private|group|supergroup|channel
	Title string `json:"title,omitempty"`
}

// TelegramUser is a Telegram account.
type TelegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (u *TelegramUser) displayName() string {
	if u == nil {
		return ""
	}
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)
	username := strings.TrimSpace(u.Username)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case username != "":
		return "@" + username
	default:
		return ""
	}
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	BotToken string
	// SecretToken must match the X-Telegram-Bot-Api-Secret-Token header.
	SecretToken string
	// APIBaseURL overrides https://api.telegram.org.
	APIBaseURL  string
	Timeout     time.Duration
	FailureText string
}

// TelegramAdapter implements Adapter for Telegram bots.
type TelegramAdapter struct {
	conversationFinder
	client      *resty.Client
	secret      string
	failureText string
	logger      *slog.Logger
}

// NewTelegramAdapter creates a Telegram adapter.
func NewTelegramAdapter(cfg TelegramConfig, resolver ConversationResolver, logger *slog.Logger) (*TelegramAdapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(base+"/bot"+cfg.BotToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &TelegramAdapter{
		conversationFinder: conversationFinder{gateway: TelegramName, resolver: resolver},
		client:             client,
		secret:             cfg.SecretToken,
		failureText:        failureText(cfg.FailureText),
		logger:             logger.With("component", "gateway", "gateway", TelegramName),
	}, nil
}

// Name implements Adapter.
func (t *TelegramAdapter) Name() string { return TelegramName }

// FailureText implements Adapter.
func (t *TelegramAdapter) FailureText() string { return t.failureText }

// VerifyWebhook compares the secret-token header in constant time. Without a
// configured secret no delivery verifies.
func (t *TelegramAdapter) VerifyWebhook(_ []byte, sig Signature) bool {
	if t.secret == "" || sig.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.secret), []byte(sig.Value)) == 1
}

// ParseIncomingMessage implements Adapter.
func (t *TelegramAdapter) ParseIncomingMessage(raw []byte) (*IncomingMessage, error) {
	var update TelegramUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	msg := update.Message
	for _, m := range []*TelegramMessage{update.EditedMessage, update.ChannelPost, update.EditedChannelPost} {
		if msg == nil {
			msg = m
		}
	}
	if msg == nil {
		return nil, ErrNoContent
	}
	if msg.Chat == nil {
		return nil, fmt.Errorf("%w: message without chat", ErrMalformedPayload)
	}
	if msg.From != nil && msg.From.IsBot {
		return nil, ErrNoContent
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return nil, ErrNoContent
	}

	in := &IncomingMessage{
		Gateway:    TelegramName,
		Content:    text,
		SenderID:   strconv.FormatInt(msg.Chat.ID, 10),
		SenderName: msg.Chat.Title,
		ChannelID:  strconv.FormatInt(msg.Chat.ID, 10),
		Payload:    update,
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
		in.SenderName = msg.From.displayName()
	}
	if update.UpdateID > 0 {
		in.DeliveryID = strconv.FormatInt(update.UpdateID, 10)
	}
	if msg.Date > 0 {
		in.Timestamp = time.Unix(msg.Date, 0).UTC()
	}
	return in, nil
}

type telegramSendRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// SendMessage renders content as Telegram HTML and falls back to plain text when
// Telegram rejects the markup or the rendered text is too long.
func (t *TelegramAdapter) SendMessage(ctx context.Context, conv *store.Conversation, content string) error {
	chatID := t.GetConversationIdentifier(conv)
	if chatID == "" {
		return ErrNoChannel
	}

	rendered := markdown.ToTelegramHTML(content)
	if rendered != "" && len([]rune(rendered)) <= telegramMaxRunes {
		err := t.send(ctx, telegramSendRequest{ChatID: chatID, Text: rendered, ParseMode: "HTML"})
		if err == nil {
			return nil
		}
		if !isTelegramParseError(err) {
			return err
		}
		t.logger.Warn("telegram rejected html, falling back to plain text", "chat_id", chatID, "error", err)
	}

	for _, chunk := range chunkRunes(content, telegramMaxRunes) {
		if err := t.send(ctx, telegramSendRequest{ChatID: chatID, Text: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramAdapter) send(ctx context.Context, req telegramSendRequest) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(&req).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}

	var out telegramResponse
	_ = json.Unmarshal(resp.Body(), &out)
	if resp.IsError() || !out.OK {
		return &TelegramError{StatusCode: resp.StatusCode(), Description: out.Description}
	}
	return nil
}

// TelegramError is a non-OK Bot API response.
type TelegramError struct {
	StatusCode  int
	Description string
}

func (e *TelegramError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram http %d", e.StatusCode)
	}
	return fmt.Sprintf("telegram http %d: %s", e.StatusCode, e.Description)
}

func isTelegramParseError(err error) bool {
	var te *TelegramError
	if !errors.As(err, &te) {
		return false
	}
	desc := strings.ToLower(te.Description)
	return strings.Contains(desc, "can't parse entities") || strings.Contains(desc, "can't parse entity")
}
