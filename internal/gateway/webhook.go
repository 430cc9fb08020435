// ABOUTME: Generic JSON webhook adapter for platforms without a dedicated integration
// ABOUTME: HMAC-SHA256 signed bodies in, signed JSON callbacks out

package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/laraclaw/internal/store"
)

// WebhookName is the gateway name of the generic webhook adapter.
const WebhookName = "webhook"

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the body, optionally
// prefixed with "sha256=".
const WebhookSignatureHeader = "X-Laraclaw-Signature"

// GenericPayload is an arbitrary JSON object from an unknown platform.
type GenericPayload map[string]any

func (GenericPayload) gatewayName() string { return WebhookName }

// field returns the first non-empty value among keys, rendered as a string.
func (p GenericPayload) field(keys ...string) string {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case bool:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// WebhookConfig configures the generic webhook adapter.
type WebhookConfig struct {
	// Secret signs both directions.
	Secret string
	// CallbackURL receives replies; empty disables outbound delivery.
	CallbackURL string
	Timeout     time.Duration
	FailureText string
}

// WebhookAdapter implements Adapter for generic signed JSON webhooks.
type WebhookAdapter struct {
	conversationFinder
	client      *resty.Client
	secret      []byte
	callbackURL string
	failureText string
	logger      *slog.Logger
}

// NewWebhookAdapter creates a generic webhook adapter.
func NewWebhookAdapter(cfg WebhookConfig, resolver ConversationResolver, logger *slog.Logger) (*WebhookAdapter, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookAdapter{
		conversationFinder: conversationFinder{gateway: WebhookName, resolver: resolver},
		client:             resty.New().SetTimeout(timeout),
		secret:             []byte(cfg.Secret),
		callbackURL:        cfg.CallbackURL,
		failureText:        failureText(cfg.FailureText),
		logger:             logger.With("component", "gateway", "gateway", WebhookName),
	}, nil
}

// Name implements Adapter.
func (w *WebhookAdapter) Name() string { return WebhookName }

// FailureText implements Adapter.
func (w *WebhookAdapter) FailureText() string { return w.failureText }

// Sign returns the hex HMAC-SHA256 of body.
func (w *WebhookAdapter) Sign(body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the HMAC signature of raw.
func (w *WebhookAdapter) VerifyWebhook(raw []byte, sig Signature) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(sig.Value, "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(w.Sign(raw))
	return hmac.Equal(got, want)
}

// ParseIncomingMessage reads content, sender and channel from common field names.
func (w *WebhookAdapter) ParseIncomingMessage(raw []byte) (*IncomingMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p GenericPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	content := p.field("content", "text", "message")
	if content == "" {
		return nil, ErrNoContent
	}
	channel := p.field("channel_id", "channel", "chat_id")
	if channel == "" {
		return nil, fmt.Errorf("%w: missing channel_id", ErrMalformedPayload)
	}

	msg := &IncomingMessage{
		Gateway:    WebhookName,
		Content:    content,
		SenderID:   p.field("sender_id", "sender", "user_id"),
		SenderName: p.field("sender_name", "name"),
		ChannelID:  channel,
		DeliveryID: p.field("delivery_id", "id"),
		Payload:    p,
	}
	if ts := p.field("timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.Timestamp = t.UTC()
		}
	}
	return msg, nil
}

type webhookReply struct {
	ConversationID string `json:"conversation_id"`
	ChannelID      string `json:"channel_id"`
	Content        string `json:"content"`
}

// SendMessage posts a signed JSON reply to the callback URL.
func (w *WebhookAdapter) SendMessage(ctx context.Context, conv *store.Conversation, content string) error {
	channel := w.GetConversationIdentifier(conv)
	if channel == "" {
		return ErrNoChannel
	}
	if w.callbackURL == "" {
		w.logger.Debug("no callback url, reply not delivered", "channel_id", channel)
		return nil
	}

	body, err := json.Marshal(webhookReply{ConversationID: conv.ID, ChannelID: channel, Content: content})
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(WebhookSignatureHeader, "sha256="+w.Sign(body)).
		SetBody(body).
		Post(w.callbackURL)
	if err != nil {
		return fmt.Errorf("webhook callback: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook callback http %d", resp.StatusCode())
	}
	return nil
}
