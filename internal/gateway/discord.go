// ABOUTME: Discord interactions adapter: signed slash-command webhooks in, channel messages out
// ABOUTME: Verifies Ed25519 request signatures and answers PINGs inline

package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/ed25519"

	"github.com/2389/laraclaw/internal/store"
)

// DiscordName is the gateway name of the Discord adapter.
const DiscordName = "discord"

const (
	defaultDiscordAPI = "https://discord.com/api/v10"
	discordMaxRunes   = 2000

	// discordEpochMillis is the first millisecond of 2015, the snowflake epoch.
	discordEpochMillis = 1420070400000
)

// Interaction types and callback types.
const (
	DiscordInteractionPing    = 1
	DiscordInteractionCommand = 2

	discordCallbackPong    = 1
	discordCallbackMessage = 4
)

// DiscordInteraction is the subset of an interaction webhook the adapter reads.
type DiscordInteraction struct {
	ID        string                  `json:"id"`
	Type      int                     `json:"type"`
	ChannelID string                  `json:"channel_id,omitempty"`
	GuildID   string                  `json:"guild_id,omitempty"`
	Member    *DiscordMember          `json:"member,omitempty"`
	User      *DiscordUser            `json:"user,omitempty"`
	Data      *DiscordInteractionData `json:"data,omitempty"`
}

func (DiscordInteraction) gatewayName() string { return DiscordName }

// DiscordMember wraps the user in guild interactions.
type DiscordMember struct {
	User *DiscordUser `json:"user,omitempty"`
	Nick string       `json:"nick,omitempty"`
}

// DiscordUser is a Discord account.
type DiscordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username,omitempty"`
	GlobalName string `json:"global_name,omitempty"`
}

// DiscordInteractionData is the command payload.
type DiscordInteractionData struct {
	Name    string          `json:"name"`
	Options []DiscordOption `json:"options,omitempty"`
}

// DiscordOption is one slash-command option.
type DiscordOption struct {
	Name  string          `json:"name"`
	Type  int             `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	BotToken string
	// PublicKey is the application's hex-encoded Ed25519 key.
	PublicKey   string
	APIBaseURL  string
	Timeout     time.Duration
	FailureText string
	// AckText is shown in the interaction reply while the answer is produced.
	AckText string
}

// DiscordAdapter implements Adapter for Discord application commands.
type DiscordAdapter struct {
	conversationFinder
	client      *resty.Client
	publicKey   ed25519.PublicKey
	failureText string
	ackText     string
	logger      *slog.Logger
}

// NewDiscordAdapter creates a Discord adapter.
func NewDiscordAdapter(cfg DiscordConfig, resolver ConversationResolver, logger *slog.Logger) (*DiscordAdapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	key, err := hex.DecodeString(cfg.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("discord public key must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultDiscordAPI
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ack := cfg.AckText
	if ack == "" {
		ack = "Thinking..."
	}

	client := resty.New().
		SetBaseURL(base).
		SetHeader("Authorization", "Bot "+cfg.BotToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &DiscordAdapter{
		conversationFinder: conversationFinder{gateway: DiscordName, resolver: resolver},
		client:             client,
		publicKey:          ed25519.PublicKey(key),
		failureText:        failureText(cfg.FailureText),
		ackText:            ack,
		logger:             logger.With("component", "gateway", "gateway", DiscordName),
	}, nil
}

// Name implements Adapter.
func (d *DiscordAdapter) Name() string { return DiscordName }

// FailureText implements Adapter.
func (d *DiscordAdapter) FailureText() string { return d.failureText }

// VerifyWebhook checks the X-Signature-Ed25519 signature over timestamp+body.
func (d *DiscordAdapter) VerifyWebhook(raw []byte, sig Signature) bool {
	if sig.Value == "" || sig.Timestamp == "" {
		return false
	}
	signature, err := hex.DecodeString(sig.Value)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	msg := make([]byte, 0, len(sig.Timestamp)+len(raw))
	msg = append(msg, sig.Timestamp...)
	msg = append(msg, raw...)
	return ed25519.Verify(d.publicKey, msg, signature)
}

// InteractionResponse answers PINGs with a PONG and acknowledges commands so
// Discord does not time the interaction out.
func (d *DiscordAdapter) InteractionResponse(raw []byte) ([]byte, bool, error) {
	var in DiscordInteraction
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if in.Type == DiscordInteractionPing {
		body, err := json.Marshal(map[string]any{"type": discordCallbackPong})
		return body, false, err
	}
	body, err := json.Marshal(map[string]any{
		"type": discordCallbackMessage,
		"data": map[string]any{"content": d.ackText},
	})
	return body, in.Type == DiscordInteractionCommand, err
}

// ParseIncomingMessage reads the first string option of an application command.
func (d *DiscordAdapter) ParseIncomingMessage(raw []byte) (*IncomingMessage, error) {
	var in DiscordInteraction
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if in.Type != DiscordInteractionCommand || in.Data == nil {
		return nil, ErrNoContent
	}
	if in.ChannelID == "" {
		return nil, fmt.Errorf("%w: interaction without channel", ErrMalformedPayload)
	}

	var content string
	for _, opt := range in.Data.Options {
		var s string
		if err := json.Unmarshal(opt.Value, &s); err == nil && strings.TrimSpace(s) != "" {
			content = strings.TrimSpace(s)
			break
		}
	}
	if content == "" {
		return nil, ErrNoContent
	}

	msg := &IncomingMessage{
		Gateway:    DiscordName,
		Content:    content,
		ChannelID:  in.ChannelID,
		DeliveryID: in.ID,
		Timestamp:  snowflakeTime(in.ID),
		Payload:    in,
	}
	user := in.User
	if in.Member != nil && in.Member.User != nil {
		user = in.Member.User
		msg.SenderName = in.Member.Nick
	}
	if user != nil {
		msg.SenderID = user.ID
		if msg.SenderName == "" {
			msg.SenderName = user.GlobalName
		}
		if msg.SenderName == "" {
			msg.SenderName = user.Username
		}
	}
	return msg, nil
}

// snowflakeTime extracts the creation time encoded in a Discord id.
func snowflakeTime(id string) time.Time {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(n>>22) + discordEpochMillis).UTC()
}

// SendMessage posts content to the bound channel, split into 2000-rune messages.
func (d *DiscordAdapter) SendMessage(ctx context.Context, conv *store.Conversation, content string) error {
	channelID := d.GetConversationIdentifier(conv)
	if channelID == "" {
		return ErrNoChannel
	}

	for _, chunk := range chunkRunes(content, discordMaxRunes) {
		resp, err := d.client.R().
			SetContext(ctx).
			SetBody(map[string]string{"content": chunk}).
			Post("/channels/" + channelID + "/messages")
		if err != nil {
			return fmt.Errorf("discord create message: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("discord http %d: %s", resp.StatusCode(), truncate(strings.TrimSpace(resp.String()), 200))
		}
	}
	d.logger.Debug("sent message", "channel_id", channelID, "length", len(content))
	return nil
}
