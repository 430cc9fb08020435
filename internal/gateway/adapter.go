// ABOUTME: GatewayAdapter contract shared by every chat platform integration
// ABOUTME: Defines IncomingMessage, the payload tagged union, signatures and conversation lookup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/laraclaw/internal/binding"
	"github.com/2389/laraclaw/internal/store"
)

// Sentinel errors returned by adapters.
var (
	// ErrNoContent means the payload is well-formed but carries nothing to answer
	// (stickers, joins, the bot's own messages). Callers drop it silently.
	ErrNoContent = errors.New("payload carries no message content")

	// ErrMalformedPayload means the payload could not be decoded.
	ErrMalformedPayload = errors.New("malformed gateway payload")

	// ErrNoChannel means a conversation has no external channel to reply to.
	ErrNoChannel = errors.New("conversation has no gateway channel")

	// ErrUnknownGateway is returned by Registry.Get for unregistered names.
	ErrUnknownGateway = errors.New("unknown gateway")
)

// DefaultFailureText is sent to the channel when processing fails.
const DefaultFailureText = "Sorry, I couldn't answer that right now. Please try again in a moment."

// Signature carries the authenticity proof that came with a webhook delivery.
// Which header feeds which field is up to the HTTP layer.
type Signature struct {
	Value     string
	Timestamp string
}

// Payload is the decoded platform body. It is one of TelegramUpdate,
// DiscordInteraction, MatrixEvent, CLIInput or GenericPayload.
type Payload interface {
	gatewayName() string
}

// IncomingMessage is the platform-independent view of an inbound message.
type IncomingMessage struct {
	Gateway    string
	Content    string
	SenderID   string
	SenderName string
	ChannelID  string
	// DeliveryID identifies the delivery for duplicate suppression; empty if the
	// platform provides none.
	DeliveryID string
	// Timestamp is zero when the platform does not say when the message was sent.
	Timestamp time.Time
	Payload   Payload
}

// Adapter integrates one chat platform.
type Adapter interface {
	Name() string
	// ParseIncomingMessage decodes a raw webhook body. It returns ErrNoContent for
	// payloads that should be ignored.
	ParseIncomingMessage(raw []byte) (*IncomingMessage, error)
	// VerifyWebhook reports whether raw was sent by the platform.
	VerifyWebhook(raw []byte, sig Signature) bool
	FindOrCreateConversation(ctx context.Context, msg *IncomingMessage) (*store.Conversation, error)
	SendMessage(ctx context.Context, conv *store.Conversation, content string) error
	// GetConversationIdentifier returns the external thread id, or "" if none.
	GetConversationIdentifier(conv *store.Conversation) string
	FailureText() string
}

// Interactive is implemented by adapters whose webhook caller expects a
// response body before the reply is ready.
type Interactive interface {
	// InteractionResponse returns the body to answer the webhook call with and
	// whether the delivery still has to go through the pipeline.
	InteractionResponse(raw []byte) (body []byte, process bool, err error)
}

// Splitter is implemented by adapters that receive several messages per delivery.
type Splitter interface {
	Split(raw []byte) ([][]byte, error)
}

// ConversationResolver resolves a channel to its conversation.
// *binding.Manager implements it.
type ConversationResolver interface {
	ResolveConversation(ctx context.Context, req binding.ResolveRequest) (*binding.Resolution, error)
}

// conversationFinder implements FindOrCreateConversation for every adapter.
type conversationFinder struct {
	gateway  string
	resolver ConversationResolver
}

// FindOrCreateConversation returns the conversation bound to msg's channel,
// creating and binding one on first contact.
func (f conversationFinder) FindOrCreateConversation(ctx context.Context, msg *IncomingMessage) (*store.Conversation, error) {
	if f.resolver == nil {
		return nil, fmt.Errorf("%s adapter has no conversation resolver", f.gateway)
	}
	if msg.ChannelID == "" {
		return nil, fmt.Errorf("%w: missing channel id", ErrMalformedPayload)
	}

	meta := store.Metadata{}
	if msg.SenderID != "" {
		meta["sender_id"] = msg.SenderID
	}
	if msg.SenderName != "" {
		meta["sender_name"] = msg.SenderName
	}

	res, err := f.resolver.ResolveConversation(ctx, binding.ResolveRequest{
		Gateway:      f.gateway,
		ChannelID:    msg.ChannelID,
		FirstMessage: msg.Content,
		Metadata:     meta,
	})
	if err != nil {
		return nil, err
	}
	return res.Conversation, nil
}

// GetConversationIdentifier returns the external channel the conversation is bound to.
func (f conversationFinder) GetConversationIdentifier(conv *store.Conversation) string {
	if conv == nil {
		return ""
	}
	return conv.GatewayConversationID
}

func failureText(configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return DefaultFailureText
}

// chunkRunes splits s into pieces of at most limit runes.
func chunkRunes(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var chunks []string
	for len(runes) > 0 {
		n := min(limit, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
