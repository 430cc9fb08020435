// ABOUTME: Matrix appservice adapter using mautrix for event parsing and sending
// ABOUTME: Verifies the homeserver token and replies with HTML formatted_body rendered by goldmark

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/laraclaw/internal/markdown"
	"github.com/2389/laraclaw/internal/store"
)

// MatrixName is the gateway name of the Matrix adapter.
const MatrixName = "matrix"

// MatrixEvent wraps a decoded Matrix room event.
type MatrixEvent struct {
	Event *event.Event
}

func (MatrixEvent) gatewayName() string { return MatrixName }

// MatrixConfig configures the Matrix adapter.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// HSToken is the token the homeserver presents when pushing transactions.
	HSToken     string
	FailureText string
}

// MatrixAdapter implements Adapter for a Matrix application service.
type MatrixAdapter struct {
	conversationFinder
	client      *mautrix.Client
	userID      id.UserID
	hsToken     string
	failureText string
	logger      *slog.Logger
}

// NewMatrixAdapter creates a Matrix adapter.
func NewMatrixAdapter(cfg MatrixConfig, resolver ConversationResolver, logger *slog.Logger) (*MatrixAdapter, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix homeserver, user_id and access_token are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &MatrixAdapter{
		conversationFinder: conversationFinder{gateway: MatrixName, resolver: resolver},
		client:             client,
		userID:             id.UserID(cfg.UserID),
		hsToken:            cfg.HSToken,
		failureText:        failureText(cfg.FailureText),
		logger:             logger.With("component", "gateway", "gateway", MatrixName),
	}, nil
}

// Name implements Adapter.
func (m *MatrixAdapter) Name() string { return MatrixName }

// FailureText implements Adapter.
func (m *MatrixAdapter) FailureText() string { return m.failureText }

// VerifyWebhook compares the bearer token the homeserver sent with hs_token.
func (m *MatrixAdapter) VerifyWebhook(_ []byte, sig Signature) bool {
	if m.hsToken == "" || sig.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(m.hsToken), []byte(sig.Value)) == 1
}

// Split unpacks an appservice transaction ({"events": [...]}) into single
// events. A body without an events array is treated as one event.
func (m *MatrixAdapter) Split(raw []byte) ([][]byte, error) {
	var txn struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if txn.Events == nil {
		return [][]byte{raw}, nil
	}
	out := make([][]byte, 0, len(txn.Events))
	for _, evt := range txn.Events {
		out = append(out, evt)
	}
	return out, nil
}

// ParseIncomingMessage accepts m.room.message events with a text body.
func (m *MatrixAdapter) ParseIncomingMessage(raw []byte) (*IncomingMessage, error) {
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.Type.Type != event.EventMessage.Type {
		return nil, ErrNoContent
	}
	if evt.Sender == m.userID {
		return nil, ErrNoContent
	}
	if evt.RoomID == "" {
		return nil, fmt.Errorf("%w: event without room", ErrMalformedPayload)
	}

	if err := evt.Content.ParseRaw(event.EventMessage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	content := evt.Content.AsMessage()
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return nil, ErrNoContent
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return nil, ErrNoContent
	}

	msg := &IncomingMessage{
		Gateway:    MatrixName,
		Content:    body,
		SenderID:   evt.Sender.String(),
		SenderName: localpart(evt.Sender),
		ChannelID:  evt.RoomID.String(),
		DeliveryID: evt.ID.String(),
		Payload:    MatrixEvent{Event: &evt},
	}
	if evt.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(evt.Timestamp).UTC()
	}
	return msg, nil
}

func localpart(user id.UserID) string {
	s := strings.TrimPrefix(user.String(), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// SendMessage sends content as m.text with an HTML formatted_body when the
// Markdown renders.
func (m *MatrixAdapter) SendMessage(ctx context.Context, conv *store.Conversation, content string) error {
	roomID := m.GetConversationIdentifier(conv)
	if roomID == "" {
		return ErrNoChannel
	}

	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content,
	}
	if html, err := markdown.ToHTML(content); err != nil {
		m.logger.Warn("markdown rendering failed, sending plain text", "error", err)
	} else if html != "" {
		msg.Format = event.FormatHTML
		msg.FormattedBody = html
	}

	resp, err := m.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, msg)
	if err != nil {
		return fmt.Errorf("matrix send: %w", err)
	}
	m.logger.Debug("sent message", "room", roomID, "event_id", resp.EventID.String())
	return nil
}
