// ABOUTME: Local command-line adapter used by `laraclaw ask` and the chat REPL
// ABOUTME: Accepts plain text or JSON input and prints replies in colour

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/laraclaw/internal/store"
)

// CLIName is the gateway name of the command-line adapter.
const CLIName = "cli"

// DefaultCLIChannel is the channel used when input does not name one.
const DefaultCLIChannel = "local"

// CLIInput is a command-line message. Plain-text input fills only Content.
type CLIInput struct {
	Content    string `json:"content"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
}

func (CLIInput) gatewayName() string { return CLIName }

// CLIAdapter implements Adapter for a local terminal.
type CLIAdapter struct {
	conversationFinder
	mu     sync.Mutex
	out    io.Writer
	prefix *color.Color
	now    func() time.Time
}

// NewCLIAdapter creates a CLI adapter writing replies to out (os.Stdout if nil).
func NewCLIAdapter(out io.Writer, resolver ConversationResolver) *CLIAdapter {
	if out == nil {
		out = os.Stdout
	}
	return &CLIAdapter{
		conversationFinder: conversationFinder{gateway: CLIName, resolver: resolver},
		out:                out,
		prefix:             color.New(color.FgCyan, color.Bold),
		now:                time.Now,
	}
}

// Name implements Adapter.
func (c *CLIAdapter) Name() string { return CLIName }

// FailureText implements Adapter.
func (c *CLIAdapter) FailureText() string { return DefaultFailureText }

// VerifyWebhook always succeeds: input comes from the local user.
func (c *CLIAdapter) VerifyWebhook([]byte, Signature) bool { return true }

// ParseIncomingMessage accepts a CLIInput JSON object or plain text.
func (c *CLIAdapter) ParseIncomingMessage(raw []byte) (*IncomingMessage, error) {
	var in CLIInput
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		in.Content = strings.TrimSpace(in.Content)
	} else {
		in.Content = trimmed
	}
	if in.Content == "" {
		return nil, ErrNoContent
	}
	if in.ChannelID == "" {
		in.ChannelID = DefaultCLIChannel
	}
	if in.SenderID == "" {
		in.SenderID = currentUser()
	}

	return &IncomingMessage{
		Gateway:    CLIName,
		Content:    in.Content,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		ChannelID:  in.ChannelID,
		Timestamp:  c.now().UTC(),
		Payload:    in,
	}, nil
}

// GetConversationIdentifier returns the bound channel, or the conversation id
// for conversations created without one.
func (c *CLIAdapter) GetConversationIdentifier(conv *store.Conversation) string {
	if conv == nil {
		return ""
	}
	if conv.GatewayConversationID != "" {
		return conv.GatewayConversationID
	}
	return conv.ID
}

// SendMessage prints the reply.
func (c *CLIAdapter) SendMessage(_ context.Context, _ *store.Conversation, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.prefix.Fprint(c.out, "laraclaw> "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, content)
	return err
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
