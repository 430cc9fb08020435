// ABOUTME: Tests for the CLI adapter and the generic webhook adapter
// ABOUTME: Also covers the adapter registry and shared helpers

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/laraclaw/internal/store"
)

func TestCLI_Parse(t *testing.T) {
	a := NewCLIAdapter(io.Discard, newTestResolver())

	msg, err := a.ParseIncomingMessage([]byte("  what's up?\n"))
	require.NoError(t, err)
	assert.Equal(t, "what's up?", msg.Content)
	assert.Equal(t, DefaultCLIChannel, msg.ChannelID)
	assert.NotEmpty(t, msg.SenderID)
	assert.False(t, msg.Timestamp.IsZero())

	msg, err = a.ParseIncomingMessage([]byte(`{"content": "hi", "channel_id": "repl-1", "sender_id": "bob"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "repl-1", msg.ChannelID)
	assert.Equal(t, "bob", msg.SenderID)

	_, err = a.ParseIncomingMessage([]byte("   "))
	assert.ErrorIs(t, err, ErrNoContent)

	_, err = a.ParseIncomingMessage([]byte(`{"content": `))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCLI_SendAndIdentifier(t *testing.T) {
	var buf bytes.Buffer
	a := NewCLIAdapter(&buf, nil)

	assert.True(t, a.VerifyWebhook(nil, Signature{}))
	require.NoError(t, a.SendMessage(context.Background(), &store.Conversation{ID: "c1"}, "hello there"))
	assert.Contains(t, buf.String(), "laraclaw> ")
	assert.Contains(t, buf.String(), "hello there\n")

	assert.Equal(t, "c1", a.GetConversationIdentifier(&store.Conversation{ID: "c1"}))
	assert.Equal(t, "local", a.GetConversationIdentifier(&store.Conversation{ID: "c1", GatewayConversationID: "local"}))
	assert.Equal(t, "", a.GetConversationIdentifier(nil))
}

func TestCLI_FindOrCreateWithoutResolver(t *testing.T) {
	a := NewCLIAdapter(io.Discard, nil)
	_, err := a.FindOrCreateConversation(context.Background(), &IncomingMessage{ChannelID: "x", Content: "hi"})
	assert.Error(t, err)
}

func TestWebhook_SignVerifyParse(t *testing.T) {
	a, err := NewWebhookAdapter(WebhookConfig{Secret: "shh"}, newTestResolver(), nil)
	require.NoError(t, err)

	body := []byte(`{"text": "Hello", "chat_id": 12345, "sender": "u1", "id": "d-1", "timestamp": "2024-01-02T03:04:05Z"}`)
	sig := a.Sign(body)

	assert.True(t, a.VerifyWebhook(body, Signature{Value: sig}))
	assert.True(t, a.VerifyWebhook(body, Signature{Value: "sha256=" + sig}))
	assert.False(t, a.VerifyWebhook(body, Signature{Value: strings.Repeat("0", 64)}))
	assert.False(t, a.VerifyWebhook(body, Signature{}))

	msg, err := a.ParseIncomingMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "12345", msg.ChannelID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "d-1", msg.DeliveryID)
	assert.Equal(t, 2024, msg.Timestamp.Year())

	payload, ok := msg.Payload.(GenericPayload)
	require.True(t, ok)
	assert.Equal(t, "Hello", payload["text"])

	_, err = a.ParseIncomingMessage([]byte(`{"channel_id": "x"}`))
	assert.ErrorIs(t, err, ErrNoContent)
	_, err = a.ParseIncomingMessage([]byte(`{"content": "x"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestWebhook_SendMessageSignsCallback(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(WebhookSignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a, err := NewWebhookAdapter(WebhookConfig{Secret: "shh", CallbackURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	conv := &store.Conversation{ID: "c1", GatewayConversationID: "chan"}
	require.NoError(t, a.SendMessage(context.Background(), conv, "reply"))

	assert.Equal(t, "sha256="+a.Sign(gotBody), gotSig)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &reply))
	assert.Equal(t, map[string]string{"conversation_id": "c1", "channel_id": "chan", "content": "reply"}, reply)
}

func TestWebhook_RequiresSecret(t *testing.T) {
	_, err := NewWebhookAdapter(WebhookConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	cli := NewCLIAdapter(io.Discard, nil)
	hook, err := NewWebhookAdapter(WebhookConfig{Secret: "x"}, nil, nil)
	require.NoError(t, err)

	r := NewRegistry(hook, cli)
	assert.Equal(t, []string{"cli", "webhook"}, r.Names())

	got, err := r.Get("cli")
	require.NoError(t, err)
	assert.Same(t, cli, got)

	_, err = r.Get("irc")
	assert.ErrorIs(t, err, ErrUnknownGateway)
}

func TestChunkRunes(t *testing.T) {
	assert.Equal(t, []string{"abc"}, chunkRunes("abc", 5))
	assert.Equal(t, []string{"ab", "cd", "e"}, chunkRunes("abcde", 2))
	assert.Equal(t, []string{"ééé", "é"}, chunkRunes("éééé", 3))
}
