// ABOUTME: Tests for the Matrix adapter: event parsing, transactions, hs_token checks and sending
// ABOUTME: The mautrix client talks to an httptest homeserver

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/laraclaw/internal/store"
)

const matrixEventJSON = `{
	"type": "m.room.message",
	"event_id": "$evt1",
	"room_id": "!room:example.org",
	"sender": "@ada:example.org",
	"origin_server_ts": 1700000000123,
	"content": {"msgtype": "m.text", "body": "Hello"}
}`

func newTestMatrix(t *testing.T, homeserver string) *MatrixAdapter {
	t.Helper()
	if homeserver == "" {
		homeserver = "https://matrix.example.org"
	}
	a, err := NewMatrixAdapter(MatrixConfig{
		Homeserver:  homeserver,
		UserID:      "@laraclaw:example.org",
		AccessToken: "as-token",
		HSToken:     "hs-token",
	}, newTestResolver(), nil)
	require.NoError(t, err)
	return a
}

func TestMatrix_ConfigValidation(t *testing.T) {
	_, err := NewMatrixAdapter(MatrixConfig{Homeserver: "https://x"}, nil, nil)
	assert.Error(t, err)
}

func TestMatrix_Parse(t *testing.T) {
	a := newTestMatrix(t, "")

	msg, err := a.ParseIncomingMessage([]byte(matrixEventJSON))
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "@ada:example.org", msg.SenderID)
	assert.Equal(t, "ada", msg.SenderName)
	assert.Equal(t, "!room:example.org", msg.ChannelID)
	assert.Equal(t, "$evt1", msg.DeliveryID)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), msg.Timestamp)

	payload, ok := msg.Payload.(MatrixEvent)
	require.True(t, ok)
	assert.Equal(t, "$evt1", payload.Event.ID.String())
}

func TestMatrix_ParseIgnores(t *testing.T) {
	a := newTestMatrix(t, "")

	own := strings.Replace(matrixEventJSON, "@ada:example.org", "@laraclaw:example.org", 1)
	_, err := a.ParseIncomingMessage([]byte(own))
	assert.ErrorIs(t, err, ErrNoContent)

	image := strings.Replace(matrixEventJSON, `"m.text"`, `"m.image"`, 1)
	_, err = a.ParseIncomingMessage([]byte(image))
	assert.ErrorIs(t, err, ErrNoContent)

	member := `{"type": "m.room.member", "room_id": "!r:x", "sender": "@a:x", "state_key": "@a:x", "content": {"membership": "join"}}`
	_, err = a.ParseIncomingMessage([]byte(member))
	assert.ErrorIs(t, err, ErrNoContent)

	_, err = a.ParseIncomingMessage([]byte(`[]`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestMatrix_Split(t *testing.T) {
	a := newTestMatrix(t, "")

	parts, err := a.Split([]byte(`{"events": [` + matrixEventJSON + `, {"type": "m.typing"}]}`))
	require.NoError(t, err)
	require.Len(t, parts, 2)

	msg, err := a.ParseIncomingMessage(parts[0])
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)

	single, err := a.Split([]byte(matrixEventJSON))
	require.NoError(t, err)
	assert.Len(t, single, 1)
}

func TestMatrix_VerifyWebhook(t *testing.T) {
	a := newTestMatrix(t, "")
	assert.True(t, a.VerifyWebhook(nil, Signature{Value: "hs-token"}))
	assert.False(t, a.VerifyWebhook(nil, Signature{Value: "as-token"}))
	assert.False(t, a.VerifyWebhook(nil, Signature{}))
}

func TestMatrix_SendMessageFormatsHTML(t *testing.T) {
	var mu sync.Mutex
	var method, path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_id": "$reply"}`))
	}))
	defer srv.Close()

	a := newTestMatrix(t, srv.URL)
	conv := &store.Conversation{ID: "c1", GatewayConversationID: "!room:example.org"}

	require.NoError(t, a.SendMessage(context.Background(), conv, "**hi**"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Contains(t, path, "/send/m.room.message/")
	assert.Equal(t, "m.text", body["msgtype"])
	assert.Equal(t, "**hi**", body["body"])
	assert.Equal(t, "org.matrix.custom.html", body["format"])
	assert.Equal(t, "<p><strong>hi</strong></p>", body["formatted_body"])
}

func TestMatrix_SendMessageNoRoom(t *testing.T) {
	a := newTestMatrix(t, "")
	err := a.SendMessage(context.Background(), &store.Conversation{ID: "c1"}, "hi")
	assert.ErrorIs(t, err, ErrNoChannel)
}
