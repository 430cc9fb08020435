// ABOUTME: Tests for the Telegram adapter: parsing, secret verification and sendMessage
// ABOUTME: Outbound calls go to an httptest server standing in for the Bot API

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/laraclaw/internal/binding"
	"github.com/2389/laraclaw/internal/store"
)

const telegramUpdateJSON = `{
	"update_id": 1001,
	"message": {
		"message_id": 5,
		"date": 1700000000,
		"chat": {"id": -42, "type": "group", "title": "Friends"},
		"from": {"id": 7, "first_name": "Ada", "last_name": "Lovelace"},
		"text": "  Hello  "
	}
}`

func newTestResolver() *binding.Manager {
	return binding.NewManager(store.NewMockStore(), nil)
}

func newTestTelegram(t *testing.T, baseURL string) *TelegramAdapter {
	t.Helper()
	a, err := NewTelegramAdapter(TelegramConfig{
		BotToken:    "TOKEN",
		SecretToken: "s3cret",
		APIBaseURL:  baseURL,
		Timeout:     time.Second,
	}, newTestResolver(), nil)
	require.NoError(t, err)
	return a
}

func TestTelegram_RequiresToken(t *testing.T) {
	_, err := NewTelegramAdapter(TelegramConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestTelegram_Parse(t *testing.T) {
	a := newTestTelegram(t, "")

	msg, err := a.ParseIncomingMessage([]byte(telegramUpdateJSON))
	require.NoError(t, err)
	assert.Equal(t, TelegramName, msg.Gateway)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, "Ada Lovelace", msg.SenderName)
	assert.Equal(t, "-42", msg.ChannelID)
	assert.Equal(t, "1001", msg.DeliveryID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), msg.Timestamp)

	update, ok := msg.Payload.(TelegramUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(5), update.Message.MessageID)
}

func TestTelegram_ParseChannelPostCaption(t *testing.T) {
	a := newTestTelegram(t, "")

	raw := `{"update_id": 2, "channel_post": {"message_id": 1, "chat": {"id": 99, "title": "News"}, "caption": "photo caption"}}`
	msg, err := a.ParseIncomingMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "photo caption", msg.Content)
	assert.Equal(t, "99", msg.SenderID)
	assert.Equal(t, "News", msg.SenderName)
}

func TestTelegram_ParseIgnoresAndRejects(t *testing.T) {
	a := newTestTelegram(t, "")

	_, err := a.ParseIncomingMessage([]byte(`{"update_id": 3}`))
	assert.ErrorIs(t, err, ErrNoContent)

	_, err = a.ParseIncomingMessage([]byte(`{"update_id": 4, "message": {"chat": {"id": 1}, "sticker": {}}}`))
	assert.ErrorIs(t, err, ErrNoContent)

	_, err = a.ParseIncomingMessage([]byte(`{"update_id": 5, "message": {"chat": {"id": 1}, "from": {"id": 2, "is_bot": true}, "text": "hi"}}`))
	assert.ErrorIs(t, err, ErrNoContent)

	_, err = a.ParseIncomingMessage([]byte(`{"update_id": 6, "message": {"text": "no chat"}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = a.ParseIncomingMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestTelegram_VerifyWebhook(t *testing.T) {
	a := newTestTelegram(t, "")
	assert.True(t, a.VerifyWebhook(nil, Signature{Value: "s3cret"}))
	assert.False(t, a.VerifyWebhook(nil, Signature{Value: "wrong"}))
	assert.False(t, a.VerifyWebhook(nil, Signature{}))

	open, err := NewTelegramAdapter(TelegramConfig{BotToken: "x"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, open.VerifyWebhook(nil, Signature{Value: ""}), "no secret configured never verifies")
}

func TestTelegram_FindOrCreateConversation(t *testing.T) {
	a := newTestTelegram(t, "")
	ctx := context.Background()

	msg, err := a.ParseIncomingMessage([]byte(telegramUpdateJSON))
	require.NoError(t, err)

	conv1, err := a.FindOrCreateConversation(ctx, msg)
	require.NoError(t, err)
	conv2, err := a.FindOrCreateConversation(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, conv1.ID, conv2.ID)
	assert.Equal(t, TelegramName, conv1.Gateway)
	assert.Equal(t, "-42", a.GetConversationIdentifier(conv1))
	assert.Equal(t, "Hello", conv1.Title)
	assert.Equal(t, "7", conv1.Metadata["sender_id"])
}

type recordedRequest struct {
	Path string
	Body map[string]any
}

func TestTelegram_SendMessageHTML(t *testing.T) {
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{Path: r.URL.Path, Body: body})
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok": true, "result": {}}`))
	}))
	defer srv.Close()

	a := newTestTelegram(t, srv.URL)
	conv := &store.Conversation{ID: "c1", GatewayConversationID: "-42"}

	require.NoError(t, a.SendMessage(context.Background(), conv, "**hi** <there>"))

	require.Len(t, reqs, 1)
	assert.Equal(t, "/botTOKEN/sendMessage", reqs[0].Path)
	assert.Equal(t, "-42", reqs[0].Body["chat_id"])
	assert.Equal(t, "HTML", reqs[0].Body["parse_mode"])
	assert.Equal(t, "<b>hi</b> &lt;there&gt;", reqs[0].Body["text"])
}

func TestTelegram_SendMessageFallsBackToPlainText(t *testing.T) {
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{Path: r.URL.Path, Body: body})
		mu.Unlock()
		if body["parse_mode"] == "HTML" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok": false, "error_code": 400, "description": "Bad Request: can't parse entities"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	a := newTestTelegram(t, srv.URL)
	conv := &store.Conversation{ID: "c1", GatewayConversationID: "-42"}

	require.NoError(t, a.SendMessage(context.Background(), conv, "*hi*"))
	require.Len(t, reqs, 2)
	_, hasMode := reqs[1].Body["parse_mode"]
	assert.False(t, hasMode)
	assert.Equal(t, "*hi*", reqs[1].Body["text"])
}

func TestTelegram_SendMessageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok": false, "description": "Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	a := newTestTelegram(t, srv.URL)

	err := a.SendMessage(context.Background(), &store.Conversation{ID: "c1"}, "hi")
	assert.ErrorIs(t, err, ErrNoChannel)

	err = a.SendMessage(context.Background(), &store.Conversation{ID: "c1", GatewayConversationID: "1"}, "hi")
	var te *TelegramError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
	assert.Contains(t, te.Description, "blocked")
}
