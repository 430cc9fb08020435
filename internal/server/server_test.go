// ABOUTME: Tests for the HTTP surface against a real orchestrator, echo agent and in-memory store
// ABOUTME: Covers webhooks, Discord interactions, the JWT API, SSE events, bindings and metrics

package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/2389/laraclaw/internal/agent"
	"github.com/2389/laraclaw/internal/auth"
	"github.com/2389/laraclaw/internal/binding"
	"github.com/2389/laraclaw/internal/config"
	"github.com/2389/laraclaw/internal/events"
	"github.com/2389/laraclaw/internal/gateway"
	"github.com/2389/laraclaw/internal/memory"
	"github.com/2389/laraclaw/internal/metrics"
	"github.com/2389/laraclaw/internal/orchestrator"
	"github.com/2389/laraclaw/internal/store"
	"github.com/2389/laraclaw/internal/usage"
)

// callbackSink records replies posted by the webhook and Discord adapters.
type callbackSink struct {
	mu      sync.Mutex
	bodies  []map[string]string
	srv     *httptest.Server
	arrived chan struct{}
}

func newCallbackSink(t *testing.T) *callbackSink {
	t.Helper()
	c := &callbackSink{arrived: make(chan struct{}, 16)}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		c.arrived <- struct{}{}
		_, _ = w.Write([]byte(`{"id": "m1"}`))
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *callbackSink) contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.bodies))
	for _, b := range c.bodies {
		out = append(out, b["content"])
	}
	return out
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	store    *store.MockStore
	bindings *binding.Manager
	events   *events.Broadcaster
	metrics  *metrics.Collector
	webhook  *gateway.WebhookAdapter
	discord  ed25519.PrivateKey
	replies  *callbackSink
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMockStore()
	bindings := binding.NewManager(ms, nil)
	collector := metrics.NewCollector(metrics.NewMemoryBackend(), metrics.Options{Namespace: "laraclaw"})
	broadcaster := events.NewBroadcaster(nil)
	replies := newCallbackSink(t)

	hook, err := gateway.NewWebhookAdapter(gateway.WebhookConfig{Secret: "shh", CallbackURL: replies.srv.URL}, bindings, nil)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	discord, err := gateway.NewDiscordAdapter(gateway.DiscordConfig{
		BotToken:   "bot",
		PublicKey:  hex.EncodeToString(pub),
		APIBaseURL: replies.srv.URL,
	}, bindings, nil)
	require.NoError(t, err)

	registry := gateway.NewRegistry(hook, discord)
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    ms,
		Context:  memory.NewManager(ms, memory.KeywordRanker{}, memory.Config{HistoryLimit: 10}, nil),
		Agent:    &agent.EchoAgent{},
		Usage:    usage.NewTracker(ms, usage.PricingTable{"echo": {InputPerMillion: 1, OutputPerMillion: 2}}, nil),
		Metrics:  collector,
		Gateways: registry,
		Bindings: bindings,
		Events:   broadcaster,
	}, orchestrator.Config{})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte("jwt-secret"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Metrics.Enabled = true

	srv, err := New(Options{
		Config:       cfg,
		Orchestrator: orch,
		Gateways:     registry,
		Bindings:     bindings,
		Usage:        ms,
		Events:       broadcaster,
		Metrics:      collector,
		Verifier:     verifier,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:   srv,
		http:     ts,
		store:    ms,
		bindings: bindings,
		events:   broadcaster,
		metrics:  collector,
		webhook:  hook,
		discord:  priv,
		replies:  replies,
		verifier: verifier,
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Generate("tester", userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postWebhook(t *testing.T, body []byte, sig string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/webhooks/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	if sig != "" {
		req.Header.Set(gateway.WebhookSignatureHeader, "sha256="+sig)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhook_ProcessesAndReplies(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"content": "Hello", "channel_id": "chan-1", "sender_id": "u1", "delivery_id": "d1"}`)

	resp := env.postWebhook(t, body, env.webhook.Sign(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"processed"}, out.Results)
	assert.Equal(t, []string{"echo: Hello"}, env.replies.contents())

	b, err := env.bindings.GetBinding(context.Background(), "webhook", "chan-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Active)
}

func TestWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"content": "Hello", "channel_id": "chan-1"}`)

	resp := env.postWebhook(t, body, strings.Repeat("0", 64))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.replies.contents())

	list, err := env.bindings.ListBindings(context.Background(), "", false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWebhook_UnknownGateway(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/webhooks/irc", "", map[string]string{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhook_Malformed(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"content": "no channel"}`)
	resp := env.postWebhook(t, body, env.webhook.Sign(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhook_Ignored(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"channel_id": "chan-1"}`)
	resp := env.postWebhook(t, body, env.webhook.Sign(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"ignored"}, out.Results)
}

func TestDiscordInteraction_AcknowledgesThenPosts(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{
		"id": "175928847299117063",
		"type": 2,
		"channel_id": "c-1",
		"member": {"user": {"id": "u-1", "username": "ada"}},
		"data": {"name": "ask", "options": [{"name": "message", "type": 3, "value": "Hello"}]}
	}`)
	ts := "1700000000"
	sig := hex.EncodeToString(ed25519.Sign(env.discord, append([]byte(ts), body...)))

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/webhooks/discord", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Signature-Ed25519", sig)
	req.Header.Set("X-Signature-Timestamp", ts)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": 4, "data": {"content": "Thinking..."}}`, string(ack))

	env.server.Wait()
	assert.Equal(t, []string{"echo: Hello"}, env.replies.contents())
}

func TestDiscordInteraction_Ping(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"id": "1", "type": 1}`)
	ts := "1700000000"
	sig := hex.EncodeToString(ed25519.Sign(env.discord, append([]byte(ts), body...)))

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/webhooks/discord", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Signature-Ed25519", sig)
	req.Header.Set("X-Signature-Timestamp", ts)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": 1}`, string(ack))

	req, err = http.NewRequest(http.MethodPost, env.http.URL+"/webhooks/discord", bytes.NewReader(body))
	require.NoError(t, err)
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestAsk(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/ask", "", AskRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/ask", env.token(t, ""), AskRequest{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/ask", env.token(t, ""), AskRequest{Message: "hi there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out AskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "echo: hi there", out.Reply)
	assert.NotEmpty(t, out.ConversationID)
	require.NotNil(t, out.Usage)
	assert.Equal(t, "echo", out.Usage.Provider)
	assert.Positive(t, out.Usage.TotalTokens)

	usageResp := env.do(t, http.MethodGet, "/api/conversations/"+out.ConversationID+"/usage", env.token(t, ""), nil)
	require.Equal(t, http.StatusOK, usageResp.StatusCode)
	var totals UsageResponse
	require.NoError(t, json.NewDecoder(usageResp.Body).Decode(&totals))
	assert.Equal(t, 1, totals.Exchanges)
	assert.Equal(t, out.Usage.TotalTokens, totals.TotalTokens)
}

func TestEvents_StreamsProcessedMessages(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/api/events?access_token="+env.token(t, ""), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.events.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	body := []byte(`{"content": "Hello", "channel_id": "chan-1"}`)
	env.postWebhook(t, body, env.webhook.Sign(body))

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	assert.Equal(t, events.TypeMessageProcessed, eventLine)
	var env2 events.Envelope
	require.NoError(t, json.Unmarshal([]byte(dataLine), &env2))
	assert.Equal(t, "echo: Hello", env2.Response)
	assert.Equal(t, "webhook", env2.Gateway)
}

func TestBindingsAPI(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "")

	resp := env.do(t, http.MethodPost, "/api/bindings", tok, BindingRequest{Gateway: "webhook"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/bindings", tok, BindingRequest{Gateway: "webhook", ChannelID: "c1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created BindingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, created.Active)

	resp = env.do(t, http.MethodPost, "/api/bindings/webhook/c1/deactivate", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/bindings?active=true", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Bindings []BindingResponse `json:"bindings"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Empty(t, listed.Bindings)

	resp = env.do(t, http.MethodGet, "/api/bindings", tok, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Bindings, 1)
	assert.False(t, listed.Bindings[0].Active)

	resp = env.do(t, http.MethodPost, "/api/bindings/webhook/c1/explode", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/bindings/webhook/c1", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/bindings/webhook/c1", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/bindings/webhook/c1/activate", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownReferencesReturnNotFound(t *testing.T) {
	env := newTestEnv(t)
	ghost := "ghost"

	resp := env.do(t, http.MethodPost, "/api/bindings", env.token(t, ""), BindingRequest{Gateway: "webhook", ChannelID: "c1", UserID: &ghost})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/bindings", env.token(t, ""), BindingRequest{Gateway: "webhook", ChannelID: "c1", ConversationID: &ghost})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/ask", env.token(t, ghost), AskRequest{Message: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"content": "Hello", "channel_id": "chan-1"}`)
	env.postWebhook(t, body, env.webhook.Sign(body))

	resp := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "laraclaw_messages_received 1")
	assert.Contains(t, string(text), "laraclaw_messages_sent 1")
}

func TestAPIDisabledWithoutVerifier(t *testing.T) {
	env := newTestEnv(t)
	env.server.verifier = nil
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/ask", "application/json", strings.NewReader(`{"message": "hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignatureFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", nil)
	r.Header.Set("X-Telegram-Bot-Api-Secret-Token", "tg")
	assert.Equal(t, gateway.Signature{Value: "tg"}, signatureFrom(gateway.TelegramName, r))

	r = httptest.NewRequest(http.MethodPut, "/webhooks/matrix?access_token=q", nil)
	assert.Equal(t, gateway.Signature{Value: "q"}, signatureFrom(gateway.MatrixName, r))
	r.Header.Set("Authorization", "Bearer hs")
	assert.Equal(t, gateway.Signature{Value: "hs"}, signatureFrom(gateway.MatrixName, r))

	r = httptest.NewRequest(http.MethodPost, "/webhooks/discord", nil)
	r.Header.Set("X-Signature-Ed25519", "sig")
	r.Header.Set("X-Signature-Timestamp", "ts")
	assert.Equal(t, gateway.Signature{Value: "sig", Timestamp: "ts"}, signatureFrom(gateway.DiscordName, r))
}

func TestRetryCount(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Equal(t, 0, retryCount(r))
	r.Header.Set("X-Retry-Count", "3")
	assert.Equal(t, 3, retryCount(r))
	r.Header.Set("X-Retry-Count", "-1")
	assert.Equal(t, 0, retryCount(r))
}
