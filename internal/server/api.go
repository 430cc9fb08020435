// ABOUTME: JSON API handlers: ask, lifecycle event stream, bindings and usage totals
// ABOUTME: Also serves /health and the metrics text exposition

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/laraclaw/internal/auth"
	"github.com/2389/laraclaw/internal/events"
	"github.com/2389/laraclaw/internal/orchestrator"
	"github.com/2389/laraclaw/internal/store"
)

// AskRequest is the body of POST /api/ask.
type AskRequest struct {
	Message string `json:"message"`
}

// UsageResponse reports token usage for one exchange or a whole conversation.
type UsageResponse struct {
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Exchanges        int     `json:"exchanges,omitempty"`
}

// AskResponse is returned by POST /api/ask.
type AskResponse struct {
	ConversationID string         `json:"conversation_id"`
	Reply          string         `json:"reply"`
	Usage          *UsageResponse `json:"usage,omitempty"`
}

// BindingRequest is the body of POST /api/bindings.
type BindingRequest struct {
	Gateway        string         `json:"gateway"`
	ChannelID      string         `json:"channel_id"`
	UserID         *string        `json:"user_id,omitempty"`
	ConversationID *string        `json:"conversation_id,omitempty"`
	Metadata       store.Metadata `json:"metadata,omitempty"`
}

// BindingResponse is the JSON form of a channel binding.
type BindingResponse struct {
	ID             string         `json:"id"`
	Gateway        string         `json:"gateway"`
	ChannelID      string         `json:"channel_id"`
	UserID         *string        `json:"user_id,omitempty"`
	ConversationID *string        `json:"conversation_id,omitempty"`
	Active         bool           `json:"active"`
	Metadata       store.Metadata `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

func toBindingResponse(b *store.ChannelBinding) BindingResponse {
	return BindingResponse{
		ID:             b.ID,
		Gateway:        b.Gateway,
		ChannelID:      b.ChannelID,
		UserID:         b.UserID,
		ConversationID: b.ConversationID,
		Active:         b.Active,
		Metadata:       b.Metadata,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      b.UpdatedAt.Format(time.RFC3339),
	}
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.ExportText()))
}

// handleAsk answers a one-off question. A token bound to a user pulls in that user's memories.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	var userID *string
	if claims := auth.FromContext(r.Context()); claims != nil {
		userID = claims.UserID
	}

	outcome, err := s.orch.Ask(r.Context(), req.Message, userID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		switch orchestrator.KindOf(err) {
		case orchestrator.KindAgentTimeout:
			s.sendJSONError(w, http.StatusGatewayTimeout, "agent timed out")
		case orchestrator.KindAgentInvocation:
			s.sendJSONError(w, http.StatusBadGateway, "agent failed")
		default:
			s.logger.Error("ask failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	resp := AskResponse{
		ConversationID: outcome.Conversation.ID,
		Reply:          outcome.Reply.Content,
	}
	if u := outcome.Usage; u != nil {
		resp.Usage = &UsageResponse{
			Provider:         u.Provider,
			Model:            u.Model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
			CostUSD:          u.CostUSD,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams lifecycle events as Server-Sent Events. The optional
// conversation_id query parameter narrows the stream to one conversation.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = events.AllConversations
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Error("streaming not supported", "error", err)
		return
	}

	ch, _ := s.events.Subscribe(r.Context(), conversationID)
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			_ = rc.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSEEvent(w, e.Type(), events.ToEnvelope(e))
			_ = rc.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleListBindings handles GET /api/bindings?gateway=X&active=true.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	bindings, err := s.bindings.ListBindings(r.Context(), r.URL.Query().Get("gateway"), activeOnly)
	if err != nil {
		s.logger.Error("failed to list bindings", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]BindingResponse, len(bindings))
	for i, b := range bindings {
		out[i] = toBindingResponse(b)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bindings": out})
}

// handleCreateBinding handles POST /api/bindings. Binding an already bound channel rebinds it.
func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	var req BindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Gateway == "" || req.ChannelID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "gateway and channel_id are required")
		return
	}

	b, err := s.bindings.Bind(r.Context(), req.Gateway, req.ChannelID, req.UserID, req.ConversationID, req.Metadata)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "user or conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to create binding", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, toBindingResponse(b))
}

// handleDeleteBinding handles DELETE /api/bindings/{gateway}/{channel}.
func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	gw, channel := chi.URLParam(r, "gateway"), chi.URLParam(r, "channel")
	removed, err := s.bindings.Unbind(r.Context(), gw, channel)
	if err != nil {
		s.logger.Error("failed to delete binding", "error", err, "gateway", gw, "channel_id", channel)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !removed {
		s.sendJSONError(w, http.StatusNotFound, "binding not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetBindingActive handles POST /api/bindings/{gateway}/{channel}/{activate|deactivate}.
func (s *Server) handleSetBindingActive(w http.ResponseWriter, r *http.Request) {
	gw, channel := chi.URLParam(r, "gateway"), chi.URLParam(r, "channel")

	var (
		changed bool
		err     error
	)
	switch chi.URLParam(r, "action") {
	case "activate":
		changed, err = s.bindings.ActivateBinding(r.Context(), gw, channel)
	case "deactivate":
		changed, err = s.bindings.DeactivateBinding(r.Context(), gw, channel)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.logger.Error("failed to update binding", "error", err, "gateway", gw, "channel_id", channel)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !changed {
		s.sendJSONError(w, http.StatusNotFound, "binding not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConversationUsage handles GET /api/conversations/{id}/usage.
func (s *Server) handleConversationUsage(w http.ResponseWriter, r *http.Request) {
	totals, err := s.usage.ConversationUsage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to load usage", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, UsageResponse{
		PromptTokens:     totals.PromptTokens,
		CompletionTokens: totals.CompletionTokens,
		TotalTokens:      totals.TotalTokens,
		CostUSD:          totals.CostUSD,
		Exchanges:        totals.Exchanges,
	})
}
