// ABOUTME: Webhook endpoint: pulls the platform signature off the request and hands the delivery to the orchestrator
// ABOUTME: Interactive gateways are acknowledged inline and processed in the background

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/laraclaw/internal/gateway"
	"github.com/2389/laraclaw/internal/orchestrator"
)

// Inbound webhook headers.
const (
	headerTelegramSecret   = "X-Telegram-Bot-Api-Secret-Token"
	headerDiscordSignature = "X-Signature-Ed25519"
	headerDiscordTimestamp = "X-Signature-Timestamp"
	headerRetryCount       = "X-Retry-Count"
)

// signatureFrom extracts what the named gateway verifies against.
func signatureFrom(gatewayName string, r *http.Request) gateway.Signature {
	switch gatewayName {
	case gateway.TelegramName:
		return gateway.Signature{Value: r.Header.Get(headerTelegramSecret)}
	case gateway.DiscordName:
		return gateway.Signature{
			Value:     r.Header.Get(headerDiscordSignature),
			Timestamp: r.Header.Get(headerDiscordTimestamp),
		}
	case gateway.MatrixName:
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			return gateway.Signature{Value: token}
		}
		return gateway.Signature{Value: r.URL.Query().Get("access_token")}
	default:
		return gateway.Signature{Value: r.Header.Get(gateway.WebhookSignatureHeader)}
	}
}

// retryCount reads the delivery attempt number, defaulting to 0.
func retryCount(r *http.Request) int {
	n, err := strconv.Atoi(r.Header.Get(headerRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type webhookResponse struct {
	Results []string `json:"results"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	adapter, err := s.gateways.Get(name)
	if err != nil {
		s.sendJSONError(w, http.StatusNotFound, "unknown gateway")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "reading body")
		return
	}
	sig := signatureFrom(name, r)
	retries := retryCount(r)

	if interactive, ok := adapter.(gateway.Interactive); ok {
		s.handleInteraction(w, r, adapter, interactive, raw, sig, retries)
		return
	}

	outcomes, err := s.orch.HandleInbound(r.Context(), name, raw, sig, retries)
	if orchestrator.KindOf(err) == orchestrator.KindWebhookVerification {
		s.sendJSONError(w, http.StatusUnauthorized, "webhook verification failed")
		return
	}
	if err != nil && len(outcomes) == 0 {
		if errors.Is(err, gateway.ErrMalformedPayload) {
			s.sendJSONError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		// The channel already has the failure text; a non-2xx would trigger redelivery.
		s.logger.Error("webhook processing failed", "gateway", name, "error", err)
	}

	resp := webhookResponse{Results: make([]string, 0, len(outcomes))}
	for _, o := range outcomes {
		resp.Results = append(resp.Results, string(o.Status))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request, adapter gateway.Adapter, interactive gateway.Interactive, raw []byte, sig gateway.Signature, retries int) {
	if !adapter.VerifyWebhook(raw, sig) {
		s.logger.Warn("webhook verification failed", "gateway", adapter.Name())
		s.sendJSONError(w, http.StatusUnauthorized, "webhook verification failed")
		return
	}

	body, process, err := interactive.InteractionResponse(raw)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	if !process {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.orch.HandleInbound(ctx, adapter.Name(), raw, sig, retries); err != nil {
			s.logger.Error("interaction processing failed", "gateway", adapter.Name(), "error", err)
		}
	}()
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
