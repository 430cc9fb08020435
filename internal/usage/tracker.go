// ABOUTME: Tracker turns prompt/completion text into TokenUsage ledger records
// ABOUTME: Estimates tokens from character length and prices them from the pricing table

package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/laraclaw/internal/store"
)

// UsageStore is what the tracker needs from storage.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *store.TokenUsage) error
}

// Tracker builds and records token usage.
type Tracker struct {
	store   UsageStore
	pricing PricingTable
	logger  *slog.Logger
}

// NewTracker creates a tracker. store may be nil when only Build is used.
func NewTracker(s UsageStore, pricing PricingTable, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   s,
		pricing: pricing.Merge(nil),
		logger:  logger.With("component", "usage"),
	}
}

// Exchange describes one agent round trip.
type Exchange struct {
	ConversationID string
	MessageID      string
	Provider       string
	Model          string
	PromptText     string
	CompletionText string
	// Reported counts from the provider; nil means estimate from text.
	PromptTokens     *int
	CompletionTokens *int
	Metadata         store.Metadata
}

// EstimateTokens approximates the token count of text as ceil(runes/4), at least 1
// for non-empty text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return max(1, (n+3)/4)
}

// Cost prices token counts for provider/model. Unknown pricing costs 0.
func (t *Tracker) Cost(provider, model string, promptTokens, completionTokens int) float64 {
	price, ok := t.pricing.Lookup(provider, model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*price.InputPerMillion +
		float64(completionTokens)/1e6*price.OutputPerMillion
}

// Build computes a TokenUsage record without persisting it.
func (t *Tracker) Build(ex Exchange) *store.TokenUsage {
	estimated := false
	var prompt int
	if ex.PromptTokens != nil && *ex.PromptTokens >= 0 {
		prompt = *ex.PromptTokens
	} else {
		prompt = EstimateTokens(ex.PromptText)
		estimated = true
	}
	var completion int
	if ex.CompletionTokens != nil && *ex.CompletionTokens >= 0 {
		completion = *ex.CompletionTokens
	} else {
		completion = EstimateTokens(ex.CompletionText)
		estimated = true
	}

	meta := make(store.Metadata, len(ex.Metadata)+1)
	for k, v := range ex.Metadata {
		meta[k] = v
	}
	meta["estimated"] = estimated

	return &store.TokenUsage{
		ID:               uuid.New().String(),
		ConversationID:   ex.ConversationID,
		MessageID:        ex.MessageID,
		Provider:         ex.Provider,
		Model:            ex.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		CostUSD:          t.Cost(ex.Provider, ex.Model, prompt, completion),
		Metadata:         meta,
		CreatedAt:        time.Now().UTC(),
	}
}

// Record builds and persists a usage record.
func (t *Tracker) Record(ctx context.Context, ex Exchange) (*store.TokenUsage, error) {
	if t.store == nil {
		return nil, fmt.Errorf("usage tracker has no store")
	}
	u := t.Build(ex)
	if err := t.store.SaveUsage(ctx, u); err != nil {
		return nil, fmt.Errorf("recording usage: %w", err)
	}
	t.logger.Debug("recorded usage",
		"conversation_id", u.ConversationID,
		"total_tokens", u.TotalTokens,
		"cost_usd", u.CostUSD,
	)
	return u, nil
}
