// ABOUTME: Manager assembles per-turn agent context from history and long-term memory
// ABOUTME: History is windowed deterministically; memories are ranked and scoped to one user

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/laraclaw/internal/store"
	"github.com/2389/laraclaw/internal/usage"
)

// Defaults applied when Config fields are zero.
const (
	DefaultHistoryLimit = 50
	DefaultMemoryLimit  = 5
)

// Config controls history windowing and memory selection.
type Config struct {
	// HistoryLimit is the maximum number of recent messages returned.
	HistoryLimit int
	// HistoryTokenBudget, when positive, further trims the window from the oldest
	// end until the estimated token total fits.
	HistoryTokenBudget int
	// MemoryLimit caps how many ranked fragments are returned.
	MemoryLimit int
	// EmbeddingModel is recorded alongside vectors written by Remember.
	EmbeddingModel string
}

// MemoryStore is what the manager needs from storage.
type MemoryStore interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	ListMemories(ctx context.Context, userID string) ([]*store.MemoryFragment, error)
	SaveMemory(ctx context.Context, fragment *store.MemoryFragment) error
	SaveEmbedding(ctx context.Context, embeddingID, model string, vector []float32) error
}

// Manager builds agent context.
type Manager struct {
	store    MemoryStore
	ranker   Ranker
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// NewManager creates a memory manager. A nil ranker defaults to KeywordRanker.
func NewManager(s MemoryStore, ranker Ranker, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ranker == nil {
		ranker = KeywordRanker{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	m := &Manager{
		store:  s,
		ranker: ranker,
		cfg:    cfg,
		logger: logger.With("component", "memory"),
	}
	if er, ok := ranker.(*EmbeddingRanker); ok {
		m.embedder = er.Embedder
	}
	return m
}

// GetConversationHistory returns the windowed log of conv, oldest first.
func (m *Manager) GetConversationHistory(ctx context.Context, conv *store.Conversation) ([]*store.Message, error) {
	msgs, err := m.store.ListMessages(ctx, conv.ID, m.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if m.cfg.HistoryTokenBudget <= 0 {
		return msgs, nil
	}

	spent := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := usage.EstimateTokens(msgs[i].Content)
		if spent+cost > m.cfg.HistoryTokenBudget {
			break
		}
		spent += cost
		start = i
	}
	return msgs[start:], nil
}

// GetRelevantMemories ranks the user's fragments against prompt.
// A nil or empty userID yields no memories.
func (m *Manager) GetRelevantMemories(ctx context.Context, prompt string, userID *string) ([]*store.MemoryFragment, error) {
	if userID == nil || *userID == "" {
		return nil, nil
	}

	fragments, err := m.store.ListMemories(ctx, *userID)
	if err != nil {
		return nil, fmt.Errorf("loading memories: %w", err)
	}

	owned := fragments[:0]
	for _, f := range fragments {
		if f.UserID == *userID {
			owned = append(owned, f)
		}
	}
	if len(owned) == 0 {
		return nil, nil
	}

	ranked, err := m.ranker.Rank(ctx, prompt, owned)
	if err != nil {
		return nil, fmt.Errorf("ranking memories: %w", err)
	}
	if len(ranked) > m.cfg.MemoryLimit {
		ranked = ranked[:m.cfg.MemoryLimit]
	}

	m.logger.Debug("selected memories", "user_id", *userID, "candidates", len(owned), "selected", len(ranked))
	return ranked, nil
}

// FormatMemoriesForPrompt renders fragments for the agent prompt.
func (m *Manager) FormatMemoriesForPrompt(fragments []*store.MemoryFragment) string {
	return FormatMemoriesForPrompt(fragments)
}

// Remember stores a fragment for userID. When the manager ranks by embedding,
// the fragment's vector is computed and stored too.
func (m *Manager) Remember(ctx context.Context, userID string, conversationID *string, key, content string) (*store.MemoryFragment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("memory content is required")
	}

	f := &store.MemoryFragment{
		ID:             uuid.New().String(),
		UserID:         userID,
		ConversationID: conversationID,
		Key:            key,
		Content:        content,
	}

	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, strings.TrimSpace(key+" "+content))
		if err != nil {
			return nil, fmt.Errorf("embedding memory: %w", err)
		}
		f.EmbeddingID = uuid.New().String()
		if err := m.store.SaveEmbedding(ctx, f.EmbeddingID, m.cfg.EmbeddingModel, vec); err != nil {
			return nil, err
		}
	}

	if err := m.store.SaveMemory(ctx, f); err != nil {
		return nil, err
	}
	m.logger.Info("stored memory", "user_id", userID, "key", key, "id", f.ID)
	return f, nil
}
