// ABOUTME: Pluggable relevance rankers for memory fragments
// ABOUTME: KeywordRanker scores token overlap, EmbeddingRanker scores cosine similarity

package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/2389/laraclaw/internal/store"
)

// Ranker orders fragments by relevance to a prompt, dropping irrelevant ones.
// Implementations must return the same order for the same inputs.
type Ranker interface {
	Rank(ctx context.Context, prompt string, fragments []*store.MemoryFragment) ([]*store.MemoryFragment, error)
}

type scored struct {
	fragment *store.MemoryFragment
	score    float64
}

// sortScored orders by score, then most recently updated, then ID.
func sortScored(items []scored) []*store.MemoryFragment {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.fragment.UpdatedAt.Equal(b.fragment.UpdatedAt) {
			return a.fragment.UpdatedAt.After(b.fragment.UpdatedAt)
		}
		return a.fragment.ID < b.fragment.ID
	})
	out := make([]*store.MemoryFragment, len(items))
	for i, s := range items {
		out[i] = s.fragment
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "your": true, "with": true, "this": true, "that": true, "was": true,
	"what": true, "how": true, "can": true, "have": true, "has": true, "about": true,
	"is": true, "it": true, "of": true, "to": true, "in": true, "on": true, "me": true,
	"my": true, "do": true, "an": true, "be": true, "at": true, "or": true, "as": true,
}

// tokenize lowercases text and splits it on anything that is not a letter or digit.
func tokenize(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 || stopwords[w] {
			continue
		}
		set[w] = true
	}
	return set
}

// KeywordRanker scores each fragment by the prompt words it shares.
// Matches in the key count twice. Fragments with no overlap are dropped.
type KeywordRanker struct{}

// Rank implements Ranker.
func (KeywordRanker) Rank(_ context.Context, prompt string, fragments []*store.MemoryFragment) ([]*store.MemoryFragment, error) {
	query := tokenize(prompt)
	if len(query) == 0 {
		return nil, nil
	}

	var items []scored
	for _, f := range fragments {
		keyWords := tokenize(f.Key)
		contentWords := tokenize(f.Content)
		score := 0.0
		for w := range query {
			if keyWords[w] {
				score += 2
			}
			if contentWords[w] {
				score++
			}
		}
		if score > 0 {
			items = append(items, scored{fragment: f, score: score})
		}
	}
	return sortScored(items), nil
}

// Embedder produces a vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSource loads stored vectors by embedding ID.
type VectorSource interface {
	GetEmbedding(ctx context.Context, embeddingID string) ([]float32, error)
}

// DefaultSimilarityThreshold is the minimum cosine similarity for a fragment to count.
const DefaultSimilarityThreshold = 0.7

// EmbeddingRanker scores fragments by cosine similarity between the prompt
// embedding and each fragment's stored vector. Fragments without a stored
// vector are skipped.
type EmbeddingRanker struct {
	Embedder  Embedder
	Vectors   VectorSource
	Threshold float32
}

// Rank implements Ranker.
func (r *EmbeddingRanker) Rank(ctx context.Context, prompt string, fragments []*store.MemoryFragment) ([]*store.MemoryFragment, error) {
	if strings.TrimSpace(prompt) == "" || len(fragments) == 0 {
		return nil, nil
	}

	queryVec, err := r.Embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("embedding prompt: %w", err)
	}

	var items []scored
	for _, f := range fragments {
		if f.EmbeddingID == "" {
			continue
		}
		vec, err := r.Vectors.GetEmbedding(ctx, f.EmbeddingID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading embedding %s: %w", f.EmbeddingID, err)
		}
		sim, err := CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		if sim >= r.Threshold {
			items = append(items, scored{fragment: f, score: float64(sim)})
		}
	}
	return sortScored(items), nil
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Zero-magnitude vectors have similarity 0.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension")
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB))), nil
}
