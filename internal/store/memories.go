// ABOUTME: SQLite implementation of memory fragments and their embedding vectors
// ABOUTME: Fragments are user-scoped; vectors are stored as JSON arrays keyed by embedding_id

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveMemory inserts a fragment, or updates key, content, embedding and metadata
// when a fragment with the same ID already exists.
func (s *SQLiteStore) SaveMemory(ctx context.Context, f *MemoryFragment) error {
	if f.UserID == "" {
		return fmt.Errorf("memory fragment requires a user")
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	meta, err := encodeMetadata(f.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_fragments (id, user_id, conversation_id, key, content, embedding_id, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			content = excluded.content,
			embedding_id = excluded.embedding_id,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`,
		f.ID,
		f.UserID,
		nullStringPtr(f.ConversationID),
		f.Key,
		f.Content,
		nullString(f.EmbeddingID),
		meta,
		formatTime(f.CreatedAt),
		formatTime(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving memory fragment: %w", err)
	}

	s.logger.Debug("saved memory fragment", "id", f.ID, "user_id", f.UserID, "key", f.Key)
	return nil
}

// ListMemories returns every fragment owned by userID, most recently updated first.
func (s *SQLiteStore) ListMemories(ctx context.Context, userID string) ([]*MemoryFragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, key, content, embedding_id, metadata_json, created_at, updated_at
		FROM memory_fragments
		WHERE user_id = ?
		ORDER BY updated_at DESC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying memory fragments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MemoryFragment
	for rows.Next() {
		var f MemoryFragment
		var convID, embeddingID, meta *string
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(&f.ID, &f.UserID, &convID, &f.Key, &f.Content, &embeddingID, &meta, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning memory fragment: %w", err)
		}
		f.ConversationID = convID
		if embeddingID != nil {
			f.EmbeddingID = *embeddingID
		}
		if f.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if f.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory rows: %w", err)
	}
	return out, nil
}

// DeleteMemory removes a fragment owned by userID.
// Returns ErrNotFound if no such fragment exists for that user.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memory_fragments WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting memory fragment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEmbedding stores or replaces the vector for embeddingID.
func (s *SQLiteStore) SaveEmbedding(ctx context.Context, embeddingID, model string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encoding embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_embeddings (embedding_id, model, vector_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(embedding_id) DO UPDATE SET
			model = excluded.model,
			vector_json = excluded.vector_json
	`, embeddingID, nullString(model), string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving embedding: %w", err)
	}
	return nil
}

// GetEmbedding loads the vector for embeddingID.
// Returns ErrNotFound if it has not been stored.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, embeddingID string) ([]float32, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT vector_json FROM memory_embeddings WHERE embedding_id = ?`, embeddingID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying embedding: %w", err)
	}

	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("decoding embedding: %w", err)
	}
	return vec, nil
}
