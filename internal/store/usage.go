// ABOUTME: SQLite implementation of the token usage ledger
// ABOUTME: Stores per-exchange token counts and cost and aggregates them per conversation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	if err := insertUsage(ctx, s.db, usage); err != nil {
		return err
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"conversation_id", usage.ConversationID,
		"model", usage.Model,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
	)
	return nil
}

// insertUsage writes a usage row through db, which may be a transaction.
func insertUsage(ctx context.Context, db execer, usage *TokenUsage) error {
	if usage.PromptTokens < 0 || usage.CompletionTokens < 0 {
		return fmt.Errorf("token counts must be non-negative")
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		return fmt.Errorf("total tokens %d does not equal prompt %d + completion %d",
			usage.TotalTokens, usage.PromptTokens, usage.CompletionTokens)
	}
	if usage.CostUSD < 0 {
		return fmt.Errorf("cost must be non-negative")
	}
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeMetadata(usage.Metadata)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO token_usage (
			id, conversation_id, message_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens, cost_usd,
			metadata_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		usage.ID,
		usage.ConversationID,
		nullString(usage.MessageID),
		usage.Provider,
		usage.Model,
		usage.PromptTokens,
		usage.CompletionTokens,
		usage.TotalTokens,
		usage.CostUSD,
		meta,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	return nil
}

// ListUsage retrieves all usage records for a conversation, oldest first.
func (s *SQLiteStore) ListUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error) {
	query := `
		SELECT id, conversation_id, message_id, provider, model,
		       prompt_tokens, completion_tokens, total_tokens, cost_usd,
		       metadata_json, created_at
		FROM token_usage
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TokenUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// ConversationUsage sums every usage record of a conversation.
func (s *SQLiteStore) ConversationUsage(ctx context.Context, conversationID string) (*UsageTotals, error) {
	var totals UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COUNT(*)
		FROM token_usage
		WHERE conversation_id = ?
	`, conversationID).Scan(
		&totals.PromptTokens,
		&totals.CompletionTokens,
		&totals.TotalTokens,
		&totals.CostUSD,
		&totals.Exchanges,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage totals: %w", err)
	}
	return &totals, nil
}

// scanUsage scans a single usage row into a TokenUsage struct.
func scanUsage(rows *sql.Rows) (*TokenUsage, error) {
	var usage TokenUsage
	var messageID sql.NullString
	var meta *string
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.ConversationID,
		&messageID,
		&usage.Provider,
		&usage.Model,
		&usage.PromptTokens,
		&usage.CompletionTokens,
		&usage.TotalTokens,
		&usage.CostUSD,
		&meta,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	if messageID.Valid {
		usage.MessageID = messageID.String
	}
	if usage.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	usage.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &usage, nil
}
