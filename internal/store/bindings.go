// ABOUTME: ChannelBinding store methods for gateway channel to conversation mapping
// ABOUTME: Bindings are keyed by (gateway, channel_id) and written with an atomic upsert

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Binding errors.
var (
	ErrBindingNotFound = errors.New("binding not found")
)

const bindingColumns = `binding_id, gateway, channel_id, user_id, conversation_id, active, metadata_json, created_at, updated_at`

// UpsertBinding creates or overwrites the binding for (gateway, channel_id).
// An existing row keeps its ID and created_at; user, conversation and metadata are
// replaced and active is forced to true. The stored binding is returned.
func (s *SQLiteStore) UpsertBinding(ctx context.Context, b *ChannelBinding) (*ChannelBinding, error) {
	meta, err := encodeMetadata(b.Metadata)
	if err != nil {
		return nil, err
	}

	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO channel_bindings (binding_id, gateway, channel_id, user_id, conversation_id, active, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(gateway, channel_id) DO UPDATE SET
			user_id = excluded.user_id,
			conversation_id = excluded.conversation_id,
			metadata_json = excluded.metadata_json,
			active = 1,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		id,
		b.Gateway,
		b.ChannelID,
		nullStringPtr(b.UserID),
		nullStringPtr(b.ConversationID),
		meta,
		formatTime(now),
		formatTime(now),
	)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("upserting binding: user or conversation %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting binding: %w", err)
	}

	s.logger.Debug("upserted binding", "gateway", b.Gateway, "channel", b.ChannelID)
	return s.GetBinding(ctx, b.Gateway, b.ChannelID)
}

// GetBinding retrieves a binding by gateway and channel_id.
// Returns ErrBindingNotFound if no binding exists.
func (s *SQLiteStore) GetBinding(ctx context.Context, gateway, channelID string) (*ChannelBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM channel_bindings WHERE gateway = ? AND channel_id = ?`

	b, err := scanBinding(s.db.QueryRowContext(ctx, query, gateway, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	return b, err
}

// ListBindings returns bindings matching the filter, newest first.
func (s *SQLiteStore) ListBindings(ctx context.Context, f BindingFilter) ([]*ChannelBinding, error) {
	query := `
		SELECT ` + bindingColumns + `
		FROM channel_bindings
		WHERE (? IS NULL OR gateway = ?)
		  AND (? = 0 OR active = 1)
		ORDER BY created_at DESC, rowid DESC
	`

	var gatewayFilter any
	if f.Gateway != nil {
		gatewayFilter = *f.Gateway
	}
	activeOnly := 0
	if f.ActiveOnly {
		activeOnly = 1
	}

	rows, err := s.db.QueryContext(ctx, query, gatewayFilter, gatewayFilter, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []*ChannelBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating binding rows: %w", err)
	}

	return bindings, nil
}

// DeleteBinding removes a binding. Reports whether a row was removed.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, gateway, channelID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channel_bindings WHERE gateway = ? AND channel_id = ?`, gateway, channelID)
	if err != nil {
		return false, fmt.Errorf("deleting binding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("deleted binding", "gateway", gateway, "channel_id", channelID)
	}
	return rowsAffected > 0, nil
}

// SetBindingActive toggles the active flag. Reports whether a binding exists.
func (s *SQLiteStore) SetBindingActive(ctx context.Context, gateway, channelID string, active bool) (bool, error) {
	flag := 0
	if active {
		flag = 1
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE channel_bindings SET active = ?, updated_at = ?
		WHERE gateway = ? AND channel_id = ?
	`, flag, formatTime(time.Now()), gateway, channelID)
	if err != nil {
		return false, fmt.Errorf("updating binding active flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// CountActiveBindings returns the number of bindings with active=true.
func (s *SQLiteStore) CountActiveBindings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channel_bindings WHERE active = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active bindings: %w", err)
	}
	return n, nil
}

// scanBinding scans a single binding row.
func scanBinding(row rowScanner) (*ChannelBinding, error) {
	var b ChannelBinding
	var userID, convID, meta *string
	var active int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&b.ID,
		&b.Gateway,
		&b.ChannelID,
		&userID,
		&convID,
		&active,
		&meta,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning binding: %w", err)
	}

	b.UserID = userID
	b.ConversationID = convID
	b.Active = active == 1
	if b.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &b, nil
}
