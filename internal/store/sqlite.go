// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides user/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverMattn   = "sqlite3" // cgo
)

// timeLayout is fixed-width so TEXT comparison in ORDER BY matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a store with an explicit driver ("sqlite" or "sqlite3").
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, buildDSN(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// buildDSN adds per-connection pragmas in the syntax each driver understands.
func buildDSN(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == DriverMattn {
		return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT REFERENCES users(id),
			gateway TEXT NOT NULL,
			gateway_conversation_id TEXT,
			title TEXT,
			metadata_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_gateway ON conversations(gateway, gateway_conversation_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT,
			tool_arguments_json TEXT,
			metadata_json TEXT,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system', 'tool'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS channel_bindings (
			binding_id TEXT PRIMARY KEY,
			gateway TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT REFERENCES users(id),
			conversation_id TEXT REFERENCES conversations(id),
			active INTEGER NOT NULL DEFAULT 1,
			metadata_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE(gateway, channel_id)
		);

		CREATE INDEX IF NOT EXISTS idx_channel_bindings_gateway ON channel_bindings(gateway);

		CREATE TABLE IF NOT EXISTS memory_fragments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			conversation_id TEXT REFERENCES conversations(id),
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding_id TEXT,
			metadata_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memory_fragments_user ON memory_fragments(user_id);
		CREATE INDEX IF NOT EXISTS idx_memory_fragments_key ON memory_fragments(user_id, key);

		CREATE TABLE IF NOT EXISTS memory_embeddings (
			embedding_id TEXT PRIMARY KEY,
			model TEXT,
			vector_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			message_id TEXT REFERENCES messages(id),
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL DEFAULT 0,
			metadata_json TEXT,
			created_at TEXT NOT NULL,

			CHECK (total_tokens = prompt_tokens + completion_tokens),
			CHECK (cost_usd >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_token_usage_conversation ON token_usage(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "title",
			apply:  `ALTER TABLE conversations ADD COLUMN title TEXT`,
		},
		{
			table:  "memory_fragments",
			column: "embedding_id",
			apply:  `ALTER TABLE memory_fragments ADD COLUMN embedding_id TEXT`,
		},
		{
			table:  "token_usage",
			column: "metadata_json",
			apply:  `ALTER TABLE token_usage ADD COLUMN metadata_json TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := `SELECT 1 FROM pragma_table_info('` + m.table + `') WHERE name = ?`
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isForeignKeyViolation reports a reference to a row that does not exist.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullStringPtr returns nil for nil or empty pointers
func nullStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, created_at)
		VALUES (?, ?, ?, ?)
	`, user.ID, user.Name, nullString(user.Email), formatTime(user.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var email sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Name, &email, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.Email = email.String
	u.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	meta, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, gateway, gateway_conversation_id, title, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		nullStringPtr(conv.UserID),
		conv.Gateway,
		nullString(conv.GatewayConversationID),
		nullString(conv.Title),
		meta,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("inserting conversation: user %w", ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "gateway", conv.Gateway)
	return nil
}

const conversationColumns = `id, user_id, gateway, gateway_conversation_id, title, metadata_json, created_at, updated_at`

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns conversations newest first, optionally filtered by owner.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID *string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE (? IS NULL OR user_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, nullStringPtr(userID), nullStringPtr(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var userID, gatewayConvID, title, meta *string
	var createdAtStr, updatedAtStr string

	err := row.Scan(&conv.ID, &userID, &conv.Gateway, &gatewayConvID, &title, &meta, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.UserID = userID
	if gatewayConvID != nil {
		conv.GatewayConversationID = *gatewayConvID
	}
	if title != nil {
		conv.Title = *title
	}
	if conv.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if conv.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendMessage appends a message to its conversation log.
// The store assigns Seq; messages are never updated afterwards.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := s.appendMessage(ctx, s.db, msg); err != nil {
		return err
	}
	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

func (s *SQLiteStore) appendMessage(ctx context.Context, db execer, msg *Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.Role != RoleTool && (msg.ToolName != "" || msg.ToolArguments != nil) {
		return fmt.Errorf("tool fields are only allowed on tool messages")
	}
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	toolArgs, err := encodeMetadata(msg.ToolArguments)
	if err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_name, tool_arguments_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		nullString(msg.ToolName),
		toolArgs,
		meta,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}
	msg.Seq = seq
	return nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in insertion order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT seq, id, conversation_id, role, content, tool_name, tool_arguments_json, metadata_json, created_at
			FROM (
				SELECT seq, id, conversation_id, role, content, tool_name, tool_arguments_json, metadata_json, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT seq, id, conversation_id, role, content, tool_name, tool_arguments_json, metadata_json, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, createdAtStr string
		var toolName, toolArgs, meta *string

		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &role, &msg.Content, &toolName, &toolArgs, &meta, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Role = Role(role)
		if toolName != nil {
			msg.ToolName = *toolName
		}
		if msg.ToolArguments, err = decodeMetadata(toolArgs); err != nil {
			return nil, err
		}
		if msg.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if msg.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// SaveExchange appends the assistant message and records its usage in a single transaction.
// Either both rows are committed or neither is.
func (s *SQLiteStore) SaveExchange(ctx context.Context, msg *Message, usage *TokenUsage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning exchange transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendMessage(ctx, tx, msg); err != nil {
		return err
	}
	if usage != nil {
		usage.MessageID = msg.ID
		if err := insertUsage(ctx, tx, usage); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.ConversationID); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing exchange: %w", err)
	}

	s.logger.Debug("saved exchange", "message_id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
