// ABOUTME: Store interface and data types for laraclaw persistence
// ABOUTME: Defines User, Conversation, Message, ChannelBinding, MemoryFragment and TokenUsage

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when creating a user whose ID already exists
var ErrDuplicateUser = errors.New("user already exists")

// ErrInvalidRole is returned when a message carries a role outside the known set
var ErrInvalidRole = errors.New("invalid message role")

// Metadata is free-form JSON attached to most entities.
type Metadata map[string]any

// User is a stable identity provisioned outside the core.
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// Conversation is a durable thread of messages, optionally owned by a user.
type Conversation struct {
	ID                    string
	UserID                *string // nil for anonymous/CLI conversations
	Gateway               string  // "telegram", "discord", "matrix", "cli"
	GatewayConversationID string  // external thread identifier, empty when unknown
	Title                 string
	Metadata              Metadata
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Role identifies the author of a message.
type Role string

// Message roles
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single immutable entry in a conversation log.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	ToolName       string   // only for RoleTool
	ToolArguments  Metadata // only for RoleTool
	Metadata       Metadata
	Seq            int64 // insertion order within the log, assigned by the store
	CreatedAt      time.Time
}

// ChannelBinding maps an external gateway channel to an internal user/conversation.
type ChannelBinding struct {
	ID             string
	Gateway        string
	ChannelID      string
	UserID         *string
	ConversationID *string
	Active         bool
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BindingFilter specifies filtering options for listing bindings.
type BindingFilter struct {
	Gateway    *string // filter by gateway name
	ActiveOnly bool
}

// MemoryFragment is a keyed unit of long-term knowledge about a user.
type MemoryFragment struct {
	ID             string
	UserID         string
	ConversationID *string
	Key            string
	Content        string
	EmbeddingID    string
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenUsage records token and cost accounting for one agent exchange.
type TokenUsage struct {
	ID               string
	ConversationID   string
	MessageID        string // empty if not linked to a message
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Metadata         Metadata
	CreatedAt        time.Time
}

// UsageTotals aggregates usage records.
type UsageTotals struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Exchanges        int
}

// Store is the complete persistence contract. SQLiteStore and MockStore implement it.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID *string, limit int) ([]*Conversation, error)

	// Conversation log (append-only)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Channel bindings
	UpsertBinding(ctx context.Context, binding *ChannelBinding) (*ChannelBinding, error)
	GetBinding(ctx context.Context, gateway, channelID string) (*ChannelBinding, error)
	ListBindings(ctx context.Context, filter BindingFilter) ([]*ChannelBinding, error)
	DeleteBinding(ctx context.Context, gateway, channelID string) (bool, error)
	SetBindingActive(ctx context.Context, gateway, channelID string, active bool) (bool, error)
	CountActiveBindings(ctx context.Context) (int, error)

	// Memory
	SaveMemory(ctx context.Context, fragment *MemoryFragment) error
	ListMemories(ctx context.Context, userID string) ([]*MemoryFragment, error)
	DeleteMemory(ctx context.Context, userID, id string) error
	SaveEmbedding(ctx context.Context, embeddingID, model string, vector []float32) error
	GetEmbedding(ctx context.Context, embeddingID string) ([]float32, error)

	// Usage ledger
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	ListUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error)
	ConversationUsage(ctx context.Context, conversationID string) (*UsageTotals, error)

	// SaveExchange atomically appends the assistant message and its usage record.
	SaveExchange(ctx context.Context, msg *Message, usage *TokenUsage) error

	// Close releases any resources held by the store
	Close() error
}

// encodeMetadata serializes metadata to a JSON column value; nil maps become NULL.
func encodeMetadata(m Metadata) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

// decodeMetadata parses a JSON column value; NULL or empty yields nil.
func decodeMetadata(raw *string) (Metadata, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// cloneMetadata returns a shallow copy so callers cannot mutate stored maps.
func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
