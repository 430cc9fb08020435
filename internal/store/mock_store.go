// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same ordering and uniqueness rules

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*Conversation
	convOrder     []string                   // insertion order for stable listing
	messages      map[string][]*Message      // keyed by conversation ID
	messageIDs    map[string]bool            // global message ID uniqueness
	bindings      map[string]*ChannelBinding // keyed by "gateway:channelID"
	bindingOrder  []string
	memories      map[string]*MemoryFragment
	embeddings    map[string][]float32
	usage         []*TokenUsage
	seq           int64

	// FailSaveExchange makes SaveExchange fail without writing anything.
	FailSaveExchange error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIDs:    make(map[string]bool),
		bindings:      make(map[string]*ChannelBinding),
		memories:      make(map[string]*MemoryFragment),
		embeddings:    make(map[string][]float32),
	}
}

func bindingKey(gateway, channelID string) string {
	return gateway + ":" + channelID
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.ID]; exists {
		return ErrDuplicateUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("inserting conversation: duplicate id %s", conv.ID)
	}
	if conv.UserID != nil && *conv.UserID != "" {
		if _, ok := m.users[*conv.UserID]; !ok {
			return fmt.Errorf("inserting conversation: user %w", ErrNotFound)
		}
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	c := copyConversation(conv)
	m.conversations[c.ID] = c
	m.convOrder = append(m.convOrder, c.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversations returns conversations newest first.
func (m *MockStore) ListConversations(ctx context.Context, userID *string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []*Conversation
	for i := len(m.convOrder) - 1; i >= 0 && len(out) < limit; i-- {
		c := m.conversations[m.convOrder[i]]
		if userID != nil && (c.UserID == nil || *c.UserID != *userID) {
			continue
		}
		out = append(out, copyConversation(c))
	}
	return out, nil
}

// AppendMessage appends a message to its conversation log.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(msg)
}

func (m *MockStore) appendLocked(msg *Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.Role != RoleTool && (msg.ToolName != "" || msg.ToolArguments != nil) {
		return fmt.Errorf("tool fields are only allowed on tool messages")
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("inserting message: unknown conversation %s", msg.ConversationID)
	}
	if m.messageIDs[msg.ID] {
		return fmt.Errorf("inserting message: duplicate id %s", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.seq++
	msg.Seq = m.seq

	stored := *msg
	stored.Metadata = cloneMetadata(msg.Metadata)
	stored.ToolArguments = cloneMetadata(msg.ToolArguments)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	m.messageIDs[msg.ID] = true
	return nil
}

// ListMessages returns the most recent limit messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		cp.Metadata = cloneMetadata(msg.Metadata)
		cp.ToolArguments = cloneMetadata(msg.ToolArguments)
		result[i] = &cp
	}
	return result, nil
}

// UpsertBinding creates or overwrites the binding for (gateway, channel_id).
func (m *MockStore) UpsertBinding(ctx context.Context, b *ChannelBinding) (*ChannelBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.UserID != nil && *b.UserID != "" {
		if _, ok := m.users[*b.UserID]; !ok {
			return nil, fmt.Errorf("upserting binding: user %w", ErrNotFound)
		}
	}
	if b.ConversationID != nil && *b.ConversationID != "" {
		if _, ok := m.conversations[*b.ConversationID]; !ok {
			return nil, fmt.Errorf("upserting binding: conversation %w", ErrNotFound)
		}
	}

	key := bindingKey(b.Gateway, b.ChannelID)
	now := time.Now().UTC()

	if existing, ok := m.bindings[key]; ok {
		existing.UserID = cloneString(b.UserID)
		existing.ConversationID = cloneString(b.ConversationID)
		existing.Metadata = cloneMetadata(b.Metadata)
		existing.Active = true
		existing.UpdatedAt = now
		return copyBinding(existing), nil
	}

	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	stored := &ChannelBinding{
		ID:             id,
		Gateway:        b.Gateway,
		ChannelID:      b.ChannelID,
		UserID:         cloneString(b.UserID),
		ConversationID: cloneString(b.ConversationID),
		Active:         true,
		Metadata:       cloneMetadata(b.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.bindings[key] = stored
	m.bindingOrder = append(m.bindingOrder, key)
	return copyBinding(stored), nil
}

// GetBinding retrieves a binding by gateway and channel ID.
func (m *MockStore) GetBinding(ctx context.Context, gateway, channelID string) (*ChannelBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[bindingKey(gateway, channelID)]
	if !ok {
		return nil, ErrBindingNotFound
	}
	return copyBinding(b), nil
}

// ListBindings returns bindings matching the filter, newest first.
func (m *MockStore) ListBindings(ctx context.Context, f BindingFilter) ([]*ChannelBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ChannelBinding
	for i := len(m.bindingOrder) - 1; i >= 0; i-- {
		b, ok := m.bindings[m.bindingOrder[i]]
		if !ok {
			continue
		}
		if f.Gateway != nil && b.Gateway != *f.Gateway {
			continue
		}
		if f.ActiveOnly && !b.Active {
			continue
		}
		out = append(out, copyBinding(b))
	}
	return out, nil
}

// DeleteBinding removes a binding.
func (m *MockStore) DeleteBinding(ctx context.Context, gateway, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingKey(gateway, channelID)
	if _, ok := m.bindings[key]; !ok {
		return false, nil
	}
	delete(m.bindings, key)
	for i, k := range m.bindingOrder {
		if k == key {
			m.bindingOrder = append(m.bindingOrder[:i], m.bindingOrder[i+1:]...)
			break
		}
	}
	return true, nil
}

// SetBindingActive toggles the active flag.
func (m *MockStore) SetBindingActive(ctx context.Context, gateway, channelID string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[bindingKey(gateway, channelID)]
	if !ok {
		return false, nil
	}
	b.Active = active
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

// CountActiveBindings returns the number of active bindings.
func (m *MockStore) CountActiveBindings(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, b := range m.bindings {
		if b.Active {
			n++
		}
	}
	return n, nil
}

// SaveMemory inserts or updates a fragment.
func (m *MockStore) SaveMemory(ctx context.Context, f *MemoryFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.UserID == "" {
		return fmt.Errorf("memory fragment requires a user")
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if existing, ok := m.memories[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	cp := *f
	cp.ConversationID = cloneString(f.ConversationID)
	cp.Metadata = cloneMetadata(f.Metadata)
	m.memories[f.ID] = &cp
	return nil
}

// ListMemories returns fragments owned by userID, most recently updated first.
func (m *MockStore) ListMemories(ctx context.Context, userID string) ([]*MemoryFragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MemoryFragment
	for _, f := range m.memories {
		if f.UserID != userID {
			continue
		}
		cp := *f
		cp.ConversationID = cloneString(f.ConversationID)
		cp.Metadata = cloneMetadata(f.Metadata)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteMemory removes a fragment owned by userID.
func (m *MockStore) DeleteMemory(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.memories[id]
	if !ok || f.UserID != userID {
		return ErrNotFound
	}
	delete(m.memories, id)
	return nil
}

// SaveEmbedding stores a vector.
func (m *MockStore) SaveEmbedding(ctx context.Context, embeddingID, model string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.embeddings[embeddingID] = append([]float32(nil), vector...)
	return nil
}

// GetEmbedding loads a vector.
func (m *MockStore) GetEmbedding(ctx context.Context, embeddingID string) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.embeddings[embeddingID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]float32(nil), v...), nil
}

// SaveUsage stores a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUsageLocked(usage)
}

func (m *MockStore) saveUsageLocked(usage *TokenUsage) error {
	if usage.PromptTokens < 0 || usage.CompletionTokens < 0 || usage.CostUSD < 0 {
		return fmt.Errorf("usage values must be non-negative")
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		return fmt.Errorf("total tokens %d does not equal prompt %d + completion %d",
			usage.TotalTokens, usage.PromptTokens, usage.CompletionTokens)
	}
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	cp := *usage
	cp.Metadata = cloneMetadata(usage.Metadata)
	m.usage = append(m.usage, &cp)
	return nil
}

// ListUsage returns usage records for a conversation in insertion order.
func (m *MockStore) ListUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TokenUsage
	for _, u := range m.usage {
		if u.ConversationID == conversationID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ConversationUsage sums usage for a conversation.
func (m *MockStore) ConversationUsage(ctx context.Context, conversationID string) (*UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totals UsageTotals
	for _, u := range m.usage {
		if u.ConversationID != conversationID {
			continue
		}
		totals.PromptTokens += u.PromptTokens
		totals.CompletionTokens += u.CompletionTokens
		totals.TotalTokens += u.TotalTokens
		totals.CostUSD += u.CostUSD
		totals.Exchanges++
	}
	return &totals, nil
}

// SaveExchange appends the message and usage together under one lock.
func (m *MockStore) SaveExchange(ctx context.Context, msg *Message, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaveExchange != nil {
		return m.FailSaveExchange
	}
	if usage != nil {
		// validate before the message is written so a bad record leaves no trace
		check := *usage
		if check.PromptTokens < 0 || check.CompletionTokens < 0 || check.CostUSD < 0 ||
			check.TotalTokens != check.PromptTokens+check.CompletionTokens {
			return errors.New("invalid usage record")
		}
	}
	if err := m.appendLocked(msg); err != nil {
		return err
	}
	if usage != nil {
		usage.MessageID = msg.ID
		if err := m.saveUsageLocked(usage); err != nil {
			return err
		}
	}
	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
	}
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.UserID = cloneString(c.UserID)
	cp.Metadata = cloneMetadata(c.Metadata)
	return &cp
}

func copyBinding(b *ChannelBinding) *ChannelBinding {
	cp := *b
	cp.UserID = cloneString(b.UserID)
	cp.ConversationID = cloneString(b.ConversationID)
	cp.Metadata = cloneMetadata(b.Metadata)
	return &cp
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
