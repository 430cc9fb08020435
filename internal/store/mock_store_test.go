// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Verifies it keeps the same uniqueness, ordering and atomicity rules as SQLiteStore

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_BindingUpsert(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	a, err := m.UpsertBinding(ctx, &ChannelBinding{Gateway: "discord", ChannelID: "x", Metadata: Metadata{"n": 1}})
	require.NoError(t, err)
	b, err := m.UpsertBinding(ctx, &ChannelBinding{Gateway: "discord", ChannelID: "x", Metadata: Metadata{"n": 2}})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 2, b.Metadata["n"])

	list, err := m.ListBindings(ctx, BindingFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMockStore_ListBindingsNewestFirst(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	for _, ch := range []string{"1", "2", "3"} {
		_, err := m.UpsertBinding(ctx, &ChannelBinding{Gateway: "cli", ChannelID: ch})
		require.NoError(t, err)
	}
	removed, err := m.DeleteBinding(ctx, "cli", "2")
	require.NoError(t, err)
	assert.True(t, removed)

	list, err := m.ListBindings(ctx, BindingFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "3", list[0].ChannelID)
	assert.Equal(t, "1", list[1].ChannelID)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	_, err := m.UpsertBinding(ctx, &ChannelBinding{Gateway: "cli", ChannelID: "1", Metadata: Metadata{"k": "v"}})
	require.NoError(t, err)

	got, err := m.GetBinding(ctx, "cli", "1")
	require.NoError(t, err)
	got.Metadata["k"] = "mutated"

	again, err := m.GetBinding(ctx, "cli", "1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestMockStore_SaveExchangeFailureWritesNothing(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "c1", Gateway: "cli"}))

	m.FailSaveExchange = errors.New("disk full")
	err := m.SaveExchange(ctx, &Message{ID: "m1", ConversationID: "c1", Role: RoleAssistant, Content: "x"},
		&TokenUsage{ConversationID: "c1", PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})
	require.Error(t, err)

	msgs, _ := m.ListMessages(ctx, "c1", 0)
	assert.Empty(t, msgs)
	usage, _ := m.ListUsage(ctx, "c1")
	assert.Empty(t, usage)
}

func TestMockStore_MessageSeqIncreases(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "c1", Gateway: "cli"}))

	first := &Message{ID: "a", ConversationID: "c1", Role: RoleUser, Content: "1"}
	second := &Message{ID: "b", ConversationID: "c1", Role: RoleAssistant, Content: "2"}
	require.NoError(t, m.AppendMessage(ctx, first))
	require.NoError(t, m.AppendMessage(ctx, second))
	assert.Less(t, first.Seq, second.Seq)

	assert.Error(t, m.AppendMessage(ctx, &Message{ID: "a", ConversationID: "c1", Role: RoleUser}))
	assert.Error(t, m.AppendMessage(ctx, &Message{ID: "z", ConversationID: "missing", Role: RoleUser}))
}

func TestMockStore_UnknownReferencesAreNotFound(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	ghost := "ghost"

	_, err := m.UpsertBinding(ctx, &ChannelBinding{Gateway: "cli", ChannelID: "1", UserID: &ghost})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.UpsertBinding(ctx, &ChannelBinding{Gateway: "cli", ChannelID: "1", ConversationID: &ghost})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.CreateConversation(ctx, &Conversation{ID: "c1", Gateway: "cli", UserID: &ghost}), ErrNotFound)
}
