// ABOUTME: Manager maps (gateway, channel) pairs to users and conversations
// ABOUTME: Resolve-or-create is serialized per channel so webhook bursts never duplicate conversations

package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/laraclaw/internal/store"
)

// ErrChannelInactive is returned by ResolveConversation when the channel is bound but deactivated.
var ErrChannelInactive = errors.New("channel binding is inactive")

// titleMaxRunes bounds auto-generated conversation titles.
const titleMaxRunes = 60

// BindingStore is the subset of store.Store the manager needs.
type BindingStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpsertBinding(ctx context.Context, binding *store.ChannelBinding) (*store.ChannelBinding, error)
	GetBinding(ctx context.Context, gateway, channelID string) (*store.ChannelBinding, error)
	ListBindings(ctx context.Context, filter store.BindingFilter) ([]*store.ChannelBinding, error)
	DeleteBinding(ctx context.Context, gateway, channelID string) (bool, error)
	SetBindingActive(ctx context.Context, gateway, channelID string, active bool) (bool, error)
	CountActiveBindings(ctx context.Context) (int, error)
}

// Manager orchestrates channel binding lookups and mutations.
type Manager struct {
	store    BindingStore
	resolves singleflight.Group
	logger   *slog.Logger
}

// NewManager creates a binding manager.
func NewManager(s BindingStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		logger: logger.With("component", "binding"),
	}
}

// Bind creates or overwrites the binding for (gateway, channelID) and marks it active.
func (m *Manager) Bind(ctx context.Context, gateway, channelID string, userID, conversationID *string, metadata store.Metadata) (*store.ChannelBinding, error) {
	if gateway == "" || channelID == "" {
		return nil, fmt.Errorf("gateway and channel id are required")
	}

	b, err := m.store.UpsertBinding(ctx, &store.ChannelBinding{
		Gateway:        gateway,
		ChannelID:      channelID,
		UserID:         userID,
		ConversationID: conversationID,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("binding %s/%s: %w", gateway, channelID, err)
	}

	m.logger.Info("channel bound", "gateway", gateway, "channel_id", channelID, "binding_id", b.ID)
	return b, nil
}

// Unbind deletes the binding. Reports whether one existed.
func (m *Manager) Unbind(ctx context.Context, gateway, channelID string) (bool, error) {
	removed, err := m.store.DeleteBinding(ctx, gateway, channelID)
	if err != nil {
		return false, fmt.Errorf("unbinding %s/%s: %w", gateway, channelID, err)
	}
	if removed {
		m.logger.Info("channel unbound", "gateway", gateway, "channel_id", channelID)
	}
	return removed, nil
}

// GetBinding returns the binding, or nil if the channel is unbound.
func (m *Manager) GetBinding(ctx context.Context, gateway, channelID string) (*store.ChannelBinding, error) {
	b, err := m.store.GetBinding(ctx, gateway, channelID)
	if errors.Is(err, store.ErrBindingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up binding: %w", err)
	}
	return b, nil
}

// ListBindings returns bindings newest first. An empty gateway matches all gateways.
func (m *Manager) ListBindings(ctx context.Context, gateway string, activeOnly bool) ([]*store.ChannelBinding, error) {
	filter := store.BindingFilter{ActiveOnly: activeOnly}
	if gateway != "" {
		filter.Gateway = &gateway
	}
	return m.store.ListBindings(ctx, filter)
}

// ActivateBinding sets active=true. Returns false when no binding exists.
func (m *Manager) ActivateBinding(ctx context.Context, gateway, channelID string) (bool, error) {
	return m.setActive(ctx, gateway, channelID, true)
}

// DeactivateBinding sets active=false. Returns false when no binding exists.
func (m *Manager) DeactivateBinding(ctx context.Context, gateway, channelID string) (bool, error) {
	return m.setActive(ctx, gateway, channelID, false)
}

func (m *Manager) setActive(ctx context.Context, gateway, channelID string, active bool) (bool, error) {
	found, err := m.store.SetBindingActive(ctx, gateway, channelID, active)
	if err != nil {
		return false, fmt.Errorf("updating binding %s/%s: %w", gateway, channelID, err)
	}
	if found {
		m.logger.Debug("binding active flag changed", "gateway", gateway, "channel_id", channelID, "active", active)
	}
	return found, nil
}

// GetUserForChannel returns the bound user, or nil when unbound or no user is set.
func (m *Manager) GetUserForChannel(ctx context.Context, gateway, channelID string) (*store.User, error) {
	b, err := m.GetBinding(ctx, gateway, channelID)
	if err != nil || b == nil || b.UserID == nil {
		return nil, err
	}
	u, err := m.store.GetUser(ctx, *b.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return u, err
}

// GetConversationForChannel returns the bound conversation, or nil when unbound or no conversation is set.
func (m *Manager) GetConversationForChannel(ctx context.Context, gateway, channelID string) (*store.Conversation, error) {
	b, err := m.GetBinding(ctx, gateway, channelID)
	if err != nil || b == nil || b.ConversationID == nil {
		return nil, err
	}
	c, err := m.store.GetConversation(ctx, *b.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// CountActive returns the number of active bindings.
func (m *Manager) CountActive(ctx context.Context) (int, error) {
	return m.store.CountActiveBindings(ctx)
}

// ResolveRequest describes the channel an inbound message arrived on.
type ResolveRequest struct {
	Gateway   string
	ChannelID string
	// UserID owns the conversation if one has to be created and the binding names no user.
	UserID *string
	// Title for a new conversation; when empty it is derived from FirstMessage.
	Title        string
	FirstMessage string
	Metadata     store.Metadata
}

// Resolution is the outcome of ResolveConversation.
type Resolution struct {
	Conversation *store.Conversation
	Binding      *store.ChannelBinding
	Created      bool
}

// ResolveConversation returns the conversation bound to the channel, creating and
// binding a new one when the channel is unbound or has no conversation yet.
// Returns ErrChannelInactive without mutating anything if the binding is deactivated.
func (m *Manager) ResolveConversation(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	key := req.Gateway + "\x00" + req.ChannelID
	// the flight is shared, so one caller's cancellation must not fail the others
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := m.resolves.Do(key, func() (any, error) {
		return m.resolve(flightCtx, req)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Resolution)
	if shared {
		// only the leader reports creation
		cp := *res
		cp.Created = false
		return &cp, nil
	}
	return res, nil
}

func (m *Manager) resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	b, err := m.GetBinding(ctx, req.Gateway, req.ChannelID)
	if err != nil {
		return nil, err
	}

	if b != nil {
		if !b.Active {
			return nil, ErrChannelInactive
		}
		if b.ConversationID != nil {
			conv, err := m.store.GetConversation(ctx, *b.ConversationID)
			if err == nil {
				return &Resolution{Conversation: conv, Binding: b}, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("loading bound conversation: %w", err)
			}
			m.logger.Warn("binding points at missing conversation, rebinding",
				"gateway", req.Gateway, "channel_id", req.ChannelID, "conversation_id", *b.ConversationID)
		}
	}

	userID := req.UserID
	var metadata store.Metadata
	if b != nil {
		if b.UserID != nil {
			userID = b.UserID
		}
		metadata = b.Metadata
	}

	title := req.Title
	if title == "" {
		title = TitleFrom(req.FirstMessage)
	}

	conv := &store.Conversation{
		ID:                    uuid.New().String(),
		UserID:                userID,
		Gateway:               req.Gateway,
		GatewayConversationID: req.ChannelID,
		Title:                 title,
		Metadata:              req.Metadata,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	bound, err := m.Bind(ctx, req.Gateway, req.ChannelID, userID, &conv.ID, metadata)
	if err != nil {
		return nil, err
	}

	m.logger.Info("created conversation for channel",
		"gateway", req.Gateway, "channel_id", req.ChannelID, "conversation_id", conv.ID)
	return &Resolution{Conversation: conv, Binding: bound, Created: true}, nil
}

// TitleFrom derives a conversation title from message text: whitespace collapsed,
// cut to 60 runes.
func TitleFrom(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(collapsed) <= titleMaxRunes {
		return collapsed
	}
	runes := []rune(collapsed)
	return strings.TrimSpace(string(runes[:titleMaxRunes]))
}
