// ABOUTME: In-memory fan-out broadcaster for lifecycle events
// ABOUTME: Subscribers listen to one conversation or to every conversation via AllConversations

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// AllConversations subscribes to events from every conversation.
const AllConversations = "*"

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster is a Sink that delivers events to in-process subscribers.
// Delivery never blocks: a subscriber with a full buffer misses the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // conversation ID -> sub ID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on conversationID (or AllConversations).
// The subscription ends when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Emit implements Sink.
func (b *Broadcaster) Emit(_ context.Context, e Event) {
	// sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliverLocked(e.ConversationID(), e)
	if e.ConversationID() != AllConversations {
		b.deliverLocked(AllConversations, e)
	}
}

func (b *Broadcaster) deliverLocked(key string, e Event) {
	for subID, ch := range b.subscribers[key] {
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", e.ConversationID(),
				"sub_id", subID,
				"type", e.Type())
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed", "conversation_id", conversationID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.logger.Debug("broadcaster closed")
}
