// ABOUTME: Tests for lifecycle sinks and the fan-out broadcaster
// ABOUTME: Covers Multi, Recorder, envelopes, per-conversation and wildcard subscriptions

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/laraclaw/internal/store"
)

func processed(convID string) MessageProcessed {
	return MessageProcessed{
		Conversation: &store.Conversation{ID: convID, Gateway: "telegram"},
		Response:     "hi",
		Gateway:      "telegram",
		At:           time.Now(),
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, nil, b}

	sink.Emit(context.Background(), processed("c1"))
	sink.Emit(context.Background(), MessageProcessingFailed{Error: "boom", RetryCount: 2})

	for _, r := range []*Recorder{a, b} {
		assert.Len(t, r.Events(), 2)
		require.Len(t, r.Processed(), 1)
		require.Len(t, r.Failed(), 1)
		assert.Equal(t, 2, r.Failed()[0].RetryCount)
	}
}

func TestToEnvelope(t *testing.T) {
	env := ToEnvelope(processed("c1"))
	assert.Equal(t, TypeMessageProcessed, env.Type)
	assert.Equal(t, "c1", env.ConversationID)
	assert.Equal(t, "hi", env.Response)

	failed := ToEnvelope(MessageProcessingFailed{
		Conversation: &store.Conversation{ID: "c2", Gateway: "discord"},
		Error:        "agent timeout",
		Kind:         "agent_timeout",
		RetryCount:   3,
	})
	assert.Equal(t, TypeMessageProcessingFailed, failed.Type)
	assert.Equal(t, "discord", failed.Gateway)
	assert.Equal(t, 3, failed.RetryCount)
}

func TestLogSinkHandlesAllEvents(t *testing.T) {
	s := NewLogSink(nil)
	s.Emit(context.Background(), processed("c1"))
	s.Emit(context.Background(), MessageProcessingFailed{})
}

func TestBroadcaster_ConversationAndWildcard(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := testContext(t)

	conv1, _ := b.Subscribe(ctx, "c1")
	conv2, _ := b.Subscribe(ctx, "c2")
	all, _ := b.Subscribe(ctx, AllConversations)

	b.Emit(ctx, processed("c1"))

	assert.Equal(t, "c1", receive(t, conv1).ConversationID())
	assert.Equal(t, "c1", receive(t, all).ConversationID())

	select {
	case e := <-conv2:
		t.Fatalf("c2 subscriber got %v", e)
	default:
	}
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := testContext(t)

	ch, _ := b.Subscribe(ctx, "c1")
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Emit(ctx, processed("c1"))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "c1")
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-ch
	assert.False(t, open)

	// emitting after unsubscribe must not panic
	b.Emit(context.Background(), processed("c1"))
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, id := b.Subscribe(testContext(t), "c1")
	b.Unsubscribe("c1", id)
	b.Unsubscribe("c1", id)
	b.Unsubscribe("nope", id)

	_, open := <-ch
	assert.False(t, open)
}

// testContext returns a context cancelled when the test finishes,
// mirroring testing.T.Context for toolchains that predate it.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
