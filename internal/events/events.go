// ABOUTME: Lifecycle event types emitted by the orchestrator and the Sink interface
// ABOUTME: Includes Multi, LogSink and Recorder sinks plus a JSON envelope for streaming

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/laraclaw/internal/store"
)

// Event type names used on the wire.
const (
	TypeMessageProcessed        = "message.processed"
	TypeMessageProcessingFailed = "message.failed"
)

// Event is a lifecycle event.
type Event interface {
	Type() string
	ConversationID() string
}

// MessageProcessed is emitted after the reply is persisted.
type MessageProcessed struct {
	Conversation *store.Conversation
	Response     string
	Gateway      string
	MessageID    string
	At           time.Time
}

// Type implements Event.
func (e MessageProcessed) Type() string { return TypeMessageProcessed }

// ConversationID implements Event.
func (e MessageProcessed) ConversationID() string { return conversationID(e.Conversation) }

// MessageProcessingFailed is emitted when agent invocation or persistence fails.
// Error is a description safe for logs, not for end users.
type MessageProcessingFailed struct {
	Conversation *store.Conversation
	Error        string
	Kind         string
	RetryCount   int
	At           time.Time
}

// Type implements Event.
func (e MessageProcessingFailed) Type() string { return TypeMessageProcessingFailed }

// ConversationID implements Event.
func (e MessageProcessingFailed) ConversationID() string { return conversationID(e.Conversation) }

func conversationID(c *store.Conversation) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// Sink consumes events. Emit must not block for long.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Multi emits to every sink in order. Nil entries are skipped.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. Pass nil for the default logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

// Emit implements Sink.
func (l *LogSink) Emit(ctx context.Context, e Event) {
	switch ev := e.(type) {
	case MessageProcessed:
		l.logger.InfoContext(ctx, "message processed",
			"conversation_id", ev.ConversationID(),
			"gateway", ev.Gateway,
			"message_id", ev.MessageID,
			"response_len", len(ev.Response))
	case MessageProcessingFailed:
		l.logger.WarnContext(ctx, "message processing failed",
			"conversation_id", ev.ConversationID(),
			"kind", ev.Kind,
			"error", ev.Error,
			"retry_count", ev.RetryCount)
	default:
		l.logger.DebugContext(ctx, "event", "type", e.Type(), "conversation_id", e.ConversationID())
	}
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Processed returns recorded MessageProcessed events.
func (r *Recorder) Processed() []MessageProcessed {
	var out []MessageProcessed
	for _, e := range r.Events() {
		if p, ok := e.(MessageProcessed); ok {
			out = append(out, p)
		}
	}
	return out
}

// Failed returns recorded MessageProcessingFailed events.
func (r *Recorder) Failed() []MessageProcessingFailed {
	var out []MessageProcessingFailed
	for _, e := range r.Events() {
		if f, ok := e.(MessageProcessingFailed); ok {
			out = append(out, f)
		}
	}
	return out
}

// Envelope is the JSON shape of an event on the event stream.
type Envelope struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Gateway        string    `json:"gateway,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Response       string    `json:"response,omitempty"`
	Error          string    `json:"error,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	RetryCount     int       `json:"retry_count"`
	At             time.Time `json:"at"`
}

// ToEnvelope flattens an event for serialization.
func ToEnvelope(e Event) Envelope {
	env := Envelope{Type: e.Type(), ConversationID: e.ConversationID()}
	switch ev := e.(type) {
	case MessageProcessed:
		env.Gateway = ev.Gateway
		env.MessageID = ev.MessageID
		env.Response = ev.Response
		env.At = ev.At
	case MessageProcessingFailed:
		if ev.Conversation != nil {
			env.Gateway = ev.Conversation.Gateway
		}
		env.Error = ev.Error
		env.Kind = ev.Kind
		env.RetryCount = ev.RetryCount
		env.At = ev.At
	}
	return env
}
