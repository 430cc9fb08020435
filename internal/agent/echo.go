// ABOUTME: EchoAgent repeats the prompt back, for offline runs and smoke tests
// ABOUTME: Honors context cancellation so timeouts behave like a real provider

package agent

import (
	"context"
	"time"

	"github.com/2389/laraclaw/internal/store"
)

// EchoAgent answers with Prefix followed by the user's prompt.
type EchoAgent struct {
	Prefix string
	// Delay simulates provider latency.
	Delay time.Duration
}

// Respond implements Agent.
func (e *EchoAgent) Respond(ctx context.Context, prompt string, _ []*store.Message, _ string) (*Response, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo: "
	}
	return &Response{Text: prefix + prompt}, nil
}

// Provider implements ModelInfo.
func (e *EchoAgent) Provider() string { return "echo" }

// Model implements ModelInfo.
func (e *EchoAgent) Model() string { return "echo" }
