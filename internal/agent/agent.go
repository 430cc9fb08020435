// ABOUTME: Agent interface, request/response types and shared prompt composition
// ABOUTME: The orchestrator depends only on these types, never on a provider SDK

package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/laraclaw/internal/store"
)

// ErrEmptyResponse is returned when a provider produced no text.
var ErrEmptyResponse = errors.New("agent returned an empty response")

// Response is a completion plus provider-reported token counts, when known.
type Response struct {
	Text             string
	PromptTokens     *int
	CompletionTokens *int
}

// Agent produces a completion for a prompt given prior history and memory context.
type Agent interface {
	Respond(ctx context.Context, prompt string, history []*store.Message, memoryContext string) (*Response, error)
}

// ModelInfo is implemented by agents that can name their provider and model.
type ModelInfo interface {
	Provider() string
	Model() string
}

// Describe returns provider and model for a, or "unknown" when it does not say.
func Describe(a Agent) (provider, model string) {
	if mi, ok := a.(ModelInfo); ok {
		return mi.Provider(), mi.Model()
	}
	return "unknown", "unknown"
}

// memoryPreamble introduces remembered facts ahead of the user's message.
const memoryPreamble = "Things you remember about this user:\n"

// ComposePrompt merges the memory context block into the user's prompt.
func ComposePrompt(prompt, memoryContext string) string {
	memoryContext = strings.TrimSpace(memoryContext)
	if memoryContext == "" {
		return prompt
	}
	return memoryPreamble + memoryContext + "\n\n" + prompt
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, prompt string, history []*store.Message, memoryContext string) (*Response, error)

// Respond implements Agent.
func (f Func) Respond(ctx context.Context, prompt string, history []*store.Message, memoryContext string) (*Response, error) {
	return f(ctx, prompt, history, memoryContext)
}
