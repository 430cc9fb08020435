// Package agent defines the language-model capability laraclaw invokes.
//
// An Agent turns (prompt, history, memory context) into a completion. It is
// opaque to the orchestrator apart from two optional extras: ModelInfo names the
// provider and model for usage accounting, and Response may carry token counts
// the provider reported.
//
// Implementations:
//
//   - GeminiAgent: Google Gemini via github.com/google/generative-ai-go
//   - EchoAgent: offline agent that repeats the prompt, for local runs and tests
//
// GeminiEmbedder produces vectors for the embedding memory ranker.
package agent
