// ABOUTME: Gemini-backed Agent and Embedder using google/generative-ai-go
// ABOUTME: Maps the conversation log to Gemini chat history and reports token usage

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/2389/laraclaw/internal/store"
)

// Gemini defaults.
const (
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultEmbeddingModel = "text-embedding-004"
	DefaultSystemPrompt   = "You are Laraclaw, a helpful assistant reachable from several chat apps. Answer concisely. Use the remembered facts about the user when they are relevant and never invent new ones."
)

const (
	geminiRoleUser     = "user"
	geminiRoleModel    = "model"
	geminiProviderName = "gemini"
)

// GeminiConfig configures GeminiAgent.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	// Endpoint overrides the API endpoint, mainly for proxies.
	Endpoint string
}

// GeminiAgent implements Agent with Google Gemini.
type GeminiAgent struct {
	client       *genai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

func geminiOptions(apiKey, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

// NewGeminiAgent creates a Gemini client. Close releases it.
func NewGeminiAgent(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiAgent, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	client, err := genai.NewClient(ctx, geminiOptions(cfg.APIKey, cfg.Endpoint)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiAgent{
		client:       client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger.With("component", "agent", "provider", geminiProviderName),
	}, nil
}

// Provider implements ModelInfo.
func (g *GeminiAgent) Provider() string { return geminiProviderName }

// Model implements ModelInfo.
func (g *GeminiAgent) Model() string { return g.model }

// Respond implements Agent.
func (g *GeminiAgent) Respond(ctx context.Context, prompt string, history []*store.Message, memoryContext string) (*Response, error) {
	model := g.client.GenerativeModel(g.model)

	contents, systemNotes := buildGeminiHistory(history)
	instruction := g.systemPrompt
	if len(systemNotes) > 0 {
		instruction += "\n\n" + strings.Join(systemNotes, "\n")
	}
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}

	chat := model.StartChat()
	chat.History = contents

	resp, err := chat.SendMessage(ctx, genai.Text(ComposePrompt(prompt, memoryContext)))
	if err != nil {
		return nil, fmt.Errorf("gemini SendMessage failed: %w", err)
	}

	text, err := geminiResponseText(resp)
	if err != nil {
		return nil, err
	}

	out := &Response{Text: text}
	if resp.UsageMetadata != nil {
		pt := int(resp.UsageMetadata.PromptTokenCount)
		ct := int(resp.UsageMetadata.CandidatesTokenCount)
		out.PromptTokens = &pt
		out.CompletionTokens = &ct
	}

	g.logger.Debug("gemini response", "model", g.model, "history", len(contents), "chars", len(text))
	return out, nil
}

// Close releases the client.
func (g *GeminiAgent) Close() error {
	return g.client.Close()
}

// buildGeminiHistory maps the log to alternating Gemini turns. System messages are
// returned separately for the system instruction; tool output is shown to the
// model as user text. Consecutive turns with the same role are merged.
func buildGeminiHistory(history []*store.Message) ([]*genai.Content, []string) {
	var contents []*genai.Content
	var system []string

	for _, msg := range history {
		var role, text string
		switch msg.Role {
		case store.RoleSystem:
			system = append(system, msg.Content)
			continue
		case store.RoleAssistant:
			role, text = geminiRoleModel, msg.Content
		case store.RoleTool:
			role, text = geminiRoleUser, fmt.Sprintf("[tool %s] %s", msg.ToolName, msg.Content)
		default:
			role, text = geminiRoleUser, msg.Content
		}

		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, genai.Text(text))
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(text)}})
	}
	return contents, system
}

// geminiResponseText concatenates the text parts of the first candidate.
func geminiResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

// GeminiEmbedder produces text embeddings with a Gemini embedding model.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGeminiEmbedder creates an embedding client.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}
	client, err := genai.NewClient(ctx, geminiOptions(apiKey, "")...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model}, nil
}

// Model returns the embedding model name.
func (e *GeminiEmbedder) Model() string { return e.model }

// Embed returns the embedding vector for text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// Close releases the client.
func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
