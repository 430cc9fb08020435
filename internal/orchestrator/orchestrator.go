// ABOUTME: Laraclaw core: drives inbound messages from gateway to agent and back
// ABOUTME: Records first, bounds the agent call, persists reply+usage atomically, emits lifecycle events

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/laraclaw/internal/agent"
	"github.com/2389/laraclaw/internal/binding"
	"github.com/2389/laraclaw/internal/dedupe"
	"github.com/2389/laraclaw/internal/events"
	"github.com/2389/laraclaw/internal/gateway"
	"github.com/2389/laraclaw/internal/metrics"
	"github.com/2389/laraclaw/internal/store"
	"github.com/2389/laraclaw/internal/usage"
)

// DefaultAgentTimeout bounds an agent call when Config.AgentTimeout is unset.
const DefaultAgentTimeout = 60 * time.Second

// MessageStore is what the orchestrator writes to.
type MessageStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	AppendMessage(ctx context.Context, msg *store.Message) error
	SaveExchange(ctx context.Context, msg *store.Message, usage *store.TokenUsage) error
}

// ContextAssembler builds the agent's context for a turn. *memory.Manager implements it.
type ContextAssembler interface {
	GetConversationHistory(ctx context.Context, conv *store.Conversation) ([]*store.Message, error)
	GetRelevantMemories(ctx context.Context, prompt string, userID *string) ([]*store.MemoryFragment, error)
	FormatMemoriesForPrompt(fragments []*store.MemoryFragment) string
}

// ActiveCounter counts active channel bindings. *binding.Manager implements it.
type ActiveCounter interface {
	CountActive(ctx context.Context) (int, error)
}

// Config tunes the orchestrator.
type Config struct {
	AgentTimeout time.Duration
	// DefaultGateway tags conversations created by Ask. Defaults to "cli".
	DefaultGateway string
}

// Deps are the collaborators of an Orchestrator. Events, Dedupe, Bindings and
// Logger are optional.
type Deps struct {
	Store    MessageStore
	Context  ContextAssembler
	Agent    agent.Agent
	Usage    *usage.Tracker
	Metrics  *metrics.Collector
	Gateways *gateway.Registry
	Bindings ActiveCounter
	Events   events.Sink
	Dedupe   *dedupe.Cache
	Logger   *slog.Logger
}

// Orchestrator coordinates binding resolution, context assembly, agent
// invocation, persistence, accounting and lifecycle events.
type Orchestrator struct {
	store     MessageStore
	assembler ContextAssembler
	agent     agent.Agent
	usage     *usage.Tracker
	metrics   *metrics.Collector
	gateways  *gateway.Registry
	bindings  ActiveCounter
	events    events.Sink
	dedupe    *dedupe.Cache
	cfg       Config
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator requires a store")
	case deps.Context == nil:
		return nil, fmt.Errorf("orchestrator requires a context assembler")
	case deps.Agent == nil:
		return nil, fmt.Errorf("orchestrator requires an agent")
	case deps.Usage == nil:
		return nil, fmt.Errorf("orchestrator requires a usage tracker")
	case deps.Metrics == nil:
		return nil, fmt.Errorf("orchestrator requires a metrics collector")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Gateways == nil {
		deps.Gateways = gateway.NewRegistry()
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.DefaultGateway == "" {
		cfg.DefaultGateway = gateway.CLIName
	}

	return &Orchestrator{
		store:     deps.Store,
		assembler: deps.Context,
		agent:     deps.Agent,
		usage:     deps.Usage,
		metrics:   deps.Metrics,
		gateways:  deps.Gateways,
		bindings:  deps.Bindings,
		events:    deps.Events,
		dedupe:    deps.Dedupe,
		cfg:       cfg,
		logger:    deps.Logger.With("component", "orchestrator"),
	}, nil
}

// Status is how an inbound message ended.
type Status string

// Outcome statuses.
const (
	StatusProcessed Status = "processed"
	StatusIgnored   Status = "ignored"
	StatusDuplicate Status = "duplicate"
	StatusInactive  Status = "inactive"
	StatusFailed    Status = "failed"
)

// Outcome describes one processed (or skipped) message.
type Outcome struct {
	Status       Status
	Conversation *store.Conversation
	UserMessage  *store.Message
	Reply        *store.Message
	Usage        *store.TokenUsage
	// Delivered reports whether the adapter accepted the outbound reply.
	Delivered bool
}

// HandleInbound verifies and processes a raw webhook delivery. retryCount is
// the delivery attempt number supplied by the caller's retry policy.
//
// A delivery that fails verification returns a KindWebhookVerification error
// without touching any state. Deliveries holding several messages are
// processed in order; failures are joined.
func (o *Orchestrator) HandleInbound(ctx context.Context, gatewayName string, raw []byte, sig gateway.Signature, retryCount int) ([]*Outcome, error) {
	adapter, err := o.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	if !adapter.VerifyWebhook(raw, sig) {
		o.logger.Warn("webhook verification failed", "gateway", gatewayName)
		return nil, newProcessingError(KindWebhookVerification, "", nil)
	}

	parts := [][]byte{raw}
	if splitter, ok := adapter.(gateway.Splitter); ok {
		if parts, err = splitter.Split(raw); err != nil {
			return nil, err
		}
	}

	var outcomes []*Outcome
	var errs []error
	for _, part := range parts {
		msg, err := adapter.ParseIncomingMessage(part)
		if errors.Is(err, gateway.ErrNoContent) {
			outcomes = append(outcomes, &Outcome{Status: StatusIgnored})
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		outcome, err := o.Process(ctx, adapter, msg, retryCount)
		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// Process runs a parsed message through the pipeline and sends the reply (or
// the adapter's failure text) back to the channel.
func (o *Orchestrator) Process(ctx context.Context, adapter gateway.Adapter, msg *gateway.IncomingMessage, retryCount int) (*Outcome, error) {
	if o.dedupe != nil && o.dedupe.Duplicate(adapter.Name(), msg.DeliveryID) {
		o.logger.Debug("duplicate delivery dropped", "gateway", adapter.Name(), "delivery_id", msg.DeliveryID)
		return &Outcome{Status: StatusDuplicate}, nil
	}

	conv, err := adapter.FindOrCreateConversation(ctx, msg)
	if errors.Is(err, binding.ErrChannelInactive) {
		o.logger.Info("message on inactive channel dropped", "gateway", adapter.Name(), "channel_id", msg.ChannelID)
		return &Outcome{Status: StatusInactive}, nil
	}
	if err != nil {
		o.release(adapter.Name(), msg.DeliveryID)
		perr := newProcessingError(KindPersistence, "", fmt.Errorf("resolving conversation: %w", err))
		o.fail(ctx, nil, perr, retryCount)
		return &Outcome{Status: StatusFailed}, perr
	}

	o.logger.Info("received message",
		"gateway", adapter.Name(),
		"channel_id", msg.ChannelID,
		"conversation_id", conv.ID,
		"content", truncate(msg.Content, 50),
	)

	outcome, err := o.respond(ctx, conv, msg.Content, inboundMetadata(msg), adapter.Name(), retryCount)
	if err != nil {
		o.release(adapter.Name(), msg.DeliveryID)
	}

	reply := adapter.FailureText()
	if err == nil {
		reply = outcome.Reply.Content
	}
	if sendErr := adapter.SendMessage(ctx, conv, reply); sendErr != nil {
		o.metrics.Increment(metrics.Errors, 1)
		o.logger.Error("failed to deliver reply",
			"gateway", adapter.Name(),
			"conversation_id", conv.ID,
			"error", sendErr,
		)
	} else {
		outcome.Delivered = true
	}
	return outcome, err
}

// release forgets a delivery so the caller's retry of a failed message is processed.
func (o *Orchestrator) release(gatewayName, deliveryID string) {
	if o.dedupe != nil && deliveryID != "" {
		o.dedupe.Forget(dedupe.Key(gatewayName, deliveryID))
	}
}

// Ask answers a one-off message in a fresh conversation on the default gateway.
func (o *Orchestrator) Ask(ctx context.Context, message string, userID *string) (*Outcome, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	conv, err := o.StartConversation(ctx, StartOptions{
		UserID: userID,
		Title:  binding.TitleFrom(message),
	})
	if err != nil {
		return nil, err
	}
	return o.respond(ctx, conv, message, nil, conv.Gateway, 0)
}

// StartOptions configures StartConversation.
type StartOptions struct {
	Gateway               string
	GatewayConversationID string
	UserID                *string
	Title                 string
	Metadata              store.Metadata
}

// StartConversation creates a conversation without binding a channel.
func (o *Orchestrator) StartConversation(ctx context.Context, opts StartOptions) (*store.Conversation, error) {
	gw := opts.Gateway
	if gw == "" {
		gw = o.cfg.DefaultGateway
	}
	conv := &store.Conversation{
		ID:                    uuid.New().String(),
		UserID:                opts.UserID,
		Gateway:               gw,
		GatewayConversationID: opts.GatewayConversationID,
		Title:                 opts.Title,
		Metadata:              opts.Metadata,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}
	o.logger.Debug("conversation started", "conversation_id", conv.ID, "gateway", gw)
	return conv, nil
}

// RefreshActiveConversations sets the active_conversations gauge from the
// number of active channel bindings.
func (o *Orchestrator) RefreshActiveConversations(ctx context.Context) (int, error) {
	if o.bindings == nil {
		return 0, fmt.Errorf("orchestrator has no binding counter")
	}
	n, err := o.bindings.CountActive(ctx)
	if err != nil {
		return 0, err
	}
	o.metrics.Record(metrics.ActiveConversations, float64(n))
	return n, nil
}

// respond runs the record-first pipeline for one user message in conv.
func (o *Orchestrator) respond(ctx context.Context, conv *store.Conversation, content string, meta store.Metadata, gatewayName string, retryCount int) (*Outcome, error) {
	outcome := &Outcome{Status: StatusFailed, Conversation: conv}

	// History is read before the inbound message lands so the window holds
	// HistoryLimit prior messages.
	history, historyErr := o.assembler.GetConversationHistory(ctx, conv)

	// 1. Record the inbound message first.
	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        content,
		Metadata:       meta,
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		perr := newProcessingError(KindPersistence, conv.ID, fmt.Errorf("recording user message: %w", err))
		o.fail(ctx, conv, perr, retryCount)
		return outcome, perr
	}
	outcome.UserMessage = userMsg
	o.metrics.Increment(metrics.MessagesReceived, 1)

	// 2. Assemble context.
	if historyErr != nil {
		perr := newProcessingError(KindPersistence, conv.ID, historyErr)
		o.fail(ctx, conv, perr, retryCount)
		return outcome, perr
	}

	memoryContext := ""
	fragments, err := o.assembler.GetRelevantMemories(ctx, content, conv.UserID)
	if err != nil {
		o.logger.Warn("memory lookup failed, continuing without memories",
			"conversation_id", conv.ID, "error", err)
	} else {
		memoryContext = o.assembler.FormatMemoriesForPrompt(fragments)
	}

	// 3. Invoke the agent under a deadline.
	start := time.Now()
	resp, err := o.invoke(ctx, content, history, memoryContext)
	elapsed := time.Since(start)
	if err != nil {
		kind := KindAgentInvocation
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			kind = KindAgentTimeout
		}
		perr := newProcessingError(kind, conv.ID, err)
		o.fail(ctx, conv, perr, retryCount)
		return outcome, perr
	}

	// 4. Persist reply and usage together.
	provider, model := agent.Describe(o.agent)
	responseMillis := float64(elapsed.Microseconds()) / 1000
	reply := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        resp.Text,
		Metadata: store.Metadata{
			"provider":         provider,
			"model":            model,
			"response_time_ms": responseMillis,
		},
	}
	record := o.usage.Build(usage.Exchange{
		ConversationID:   conv.ID,
		MessageID:        reply.ID,
		Provider:         provider,
		Model:            model,
		PromptText:       promptText(content, history, memoryContext),
		CompletionText:   resp.Text,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Metadata:         store.Metadata{"gateway": gatewayName},
	})
	if err := o.store.SaveExchange(ctx, reply, record); err != nil {
		perr := newProcessingError(KindPersistence, conv.ID, fmt.Errorf("recording reply: %w", err))
		o.fail(ctx, conv, perr, retryCount)
		return outcome, perr
	}

	o.metrics.Increment(metrics.MessagesSent, 1)
	o.metrics.Record(metrics.ResponseTime, responseMillis)

	o.events.Emit(ctx, events.MessageProcessed{
		Conversation: conv,
		Response:     resp.Text,
		Gateway:      gatewayName,
		MessageID:    reply.ID,
		At:           time.Now().UTC(),
	})

	o.logger.Info("message processed",
		"conversation_id", conv.ID,
		"gateway", gatewayName,
		"response_ms", responseMillis,
		"total_tokens", record.TotalTokens,
	)

	outcome.Status = StatusProcessed
	outcome.Reply = reply
	outcome.Usage = record
	return outcome, nil
}

func (o *Orchestrator) invoke(ctx context.Context, prompt string, history []*store.Message, memoryContext string) (*agent.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	resp, err := o.agent.Respond(callCtx, prompt, history, memoryContext)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		switch {
		case err == nil:
			// an agent that ignores its context still loses the race with the deadline
			return nil, callCtx.Err()
		case !errors.Is(err, context.DeadlineExceeded):
			// transports such as gRPC report the deadline with their own status error
			return nil, fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if callCtx.Err() != nil {
		return nil, callCtx.Err()
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, agent.ErrEmptyResponse
	}
	return resp, nil
}

// fail reports a processing failure: event plus errors metric.
func (o *Orchestrator) fail(ctx context.Context, conv *store.Conversation, perr *ProcessingError, retryCount int) {
	o.metrics.Increment(metrics.Errors, 1)
	o.events.Emit(ctx, events.MessageProcessingFailed{
		Conversation: conv,
		Error:        perr.Error(),
		Kind:         string(perr.Kind),
		RetryCount:   retryCount,
		At:           time.Now().UTC(),
	})
	o.logger.Error("message processing failed",
		"conversation_id", perr.ConversationID,
		"kind", perr.Kind,
		"retry_count", retryCount,
		"error", perr.Err,
	)
}

func inboundMetadata(msg *gateway.IncomingMessage) store.Metadata {
	meta := store.Metadata{"gateway": msg.Gateway}
	if msg.SenderID != "" {
		meta["sender_id"] = msg.SenderID
	}
	if msg.SenderName != "" {
		meta["sender_name"] = msg.SenderName
	}
	if msg.DeliveryID != "" {
		meta["delivery_id"] = msg.DeliveryID
	}
	if !msg.Timestamp.IsZero() {
		meta["sent_at"] = msg.Timestamp.Format(time.RFC3339)
	}
	return meta
}

// promptText is everything the agent was shown, used to estimate prompt tokens
// when the provider does not report them.
func promptText(prompt string, history []*store.Message, memoryContext string) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString(agent.ComposePrompt(prompt, memoryContext))
	return b.String()
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
