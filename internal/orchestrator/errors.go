// ABOUTME: Typed processing failures raised by the orchestrator
// ABOUTME: ProcessingError carries a Kind and wraps both a sentinel and the cause

package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies a processing failure.
type Kind string

// Failure kinds.
const (
	KindWebhookVerification Kind = "webhook_verification_failed"
	KindAgentInvocation     Kind = "agent_invocation_failed"
	KindAgentTimeout        Kind = "agent_timeout"
	KindPersistence         Kind = "persistence_failed"
)

// Sentinels matchable with errors.Is on a *ProcessingError.
var (
	ErrWebhookVerificationFailed = errors.New("webhook verification failed")
	ErrAgentInvocationFailed     = errors.New("agent invocation failed")
	ErrAgentTimeout              = errors.New("agent timeout")
	ErrPersistenceFailed         = errors.New("persistence failed")
)

var kindSentinels = map[Kind]error{
	KindWebhookVerification: ErrWebhookVerificationFailed,
	KindAgentInvocation:     ErrAgentInvocationFailed,
	KindAgentTimeout:        ErrAgentTimeout,
	KindPersistence:         ErrPersistenceFailed,
}

// ProcessingError is returned when a message could not be processed.
type ProcessingError struct {
	Kind Kind
	// ConversationID is empty when the failure happened before resolution.
	ConversationID string
	Err            error
}

func newProcessingError(kind Kind, conversationID string, cause error) *ProcessingError {
	sentinel := kindSentinels[kind]
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &ProcessingError{Kind: kind, ConversationID: conversationID, Err: err}
}

func (e *ProcessingError) Error() string {
	return e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a *ProcessingError in err's chain, or "".
func KindOf(err error) Kind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
