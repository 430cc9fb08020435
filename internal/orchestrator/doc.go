// Package orchestrator drives one inbound chat message through the pipeline.
//
// # Flow
//
//	verify webhook -> parse -> dedupe -> resolve conversation (binding)
//	  -> log user message -> history + memories -> agent (bounded by timeout)
//	  -> persist reply and usage atomically -> metrics -> event -> send reply
//
// Record first, then act: the user message is stored before the agent is
// called, so a failed invocation still leaves the inbound message in the log.
// The assistant message and its TokenUsage are committed together or not at all.
//
// # Failures
//
// Verification failures, duplicates, payloads without content and inactive
// channels are handled locally and never reach the agent. Agent and
// persistence failures become a *ProcessingError, a MessageProcessingFailed
// event and an increment of the errors metric, and the adapter's fixed
// failure text is sent to the channel. The orchestrator never retries; the
// retry count is carried through for observability only.
package orchestrator
