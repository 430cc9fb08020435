// Package events defines the orchestrator's lifecycle events and the sinks that
// consume them.
//
// Two events exist: MessageProcessed and MessageProcessingFailed. The
// orchestrator emits them through an injected Sink, so tests can assert on a
// Recorder instead of a framework event bus. Multi fans one emission out to
// several sinks; LogSink writes them to slog; Broadcaster delivers them to
// in-process subscribers such as the /api/events stream.
package events
