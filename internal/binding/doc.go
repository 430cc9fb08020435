// Package binding resolves external gateway channels to laraclaw users and conversations.
//
// A ChannelBinding is keyed by (gateway, channel_id). Bind is an idempotent
// upsert that always leaves the binding active; Unbind deletes it. Lookups on
// an unbound channel return nil or false, never an error.
//
// ResolveConversation is the entry point used by gateway adapters: it returns
// the bound conversation, or creates a new one and binds it. Concurrent calls
// for the same channel are collapsed with singleflight so only one conversation
// is ever created per channel.
package binding
