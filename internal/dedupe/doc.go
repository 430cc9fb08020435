// Package dedupe suppresses duplicate webhook deliveries.
//
// Chat platforms retry webhooks they think failed, so the same update can
// arrive more than once. Each gateway exposes a delivery id (Telegram
// update_id, Discord message id, Matrix event id); the orchestrator asks
// Cache.Duplicate before touching any state and drops repeats seen within
// the TTL window.
package dedupe
