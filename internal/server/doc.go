// Package server is the HTTP surface of laraclaw.
//
// Routes:
//
//	POST|PUT /webhooks/{gateway}        platform deliveries, verified by the gateway adapter
//	GET      /health                    liveness
//	GET      /metrics                   text exposition of the metrics collector
//	POST     /api/ask                   one-off question (JWT)
//	GET      /api/events                Server-Sent Events stream of lifecycle events (JWT)
//	GET      /api/bindings              list channel bindings (JWT)
//	POST     /api/bindings              bind a channel (JWT)
//	DELETE   /api/bindings/{gateway}/{channel}
//	POST     /api/bindings/{gateway}/{channel}/{activate|deactivate}
//	GET      /api/conversations/{id}/usage
//
// Webhook responses are 200 once a delivery is verified, even when
// processing fails: the channel already got the adapter's failure text and a
// redelivery would only repeat it. Verification failures are 401.
//
// Interactive gateways (Discord) get their acknowledgement body written
// synchronously; the agent turn then runs in the background and the reply is
// posted to the channel.
//
// The listener is plain TCP or, with tailscale.enabled, a tsnet node that can
// optionally expose the webhooks publicly through Funnel.
package server
