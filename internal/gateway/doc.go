// Package gateway adapts external chat platforms to the message pipeline.
//
// # Overview
//
// Every platform is an Adapter. An adapter turns a raw webhook body into an
// IncomingMessage, verifies that the body really came from the platform,
// resolves the conversation for the channel it arrived on and delivers replies
// back to the channel.
//
//	Adapter
//	├── Name()                       "telegram", "discord", "matrix", "cli", "webhook"
//	├── VerifyWebhook(raw, sig)      checked before anything is written
//	├── ParseIncomingMessage(raw)    -> *IncomingMessage (Payload is a tagged union)
//	├── FindOrCreateConversation()   via binding.Manager.ResolveConversation
//	├── SendMessage(conv, content)   outbound reply
//	├── GetConversationIdentifier()  external thread id for the conversation
//	└── FailureText()                fixed text sent when processing fails
//
// # Payloads
//
// IncomingMessage.Payload holds the decoded platform body: TelegramUpdate,
// DiscordInteraction, MatrixEvent, CLIInput, or GenericPayload for the generic
// webhook adapter.
//
// # Optional behaviour
//
// Interactive adapters (Discord) must answer the webhook call itself before the
// reply is ready. Splitter adapters (Matrix appservice transactions) receive
// several events in one delivery and split them before parsing.
//
// # Key Files
//
//   - adapter.go: Adapter contract, IncomingMessage, Signature, sentinel errors
//   - registry.go: name -> Adapter lookup
//   - telegram.go, discord.go, matrix.go, cli.go, webhook.go: platform adapters
package gateway
