// Package config handles configuration loading for laraclaw.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LARACLAW_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/laraclaw/config.yaml
//  3. ~/.config/laraclaw/config.yaml
//
// A .env file in the working directory is loaded into the environment first,
// without overriding variables that are already set.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LARACLAW_JWT_SECRET}"
//	agent:
//	  api_key: "${GEMINI_API_KEY}"
//
// Unset variables expand to an empty string.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  path: "/var/lib/laraclaw/laraclaw.db"
//	agent:
//	  provider: gemini
//	  model: gemini-2.0-flash
//	  timeout: 60s
//	memory:
//	  history_limit: 20
//	  ranker: keyword
//	usage:
//	  pricing_file: pricing.toml
//	gateways:
//	  default: telegram
//	  telegram:
//	    enabled: true
//	    bot_token: "${TELEGRAM_BOT_TOKEN}"
//	    secret_token: "${TELEGRAM_SECRET}"
//
// Durations use Go syntax ("30s", "5m"). Every section has defaults; an
// empty file yields a local echo-agent setup listening on 127.0.0.1:8080.
package config
