// ABOUTME: Entry point for the laraclaw CLI and server
// ABOUTME: Dispatches subcommands and sets up colored structured logging

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/laraclaw/internal/config"
)

// version is set at build time.
var version = "dev"

const banner = `
  _                       _
 | | __ _ _ __ __ _  ___| | __ ___      __
 | |/ _' | '__/ _' |/ __| |/ _' \ \ /\ / /
 | | (_| | | | (_| | (__| | (_| |\ V  V /
 |_|\__,_|_|  \__,_|\___|_|\__,_| \_/\_/
`

func printUsage() {
	fmt.Println("Usage: laraclaw <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Start the webhook and API server")
	fmt.Println("  ask [--user ID] MESSAGE                Ask a one-off question")
	fmt.Println("  chat [--channel NAME] [--new]          Interactive chat through the CLI gateway")
	fmt.Println("  bind GATEWAY CHANNEL [--user ID]       Bind a channel (creates the user if missing)")
	fmt.Println("  unbind GATEWAY CHANNEL                 Remove a channel binding")
	fmt.Println("  activate|deactivate GATEWAY CHANNEL    Toggle a channel binding")
	fmt.Println("  bindings [--gateway NAME] [--active]   List channel bindings")
	fmt.Println("  remember --user ID [--key K] TEXT      Store a memory fragment for a user")
	fmt.Println("  usage CONVERSATION_ID                  Show token usage and cost for a conversation")
	fmt.Println("  token --subject NAME [--user ID]       Mint an API bearer token")
	fmt.Println("  metrics                                Print metrics from the running server")
	fmt.Println("  health                                 Check server health")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "ask":
		err = runAsk(ctx, args)
	case "chat":
		err = runChat(ctx, args)
	case "bind":
		err = runBind(ctx, args)
	case "unbind":
		err = runUnbind(ctx, args)
	case "activate":
		err = runSetActive(ctx, args, true)
	case "deactivate":
		err = runSetActive(ctx, args, false)
	case "bindings":
		err = runBindings(ctx, args)
	case "remember":
		err = runRemember(ctx, args)
	case "usage":
		err = runUsage(ctx, args)
	case "token":
		err = runToken(args)
	case "metrics":
		err = runMetrics(ctx)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, or falls back to defaults when none exists.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) && os.Getenv("LARACLAW_CONFIG") == "" {
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{mu: &sync.Mutex{}, level: level})
}

// quietLogger is used by one-shot commands so log lines do not mix with their output.
func quietLogger(cfg config.LoggingConfig) *slog.Logger {
	if cfg.Level == "debug" {
		return setupLogger(cfg)
	}
	return setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Format})
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stderr, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{mu: h.mu, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, level: h.level, attrs: h.attrs, groups: newGroups}
}
