// ABOUTME: laraclaw subcommands: serve, ask, chat, bindings, memories, usage, tokens and server health checks
// ABOUTME: Local commands open the database directly; metrics and health talk to the running server

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/2389/laraclaw/internal/auth"
	"github.com/2389/laraclaw/internal/config"
	"github.com/2389/laraclaw/internal/gateway"
	"github.com/2389/laraclaw/internal/server"
	"github.com/2389/laraclaw/internal/store"
)

var (
	cyan  = color.New(color.FgCyan)
	green = color.New(color.FgGreen)
	gray  = color.New(color.FgHiBlack)
	bold  = color.New(color.Bold)
)

// openApp loads config and wires the app for a one-shot command.
func openApp(ctx context.Context) (*app, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, quietLogger(cfg.Logging), os.Stdout)
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	a, err := newApp(ctx, cfg, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		if verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)); err != nil {
			return err
		}
	}

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s %s\n", cfg.Agent.Provider, cfg.Agent.Model)
	green.Print("    ▶ ")
	fmt.Printf("Gateways:  %s\n", strings.Join(a.gateways.Names(), ", "))
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			color.New(color.FgYellow).Print(" [funnel]")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	fmt.Println()

	srv, err := server.New(server.Options{
		Config:       cfg,
		Orchestrator: a.orch,
		Gateways:     a.gateways,
		Bindings:     a.bindings,
		Usage:        a.store,
		Events:       a.events,
		Metrics:      a.metrics,
		Verifier:     verifier,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting laraclaw", "config", configPath, "version", version)
	return srv.Run(ctx)
}

func runAsk(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	user := fs.String("user", "", "user whose memories inform the answer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	message := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(message) == "" {
		return errors.New("usage: laraclaw ask [--user ID] MESSAGE")
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var userID *string
	if *user != "" {
		userID = user
	}
	out, err := a.orch.Ask(ctx, message, userID)
	if err != nil {
		return err
	}

	fmt.Println(out.Reply.Content)
	if u := out.Usage; u != nil {
		gray.Printf("\n%d tokens (%d in, %d out) · $%.6f · conversation %s\n",
			u.TotalTokens, u.PromptTokens, u.CompletionTokens, u.CostUSD, out.Conversation.ID)
	}
	return nil
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	channel := fs.String("channel", gateway.DefaultCLIChannel, "CLI channel to converse in")
	fresh := fs.Bool("new", false, "start a fresh channel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fresh {
		*channel = "repl-" + uuid.New().String()[:8]
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cyan.Print(banner)
	gray.Printf("    channel %s · /quit to leave\n\n", *channel)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		bold.Print("you> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		raw, err := json.Marshal(gateway.CLIInput{
			Content:    line,
			ChannelID:  *channel,
			SenderName: a.cfg.Gateways.CLI.SenderName,
		})
		if err != nil {
			return err
		}
		if _, err := a.orch.HandleInbound(ctx, gateway.CLIName, raw, gateway.Signature{}, 0); err != nil {
			gray.Printf("(%v)\n", err)
		}
	}
}

// parseChannelArgs splits "GATEWAY CHANNEL [flags]" so flags may follow the positionals.
func parseChannelArgs(fs *flag.FlagSet, args []string) (string, string, error) {
	if len(args) < 2 || strings.HasPrefix(args[0], "-") || strings.HasPrefix(args[1], "-") {
		return "", "", fmt.Errorf("usage: laraclaw %s GATEWAY CHANNEL", fs.Name())
	}
	if err := fs.Parse(args[2:]); err != nil {
		return "", "", err
	}
	return args[0], args[1], nil
}

func runBind(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bind", flag.ContinueOnError)
	user := fs.String("user", "", "user ID to bind (created if missing)")
	name := fs.String("name", "", "display name for a newly created user")
	conversation := fs.String("conversation", "", "existing conversation ID to continue")
	gw, channel, err := parseChannelArgs(fs, args)
	if err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var userID, convID *string
	if *user != "" {
		if err := ensureUser(ctx, a.store, *user, *name); err != nil {
			return err
		}
		userID = user
	}
	if *conversation != "" {
		if _, err := a.store.GetConversation(ctx, *conversation); err != nil {
			return fmt.Errorf("conversation %s: %w", *conversation, err)
		}
		convID = conversation
	}

	b, err := a.bindings.Bind(ctx, gw, channel, userID, convID, nil)
	if err != nil {
		return err
	}
	green.Print("✓ ")
	fmt.Printf("bound %s/%s (%s)\n", b.Gateway, b.ChannelID, b.ID)
	return nil
}

func ensureUser(ctx context.Context, s store.Store, id, name string) error {
	_, err := s.GetUser(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if name == "" {
		name = id
	}
	if err := s.CreateUser(ctx, &store.User{ID: id, Name: name}); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	gray.Printf("created user %s\n", id)
	return nil
}

func runUnbind(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unbind", flag.ContinueOnError)
	gw, channel, err := parseChannelArgs(fs, args)
	if err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.bindings.Unbind(ctx, gw, channel)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no binding for %s/%s", gw, channel)
	}
	green.Print("✓ ")
	fmt.Printf("unbound %s/%s\n", gw, channel)
	return nil
}

func runSetActive(ctx context.Context, args []string, active bool) error {
	cmd := "deactivate"
	if active {
		cmd = "activate"
	}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	gw, channel, err := parseChannelArgs(fs, args)
	if err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var found bool
	if active {
		found, err = a.bindings.ActivateBinding(ctx, gw, channel)
	} else {
		found, err = a.bindings.DeactivateBinding(ctx, gw, channel)
	}
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no binding for %s/%s", gw, channel)
	}
	green.Print("✓ ")
	fmt.Printf("%sd %s/%s\n", cmd, gw, channel)
	return nil
}

func runBindings(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bindings", flag.ContinueOnError)
	gw := fs.String("gateway", "", "only this gateway")
	activeOnly := fs.Bool("active", false, "only active bindings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.bindings.ListBindings(ctx, *gw, *activeOnly)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		gray.Println("no bindings")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GATEWAY\tCHANNEL\tUSER\tCONVERSATION\tACTIVE\tUPDATED")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
			b.Gateway, b.ChannelID, deref(b.UserID), deref(b.ConversationID), b.Active,
			b.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func runRemember(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remember", flag.ContinueOnError)
	user := fs.String("user", "", "user the memory belongs to")
	key := fs.String("key", "", "short label for the memory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := strings.Join(fs.Args(), " ")
	if *user == "" || strings.TrimSpace(content) == "" {
		return errors.New("usage: laraclaw remember --user ID [--key K] TEXT")
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := ensureUser(ctx, a.store, *user, ""); err != nil {
		return err
	}
	f, err := a.memory.Remember(ctx, *user, nil, *key, content)
	if err != nil {
		return err
	}
	green.Print("✓ ")
	fmt.Printf("remembered %s\n", f.ID)
	return nil
}

func runUsage(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: laraclaw usage CONVERSATION_ID")
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	totals, err := a.store.ConversationUsage(ctx, args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "exchanges\t%d\n", totals.Exchanges)
	fmt.Fprintf(tw, "prompt tokens\t%d\n", totals.PromptTokens)
	fmt.Fprintf(tw, "completion tokens\t%d\n", totals.CompletionTokens)
	fmt.Fprintf(tw, "total tokens\t%d\n", totals.TotalTokens)
	fmt.Fprintf(tw, "cost\t$%.6f\n", totals.CostUSD)
	return tw.Flush()
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "who the token is for")
	user := fs.String("user", "", "bind the token to a store user")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("usage: laraclaw token --subject NAME [--user ID] [--ttl 720h]")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("auth.jwt_secret must be set: %w", err)
	}
	token, err := verifier.Generate(*subject, *user, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// serverURL builds a URL on the configured local HTTP address.
func serverURL(cfg *config.Config, path string) string {
	return fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := resty.New().SetTimeout(10 * time.Second).R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

func runMetrics(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	body, err := fetch(ctx, serverURL(cfg, cfg.Metrics.Path))
	if err != nil {
		return fmt.Errorf("fetching metrics: %w", err)
	}
	fmt.Print(string(body))
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := fetch(ctx, serverURL(cfg, "/health")); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}
