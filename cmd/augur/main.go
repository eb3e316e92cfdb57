// Augur: context-augmented conversational agent
//
// An interactive agent that answers from a shared knowledge store: each
// turn retrieves stored context over MCP, composes an augmented prompt,
// and persists the exchange back into the store.
//
// Usage:
//
//	augur            # Start the interactive REPL
//	augur update     # Update to the latest version
//	augur version    # Print the version
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dfarias/augur/internal/agent"
	"github.com/dfarias/augur/internal/config"
	"github.com/dfarias/augur/internal/knowledge"
	"github.com/dfarias/augur/internal/llm"
	"github.com/dfarias/augur/internal/mcpclient"
	"github.com/dfarias/augur/internal/observe"
	"github.com/dfarias/augur/internal/store"
	"github.com/dfarias/augur/internal/updater"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Printf("augur v%s\n", Version)
			os.Exit(0)
		case "--help", "-h", "help":
			printUsage()
			os.Exit(0)
		case "update":
			runUpdate()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
	}

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Settings) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	hook := observe.NewSlogHook(logger)

	transport := mcpclient.New(mcpclient.Options{
		Dialer:        mcpclient.StdioDialer(cfg.MCPCommand, cfg.ChildEnv(), cfg.MCPArgs...),
		AutoRestart:   true,
		CallTimeout:   cfg.RequestTimeout,
		ClientName:    "augur",
		ClientVersion: Version,
		Logger:        logger,
	})
	defer func() { _ = transport.Close() }()

	repo := knowledge.New(store.New(transport, store.ToolNames{}), knowledge.Config{
		Database:              cfg.DefaultDatabase,
		DefaultLanguage:       cfg.DefaultLanguage,
		AutoTranslateOnCreate: cfg.AutoTranslateOnCreate,
	})

	model := llm.New(llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxInFlight: cfg.MaxInFlightLLM,
		OnRetry: func(attempt int, reason string) {
			hook.Emit(observe.Event{Kind: observe.LLMRetried, Reason: fmt.Sprintf("attempt %d: %s", attempt, reason)})
		},
	})

	ag := agent.New(repo, model, hook, agent.Config{
		MaxContextItems:    cfg.MaxContextItems,
		ContextTokenBudget: cfg.ContextTokenBudget,
		MaxTokensPerTurn:   cfg.MaxTokensPerTurn,
		MaxToolDepth:       cfg.MaxToolDepth,
		SessionWindow:      cfg.SessionWindow,
		DefaultLanguage:    cfg.DefaultLanguage,
	})

	// Background version check, printed to stderr so it never mixes
	// with REPL output.
	go checkForUpdates()

	// Graceful shutdown on interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return repl(ctx, ag)
}

// repl reads lines from stdin; commands are dispatched, everything else
// becomes a conversation turn on the current session.
func repl(ctx context.Context, ag *agent.Agent) error {
	session := ag.Session("")
	fmt.Printf("augur v%s — session %s (type 'help' for commands)\n", Version, session.ID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch cmd {
		case "quit", "exit":
			return nil

		case "help":
			printHelp()

		case "stats":
			stats, err := ag.Stats(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stats failed: %v\n", err)
				continue
			}
			fmt.Printf("knowledge rows: %d\nconversations:  %d\nsessions:       %d\nprps:           %d\n",
				stats.KnowledgeRows, stats.Conversations, stats.Sessions, stats.PRPs)

		case "clear-session":
			ag.ClearSession(session.ID)
			fmt.Println("session cleared")

		case "ingest":
			if rest == "" {
				fmt.Fprintln(os.Stderr, "usage: ingest <path>")
				continue
			}
			runIngest(ctx, ag, rest)

		case "prp":
			runPRP(ctx, ag, rest)

		default:
			reply, err := ag.Turn(ctx, session.ID, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
				continue
			}
			fmt.Println(reply)
		}
	}
}

// runIngest ingests a file or, when the path is a directory, every
// supported file under it.
func runIngest(ctx context.Context, ag *agent.Agent, path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest failed: %v\n", err)
		return
	}

	if info.IsDir() {
		results, err := ag.IngestDir(ctx, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ingest failed: %v\n", err)
			return
		}
		var failed int
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "  %s: %v\n", r.Path, r.Err)
				continue
			}
			fmt.Printf("  %s: %s\n", r.Path, r.Outcome)
		}
		fmt.Printf("%d files processed, %d failed\n", len(results), failed)
		return
	}

	outcome, err := ag.IngestFile(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest failed: %v\n", err)
		return
	}
	fmt.Printf("%s: %s\n", path, outcome)
}

// runPRP handles the prp subcommands: list, create, show, analyze,
// status.
func runPRP(ctx context.Context, ag *agent.Agent, args string) {
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "list":
		prps, err := ag.ListPRPs(ctx, knowledge.PRPFilter{Status: rest})
		if err != nil {
			fmt.Fprintf(os.Stderr, "prp list failed: %v\n", err)
			return
		}
		if len(prps) == 0 {
			fmt.Println("no PRPs")
			return
		}
		for _, p := range prps {
			fmt.Printf("#%d %s [%s/%s] — %s\n", p.ID, p.Name, p.Status, p.Priority, p.Title)
		}

	case "create":
		name, title, _ := strings.Cut(rest, " ")
		title = strings.TrimSpace(title)
		if name == "" || title == "" {
			fmt.Fprintln(os.Stderr, "usage: prp create <name> <title>")
			return
		}
		prp, err := ag.CreatePRP(ctx, knowledge.CreatePRPParams{Name: name, Title: title})
		if err != nil {
			fmt.Fprintf(os.Stderr, "prp create failed: %v\n", err)
			return
		}
		fmt.Printf("created PRP #%d %q (status: %s)\n", prp.ID, prp.Name, prp.Status)

	case "show":
		prp, err := ag.GetPRP(ctx, rest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prp show failed: %v\n", err)
			return
		}
		fmt.Printf("#%d %s [%s/%s]\nTitle: %s\nDescription: %s\nObjective: %s\n",
			prp.ID, prp.Name, prp.Status, prp.Priority, prp.Title, prp.Description, prp.Objective)

	case "analyze":
		summary, err := ag.AnalyzePRP(ctx, rest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prp analyze failed: %v\n", err)
			return
		}
		fmt.Println(summary)

	case "status":
		ref, status, _ := strings.Cut(rest, " ")
		status = strings.TrimSpace(status)
		if ref == "" || status == "" {
			fmt.Fprintln(os.Stderr, "usage: prp status <id> <draft|active|archived>")
			return
		}
		prp, err := ag.GetPRP(ctx, ref)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prp status failed: %v\n", err)
			return
		}
		if err := ag.SetPRPStatus(ctx, prp.ID, status); err != nil {
			fmt.Fprintf(os.Stderr, "prp status failed: %v\n", err)
			return
		}
		fmt.Printf("PRP #%d moved to %s\n", prp.ID, status)

	default:
		fmt.Fprintln(os.Stderr, "usage: prp <list|create|show|analyze|status> ...")
	}
}

// checkForUpdates runs a best-effort version check; network failures
// are silently ignored.
func checkForUpdates() {
	result := updater.CheckVersion(Version)
	if result.UpdateAvailable {
		fmt.Fprintf(os.Stderr,
			"\nUpdate available: v%s → v%s\nRun: augur update\nRelease: %s\n\n",
			result.CurrentVersion, result.LatestVersion, result.ReleaseURL)
	}
}

// runUpdate performs a self-update to the latest release.
func runUpdate() {
	fmt.Fprintln(os.Stderr, "Checking for updates...")

	result := updater.CheckVersion(Version)
	if !result.UpdateAvailable {
		fmt.Fprintf(os.Stderr, "Already at the latest version (v%s)\n", result.CurrentVersion)
		return
	}

	fmt.Fprintf(os.Stderr, "New version available: v%s → v%s\nDownloading...\n",
		result.CurrentVersion, result.LatestVersion)

	if err := updater.SelfUpdate(Version); err != nil {
		fmt.Fprintf(os.Stderr, "Update failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "You can download manually from:\n  %s\n", result.ReleaseURL)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Updated to v%s. Restart augur to use the new version.\n", result.LatestVersion)
}

func printHelp() {
	fmt.Print(`Commands:
  help                               Show this help
  stats                              Show store counts
  ingest <path>                      Ingest a file or directory into the knowledge base
  prp list [status]                  List PRP documents
  prp create <name> <title>          Create a PRP
  prp show <id|name>                 Show a PRP
  prp analyze <id|name>              Summarize a PRP (resolves pending translation)
  prp status <id|name> <status>      Move a PRP to draft, active, or archived
  clear-session                      Drop the in-memory conversation window
  quit                               Exit

Anything else is sent to the agent as a conversation turn.
`)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Augur v%s — context-augmented conversational agent

Usage:
  augur            Start the interactive REPL
  augur update     Update to the latest version
  augur version    Print the version

Configuration (environment, .env supported):
  LLM_API_KEY               required — provider API key
  MCP_COMMAND               required — command that starts the MCP store server
  STORE_DEFAULT_DATABASE    required — logical database name
  LLM_MODEL, LLM_BASE_URL   provider overrides
  STORE_URL, STORE_AUTH_TOKEN   forwarded to the MCP child
`, Version)
}
