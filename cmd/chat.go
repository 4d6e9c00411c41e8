package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/config"
	"github.com/loomchat/loom/pkg/ollama"
	"github.com/loomchat/loom/pkg/tree"
	"github.com/loomchat/loom/pkg/tree/postgres"
	"github.com/loomchat/loom/pkg/usage"
)

var (
	chatSystemPrompt string
	chatNoStream     bool
	chatShowUsage    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat with a model",
	Long: `Send a single prompt, or start an interactive session when no
prompt is given. Interrupting a streaming reply (Ctrl-C) keeps the
partial answer in the conversation tree.

Interactive commands: /regen regenerates the last reply as a new
branch, /quit exits.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		ctx := cmd.Context()

		engine, cleanup, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		client := ollama.NewClientWithTimeout(cfg.Ollama.URL, cfg.Ollama.Timeout)

		var tracker *usage.Tracker
		if chatShowUsage {
			tracker = usage.NewTracker(cfg.Usage.UpdateInterval, nil)
		}

		session, err := chat.NewSession(ctx, engine, client, chat.Options{
			Model:        cfg.Ollama.DefaultModel,
			Title:        "cli session",
			SystemPrompt: systemPrompt(cfg),
			KeepAlive:    cfg.Ollama.KeepAlive,
			Think:        cfg.Ollama.Think,
			Tracker:      tracker,
		})
		if err != nil {
			return err
		}

		if len(args) > 0 {
			err = runPrompt(ctx, session, strings.Join(args, " "))
		} else {
			err = runInteractive(ctx, session, os.Stdin)
		}
		if err != nil {
			return err
		}

		if tracker != nil {
			stats := tracker.Stats()
			fmt.Fprintf(os.Stderr, "\ntokens: %d prompt, %d completion\n",
				stats.PromptTokens, stats.CompletionTokens)
		}
		return nil
	},
}

func systemPrompt(cfg *config.Config) string {
	if chatSystemPrompt != "" {
		return chatSystemPrompt
	}
	return cfg.Ollama.SystemPrompt
}

// requestContext arms interrupt handling for a single request, so that
// Ctrl-C aborts the in-flight reply without tearing down the session.
// Swapped out in tests.
var requestContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runPrompt(parent context.Context, session *chat.Session, prompt string) error {
	ctx, stop := requestContext(parent)
	defer stop()

	if chatNoStream {
		node, err := session.Ask(ctx, prompt)
		if err != nil {
			return err
		}
		fmt.Println(node.Content)
		return nil
	}

	_, err := session.Send(ctx, prompt, nil, func(delta string) {
		fmt.Print(delta)
	})
	fmt.Println()
	if ollama.IsAbort(err) {
		// Interrupted mid-stream; the partial reply is already saved.
		return nil
	}
	return err
}

func runInteractive(parent context.Context, session *chat.Session, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	var lastUserNodeID string

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/regen":
			if lastUserNodeID == "" {
				fmt.Fprintln(os.Stderr, "nothing to regenerate yet")
				continue
			}
			if err := streamTo(func(onDelta func(string)) (*tree.MessageNode, error) {
				ctx, stop := requestContext(parent)
				defer stop()
				return session.Regenerate(ctx, lastUserNodeID, onDelta)
			}); err != nil {
				return err
			}
			continue
		}

		err := streamTo(func(onDelta func(string)) (*tree.MessageNode, error) {
			ctx, stop := requestContext(parent)
			defer stop()
			node, err := session.Send(ctx, line, nil, onDelta)
			if node != nil {
				lastUserNodeID = node.ParentID
			}
			return node, err
		})
		if err != nil {
			return err
		}
	}
}

// streamTo prints deltas to stdout and treats an interrupt as the end
// of the reply rather than a command failure.
func streamTo(run func(onDelta func(string)) (*tree.MessageNode, error)) error {
	_, err := run(func(delta string) { fmt.Print(delta) })
	fmt.Println()
	if err != nil {
		if ollama.IsAbort(err) {
			fmt.Fprintln(os.Stderr, "(interrupted)")
			return nil
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return nil
}

// buildEngine wires the configured history backend.
func buildEngine(ctx context.Context, cfg *config.Config) (*tree.Engine, func(), error) {
	switch cfg.History.Store {
	case "", "memory":
		return tree.NewEngine(tree.NewMemoryStore()), func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.History.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		store := postgres.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate history schema: %w", err)
		}
		return tree.NewEngine(store), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown history store %q", cfg.History.Store)
	}
}

func init() {
	chatCmd.Flags().StringVarP(&chatSystemPrompt, "system", "s", "", "system prompt for the conversation")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "wait for the complete reply instead of streaming")
	chatCmd.Flags().BoolVar(&chatShowUsage, "usage", false, "print token usage after the session")

	rootCmd.AddCommand(chatCmd)
}
