package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/skeinworks/skein-agent/internal/agent"
	"github.com/skeinworks/skein-agent/internal/capability"
	"github.com/skeinworks/skein-agent/internal/capability/builtin"
	"github.com/skeinworks/skein-agent/internal/checkpoint"
	"github.com/skeinworks/skein-agent/internal/config"
	"github.com/skeinworks/skein-agent/internal/provider"
	"github.com/skeinworks/skein-agent/internal/store"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func runCmd(args []string) {
	fs := newFlagSet("run")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	resume := fs.String("resume", "", "Conversation id to resume")
	noStore := fs.Bool("no-store", false, "Disable conversation persistence")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	prov, err := buildProvider(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	registry := capability.NewRegistry()
	if err := builtin.RegisterAll(registry, builtin.Options{
		Root:   cfg.EffectiveRootDir(),
		Logger: logger,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register capabilities: %v\n", err)
		os.Exit(1)
	}

	var convStore agent.ConversationStore
	var dbStore *store.Store
	if !*noStore {
		dbStore, err = store.Open(filepath.Join(cfg.EffectiveStateDir(), "skein.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open conversation store: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = dbStore.Close() }()
		convStore = dbStore
	}

	ckpt, err := checkpoint.New(checkpoint.Options{
		Root:     cfg.EffectiveRootDir(),
		StateDir: cfg.EffectiveStateDir(),
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init checkpoints: %v\n", err)
		os.Exit(1)
	}

	svc, err := agent.NewService(agent.Options{
		Logger:              logger,
		Provider:            prov,
		Registry:            registry,
		Store:               convStore,
		Checkpointer:        ckpt,
		Model:               cfg.EffectiveModel(),
		MaxContextTokens:    cfg.EffectiveMaxContextTokens(),
		MaxOutputTokens:     cfg.EffectiveMaxOutputTokens(),
		MaxRounds:           cfg.EffectiveMaxRounds(),
		Parallelism:         cfg.EffectiveParallelism(),
		MinRecentTurns:      cfg.EffectiveMinRecentTurns(),
		ReservedForResponse: cfg.EffectiveReservedForResponse(),
		DisableSelection:    cfg.Selection.Disabled,
		SelectionMaxCount:   cfg.EffectiveSelectionMaxCount(),
		SelectionMinScore:   cfg.EffectiveSelectionMinScore(),
		AlwaysInclude:       cfg.Selection.AlwaysInclude,
		CallTimeout:         cfg.EffectiveCallTimeout(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init engine: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx := context.Background()
	var conv *agent.Conversation
	if strings.TrimSpace(*resume) != "" {
		conv, err = svc.ResumeConversation(ctx, *resume)
	} else {
		conv, err = svc.CreateConversation(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start conversation: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("skein-agent %s | model %s | conversation %s\n", Version, cfg.EffectiveModel(), conv.ID())
	fmt.Println("Type a request, or /quit to exit. Ctrl-C cancels an in-flight reply.")

	// First SIGINT cancels the in-flight submission; a second within
	// the same submission, or one at the prompt, exits.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		interrupted := false
		for range sigCh {
			switch conv.Phase() {
			case agent.PhaseAwaitingModel, agent.PhaseToolCallsPending:
				if interrupted {
					fmt.Println()
					os.Exit(0)
				}
				interrupted = true
				conv.Cancel()
			default:
				fmt.Println()
				os.Exit(0)
			}
		}
	}()

	repl(ctx, conv)
}

func repl(ctx context.Context, conv *agent.Conversation) {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return
		}

		ch, err := conv.Submit(ctx, line)
		if err != nil {
			if errors.Is(err, agent.ErrBusy) {
				fmt.Println("still working on the previous request")
				continue
			}
			fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
			continue
		}
		drainSubmission(ch)
	}
}

func drainSubmission(ch <-chan agent.Event) {
	streaming := false
	for ev := range ch {
		switch ev.Type {
		case agent.EventContent:
			streaming = true
			fmt.Print(ev.Content)
		case agent.EventToolCalls:
			if streaming {
				fmt.Println()
				streaming = false
			}
			for _, call := range ev.Calls {
				fmt.Printf("  [tool] %s %s\n", call.Name, compactArgs(call.Args))
			}
		case agent.EventToolOutcome:
			if ev.Outcome != nil && !ev.Outcome.Success {
				fmt.Printf("  [tool error] %s\n", ev.Outcome.Error)
			}
		case agent.EventNotice:
			if streaming {
				fmt.Println()
				streaming = false
			}
			fmt.Printf("  [notice] %s\n", ev.Content)
		case agent.EventTokenCount:
			if ev.Tokens != nil && ev.Tokens.EvictedTurns > 0 {
				fmt.Printf("  [context] evicted %d old turns, now %d tokens\n", ev.Tokens.EvictedTurns, ev.Tokens.ContextTokens)
			}
		case agent.EventDone:
			if streaming {
				fmt.Println()
			}
		}
	}
}

func compactArgs(args []byte) string {
	s := strings.TrimSpace(string(args))
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	apiKey := strings.TrimSpace(os.Getenv(cfg.EffectiveAPIKeyEnv()))
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key: set %s", cfg.EffectiveAPIKeyEnv())
	}
	switch cfg.EffectiveProviderName() {
	case "openai":
		return provider.NewOpenAI(apiKey, cfg.Provider.BaseURL)
	case "anthropic":
		return provider.NewAnthropic(apiKey, cfg.Provider.BaseURL)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func conversationsCmd(args []string) {
	fs := newFlagSet("conversations")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 20, "Maximum conversations to list")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	dbStore, err := store.Open(filepath.Join(cfg.EffectiveStateDir(), "skein.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open conversation store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = dbStore.Close() }()

	convs, err := dbStore.ListConversations(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list conversations: %v\n", err)
		os.Exit(1)
	}
	if len(convs) == 0 {
		fmt.Println("no stored conversations")
		return
	}
	for _, c := range convs {
		fmt.Printf("%s\t%s\n", c.ID, c.ModelID)
	}
}
