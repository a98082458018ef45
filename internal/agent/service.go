// Package agent drives conversations between a user, a chat model
// backend, and a capability registry. Each conversation runs one
// orchestration loop at a time: stream the model reply, merge it,
// execute any requested capabilities, feed outcomes back, and repeat
// until the model answers in plain text or a limit trips.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
	"github.com/skeinworks/skein-agent/internal/provider"
	"github.com/skeinworks/skein-agent/internal/selector"
	"github.com/skeinworks/skein-agent/internal/tokens"
	"github.com/skeinworks/skein-agent/internal/window"
)

const (
	defaultMaxRounds       = 200
	defaultContextTokens   = 128000
	defaultMaxOutputTokens = 4096

	defaultSystemPrompt = "You are a careful engineering assistant working inside the user's workspace. Use the available capabilities to inspect and change files, and answer plainly when no action is needed."
)

type Options struct {
	Logger   *slog.Logger
	Provider provider.Provider
	Registry *capability.Registry

	Store        ConversationStore    // optional history mirror
	Checkpointer Checkpointer         // optional pre-mutation snapshots
	Metrics      selector.MetricsSink // optional selection-recall sink

	Model        string
	SystemPrompt string

	// Counter overrides token accounting; defaults to a counter derived
	// from the model name.
	Counter *tokens.Counter

	MaxContextTokens    int // default 128000
	MaxOutputTokens     int // default 4096
	MaxRounds           int // default 200; a loop breaker, not a budget
	Parallelism         int // default 2
	MinRecentTurns      int
	ReservedForResponse int

	// DisableSelection offers the full catalog on every submission.
	DisableSelection  bool
	SelectionMaxCount int
	SelectionMinScore float64
	AlwaysInclude     []string

	CallTimeout      time.Duration
	PersistOpTimeout time.Duration
}

// Service wires the engine's collaborators once and hands out
// conversations that share them. Conversations themselves share no
// mutable state with each other.
type Service struct {
	log        *slog.Logger
	provider   provider.Provider
	registry   *capability.Registry
	executor   *capability.Executor
	selector   *selector.Selector
	window     *window.Manager
	store      ConversationStore
	checkpoint Checkpointer

	modelName    string
	systemPrompt string
	maxTokens    int
	maxOutput    int
	maxRounds    int
	parallelism  int
	persistTO    time.Duration

	mu            sync.Mutex
	conversations map[string]*Conversation
	closed        bool
}

func NewService(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, errors.New("agent service requires a model provider")
	}
	modelName := strings.TrimSpace(opts.Model)
	if modelName == "" {
		return nil, errors.New("agent service requires a model name")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	registry := opts.Registry
	if registry == nil {
		registry = capability.NewRegistry()
	}

	executor, err := capability.NewExecutor(capability.ExecutorOptions{
		Registry:    registry,
		Logger:      logger,
		CallTimeout: opts.CallTimeout,
	})
	if err != nil {
		return nil, err
	}

	counter := opts.Counter
	if counter == nil {
		counter = tokens.NewCounter(modelName, logger)
	}
	win, err := window.New(window.Options{
		Counter:             counter,
		Logger:              logger,
		MinRecentTurns:      opts.MinRecentTurns,
		ReservedForResponse: opts.ReservedForResponse,
	})
	if err != nil {
		return nil, err
	}

	var sel *selector.Selector
	if !opts.DisableSelection {
		misses, _ := opts.Store.(selector.MissStore)
		sel, err = selector.New(selector.Options{
			Registry:      registry,
			Counter:       counter,
			Logger:        logger,
			Metrics:       opts.Metrics,
			Misses:        misses,
			MaxCount:      opts.SelectionMaxCount,
			MinScore:      opts.SelectionMinScore,
			AlwaysInclude: opts.AlwaysInclude,
		})
		if err != nil {
			return nil, err
		}
	}

	maxTokens := opts.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = defaultContextTokens
	}
	maxOutput := opts.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputTokens
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	systemPrompt := strings.TrimSpace(opts.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &Service{
		log:           logger,
		provider:      opts.Provider,
		registry:      registry,
		executor:      executor,
		selector:      sel,
		window:        win,
		store:         opts.Store,
		checkpoint:    opts.Checkpointer,
		modelName:     modelName,
		systemPrompt:  systemPrompt,
		maxTokens:     maxTokens,
		maxOutput:     maxOutput,
		maxRounds:     maxRounds,
		parallelism:   parallelism,
		persistTO:     opts.PersistOpTimeout,
		conversations: make(map[string]*Conversation),
	}, nil
}

// NewConversationID generates a cryptographically random conversation id.
func NewConversationID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "conv_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Service) CreateConversation(ctx context.Context) (*Conversation, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	id, err := NewConversationID()
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.CreateConversation(ctx, id, s.modelName); err != nil {
			return nil, err
		}
	}
	conv := s.newConversation(id, []model.Message{{Role: model.RoleSystem, Content: s.systemPrompt}})
	if s.store != nil {
		conv.mirrorAppend(conv.messages[0])
	}
	if err := s.track(conv); err != nil {
		return nil, err
	}
	s.log.Info("conversation created", "conversation_id", id, "model", s.modelName)
	return conv, nil
}

// ResumeConversation rebuilds a conversation from the mirrored history.
func (s *Service) ResumeConversation(ctx context.Context, id string) (*Conversation, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	if s.store == nil {
		return nil, errors.New("no conversation store configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("missing conversation id")
	}
	if conv, ok := s.Conversation(id); ok {
		return conv, nil
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("conversation not found")
	}
	if msgs[0].Role != model.RoleSystem {
		msgs = append([]model.Message{{Role: model.RoleSystem, Content: s.systemPrompt}}, msgs...)
	}
	conv := s.newConversation(id, msgs)
	if err := s.track(conv); err != nil {
		return nil, err
	}
	s.log.Info("conversation resumed", "conversation_id", id, "messages", len(msgs))
	return conv, nil
}

func (s *Service) Conversation(id string) (*Conversation, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[strings.TrimSpace(id)]
	return conv, ok
}

// Close cancels every in-flight submission. Conversations become
// unusable for new submissions only through their owner dropping them;
// Close does not wait for drains.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	convs := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, conv)
	}
	s.mu.Unlock()

	for _, conv := range convs {
		conv.Cancel()
	}
}

func (s *Service) newConversation(id string, msgs []model.Message) *Conversation {
	return &Conversation{
		id:          id,
		log:         s.log,
		provider:    s.provider,
		registry:    s.registry,
		executor:    s.executor,
		selector:    s.selector,
		window:      s.window,
		store:       s.store,
		checkpoint:  s.checkpoint,
		modelName:   s.modelName,
		maxTokens:   s.maxTokens,
		maxOutput:   s.maxOutput,
		maxRounds:   s.maxRounds,
		parallelism: s.parallelism,
		persistTO:   s.persistTO,
		messages:    model.CloneMessages(msgs),
		phase:       PhaseIdle,
	}
}

func (s *Service) track(conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service closed")
	}
	s.conversations[conv.id] = conv
	return nil
}
