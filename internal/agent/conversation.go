package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
	"github.com/skeinworks/skein-agent/internal/provider"
	"github.com/skeinworks/skein-agent/internal/selector"
	"github.com/skeinworks/skein-agent/internal/window"
)

const (
	eventBuffer             = 128
	defaultPersistOpTimeout = 10 * time.Second
)

// Conversation owns one message log and drives one orchestration loop
// at a time over it. All cross-round state (the log, the phase, the
// cancellation hook) is mutated only between rounds, never from
// in-flight tool tasks.
type Conversation struct {
	id  string
	log *slog.Logger

	provider   provider.Provider
	registry   *capability.Registry
	executor   *capability.Executor
	selector   *selector.Selector // nil disables relevance selection
	window     *window.Manager
	store      ConversationStore // optional mirror
	checkpoint Checkpointer      // optional

	modelName   string
	maxTokens   int
	maxOutput   int
	maxRounds   int
	parallelism int
	persistTO   time.Duration

	mu       sync.Mutex
	messages []model.Message
	phase    Phase
	busy     bool
	cancelFn context.CancelFunc
}

func (c *Conversation) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

func (c *Conversation) Phase() Phase {
	if c == nil {
		return PhaseIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Messages returns a snapshot of the log.
func (c *Conversation) Messages() []model.Message {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CloneMessages(c.messages)
}

// Submit starts one orchestration run for userText and returns the
// event stream for it. The channel closes after a terminal done event;
// callers must drain it. A second Submit while one is streaming returns
// ErrBusy.
func (c *Conversation) Submit(ctx context.Context, userText string) (<-chan Event, error) {
	if c == nil {
		return nil, errors.New("nil conversation")
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, errors.New("empty submission")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userMsg := model.Message{Role: model.RoleUser, Content: userText}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.busy = true
	c.phase = PhaseAwaitingModel
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelFn = cancel
	repaired := c.repairDanglingCallsLocked()
	c.messages = append(c.messages, userMsg)
	c.mu.Unlock()

	for _, m := range repaired {
		c.mirrorAppend(m)
	}
	c.mirrorAppend(userMsg)

	ch := make(chan Event, eventBuffer)
	go c.run(runCtx, cancel, userText, ch)
	return ch, nil
}

// Cancel cooperatively stops the in-flight submission, if any. Already
// dispatched invocations are not killed; their late results are
// discarded.
func (c *Conversation) Cancel() {
	if c == nil {
		return
	}
	c.mu.Lock()
	cancel := c.cancelFn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// repairDanglingCallsLocked closes out tool calls a canceled run left
// unanswered, so the next backend exchange sees a well-formed log.
func (c *Conversation) repairDanglingCallsLocked() []model.Message {
	var added []model.Message
	for i, msg := range c.messages {
		if msg.Role != model.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		for _, id := range msg.Unresolved(c.messages[i+1:]) {
			tm := model.ToolMessage(model.Outcome{
				InvocationID: id,
				Success:      false,
				Error:        "invocation canceled before completion",
			})
			added = append(added, tm)
		}
	}
	if len(added) > 0 {
		c.messages = append(c.messages, added...)
		c.log.Info("repaired dangling tool calls", "conversation_id", c.id, "count", len(added))
	}
	return added
}

func (c *Conversation) run(ctx context.Context, cancel context.CancelFunc, query string, ch chan<- Event) {
	defer close(ch)
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.cancelFn = nil
		c.mu.Unlock()
		cancel()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("orchestration loop panicked", "conversation_id", c.id, "panic", rec)
			c.setPhase(PhaseIdle)
			c.tryEmit(ch, Event{Type: EventNotice, Content: "An internal error ended this submission."})
			c.tryEmit(ch, Event{Type: EventDone, StopReason: StopBackendError})
		}
	}()

	runID := uuid.NewString()
	started := time.Now()
	c.log.Info("submission started", "conversation_id", c.id, "run_id", runID, "model", c.modelName)

	var offered []capability.Descriptor
	var offeredNames []string
	selectionDone := false

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			c.finishCanceled(ch)
			return
		}
		if round >= c.maxRounds {
			c.setPhase(PhaseRoundLimit)
			c.emit(ctx, ch, Event{Type: EventNotice, Content: fmt.Sprintf("Stopped after %d rounds without a final response.", c.maxRounds)})
			c.emit(ctx, ch, Event{Type: EventDone, StopReason: StopRoundLimit})
			c.log.Warn("round ceiling reached", "conversation_id", c.id, "run_id", runID, "rounds", round)
			return
		}
		c.setPhase(PhaseAwaitingModel)

		// Select once per submission; later rounds reuse the offer for
		// cost stability.
		if !selectionDone {
			offered, offeredNames = c.selectCapabilities(query)
			selectionDone = true
		}

		msgs, report := c.manageWindow()
		if report.Managed && report.EvictedTurns > 0 {
			c.emit(ctx, ch, Event{Type: EventTokenCount, Tokens: &TokenReport{
				ContextTokens: report.TokensAfter,
				EvictedTurns:  report.EvictedTurns,
			}})
		}

		acc := newAccumulator()
		resp, err := c.provider.StreamChat(ctx, c.buildRequest(msgs, offered), func(d model.Delta) {
			acc.Add(d)
			if d.Content != "" {
				c.emit(ctx, ch, Event{Type: EventContent, Content: d.Content})
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				c.finishCanceled(ch)
				return
			}
			// Terminal for this submission only; the log stays intact
			// so the user can retry.
			c.log.Warn("model call failed", "conversation_id", c.id, "run_id", runID, "round", round, "error", err)
			c.setPhase(PhaseIdle)
			c.emit(ctx, ch, Event{Type: EventNotice, Content: "The model backend failed: " + errorString(err)})
			c.emit(ctx, ch, Event{Type: EventDone, StopReason: StopBackendError})
			return
		}

		merged := acc.Message()
		if acc.Empty() && (resp.Message.Content != "" || len(resp.Message.ToolCalls) > 0) {
			// Backend answered without streaming deltas.
			merged = resp.Message
			if merged.Content != "" {
				c.emit(ctx, ch, Event{Type: EventContent, Content: merged.Content})
			}
		}
		c.appendMessage(merged)

		usage := TokenReport{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}

		calls := merged.ToolCalls
		if len(calls) == 0 {
			c.setPhase(PhaseResponseComplete)
			c.emit(ctx, ch, Event{Type: EventTokenCount, Tokens: &usage})
			c.emit(ctx, ch, Event{Type: EventDone, StopReason: StopComplete})
			c.log.Info("submission complete", "conversation_id", c.id, "run_id", runID, "rounds", round+1, "elapsed_ms", time.Since(started).Milliseconds())
			return
		}

		c.setPhase(PhaseToolCallsPending)
		c.emit(ctx, ch, Event{Type: EventToolCalls, Calls: append([]model.Invocation(nil), calls...)})
		if c.selector != nil {
			for _, call := range calls {
				c.selector.RecordRequest(call.Name, offeredNames, query)
			}
		}

		if ctx.Err() != nil {
			c.finishCanceled(ch)
			return
		}
		parallel := canParallelize(c.registry, calls)
		c.log.Debug("dispatching tool calls", "conversation_id", c.id, "run_id", runID, "round", round, "calls", len(calls), "parallel", parallel)
		c.notifyCheckpoints(ctx, calls)

		aborted := false
		for oc := range c.dispatch(ctx, calls, parallel) {
			if ctx.Err() != nil {
				// Late results stay buffered and are dropped.
				aborted = true
				break
			}
			oc := oc
			c.appendMessage(model.ToolMessage(oc))
			c.emit(ctx, ch, Event{Type: EventToolOutcome, Outcome: &oc})
		}
		if aborted || ctx.Err() != nil {
			c.finishCanceled(ch)
			return
		}
		c.emit(ctx, ch, Event{Type: EventTokenCount, Tokens: &usage})
	}
}

func (c *Conversation) selectCapabilities(query string) ([]capability.Descriptor, []string) {
	if c.selector == nil {
		snap := c.registry.Snapshot()
		return snap, descriptorNames(snap)
	}
	res, err := c.selector.Select(query)
	if err != nil {
		// Degrade to the full catalog rather than failing the round.
		c.log.Warn("capability selection failed, offering full catalog", "conversation_id", c.id, "error", err)
		snap := c.registry.Snapshot()
		return snap, descriptorNames(snap)
	}
	c.log.Debug("capability selection",
		"conversation_id", c.id,
		"category", string(res.Classification.Category),
		"selected", len(res.Selected),
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter)
	return res.Selected, descriptorNames(res.Selected)
}

// manageWindow runs the context window manager over a snapshot and, when
// turns were evicted, swaps the log atomically under the lock.
func (c *Conversation) manageWindow() ([]model.Message, window.Report) {
	c.mu.Lock()
	snapshot := append([]model.Message(nil), c.messages...)
	c.mu.Unlock()
	if c.window == nil {
		return snapshot, window.Report{}
	}
	managed, report := c.window.Manage(snapshot, c.maxTokens)
	if report.Managed && report.EvictedTurns > 0 {
		c.mu.Lock()
		c.messages = managed
		c.mu.Unlock()
		c.mirrorReplace(managed)
	}
	return managed, report
}

func (c *Conversation) buildRequest(msgs []model.Message, offered []capability.Descriptor) provider.Request {
	req := provider.Request{
		Model:           c.modelName,
		Messages:        msgs,
		Capabilities:    offered,
		MaxOutputTokens: c.maxOutput,
		ToolChoice:      provider.ToolChoiceAuto,
	}
	if len(msgs) > 0 && msgs[0].Role == model.RoleSystem {
		req.System = msgs[0].Content
		req.Messages = msgs[1:]
	}
	if len(offered) == 0 {
		req.ToolChoice = provider.ToolChoiceNone
	}
	return req
}

func (c *Conversation) notifyCheckpoints(ctx context.Context, calls []model.Invocation) {
	if c.checkpoint == nil {
		return
	}
	for _, call := range calls {
		if !c.registry.Mutates(call.Name) {
			continue
		}
		refs := capability.ResourceRefs(call.Args)
		if len(refs) == 0 {
			// No extractable resource; announce the mutation anyway so
			// the collaborator can snapshot broadly.
			refs = []string{""}
		}
		for _, ref := range refs {
			if err := c.checkpoint.BeforeMutatingOp(ctx, ref); err != nil {
				c.log.Warn("checkpoint before mutating call failed", "conversation_id", c.id, "capability", call.Name, "resource", ref, "error", err)
			}
		}
	}
}

func (c *Conversation) appendMessage(m model.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
	c.mirrorAppend(m)
}

func (c *Conversation) mirrorAppend(m model.Message) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout())
	defer cancel()
	if err := c.store.AppendMessage(ctx, c.id, m); err != nil {
		c.log.Warn("failed to mirror message", "conversation_id", c.id, "error", err)
	}
}

func (c *Conversation) mirrorReplace(msgs []model.Message) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout())
	defer cancel()
	if err := c.store.ReplaceMessages(ctx, c.id, msgs); err != nil {
		c.log.Warn("failed to mirror managed log", "conversation_id", c.id, "error", err)
	}
}

func (c *Conversation) persistTimeout() time.Duration {
	if c.persistTO > 0 {
		return c.persistTO
	}
	return defaultPersistOpTimeout
}

func (c *Conversation) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Conversation) finishCanceled(ch chan<- Event) {
	c.setPhase(PhaseCanceled)
	c.tryEmit(ch, Event{Type: EventNotice, Content: "Submission canceled."})
	c.tryEmit(ch, Event{Type: EventDone, StopReason: StopCanceled})
	c.log.Info("submission canceled", "conversation_id", c.id)
}

// emit blocks until the consumer takes the event or the run is
// canceled.
func (c *Conversation) emit(ctx context.Context, ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// tryEmit never blocks; terminal events after cancellation are best
// effort because the consumer may already be gone.
func (c *Conversation) tryEmit(ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}

func descriptorNames(defs []capability.Descriptor) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
