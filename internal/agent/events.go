package agent

import (
	"context"
	"errors"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

// ErrBusy is returned by Submit while a prior submission is still
// streaming on the same conversation.
var ErrBusy = errors.New("conversation busy")

// Phase is the observable state of a conversation's orchestration loop.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingModel    Phase = "awaiting_model"
	PhaseToolCallsPending Phase = "tool_calls_pending"
	PhaseResponseComplete Phase = "response_complete"
	PhaseCanceled         Phase = "canceled"
	PhaseRoundLimit       Phase = "round_limit"
)

// StopReason explains the terminal done event of one submission.
type StopReason string

const (
	StopComplete     StopReason = "complete"
	StopCanceled     StopReason = "canceled"
	StopRoundLimit   StopReason = "round_limit"
	StopBackendError StopReason = "backend_error"
)

type EventType string

const (
	// EventContent carries one streamed text fragment.
	EventContent EventType = "content"
	// EventToolCalls announces the merged tool calls of a round before
	// any of them is dispatched.
	EventToolCalls EventType = "tool_calls"
	// EventToolOutcome reports one finished invocation.
	EventToolOutcome EventType = "tool_outcome"
	// EventTokenCount reports accounting after a round or an eviction.
	EventTokenCount EventType = "token_count"
	// EventNotice carries operator-facing text (errors, cancellation,
	// round ceiling).
	EventNotice EventType = "notice"
	// EventDone terminates the stream; no events follow it.
	EventDone EventType = "done"
)

type TokenReport struct {
	InputTokens   int64 `json:"input_tokens,omitempty"`
	OutputTokens  int64 `json:"output_tokens,omitempty"`
	ContextTokens int   `json:"context_tokens,omitempty"`
	EvictedTurns  int   `json:"evicted_turns,omitempty"`
}

// Event is one element of the stream returned by Submit.
type Event struct {
	Type       EventType          `json:"type"`
	Content    string             `json:"content,omitempty"`
	Calls      []model.Invocation `json:"calls,omitempty"`
	Outcome    *model.Outcome     `json:"outcome,omitempty"`
	Tokens     *TokenReport       `json:"tokens,omitempty"`
	StopReason StopReason         `json:"stop_reason,omitempty"`
}

// Checkpointer hears about every mutating invocation before it runs.
// The engine never reads a snapshot back; restore is the collaborator's
// business.
type Checkpointer interface {
	BeforeMutatingOp(ctx context.Context, resourceRef string) error
}

// ConversationStore mirrors conversation history for restarts. All
// calls are best effort from the loop's perspective.
type ConversationStore interface {
	CreateConversation(ctx context.Context, id string, modelName string) error
	AppendMessage(ctx context.Context, conversationID string, m model.Message) error
	ReplaceMessages(ctx context.Context, conversationID string, msgs []model.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}
