// Package provider normalizes chat backends behind one streaming
// contract. Adapters translate the neutral request into each vendor's
// wire format and replay the vendor's stream as neutral deltas.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

// ToolChoice switches between auto tool use and no tool use.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

type Request struct {
	Model           string
	System          string
	Messages        []model.Message
	Capabilities    []capability.Descriptor
	MaxOutputTokens int
	ToolChoice      ToolChoice
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// StopReason is the backend's own account of why the stream ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopUnknown   StopReason = "unknown"
)

type Response struct {
	Message    model.Message
	StopReason StopReason
	Usage      Usage
}

// Provider streams one model reply. onDelta is invoked from a single
// goroutine in arrival order; nil disables delta callbacks.
type Provider interface {
	Name() string
	StreamChat(ctx context.Context, req Request, onDelta func(model.Delta)) (Response, error)
}

// BackendError wraps a failed or malformed backend exchange.
type BackendError struct {
	Provider string
	Status   int
	Err      error
}

func (e *BackendError) Error() string {
	if e == nil {
		return "backend error"
	}
	name := strings.TrimSpace(e.Provider)
	if name == "" {
		name = "backend"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", name, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", name, e.Err)
}

func (e *BackendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
