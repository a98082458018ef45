package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

// ScriptTurn is one canned reply for the scripted backend.
type ScriptTurn struct {
	Content string
	Calls   []model.Invocation
	Usage   Usage
	// Err fails the turn instead of replying.
	Err error
}

// Scripted replays canned turns in order, streaming each one as deltas
// the way a live backend would: content in fragments, tool calls as
// indexed fragment pairs. Once the script runs out the last turn
// repeats, which keeps loop-breaker behavior observable. Useful for
// offline evaluation and tests.
type Scripted struct {
	mu       sync.Mutex
	turns    []ScriptTurn
	pos      int
	requests []Request
}

func NewScripted(turns ...ScriptTurn) *Scripted {
	return &Scripted{turns: turns}
}

func (p *Scripted) Name() string { return "scripted" }

// Requests returns a copy of every request seen so far.
func (p *Scripted) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// TurnsServed reports how many calls have been answered.
func (p *Scripted) TurnsServed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *Scripted) StreamChat(ctx context.Context, req Request, onDelta func(model.Delta)) (Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return Response{}, &BackendError{Provider: p.Name(), Err: fmt.Errorf("no scripted turns")}
	}
	idx := p.pos
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]
	p.pos++
	p.mu.Unlock()

	if turn.Err != nil {
		return Response{}, turn.Err
	}

	emit := func(d model.Delta) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if onDelta != nil {
			onDelta(d)
		}
		return nil
	}

	if err := emit(model.Delta{Role: model.RoleAssistant}); err != nil {
		return Response{}, err
	}
	for _, part := range splitForStream(turn.Content) {
		if err := emit(model.Delta{Content: part}); err != nil {
			return Response{}, err
		}
	}
	for i, call := range turn.Calls {
		if err := emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: i, ID: call.ID, Name: call.Name}}}); err != nil {
			return Response{}, err
		}
		if len(call.Args) > 0 {
			if err := emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: i, Args: string(call.Args)}}}); err != nil {
				return Response{}, err
			}
		}
	}

	msg := model.Message{Role: model.RoleAssistant, Content: turn.Content}
	if len(turn.Calls) > 0 {
		msg.ToolCalls = append([]model.Invocation(nil), turn.Calls...)
	}
	stop := StopEndTurn
	if len(turn.Calls) > 0 {
		stop = StopToolUse
	}
	return Response{Message: msg, StopReason: stop, Usage: turn.Usage}, nil
}

// splitForStream breaks content into two fragments so consumers see a
// genuine delta sequence rather than one blob.
func splitForStream(s string) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	if len(runes) < 2 {
		return []string{s}
	}
	mid := len(runes) / 2
	return []string{string(runes[:mid]), string(runes[mid:])}
}
