// Package window keeps a conversation log inside a model token budget by
// evicting whole old turns. The system message and a configurable number
// of recent turns are never evicted, and any internal failure returns
// the input untouched.
package window

import (
	"errors"
	"log/slog"
	"os"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

const (
	defaultMinRecentTurns = 2
	defaultReserved       = 1024
)

// Counter is the token accounting surface the manager needs.
type Counter interface {
	Text(s string) int
	Message(m model.Message) int
	Messages(msgs []model.Message) int
}

type Options struct {
	Counter Counter
	Logger  *slog.Logger
	// MinRecentTurns trailing turns are always retained verbatim,
	// including an incomplete trailing turn, regardless of size.
	// Default 2.
	MinRecentTurns int
	// ReservedForResponse is subtracted from the budget before any
	// retention decision. Default 1024.
	ReservedForResponse int
}

type Manager struct {
	counter   Counter
	log       *slog.Logger
	minRecent int
	reserved  int
}

// Report describes one Manage run.
type Report struct {
	TokensBefore int
	TokensAfter  int
	EvictedTurns int
	// Managed is true when the eviction path ran (the cheap in-budget
	// check failed).
	Managed bool
	// Degraded is true when an internal failure forced the untouched
	// fallback.
	Degraded bool
}

func New(opts Options) (*Manager, error) {
	if opts.Counter == nil {
		return nil, errors.New("window manager requires a token counter")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	minRecent := opts.MinRecentTurns
	if minRecent <= 0 {
		minRecent = defaultMinRecentTurns
	}
	reserved := opts.ReservedForResponse
	if reserved < 0 {
		reserved = defaultReserved
	}
	return &Manager{counter: opts.Counter, log: logger, minRecent: minRecent, reserved: reserved}, nil
}

// Turn is one user message plus the assistant and tool traffic that
// follows it, up to the next user message.
type Turn struct {
	Messages []model.Message
}

// Complete reports whether the turn ended cleanly: its last message is
// an assistant message and every tool call inside the turn has a
// matching tool message.
func (t Turn) Complete() bool {
	if len(t.Messages) == 0 {
		return false
	}
	last := t.Messages[len(t.Messages)-1]
	if last.Role != model.RoleAssistant {
		return false
	}
	for i, msg := range t.Messages {
		if msg.Role != model.RoleAssistant {
			continue
		}
		if len(msg.Unresolved(t.Messages[i+1:])) > 0 {
			return false
		}
	}
	return true
}

// Manage returns the log to send, evicting whole oldest turns when the
// plain token sum exceeds maxTokens minus the response reserve. The
// input slice is never mutated; on the eviction path a fresh slice is
// returned so readers of the old log see a consistent snapshot.
func (m *Manager) Manage(msgs []model.Message, maxTokens int) (out []model.Message, report Report) {
	if m == nil || len(msgs) == 0 || maxTokens <= 0 {
		return msgs, Report{}
	}
	total := m.counter.Messages(msgs)
	budget := maxTokens - m.reserved
	if budget < 0 {
		budget = 0
	}
	report = Report{TokensBefore: total, TokensAfter: total}
	if total <= budget {
		return msgs, report
	}

	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("context management failed, leaving log untouched", "panic", rec)
			out = msgs
			report = Report{TokensBefore: total, TokensAfter: total, Degraded: true}
		}
	}()

	report.Managed = true

	var system []model.Message
	rest := msgs
	for len(rest) > 0 && rest[0].Role == model.RoleSystem {
		system = append(system, rest[0])
		rest = rest[1:]
	}
	turns := groupTurns(rest)
	if len(turns) == 0 {
		return msgs, report
	}

	keep := m.minRecent
	if keep > len(turns) {
		keep = len(turns)
	}

	claimed := make(map[string]bool)
	used := m.counter.Messages(system)
	for i := len(turns) - 1; i >= len(turns)-keep; i-- {
		cost, claims := m.turnCost(turns[i], claimed)
		used += cost
		for ref := range claims {
			claimed[ref] = true
		}
	}

	cut := len(turns) - keep
	for i := len(turns) - keep - 1; i >= 0; i-- {
		cost, claims := m.turnCost(turns[i], claimed)
		if used+cost > budget {
			break
		}
		used += cost
		for ref := range claims {
			claimed[ref] = true
		}
		cut = i
	}
	if cut == 0 {
		// Everything fits once stale resource outputs are discounted.
		return msgs, report
	}

	out = make([]model.Message, 0, len(msgs))
	out = append(out, system...)
	for _, turn := range turns[cut:] {
		out = append(out, turn.Messages...)
	}
	report.EvictedTurns = cut
	report.TokensAfter = m.counter.Messages(out)
	m.log.Info("evicted old turns from context",
		"evicted_turns", cut,
		"tokens_before", report.TokensBefore,
		"tokens_after", report.TokensAfter,
		"budget", budget)
	return out, report
}

// turnCost charges the turn's messages against the budget with the
// active-resource discount: a tool outcome body is charged only when at
// least one of its resource refs has not been claimed by a newer
// retained turn. Returned claims are applied by the caller once the turn
// is actually admitted.
func (m *Manager) turnCost(t Turn, claimed map[string]bool) (int, map[string]bool) {
	refsByCall := make(map[string][]string)
	for _, msg := range t.Messages {
		if msg.Role != model.RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls {
			if rs := capability.ResourceRefs(call.Args); len(rs) > 0 {
				refsByCall[call.ID] = rs
			}
		}
	}
	cost := 0
	claims := make(map[string]bool)
	// Walk backwards so the newest outcome inside the turn claims its
	// resources first.
	for i := len(t.Messages) - 1; i >= 0; i-- {
		msg := t.Messages[i]
		if msg.Role != model.RoleTool {
			cost += m.counter.Message(msg)
			continue
		}
		full := m.counter.Message(msg)
		body := m.counter.Text(msg.Content)
		cost += full - body
		refs := refsByCall[msg.ToolCallRef]
		if len(refs) == 0 {
			cost += body
			continue
		}
		charge := false
		for _, ref := range refs {
			if claimed[ref] || claims[ref] {
				continue
			}
			charge = true
		}
		if charge {
			cost += body
			for _, ref := range refs {
				claims[ref] = true
			}
		}
	}
	return cost, claims
}

func groupTurns(msgs []model.Message) []Turn {
	var turns []Turn
	var current []model.Message
	for _, msg := range msgs {
		if msg.Role == model.RoleUser && len(current) > 0 {
			turns = append(turns, Turn{Messages: current})
			current = nil
		}
		current = append(current, msg)
	}
	if len(current) > 0 {
		turns = append(turns, Turn{Messages: current})
	}
	return turns
}
