package agent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

// accumulator merges the ordered delta fragments of one inference call
// into a single message. String fields concatenate, tool-call fragments
// merge pairwise into the slot named by their alignment index, and the
// index itself never reaches the merged message. Merging is
// deterministic for a given fragment order and callers may read the
// partial message at any point mid-stream.
type accumulator struct {
	role    model.Role
	content strings.Builder
	slots   map[int]*callSlot
}

type callSlot struct {
	id   strings.Builder
	name strings.Builder
	args strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{slots: make(map[int]*callSlot)}
}

// Add merges one fragment. Only the known delta fields participate;
// whatever else a transport sends stops here.
func (a *accumulator) Add(d model.Delta) {
	if d.Role != "" {
		a.role = d.Role
	}
	if d.Content != "" {
		a.content.WriteString(d.Content)
	}
	for _, cd := range d.ToolCalls {
		slot := a.slots[cd.Index]
		if slot == nil {
			slot = &callSlot{}
			a.slots[cd.Index] = slot
		}
		slot.id.WriteString(cd.ID)
		slot.name.WriteString(cd.Name)
		slot.args.WriteString(cd.Args)
	}
}

// Message renders the merge so far. Tool calls come out in alignment
// order regardless of fragment arrival order.
func (a *accumulator) Message() model.Message {
	role := a.role
	if role == "" {
		role = model.RoleAssistant
	}
	msg := model.Message{Role: role, Content: a.content.String()}
	if len(a.slots) == 0 {
		return msg
	}
	idxs := make([]int, 0, len(a.slots))
	for idx := range a.slots {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	calls := make([]model.Invocation, 0, len(idxs))
	for _, idx := range idxs {
		slot := a.slots[idx]
		inv := model.Invocation{
			ID:   strings.TrimSpace(slot.id.String()),
			Name: strings.TrimSpace(slot.name.String()),
		}
		if args := slot.args.String(); args != "" {
			inv.Args = json.RawMessage(args)
		}
		calls = append(calls, inv)
	}
	msg.ToolCalls = calls
	return msg
}

// Empty reports whether no fragment carried content or a tool call.
func (a *accumulator) Empty() bool {
	return a.content.Len() == 0 && len(a.slots) == 0
}
