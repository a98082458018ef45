package model

// Delta is one streamed fragment of an assistant message. Fragments
// arrive in transport order and merge deterministically: string fields
// concatenate, tool-call slots merge pairwise by alignment index.
type Delta struct {
	Role      Role              `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []InvocationDelta `json:"tool_calls,omitempty"`
}

// InvocationDelta is a fragment of one in-progress tool call. Index is
// the transport's array alignment slot; it exists only on the delta shape
// and never on the merged Invocation, so nothing has to be stripped after
// assembly.
type InvocationDelta struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"`
}
