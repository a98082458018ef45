// Package model holds the conversation data shapes shared by the engine,
// provider adapters, window manager, and store.
package model

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation log.
//
// ToolCalls is populated on assistant messages only. ToolCallRef is
// populated on tool messages only and names the invocation the message
// answers; consumers index tool results by that id, never by position.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []Invocation `json:"tool_calls,omitempty"`
	ToolCallRef string       `json:"tool_call_ref,omitempty"`
}

// Invocation is a request by the model to run one capability. Args is the
// raw argument blob as produced by the backend and may be partial or
// unparseable; consumers that need structure must parse defensively.
type Invocation struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Outcome is the result of executing one invocation.
type Outcome struct {
	InvocationID string          `json:"invocation_id"`
	Success      bool            `json:"success"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// toolEnvelope is the payload rendered into a tool message's content.
type toolEnvelope struct {
	Success bool            `json:"success"`
	Output  string          `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ToolMessage renders an outcome as the tool message fed back to the
// model. The envelope is compact JSON so every backend sees the same
// payload regardless of its native tool-result shape.
func ToolMessage(o Outcome) Message {
	env := toolEnvelope{
		Success: o.Success,
		Output:  o.Output,
		Error:   strings.TrimSpace(o.Error),
		Data:    o.Data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		body = []byte(`{"success":false,"error":"unrenderable tool outcome"}`)
	}
	return Message{
		Role:        RoleTool,
		Content:     string(body),
		ToolCallRef: strings.TrimSpace(o.InvocationID),
	}
}

// Unresolved reports the ids of tool calls in m that have no matching
// tool message in the following messages. m must be an assistant message;
// for any other role the result is nil.
func (m Message) Unresolved(following []Message) []string {
	if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
		return nil
	}
	answered := make(map[string]bool, len(following))
	for _, f := range following {
		if f.Role == RoleTool && strings.TrimSpace(f.ToolCallRef) != "" {
			answered[f.ToolCallRef] = true
		}
	}
	var open []string
	for _, call := range m.ToolCalls {
		if !answered[call.ID] {
			open = append(open, call.ID)
		}
	}
	return open
}

func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]Invocation, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call.Clone()
		}
	}
	return out
}

func (inv Invocation) Clone() Invocation {
	out := inv
	if len(inv.Args) > 0 {
		out.Args = append(json.RawMessage(nil), inv.Args...)
	}
	return out
}

// CloneMessages deep-copies a conversation log slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
