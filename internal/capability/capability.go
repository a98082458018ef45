// Package capability defines the invocable surface of the agent:
// descriptors, the registry, structured errors, and the executor that
// runs every handler under one uniform task contract.
package capability

import (
	"context"
	"encoding/json"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

// Descriptor describes one capability offered to the model.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Mutates     bool            `json:"mutates"`
}

// Handler executes a capability. Implementations must honor ctx and
// return promptly once it is done; long work should poll ctx.Err.
type Handler interface {
	Validate(ctx context.Context, inv model.Invocation) error
	Execute(ctx context.Context, inv model.Invocation) (Result, error)
}

// Result is a handler's raw outcome before normalization. Err carries a
// domain failure the model should see; an error return from Execute is
// an infrastructure failure and is mapped by the executor instead.
type Result struct {
	Output string
	Data   json.RawMessage
	Err    *Error
}

// HandlerFunc adapts a bare function to Handler with no extra
// validation.
type HandlerFunc func(ctx context.Context, inv model.Invocation) (Result, error)

func (f HandlerFunc) Validate(context.Context, model.Invocation) error { return nil }

func (f HandlerFunc) Execute(ctx context.Context, inv model.Invocation) (Result, error) {
	return f(ctx, inv)
}
