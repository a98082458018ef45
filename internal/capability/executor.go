package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

const defaultCallTimeout = 60 * time.Second

// Executor runs registered handlers under one uniform task contract:
// per-call timeout, panic recovery, cancellation mapping, argument
// validation against the descriptor schema, and error normalization.
// Every failure becomes a failed outcome; Invoke never returns an error
// to the caller.
type Executor struct {
	registry *Registry
	log      *slog.Logger
	timeout  time.Duration
}

type ExecutorOptions struct {
	Registry *Registry
	Logger   *slog.Logger
	// CallTimeout bounds a single handler call. Zero means the default;
	// negative disables the per-call deadline.
	CallTimeout time.Duration
}

func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Registry == nil {
		return nil, errors.New("executor requires a registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.CallTimeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	return &Executor{registry: opts.Registry, log: logger, timeout: timeout}, nil
}

// Invoke executes one invocation and maps every failure mode into the
// outcome shape the conversation feeds back to the model.
func (e *Executor) Invoke(ctx context.Context, inv model.Invocation) model.Outcome {
	if e == nil || e.registry == nil {
		return failureOutcome(inv.ID, NewError(ErrorCodeUnknown, "executor not ready"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(inv.Name)
	if name == "" {
		return failureOutcome(inv.ID, NewError(ErrorCodeInvalidArgs, "missing capability name"))
	}
	def, handler, ok := e.registry.Resolve(name)
	if !ok {
		return failureOutcome(inv.ID, NewError(ErrorCodeNotFound, fmt.Sprintf("unknown capability: %s", name)))
	}
	if err := validateArgs(def, inv.Args); err != nil {
		return failureOutcome(inv.ID, NewError(ErrorCodeInvalidArgs, err.Error()))
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := runGuarded(callCtx, handler, inv, e.log)
	elapsed := time.Since(started)

	if err != nil {
		cerr := classifyExecError(err, ctx, callCtx)
		e.log.Warn("capability failed",
			"capability", name,
			"invocation_id", inv.ID,
			"code", string(cerr.Code),
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		return failureOutcome(inv.ID, cerr)
	}
	if res.Err != nil {
		res.Err.Normalize()
		out := failureOutcome(inv.ID, res.Err)
		out.Output = res.Output
		if len(res.Data) > 0 {
			out.Data = res.Data
		}
		return out
	}
	e.log.Debug("capability succeeded", "capability", name, "invocation_id", inv.ID, "elapsed_ms", elapsed.Milliseconds())
	return model.Outcome{
		InvocationID: strings.TrimSpace(inv.ID),
		Success:      true,
		Output:       res.Output,
		Data:         res.Data,
	}
}

// runGuarded isolates handler panics so a misbehaving capability cannot
// take the engine down.
func runGuarded(ctx context.Context, handler Handler, inv model.Invocation, log *slog.Logger) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("capability handler panicked", "capability", inv.Name, "panic", rec)
			res = Result{}
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	if verr := handler.Validate(ctx, inv); verr != nil {
		return Result{}, &Error{Code: ErrorCodeInvalidArgs, Message: verr.Error()}
	}
	return handler.Execute(ctx, inv)
}

func classifyExecError(err error, parent, call context.Context) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		cerr.Normalize()
		return cerr
	}
	switch {
	case parent.Err() != nil:
		return &Error{Code: ErrorCodeCanceled, Message: "capability canceled"}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(call.Err(), context.DeadlineExceeded):
		return &Error{Code: ErrorCodeTimeout, Message: "capability timed out", Retryable: true}
	default:
		return &Error{Code: ErrorCodeExecution, Message: err.Error()}
	}
}

func failureOutcome(invocationID string, cerr *Error) model.Outcome {
	cerr.Normalize()
	data, err := json.Marshal(cerr)
	if err != nil {
		data = nil
	}
	return model.Outcome{
		InvocationID: strings.TrimSpace(invocationID),
		Success:      false,
		Error:        cerr.Message,
		Data:         data,
	}
}

// validateArgs checks the argument blob against the descriptor schema's
// required list and property types. A malformed schema or blob is not a
// validation failure here; handlers parse defensively on their own.
func validateArgs(def Descriptor, args json.RawMessage) error {
	if len(def.Schema) == 0 {
		return nil
	}
	var schema map[string]any
	if err := json.Unmarshal(def.Schema, &schema); err != nil {
		return nil
	}
	parsed := map[string]any{}
	if raw := strings.TrimSpace(string(args)); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return fmt.Errorf("arguments are not a JSON object: %v", err)
		}
	}
	if req, ok := schema["required"].([]any); ok {
		for _, item := range req {
			name, _ := item.(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, exists := parsed[name]; !exists {
				return fmt.Errorf("missing required field: %s", name)
			}
		}
	}
	properties, _ := schema["properties"].(map[string]any)
	for key, val := range parsed {
		propRaw, ok := properties[key]
		if !ok {
			continue
		}
		prop, _ := propRaw.(map[string]any)
		typeName, _ := prop["type"].(string)
		typeName = strings.TrimSpace(typeName)
		if typeName == "" {
			continue
		}
		if !matchesSchemaType(typeName, val) {
			return fmt.Errorf("invalid type for %s: expected %s", key, typeName)
		}
	}
	return nil
}

func matchesSchemaType(typeName string, v any) bool {
	typeName = strings.ToLower(strings.TrimSpace(typeName))
	switch typeName {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer", "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float64, float32:
			return true
		default:
			return false
		}
	case "object":
		return reflect.TypeOf(v) != nil && reflect.TypeOf(v).Kind() == reflect.Map
	case "array":
		kind := reflect.TypeOf(v)
		return kind != nil && (kind.Kind() == reflect.Slice || kind.Kind() == reflect.Array)
	default:
		return true
	}
}
