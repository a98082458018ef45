package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

const (
	execDefaultTimeout = 30 * time.Second
	execMaxTimeout     = 5 * time.Minute
)

type execArgs struct {
	Command   string `json:"command" jsonschema:"description=Command line to run via the configured shell"`
	Cwd       string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace root"`
	TimeoutMS int64  `json:"timeout_ms,omitempty" jsonschema:"description=Wall-clock limit for the command"`
}

type execHandler struct{ o Options }

func (h execHandler) Validate(_ context.Context, inv model.Invocation) error {
	var args execArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return err
	}
	if strings.TrimSpace(args.Command) == "" {
		return errors.New("missing required field: command")
	}
	return nil
}

func (h execHandler) Execute(ctx context.Context, inv model.Invocation) (capability.Result, error) {
	var args execArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, err.Error())}, nil
	}
	cwd, err := confine(h.o.Root, args.Cwd)
	if err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodePermissionDenied, err.Error())}, nil
	}

	timeout := execDefaultTimeout
	if args.TimeoutMS > 0 {
		timeout = time.Duration(args.TimeoutMS) * time.Millisecond
	}
	if timeout > execMaxTimeout {
		timeout = execMaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.o.Shell, "-c", args.Command)
	cmd.Dir = cwd
	stdout := &cappedBuffer{max: h.o.MaxOutputBytes}
	stderr := &cappedBuffer{max: h.o.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return capability.Result{Err: capability.NewError(capability.ErrorCodeExecution, runErr.Error())}, nil
		}
	}

	data, _ := json.Marshal(map[string]any{
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
		"timed_out":   timedOut,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"truncated":   stdout.truncated || stderr.truncated,
	})
	output := stdout.String()
	if s := stderr.String(); s != "" {
		if output != "" {
			output += "\n"
		}
		output += "stderr: " + s
	}

	switch {
	case timedOut:
		return capability.Result{
			Output: output,
			Data:   data,
			Err:    &capability.Error{Code: capability.ErrorCodeTimeout, Message: fmt.Sprintf("command timed out after %s", timeout), Retryable: true},
		}, nil
	case exitCode != 0:
		return capability.Result{
			Output: output,
			Data:   data,
			Err:    &capability.Error{Code: capability.ErrorCodeExecution, Message: fmt.Sprintf("command exited with status %d", exitCode)},
		}, nil
	default:
		return capability.Result{Output: output, Data: data}, nil
	}
}

// cappedBuffer keeps the first max bytes and drops the rest, recording
// that truncation happened.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.max > 0 && b.buf.Len()+len(p) > b.max {
		keep := b.max - b.buf.Len()
		if keep > 0 {
			b.buf.Write(p[:keep])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
