package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skeinworks/skein-agent/internal/agent"
	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
	"github.com/skeinworks/skein-agent/internal/capability/builtin"
	"github.com/skeinworks/skein-agent/internal/provider"
)

const scenarioTimeout = 60 * time.Second

type suite struct {
	Scenarios []scenario `yaml:"scenarios"`
}

// scenario is one scripted conversation plus expectations about what
// the engine does with it.
type scenario struct {
	ID     string `yaml:"id"`
	Prompt string `yaml:"prompt"`
	// Seed files written into the workspace before the run, path → body.
	Seed map[string]string `yaml:"seed,omitempty"`
	// Turns the scripted backend replays, one per round.
	Turns []scriptedTurn `yaml:"turns"`
	// MaxRounds overrides the engine round ceiling, for loop-breaker
	// scenarios. 0 keeps the default.
	MaxRounds int          `yaml:"max_rounds,omitempty"`
	Expect    expectations `yaml:"expect"`
}

type scriptedTurn struct {
	Content string     `yaml:"content,omitempty"`
	Calls   []turnCall `yaml:"calls,omitempty"`
	Fail    bool       `yaml:"fail,omitempty"`
}

type turnCall struct {
	Name string         `yaml:"name"`
	Args map[string]any `yaml:"args,omitempty"`
}

type expectations struct {
	StopReason  string   `yaml:"stop_reason,omitempty"`
	MustContain []string `yaml:"must_contain,omitempty"`
	Forbidden   []string `yaml:"forbidden,omitempty"`
	// ToolCalls are capability names that must have executed, in order.
	ToolCalls []string `yaml:"tool_calls,omitempty"`
	// WorkspaceFiles maps path → exact content expected after the run.
	WorkspaceFiles map[string]string `yaml:"workspace_files,omitempty"`
	MaxRounds      int               `yaml:"max_rounds,omitempty"`
}

type scenarioResult struct {
	ID            string   `json:"id"`
	Passed        bool     `json:"passed"`
	Problems      []string `json:"problems,omitempty"`
	StopReason    string   `json:"stop_reason"`
	Rounds        int      `json:"rounds"`
	ToolCalls     []string `json:"tool_calls,omitempty"`
	FinalText     string   `json:"final_text"`
	DurationMS    int64    `json:"duration_ms"`
	WorkspacePath string   `json:"workspace_path,omitempty"`
}

func loadSuite(path string) (*suite, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s suite
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	if len(s.Scenarios) == 0 {
		return nil, errors.New("no scenarios defined")
	}
	seen := make(map[string]bool, len(s.Scenarios))
	for i, sc := range s.Scenarios {
		id := strings.TrimSpace(sc.ID)
		if id == "" {
			return nil, fmt.Errorf("scenario %d missing id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate scenario id %q", id)
		}
		seen[id] = true
		if strings.TrimSpace(sc.Prompt) == "" {
			return nil, fmt.Errorf("scenario %q missing prompt", id)
		}
		if len(sc.Turns) == 0 {
			return nil, fmt.Errorf("scenario %q has no scripted turns", id)
		}
	}
	return &s, nil
}

func runScenario(sc scenario, keepWorkspace bool) (res scenarioResult) {
	res = scenarioResult{ID: sc.ID}
	started := time.Now()
	defer func() {
		res.DurationMS = time.Since(started).Milliseconds()
		res.Passed = len(res.Problems) == 0
	}()

	workspace, err := os.MkdirTemp("", "skein-eval-"+sanitizeID(sc.ID)+"-")
	if err != nil {
		res.Problems = append(res.Problems, "workspace: "+err.Error())
		return res
	}
	if keepWorkspace {
		res.WorkspacePath = workspace
	} else {
		defer func() { _ = os.RemoveAll(workspace) }()
	}
	for path, body := range sc.Seed {
		full := filepath.Join(workspace, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
			res.Problems = append(res.Problems, "seed: "+err.Error())
			return res
		}
		if err := os.WriteFile(full, []byte(body), 0o600); err != nil {
			res.Problems = append(res.Problems, "seed: "+err.Error())
			return res
		}
	}

	turns, err := buildScript(sc.Turns)
	if err != nil {
		res.Problems = append(res.Problems, err.Error())
		return res
	}
	scripted := provider.NewScripted(turns...)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := capability.NewRegistry()
	if err := builtin.RegisterAll(registry, builtin.Options{Root: workspace, Logger: logger}); err != nil {
		res.Problems = append(res.Problems, "capabilities: "+err.Error())
		return res
	}

	svc, err := agent.NewService(agent.Options{
		Logger:           logger,
		Provider:         scripted,
		Registry:         registry,
		Model:            "scripted-model",
		MaxRounds:        sc.MaxRounds,
		DisableSelection: true,
	})
	if err != nil {
		res.Problems = append(res.Problems, "engine: "+err.Error())
		return res
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), scenarioTimeout)
	defer cancel()

	conv, err := svc.CreateConversation(ctx)
	if err != nil {
		res.Problems = append(res.Problems, "conversation: "+err.Error())
		return res
	}
	ch, err := conv.Submit(ctx, sc.Prompt)
	if err != nil {
		res.Problems = append(res.Problems, "submit: "+err.Error())
		return res
	}

	var finalText strings.Builder
	for ev := range ch {
		switch ev.Type {
		case agent.EventContent:
			finalText.WriteString(ev.Content)
		case agent.EventToolCalls:
			for _, call := range ev.Calls {
				res.ToolCalls = append(res.ToolCalls, call.Name)
			}
		case agent.EventDone:
			res.StopReason = string(ev.StopReason)
		}
	}
	res.Rounds = scripted.TurnsServed()
	res.FinalText = finalText.String()

	res.Problems = append(res.Problems, check(sc.Expect, res, workspace)...)
	return res
}

func buildScript(turns []scriptedTurn) ([]provider.ScriptTurn, error) {
	out := make([]provider.ScriptTurn, 0, len(turns))
	for i, turn := range turns {
		if turn.Fail {
			out = append(out, provider.ScriptTurn{Err: &provider.BackendError{Provider: "scripted", Err: errors.New("scripted failure")}})
			continue
		}
		st := provider.ScriptTurn{Content: turn.Content}
		for j, call := range turn.Calls {
			name := strings.TrimSpace(call.Name)
			if name == "" {
				return nil, fmt.Errorf("turn %d call %d missing name", i, j)
			}
			args, err := json.Marshal(call.Args)
			if err != nil {
				return nil, fmt.Errorf("turn %d call %d args: %w", i, j, err)
			}
			st.Calls = append(st.Calls, model.Invocation{
				ID:   fmt.Sprintf("call_%d_%d", i, j),
				Name: name,
				Args: args,
			})
		}
		out = append(out, st)
	}
	return out, nil
}

func check(want expectations, res scenarioResult, workspace string) []string {
	var problems []string
	if want.StopReason != "" && res.StopReason != want.StopReason {
		problems = append(problems, fmt.Sprintf("stop reason %q, want %q", res.StopReason, want.StopReason))
	}
	for _, needle := range want.MustContain {
		if !strings.Contains(res.FinalText, needle) {
			problems = append(problems, fmt.Sprintf("final text missing %q", needle))
		}
	}
	for _, needle := range want.Forbidden {
		if strings.Contains(res.FinalText, needle) {
			problems = append(problems, fmt.Sprintf("final text contains forbidden %q", needle))
		}
	}
	if len(want.ToolCalls) > 0 {
		if !equalStrings(res.ToolCalls, want.ToolCalls) {
			problems = append(problems, fmt.Sprintf("tool calls %v, want %v", res.ToolCalls, want.ToolCalls))
		}
	}
	if want.MaxRounds > 0 && res.Rounds > want.MaxRounds {
		problems = append(problems, fmt.Sprintf("used %d rounds, budget %d", res.Rounds, want.MaxRounds))
	}
	for path, wantBody := range want.WorkspaceFiles {
		b, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(path)))
		if err != nil {
			problems = append(problems, fmt.Sprintf("workspace file %s: %v", path, err))
			continue
		}
		if string(b) != wantBody {
			problems = append(problems, fmt.Sprintf("workspace file %s = %q, want %q", path, string(b), wantBody))
		}
	}
	return problems
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
