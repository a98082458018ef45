package builtin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Root:   t.TempDir(),
		Shell:  "/bin/sh",
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func invocation(name, args string) model.Invocation {
	return model.Invocation{ID: "inv_test", Name: name, Args: json.RawMessage(args)}
}

func TestRegisterAllDeclaresReadOnlyFirst(t *testing.T) {
	t.Parallel()

	reg := capability.NewRegistry()
	if err := RegisterAll(reg, testOptions(t)); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	snap := reg.Snapshot()
	if len(snap) == 0 {
		t.Fatalf("empty snapshot")
	}
	sawMutating := false
	for _, def := range snap {
		if def.Mutates {
			sawMutating = true
		} else if sawMutating {
			t.Fatalf("read-only capability %s declared after a mutating one", def.Name)
		}
		if len(def.Schema) == 0 {
			t.Fatalf("capability %s has no schema", def.Name)
		}
		var schema map[string]any
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			t.Fatalf("capability %s schema not valid JSON: %v", def.Name, err)
		}
	}
	if !reg.Mutates("fs.write") || !reg.Mutates("shell.exec") {
		t.Fatalf("fs.write and shell.exec must be mutating")
	}
	if reg.Mutates("fs.read") || reg.Mutates("sys.info") {
		t.Fatalf("fs.read and sys.info must be read-only")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	w := writeHandler{o: mustEffective(t, opts)}
	r := readHandler{o: mustEffective(t, opts)}

	res, err := w.Execute(context.Background(), invocation("fs.write", `{"path":"notes/a.txt","content":"line one\nline two\nline three"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("write failed: %v", res.Err)
	}

	res, err = r.Execute(context.Background(), invocation("fs.read", `{"path":"notes/a.txt"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("read failed: %v", res.Err)
	}
	if !strings.Contains(res.Output, "line two") {
		t.Fatalf("read output=%q, want it to contain %q", res.Output, "line two")
	}

	res, err = r.Execute(context.Background(), invocation("fs.read", `{"path":"notes/a.txt","offset":2,"limit":1}`))
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if res.Output != "line two" {
		t.Fatalf("ranged read=%q, want %q", res.Output, "line two")
	}
}

func TestConfineRejectsEscapes(t *testing.T) {
	t.Parallel()

	opts := mustEffective(t, testOptions(t))
	cases := []string{"../outside.txt", "a/../../etc/passwd", "/etc/passwd"}
	for _, p := range cases {
		if _, err := confine(opts.Root, p); err == nil {
			t.Fatalf("confine(%q) should fail", p)
		}
	}
	inside := filepath.Join(opts.Root, "sub", "file.txt")
	if got, err := confine(opts.Root, inside); err != nil || got != inside {
		t.Fatalf("confine absolute-inside: got %q err %v", got, err)
	}
	if got, err := confine(opts.Root, ""); err != nil || got != opts.Root {
		t.Fatalf("confine empty: got %q err %v", got, err)
	}
}

func TestSearchFindsMatches(t *testing.T) {
	t.Parallel()

	opts := mustEffective(t, testOptions(t))
	if err := os.MkdirAll(filepath.Join(opts.Root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(opts.Root, "src", "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := searchHandler{o: opts}
	res, err := h.Execute(context.Background(), invocation("fs.search", `{"pattern":"func main"}`))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("search failed: %v", res.Err)
	}
	if !strings.Contains(res.Output, "main.go:3") {
		t.Fatalf("search output=%q, want a main.go:3 hit", res.Output)
	}
}

func TestExecCapturesExitAndOutput(t *testing.T) {
	t.Parallel()

	h := execHandler{o: mustEffective(t, testOptions(t))}

	res, err := h.Execute(context.Background(), invocation("shell.exec", `{"command":"echo hello"}`))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("exec failed: %v", res.Err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Fatalf("output=%q, want hello", res.Output)
	}

	res, err = h.Execute(context.Background(), invocation("shell.exec", `{"command":"exit 3"}`))
	if err != nil {
		t.Fatalf("exec nonzero: %v", err)
	}
	if res.Err == nil {
		t.Fatalf("nonzero exit should carry an error")
	}
	var payload map[string]any
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		t.Fatalf("exec data: %v", err)
	}
	if got, _ := payload["exit_code"].(float64); int(got) != 3 {
		t.Fatalf("exit_code=%v, want 3", payload["exit_code"])
	}
}

func TestCappedBufferTruncates(t *testing.T) {
	t.Parallel()

	b := &cappedBuffer{max: 5}
	if _, err := b.Write([]byte("ab")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.Write([]byte("cdefgh")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if b.String() != "abcde" {
		t.Fatalf("buffer=%q, want %q", b.String(), "abcde")
	}
	if !b.truncated {
		t.Fatalf("truncated flag not set")
	}
}

func mustEffective(t *testing.T, o Options) Options {
	t.Helper()
	eff, err := o.effective()
	if err != nil {
		t.Fatalf("effective options: %v", err)
	}
	return eff
}
