package tokens

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProfileForModel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		model        string
		wantEncoding string
	}{
		{"gpt-4o-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"claude-sonnet-4-5", "cl100k_base"},
		{"anthropic/claude-haiku-4", "cl100k_base"},
		{"some-unknown-model", defaultProfile.Encoding},
		{"", defaultProfile.Encoding},
	}
	for _, tc := range cases {
		if got := ProfileForModel(tc.model).Encoding; got != tc.wantEncoding {
			t.Errorf("ProfileForModel(%q).Encoding = %q, want %q", tc.model, got, tc.wantEncoding)
		}
	}
}

func TestHeuristicTextCounting(t *testing.T) {
	t.Parallel()
	c := NewHeuristicCounter(testLogger())
	if got := c.Text(""); got != 0 {
		t.Fatalf("Text(empty) = %d, want 0", got)
	}
	if got := c.Text("hi"); got < 1 {
		t.Fatalf("Text(short) = %d, want >= 1 for non-empty input", got)
	}
	long := c.Text("a reasonably long ascii sentence for counting purposes")
	short := c.Text("short")
	if long <= short {
		t.Fatalf("longer text counted %d <= shorter %d", long, short)
	}
	// Non-ASCII charges more per rune than ASCII.
	if ascii, wide := c.Text("aaaa"), c.Text("日本語語"); wide <= ascii {
		t.Fatalf("non-ascii %d <= ascii %d", wide, ascii)
	}
}

func TestMessageCountIncludesToolCallFraming(t *testing.T) {
	t.Parallel()
	c := NewHeuristicCounter(testLogger())
	plain := model.Message{Role: model.RoleAssistant, Content: "done"}
	withCall := model.Message{
		Role:    model.RoleAssistant,
		Content: "done",
		ToolCalls: []model.Invocation{
			{ID: "call_1", Name: "fs.read", Args: json.RawMessage(`{"path":"a.txt"}`)},
		},
	}
	if c.Message(withCall) <= c.Message(plain) {
		t.Fatal("tool call should add to the message cost")
	}
}

func TestMessagesIsSumOfMessages(t *testing.T) {
	t.Parallel()
	c := NewHeuristicCounter(testLogger())
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleUser, Content: "hello"},
		{Role: model.RoleAssistant, Content: "hi"},
	}
	sum := 0
	for _, m := range msgs {
		sum += c.Message(m)
	}
	if got := c.Messages(msgs); got != sum {
		t.Fatalf("Messages = %d, want sum %d", got, sum)
	}
}

func TestDescriptorsChargesNameDescriptionAndSchema(t *testing.T) {
	t.Parallel()
	c := NewHeuristicCounter(testLogger())
	slim := []capability.Descriptor{{Name: "fs.read"}}
	rich := []capability.Descriptor{{
		Name:        "fs.read",
		Description: "Read a text file from the workspace",
		Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}}
	if c.Descriptors(rich) <= c.Descriptors(slim) {
		t.Fatal("description and schema should add to the catalog cost")
	}
	if got := c.Descriptors(nil); got != 0 {
		t.Fatalf("Descriptors(nil) = %d, want 0", got)
	}
}

func TestUnknownEncodingFallsBackToHeuristic(t *testing.T) {
	t.Parallel()
	c := NewCounterWithProfile(Profile{Encoding: "no-such-encoding"}, testLogger())
	// Counting must not fail even though the encoding cannot load.
	if got := c.Text("hello world"); got < 1 {
		t.Fatalf("Text = %d, want heuristic fallback >= 1", got)
	}
}
