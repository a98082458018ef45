package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/skeinworks/skein-agent/internal/agent/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "skein.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndListMessagesRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, "conv_1", "claude-sonnet-4-5"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleUser, Content: "read a.txt"},
		{Role: model.RoleAssistant, ToolCalls: []model.Invocation{
			{ID: "call_1", Name: "fs.read", Args: json.RawMessage(`{"path":"a.txt"}`)},
		}},
		{Role: model.RoleTool, Content: `{"success":true,"output":"hello"}`, ToolCallRef: "call_1"},
		{Role: model.RoleAssistant, Content: "The file says hello."},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, "conv_1", m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListMessages(ctx, "conv_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("messages = %d, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if got[i].Role != msgs[i].Role || got[i].Content != msgs[i].Content || got[i].ToolCallRef != msgs[i].ToolCallRef {
			t.Fatalf("message %d = %+v, want %+v", i, got[i], msgs[i])
		}
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].Name != "fs.read" {
		t.Fatalf("tool calls did not round trip: %+v", got[2].ToolCalls)
	}
}

func TestAppendMessageRejectsUnknownConversation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	err := s.AppendMessage(context.Background(), "conv_missing", model.Message{Role: model.RoleUser, Content: "x"})
	if err == nil {
		t.Fatal("AppendMessage to unknown conversation should fail")
	}
}

func TestReplaceMessagesRewritesWholeLog(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, "conv_1", "m"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for _, content := range []string{"one", "two", "three"} {
		if err := s.AppendMessage(ctx, "conv_1", model.Message{Role: model.RoleUser, Content: content}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	trimmed := []model.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "three"},
	}
	if err := s.ReplaceMessages(ctx, "conv_1", trimmed); err != nil {
		t.Fatalf("ReplaceMessages: %v", err)
	}
	got, err := s.ListMessages(ctx, "conv_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 2 || got[0].Content != "sys" || got[1].Content != "three" {
		t.Fatalf("log after rewrite = %+v, want trimmed log", got)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"conv_a", "conv_b"} {
		if err := s.CreateConversation(ctx, id, "m"); err != nil {
			t.Fatalf("CreateConversation(%s): %v", id, err)
		}
	}
	// Touch conv_a so it becomes the most recently updated.
	if err := s.AppendMessage(ctx, "conv_a", model.Message{Role: model.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	convs, err := s.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != "conv_a" {
		t.Fatalf("conversations = %+v, want conv_a first", convs)
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, "conv_1", "m"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := s.AppendMessage(ctx, "conv_1", model.Message{Role: model.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.DeleteConversation(ctx, "conv_1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	msgs, err := s.ListMessages(ctx, "conv_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages after delete = %d, want 0", len(msgs))
	}
	if err := s.DeleteConversation(ctx, "conv_1"); err == nil {
		t.Fatal("deleting a missing conversation should fail")
	}
}

func TestMissCountsPersistAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "skein.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordMiss("fs.search"); err != nil {
			t.Fatalf("RecordMiss: %v", err)
		}
	}
	if err := s.RecordMiss("shell.exec"); err != nil {
		t.Fatalf("RecordMiss: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.LoadMisses()
	if err != nil {
		t.Fatalf("LoadMisses: %v", err)
	}
	want := map[string]int{"fs.search": 3, "shell.exec": 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("misses = %v, want %v", got, want)
	}
}
