package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

type openAIMock struct {
	token string

	mu                    sync.Mutex
	sawResponses          bool
	sawToolDefinitions    bool
	sawFunctionCallInput  bool
	sawFunctionCallOutput bool
	instructions          string
}

func (m *openAIMock) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(r.Header.Get("Authorization")) != "Bearer sk-test" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !strings.HasSuffix(strings.TrimSpace(r.URL.Path), "/responses") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	m.mu.Lock()
	m.sawResponses = true
	if rawTools, ok := req["tools"].([]any); ok && len(rawTools) > 0 {
		m.sawToolDefinitions = true
	}
	m.sawFunctionCallInput = hasInputItemOfType(req["input"], "function_call")
	m.sawFunctionCallOutput = hasInputItemOfType(req["input"], "function_call_output")
	m.instructions, _ = req["instructions"].(string)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	writeOpenAISSEJSON(w, f, map[string]any{
		"type": "response.created",
		"response": map[string]any{
			"id":    "resp_test_1",
			"model": "gpt-test",
		},
	})
	writeOpenAISSEJSON(w, f, map[string]any{
		"type":  "response.output_text.delta",
		"delta": m.token,
	})
	writeOpenAISSEJSON(w, f, map[string]any{
		"type":         "response.output_item.added",
		"output_index": 1,
		"item": map[string]any{
			"type":      "function_call",
			"id":        "fc_test_1",
			"call_id":   "call_test_1",
			"name":      "fs_read",
			"arguments": "",
		},
	})
	writeOpenAISSEJSON(w, f, map[string]any{
		"type":    "response.function_call_arguments.delta",
		"item_id": "fc_test_1",
		"delta":   `{"path":`,
	})
	writeOpenAISSEJSON(w, f, map[string]any{
		"type":    "response.function_call_arguments.delta",
		"item_id": "fc_test_1",
		"delta":   `"a.txt"}`,
	})
	writeOpenAISSEJSON(w, f, map[string]any{
		"type":      "response.function_call_arguments.done",
		"item_id":   "fc_test_1",
		"arguments": `{"path":"a.txt"}`,
	})
	writeOpenAISSEJSON(w, f, map[string]any{
		"type": "response.completed",
		"response": map[string]any{
			"id":     "resp_test_1",
			"model":  "gpt-test",
			"status": "completed",
			"output": []any{
				map[string]any{
					"type": "message",
					"id":   "msg_test_1",
					"role": "assistant",
					"content": []any{
						map[string]any{"type": "output_text", "text": m.token},
					},
				},
				map[string]any{
					"type":      "function_call",
					"id":        "fc_test_1",
					"call_id":   "call_test_1",
					"name":      "fs_read",
					"arguments": `{"path":"a.txt"}`,
				},
			},
			"usage": map[string]any{
				"input_tokens":  11,
				"output_tokens": 5,
			},
		},
	})
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	f.Flush()
}

type openAIMockSeen struct {
	sawResponses          bool
	sawToolDefinitions    bool
	sawFunctionCallInput  bool
	sawFunctionCallOutput bool
	instructions          string
}

func (m *openAIMock) snapshot() openAIMockSeen {
	m.mu.Lock()
	defer m.mu.Unlock()
	return openAIMockSeen{
		sawResponses:          m.sawResponses,
		sawToolDefinitions:    m.sawToolDefinitions,
		sawFunctionCallInput:  m.sawFunctionCallInput,
		sawFunctionCallOutput: m.sawFunctionCallOutput,
		instructions:          m.instructions,
	}
}

func hasInputItemOfType(input any, itemType string) bool {
	list, ok := input.([]any)
	if !ok {
		return false
	}
	for _, raw := range list {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := item["type"].(string); strings.TrimSpace(t) == itemType {
			return true
		}
	}
	return false
}

func writeOpenAISSEJSON(w io.Writer, f http.Flusher, payload any) {
	b, _ := json.Marshal(payload)
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(b)
	_, _ = io.WriteString(w, "\n\n")
	f.Flush()
}

func TestOpenAIStreamChatStreamsTextAndToolCalls(t *testing.T) {
	t.Parallel()

	token := "MOCK_OPENAI_OK"
	mock := &openAIMock{token: token}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	p, err := NewOpenAI("sk-test", srv.URL)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	req := Request{
		Model:  "gpt-test",
		System: "Answer briefly.",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "read a.txt"},
			{Role: model.RoleAssistant, ToolCalls: []model.Invocation{{ID: "call_prev", Name: "fs.read", Args: json.RawMessage(`{"path":"old.txt"}`)}}},
			{Role: model.RoleTool, ToolCallRef: "call_prev", Content: `{"success":true,"output":"old contents"}`},
		},
		Capabilities: []capability.Descriptor{
			{Name: "fs.read", Description: "read a file", Schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
		},
		ToolChoice: ToolChoiceAuto,
	}

	var deltas []model.Delta
	resp, err := p.StreamChat(context.Background(), req, func(d model.Delta) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	if resp.Message.Content != token {
		t.Fatalf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_test_1" || call.Name != "fs.read" {
		t.Fatalf("call = %+v", call)
	}
	if string(call.Args) != `{"path":"a.txt"}` {
		t.Fatalf("args = %s", call.Args)
	}
	if resp.StopReason != StopToolUse {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	var text strings.Builder
	var argsRaw strings.Builder
	for _, d := range deltas {
		text.WriteString(d.Content)
		for _, cd := range d.ToolCalls {
			if cd.Index != 0 {
				t.Fatalf("unexpected slot %d", cd.Index)
			}
			argsRaw.WriteString(cd.Args)
		}
	}
	if text.String() != token {
		t.Fatalf("streamed text = %q", text.String())
	}
	// The done event must not replay arguments already streamed.
	if argsRaw.String() != `{"path":"a.txt"}` {
		t.Fatalf("streamed args = %q", argsRaw.String())
	}

	snap := mock.snapshot()
	if !snap.sawResponses {
		t.Fatalf("mock never saw a Responses API call")
	}
	if !snap.sawToolDefinitions {
		t.Fatalf("request carried no tool definitions")
	}
	if !snap.sawFunctionCallInput {
		t.Fatalf("prior assistant call missing from request input")
	}
	if !snap.sawFunctionCallOutput {
		t.Fatalf("prior tool result missing from request input")
	}
	if snap.instructions != "Answer briefly." {
		t.Fatalf("instructions = %q", snap.instructions)
	}
}
