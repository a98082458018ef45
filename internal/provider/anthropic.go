package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

const defaultMaxOutputTokens = 4096

// Anthropic streams replies through the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
}

func NewAnthropic(apiKey, baseURL string) (*Anthropic, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing anthropic api key")
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) StreamChat(ctx context.Context, req Request, onDelta func(model.Delta)) (Response, error) {
	if p == nil {
		return Response{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Response{}, errors.New("missing model")
	}

	ctx, span := tracer.Start(ctx, "anthropic stream chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", strings.TrimSpace(req.Model)),
		attribute.StringSlice("request.capabilities", capabilityNames(req)),
	)

	tools, aliasToReal := buildAnthropicTools(req.Capabilities)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: int64(defaultMaxOutputTokens),
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if len(tools) > 0 && req.ToolChoice != ToolChoiceNone {
		params.Tools = tools
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	emit := func(d model.Delta) {
		if onDelta != nil {
			onDelta(d)
		}
	}

	// The Messages API keys tool blocks by content block index; text
	// blocks share the same index space, so call slots get their own
	// dense numbering.
	slots := map[int64]int{}
	slotFor := func(index int64) int {
		if slot, ok := slots[index]; ok {
			return slot
		}
		slot := len(slots)
		slots[index] = slot
		return slot
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			span.RecordError(err)
			return Response{}, p.wrapErr(err)
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(slots)+1)
			}
			toolName := strings.TrimSpace(variant.ContentBlock.Name)
			if realName, ok := aliasToReal[toolName]; ok {
				toolName = realName
			}
			slot := slotFor(variant.Index)
			emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: slot, ID: callID, Name: toolName}}})
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				emit(model.Delta{Content: delta.Text})
			case anthropic.InputJSONDelta:
				if delta.PartialJSON == "" {
					continue
				}
				slot := slotFor(variant.Index)
				emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: slot, Args: delta.PartialJSON}}})
			}
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		return Response{}, p.wrapErr(err)
	}

	out := model.Message{Role: model.RoleAssistant}
	var textBuf strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			textBuf.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(out.ToolCalls)+1)
			}
			toolName := strings.TrimSpace(variant.Name)
			if realName, ok := aliasToReal[toolName]; ok {
				toolName = realName
			}
			call := model.Invocation{ID: callID, Name: toolName}
			if len(variant.Input) > 0 {
				call.Args = append(json.RawMessage(nil), variant.Input...)
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	out.Content = strings.TrimSpace(textBuf.String())

	resp := Response{
		Message:    out,
		StopReason: mapAnthropicStopReason(msg.StopReason),
		Usage:      Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens},
	}
	recordUsage(ctx, span, p.Name(), resp.Usage)
	return resp, nil
}

func (p *Anthropic) wrapErr(err error) error {
	be := &BackendError{Provider: p.Name(), Err: err}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		be.Status = apierr.StatusCode
	}
	return be
}

func buildAnthropicTools(defs []capability.Descriptor) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(def.Schema) > 0 {
			_ = json.Unmarshal(def.Schema, &schemaMap)
		}
		required, _ := toStringSlice(schemaMap["required"])
		alias := sanitizeToolName(name)
		param := anthropic.ToolParam{
			Name:        alias,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schemaMap["properties"], Required: required},
		}
		aliasToReal[alias] = name
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

func buildAnthropicMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			// System text rides the request field, not the transcript.
			continue
		case model.RoleTool:
			ref := strings.TrimSpace(msg.ToolCallRef)
			if ref == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(ref, msg.Content, toolResultIsError(msg.Content))))
		case model.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, toolUseInput(call.Args), sanitizeToolName(call.Name)))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(txt)))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

// toolUseInput parses the recorded argument blob back into an object.
// Unparseable blobs degrade to an empty object rather than poisoning the
// whole request.
func toolUseInput(args json.RawMessage) any {
	parsed := map[string]any{}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &parsed)
	}
	return parsed
}

// toolResultIsError sniffs the outcome envelope for a failed invocation so
// the backend sees its native is_error flag.
func toolResultIsError(content string) bool {
	var env struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(content), &env); err != nil || env.Success == nil {
		return false
	}
	return !*env.Success
}

func mapAnthropicStopReason(reason anthropic.StopReason) StopReason {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return StopToolUse
	case "end_turn", "stop_sequence":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	default:
		return StopUnknown
	}
}

func sanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z':
			sb.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			sb.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

func toStringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s := strings.TrimSpace(item)
			if s != "" {
				out = append(out, s)
			}
		}
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
