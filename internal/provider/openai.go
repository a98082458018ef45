package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel/attribute"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

// OpenAI streams replies through the OpenAI Responses API. It also serves
// compatible gateways; strict function schemas are enabled only for the
// official endpoint because gateways vary in their support.
type OpenAI struct {
	client           openai.Client
	strictToolSchema bool
}

func NewOpenAI(apiKey, baseURL string) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing openai api key")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAI{
		client:           openai.NewClient(opts...),
		strictToolSchema: useStrictToolSchema(baseURL),
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) StreamChat(ctx context.Context, req Request, onDelta func(model.Delta)) (Response, error) {
	if p == nil {
		return Response{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Response{}, errors.New("missing model")
	}

	ctx, span := tracer.Start(ctx, "openai stream chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", strings.TrimSpace(req.Model)),
		attribute.StringSlice("request.capabilities", capabilityNames(req)),
	)

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(int64(defaultMaxOutputTokens)),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: buildOpenAIInput(req.Messages)}

	tools, aliasToReal := buildOpenAITools(req.Capabilities, p.strictToolSchema)
	if len(tools) > 0 && req.ToolChoice != ToolChoiceNone {
		params.Tools = tools
	}

	emit := func(d model.Delta) {
		if onDelta != nil {
			onDelta(d)
		}
	}

	type partialCall struct {
		Slot     int
		CallID   string
		Name     string
		ArgsSent bool
	}
	partials := map[string]*partialCall{}
	partialFor := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{Slot: len(partials), CallID: itemID}
		partials[itemID] = pc
		return pc
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	var completed oresponses.Response
	gotCompleted := false

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			if delta := event.Delta.OfString; delta != "" {
				emit(model.Delta{Content: delta})
			}

		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := partialFor(item.ID)
			if pc == nil {
				continue
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.CallID = cid
			}
			name := strings.TrimSpace(item.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			pc.Name = name
			emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: pc.Slot, ID: pc.CallID, Name: pc.Name}}})
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				pc.ArgsSent = true
				emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: pc.Slot, Args: raw}}})
			}

		case "response.function_call_arguments.delta":
			pc := partialFor(event.ItemID)
			if pc == nil {
				continue
			}
			if delta := event.Delta.OfString; delta != "" {
				pc.ArgsSent = true
				emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: pc.Slot, Args: delta}}})
			}

		case "response.function_call_arguments.done":
			// Fragments already streamed concatenate to the final blob;
			// replay the done payload only when no fragment made it out.
			pc := partialFor(event.ItemID)
			if pc == nil || pc.ArgsSent {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" {
				pc.ArgsSent = true
				emit(model.Delta{ToolCalls: []model.InvocationDelta{{Index: pc.Slot, Args: raw}}})
			}

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		return Response{}, p.wrapErr(err)
	}
	if !gotCompleted {
		err := errors.New("stream ended without response.completed")
		span.RecordError(err)
		return Response{}, &BackendError{Provider: p.Name(), Err: err}
	}

	out := model.Message{Role: model.RoleAssistant}
	var textBuf strings.Builder
	for _, item := range completed.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if textBuf.Len() > 0 {
					textBuf.WriteString("\n")
				}
				textBuf.WriteString(strings.TrimSpace(part.Text))
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			if callID == "" {
				callID = fmt.Sprintf("openai_call_%d", len(out.ToolCalls)+1)
			}
			name := strings.TrimSpace(item.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			call := model.Invocation{ID: callID, Name: name}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				call.Args = []byte(raw)
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	out.Content = textBuf.String()

	stop := mapOpenAIStatus(completed.Status)
	if len(out.ToolCalls) > 0 {
		stop = StopToolUse
	}
	resp := Response{
		Message:    out,
		StopReason: stop,
		Usage:      Usage{InputTokens: completed.Usage.InputTokens, OutputTokens: completed.Usage.OutputTokens},
	}
	recordUsage(ctx, span, p.Name(), resp.Usage)
	return resp, nil
}

func (p *OpenAI) wrapErr(err error) error {
	be := &BackendError{Provider: p.Name(), Err: err}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		be.Status = apierr.StatusCode
	}
	return be
}

func buildOpenAITools(defs []capability.Descriptor, strict bool) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.Schema) > 0 {
			_ = json.Unmarshal(def.Schema, &schema)
		}
		alias := sanitizeToolName(def.Name)
		out = append(out, oresponses.ToolParamOfFunction(alias, schema, strict))
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

func buildOpenAIInput(messages []model.Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			// Carried in Instructions instead.
			continue
		case model.RoleTool:
			ref := strings.TrimSpace(msg.ToolCallRef)
			if ref == "" {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(ref, msg.Content))
		case model.RoleAssistant:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				argsRaw := strings.TrimSpace(string(call.Args))
				if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
					argsRaw = "{}"
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, strings.TrimSpace(call.ID), sanitizeToolName(call.Name)))
			}
		default:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	return items
}

func mapOpenAIStatus(status oresponses.ResponseStatus) StopReason {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return StopEndTurn
	case "incomplete":
		return StopMaxTokens
	default:
		return StopUnknown
	}
}

// useStrictToolSchema enables strict function schemas only against the
// official OpenAI endpoint; compatible gateways vary widely in support.
func useStrictToolSchema(baseURL string) bool {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return true
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.ToLower(strings.TrimSpace(u.Hostname())) == "api.openai.com"
}
