package provider

import (
	"context"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/skeinworks/skein-agent/internal/provider"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)

	tokenUsage metric.Int64Counter
)

func init() {
	var err error
	tokenUsage, err = meter.Int64Counter("llm.tokens",
		metric.WithDescription("Tokens consumed by backend calls."),
		metric.WithUnit("{token}"))
	if err != nil {
		logger.Warn("token usage counter unavailable", "error", err)
	}
}

func recordUsage(ctx context.Context, span trace.Span, provider string, usage Usage) {
	span.SetAttributes(
		attribute.Int64("response.input_tokens", usage.InputTokens),
		attribute.Int64("response.output_tokens", usage.OutputTokens),
	)
	if tokenUsage == nil {
		return
	}
	tokenUsage.Add(ctx, usage.InputTokens, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("direction", "input")))
	tokenUsage.Add(ctx, usage.OutputTokens, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("direction", "output")))
}

func capabilityNames(req Request) []string {
	names := make([]string, 0, len(req.Capabilities))
	for _, def := range req.Capabilities {
		names = append(names, def.Name)
	}
	return names
}
