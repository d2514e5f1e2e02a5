// Package observability provides OpenTelemetry accessors for the runtime.
//
// Only the otel API is used here; span export and metric readers are the
// embedding application's concern. With no SDK installed every call is a
// no-op, so library code can instrument unconditionally.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanAgentRun      = "agent.run"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanDelegation    = "agent.delegation"
)

// Attribute keys.
const (
	AttrSessionID       = "session.id"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
)

// GetTracer returns a tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Metrics records runtime counters and latencies.
type Metrics struct {
	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram
	llmCalls       metric.Int64Counter
	llmDuration    metric.Float64Histogram
	llmTokens      metric.Int64Counter
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the lazily initialized global metrics recorder.
func GetGlobalMetrics() *Metrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("forge.runtime")

		toolExecutions, _ := meter.Int64Counter("forge.tool.executions",
			metric.WithDescription("Number of tool executions"))
		toolDuration, _ := meter.Float64Histogram("forge.tool.duration",
			metric.WithDescription("Tool execution duration in seconds"),
			metric.WithUnit("s"))
		llmCalls, _ := meter.Int64Counter("forge.llm.calls",
			metric.WithDescription("Number of LLM requests"))
		llmDuration, _ := meter.Float64Histogram("forge.llm.duration",
			metric.WithDescription("LLM request duration in seconds"),
			metric.WithUnit("s"))
		llmTokens, _ := meter.Int64Counter("forge.llm.tokens",
			metric.WithDescription("Tokens consumed by LLM requests"))

		globalMetrics = &Metrics{
			toolExecutions: toolExecutions,
			toolDuration:   toolDuration,
			llmCalls:       llmCalls,
			llmDuration:    llmDuration,
			llmTokens:      llmTokens,
		}
	})
	return globalMetrics
}

// RecordToolExecution records one tool invocation outcome.
func (m *Metrics) RecordToolExecution(ctx context.Context, toolName string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrToolName, toolName),
		attribute.String("status", status),
	)
	m.toolExecutions.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLLMCall records one provider request outcome with token usage.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrLLMModel, model),
		attribute.String("status", status),
	)
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if inputTokens > 0 {
		m.llmTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(
			attribute.String(AttrLLMModel, model),
			attribute.String("direction", "input"),
		))
	}
	if outputTokens > 0 {
		m.llmTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(
			attribute.String(AttrLLMModel, model),
			attribute.String("direction", "output"),
		))
	}
}
