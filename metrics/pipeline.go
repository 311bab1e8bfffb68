/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Pipeline provides OpenTelemetry metrics for the online-scoring and
// webhook-debounce pipeline. It includes counters for consumed messages,
// emitted feedback scores, and webhook dispatches, plus an evaluator latency
// histogram, with graceful degradation if metric creation fails.
type Pipeline struct {
	meter            metric.Meter
	messagesConsumed metric.Int64Counter
	scoresEmitted    metric.Int64Counter
	evaluatorLatency metric.Float64Histogram
	webhookDispatch  metric.Int64Counter
}

// NewPipeline creates a new Pipeline metrics instance with the specified meter
// name. Uses graceful degradation: if any instrument fails to initialize, logs
// a warning and uses a no-op instrument instead of failing entirely.
//
// The meterName should be unified across all workers (e.g., "chainguard.evalflow")
// with the rule type serving as a dimension on the recorded metrics.
func NewPipeline(meterName string) *Pipeline {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	messagesConsumed, err := meter.Int64Counter("scoring.messages.consumed",
		metric.WithDescription("The number of scoring messages consumed"),
		metric.WithUnit("{messages}"))
	if err != nil {
		slog.Warn("Failed to create messages counter, metrics will be disabled", "error", err, "meter", meterName)
		messagesConsumed = noop.Int64Counter{}
	}

	scoresEmitted, err := meter.Int64Counter("scoring.scores.emitted",
		metric.WithDescription("The number of feedback scores persisted"),
		metric.WithUnit("{scores}"))
	if err != nil {
		slog.Warn("Failed to create scores counter, metrics will be disabled", "error", err, "meter", meterName)
		scoresEmitted = noop.Int64Counter{}
	}

	evaluatorLatency, err := meter.Float64Histogram("scoring.evaluator.latency",
		metric.WithDescription("The latency of external evaluator calls"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Warn("Failed to create latency histogram, metrics will be disabled", "error", err, "meter", meterName)
		evaluatorLatency = noop.Float64Histogram{}
	}

	webhookDispatch, err := meter.Int64Counter("webhook.dispatches",
		metric.WithDescription("The number of consolidated webhook notifications dispatched"),
		metric.WithUnit("{dispatches}"))
	if err != nil {
		slog.Warn("Failed to create dispatch counter, metrics will be disabled", "error", err, "meter", meterName)
		webhookDispatch = noop.Int64Counter{}
	}

	return &Pipeline{
		meter:            meter,
		messagesConsumed: messagesConsumed,
		scoresEmitted:    scoresEmitted,
		evaluatorLatency: evaluatorLatency,
		webhookDispatch:  webhookDispatch,
	}
}

// RecordMessage records a consumed scoring message and its terminal outcome
// (scored, skipped, failed). The rule type is added as a base attribute.
func (m *Pipeline) RecordMessage(ctx context.Context, ruleType, outcome string, attrs ...attribute.KeyValue) {
	baseAttrs := append([]attribute.KeyValue{
		attribute.String("rule_type", ruleType),
		attribute.String("outcome", outcome),
	}, attrs...)

	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(baseAttrs...))
}

// RecordScores records a batch of persisted feedback scores.
func (m *Pipeline) RecordScores(ctx context.Context, ruleType string, count int64, attrs ...attribute.KeyValue) {
	baseAttrs := append([]attribute.KeyValue{
		attribute.String("rule_type", ruleType),
	}, attrs...)

	m.scoresEmitted.Add(ctx, count, metric.WithAttributes(baseAttrs...))
}

// RecordEvaluatorLatency records the wall-clock duration of one external
// evaluator call (LLM provider or Python service).
func (m *Pipeline) RecordEvaluatorLatency(ctx context.Context, evaluator string, d time.Duration, attrs ...attribute.KeyValue) {
	baseAttrs := append([]attribute.KeyValue{
		attribute.String("evaluator", evaluator),
	}, attrs...)

	m.evaluatorLatency.Record(ctx, d.Seconds(), metric.WithAttributes(baseAttrs...))
}

// RecordWebhookDispatch records an attempted consolidated notification
// dispatch and whether it succeeded.
func (m *Pipeline) RecordWebhookDispatch(ctx context.Context, eventType string, ok bool, attrs ...attribute.KeyValue) {
	baseAttrs := append([]attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.Bool("success", ok),
	}, attrs...)

	m.webhookDispatch.Add(ctx, 1, metric.WithAttributes(baseAttrs...))
}
