// Package metrics records conversation and tool metrics with OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("sandboxchat")

// Recorder collects turn, model and tool metrics. A nil Recorder records
// nothing.
type Recorder struct {
	turnsCounter      metric.Int64Counter
	turnDuration      metric.Float64Histogram
	modelCallsCounter metric.Int64Counter
	modelDuration     metric.Float64Histogram
	toolCallsCounter  metric.Int64Counter
	toolDuration      metric.Float64Histogram
	renderCounter     metric.Int64Counter
}

// New creates a Recorder on the global meter provider.
func New() (*Recorder, error) {
	return NewWithMeter(meter)
}

// NewWithMeter creates a Recorder on the given meter.
func NewWithMeter(m metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.turnsCounter, err = m.Int64Counter(
		"sandboxchat.turns",
		metric.WithDescription("Total number of conversation turns by status"),
		metric.WithUnit("{turn}"),
	); err != nil {
		return nil, err
	}
	if r.turnDuration, err = m.Float64Histogram(
		"sandboxchat.turn.duration",
		metric.WithDescription("Duration of a conversation turn in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if r.modelCallsCounter, err = m.Int64Counter(
		"sandboxchat.model.calls",
		metric.WithDescription("Total number of model invocations"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if r.modelDuration, err = m.Float64Histogram(
		"sandboxchat.model.duration",
		metric.WithDescription("Duration of model invocations in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if r.toolCallsCounter, err = m.Int64Counter(
		"sandboxchat.tool.calls",
		metric.WithDescription("Total number of tool calls by tool and outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if r.toolDuration, err = m.Float64Histogram(
		"sandboxchat.tool.duration",
		metric.WithDescription("Duration of tool calls in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if r.renderCounter, err = m.Int64Counter(
		"sandboxchat.preview.renders",
		metric.WithDescription("Total number of preview renders by outcome"),
		metric.WithUnit("{render}"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

// RecordTurn records a finished turn.
func (r *Recorder) RecordTurn(ctx context.Context, status string, rounds int, duration time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	r.turnsCounter.Add(ctx, 1, attrs)
	r.turnDuration.Record(ctx, duration.Seconds(), attrs, metric.WithAttributes(attribute.Int("rounds", rounds)))
}

// RecordModelCall records one model invocation.
func (r *Recorder) RecordModelCall(ctx context.Context, model string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("error", err != nil),
	)
	r.modelCallsCounter.Add(ctx, 1, attrs)
	r.modelDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordToolCall records one dispatched tool call.
func (r *Recorder) RecordToolCall(ctx context.Context, tool string, isError, terminal bool, duration time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("error", isError),
		attribute.Bool("terminal", terminal),
	)
	r.toolCallsCounter.Add(ctx, 1, attrs)
	r.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRender records a preview render outcome.
func (r *Recorder) RecordRender(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.renderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
