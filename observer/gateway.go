package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ohanchuk/casemill"
)

// ObservedGateway wraps a casemill.Gateway with OTEL metrics.
type ObservedGateway struct {
	inner casemill.Gateway
	inst  *Instruments
}

var _ casemill.Gateway = (*ObservedGateway)(nil)

// WrapGateway returns an instrumented gateway that counts and times
// every task call.
func WrapGateway(inner casemill.Gateway, inst *Instruments) *ObservedGateway {
	return &ObservedGateway{inner: inner, inst: inst}
}

func (o *ObservedGateway) ImageToText(ctx context.Context, image []byte, mimeType string) (casemill.ImageExtraction, error) {
	start := time.Now()
	out, err := o.inner.ImageToText(ctx, image, mimeType)
	o.record(ctx, "image_to_text", start, err)
	return out, err
}

func (o *ObservedGateway) Gate(ctx context.Context, message string, recent []string) (casemill.GateResult, error) {
	start := time.Now()
	out, err := o.inner.Gate(ctx, message, recent)
	o.record(ctx, "gate", start, err)
	return out, err
}

func (o *ObservedGateway) Extract(ctx context.Context, buffer string) (casemill.ExtractResult, error) {
	start := time.Now()
	out, err := o.inner.Extract(ctx, buffer)
	o.record(ctx, "extract", start, err)
	return out, err
}

func (o *ObservedGateway) Structure(ctx context.Context, span string) (casemill.StructureResult, error) {
	start := time.Now()
	out, err := o.inner.Structure(ctx, span)
	o.record(ctx, "structure", start, err)
	return out, err
}

func (o *ObservedGateway) Respond(ctx context.Context, message string, retrieved []casemill.ScoredEntry, recent []string) (casemill.RespondResult, error) {
	start := time.Now()
	out, err := o.inner.Respond(ctx, message, retrieved, recent)
	o.record(ctx, "respond", start, err)
	return out, err
}

func (o *ObservedGateway) HistoryBlocks(ctx context.Context, chunk string) ([]string, error) {
	start := time.Now()
	out, err := o.inner.HistoryBlocks(ctx, chunk)
	o.record(ctx, "history_blocks", start, err)
	return out, err
}

func (o *ObservedGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	out, err := o.inner.Embed(ctx, text)

	durationMs := float64(time.Since(start).Milliseconds())
	attrs := metric.WithAttributes(attribute.String("status", statusOf(err)))
	o.inst.EmbedRequests.Add(ctx, 1, attrs)
	o.inst.EmbedDuration.Record(ctx, durationMs)
	return out, err
}

func (o *ObservedGateway) record(ctx context.Context, task string, start time.Time, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("status", statusOf(err)),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("task", task),
	))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
