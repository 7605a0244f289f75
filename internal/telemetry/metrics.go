// Package telemetry records promptcluster metrics through the OpenTelemetry API.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every instrument.
const MeterName = "github.com/thebtf/promptcluster"

// Outcome attribute values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the instruments used by the analysis pipeline.
// A nil *Metrics records nothing.
type Metrics struct {
	analyses          metric.Int64Counter
	analysisDuration  metric.Float64Histogram
	clusters          metric.Int64Histogram
	embeddingBatches  metric.Int64Counter
	embeddingFailures metric.Int64Counter
	embeddedTexts     metric.Int64Counter
}

// New creates the instruments on the given provider, or on the global
// provider when mp is nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)

	var (
		m   Metrics
		err error
	)
	if m.analyses, err = meter.Int64Counter("promptcluster.analyses",
		metric.WithDescription("User analyses run")); err != nil {
		return nil, fmt.Errorf("create analyses counter: %w", err)
	}
	if m.analysisDuration, err = meter.Float64Histogram("promptcluster.analysis.duration",
		metric.WithDescription("Wall time of one user analysis"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create analysis duration histogram: %w", err)
	}
	if m.clusters, err = meter.Int64Histogram("promptcluster.analysis.clusters",
		metric.WithDescription("Clusters produced per analysis")); err != nil {
		return nil, fmt.Errorf("create clusters histogram: %w", err)
	}
	if m.embeddingBatches, err = meter.Int64Counter("promptcluster.embedding.batches",
		metric.WithDescription("Embedding provider calls")); err != nil {
		return nil, fmt.Errorf("create embedding batches counter: %w", err)
	}
	if m.embeddingFailures, err = meter.Int64Counter("promptcluster.embedding.failures",
		metric.WithDescription("Failed embedding provider calls")); err != nil {
		return nil, fmt.Errorf("create embedding failures counter: %w", err)
	}
	if m.embeddedTexts, err = meter.Int64Counter("promptcluster.embedding.texts",
		metric.WithDescription("Texts sent to the embedding provider")); err != nil {
		return nil, fmt.Errorf("create embedded texts counter: %w", err)
	}
	return &m, nil
}

// RecordAnalysis records one finished user analysis.
func (m *Metrics) RecordAnalysis(ctx context.Context, d time.Duration, clusters int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.analyses.Add(ctx, 1, attrs)
	m.analysisDuration.Record(ctx, d.Seconds(), attrs)
	if err == nil {
		m.clusters.Record(ctx, int64(clusters))
	}
}

// RecordEmbeddingBatch records one call to an embedding model.
func (m *Metrics) RecordEmbeddingBatch(ctx context.Context, model string, texts int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.embeddingBatches.Add(ctx, 1, attrs)
	m.embeddedTexts.Add(ctx, int64(texts), attrs)
	if err != nil {
		m.embeddingFailures.Add(ctx, 1, attrs)
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
