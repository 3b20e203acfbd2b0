package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "intake-pipeline"

// PipelineMetrics exports pipeline measurements through OpenTelemetry.
type PipelineMetrics struct {
	casesStartedCounter    metric.Int64Counter
	casesCompletedCounter  metric.Int64Counter
	casesFailedCounter     metric.Int64Counter
	caseDurationHistogram  metric.Float64Histogram
	casesActiveGauge       metric.Int64UpDownCounter
	stageDurationHistogram metric.Float64Histogram
	stageErrorsCounter     metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on the global meter.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	return newPipelineMetrics(otel.Meter(meterName))
}

func newPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	casesStartedCounter, err := meter.Int64Counter(
		"clinical_intake.cases.started",
		metric.WithDescription("Total number of intake cases started"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return nil, err
	}

	casesCompletedCounter, err := meter.Int64Counter(
		"clinical_intake.cases.completed",
		metric.WithDescription("Total number of cases that produced a report"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return nil, err
	}

	casesFailedCounter, err := meter.Int64Counter(
		"clinical_intake.cases.failed",
		metric.WithDescription("Total number of cases stopped by a required stage"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return nil, err
	}

	caseDurationHistogram, err := meter.Float64Histogram(
		"clinical_intake.case.duration",
		metric.WithDescription("Wall-clock duration of a pipeline run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	casesActiveGauge, err := meter.Int64UpDownCounter(
		"clinical_intake.cases.active",
		metric.WithDescription("Number of pipeline runs in flight"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return nil, err
	}

	stageDurationHistogram, err := meter.Float64Histogram(
		"clinical_intake.stage.duration",
		metric.WithDescription("Duration of a single pipeline stage in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stageErrorsCounter, err := meter.Int64Counter(
		"clinical_intake.stage.errors",
		metric.WithDescription("Errors recorded by pipeline stages"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		casesStartedCounter:    casesStartedCounter,
		casesCompletedCounter:  casesCompletedCounter,
		casesFailedCounter:     casesFailedCounter,
		caseDurationHistogram:  caseDurationHistogram,
		casesActiveGauge:       casesActiveGauge,
		stageDurationHistogram: stageDurationHistogram,
		stageErrorsCounter:     stageErrorsCounter,
	}, nil
}

func (pm *PipelineMetrics) RecordCaseStarted(ctx context.Context) {
	pm.casesStartedCounter.Add(ctx, 1)
	pm.casesActiveGauge.Add(ctx, 1)
}

func (pm *PipelineMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, success bool) {
	status := "completed"
	if !success {
		status = "failed"
	}
	pm.stageDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

func (pm *PipelineMetrics) RecordError(ctx context.Context, stage, kind string, _ error) {
	pm.stageErrorsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("error.type", kind),
		),
	)
}

func (pm *PipelineMetrics) RecordCaseFinished(ctx context.Context, priority string, duration time.Duration, success bool) {
	status := "completed"
	counter := pm.casesCompletedCounter
	if !success {
		status = "failed"
		counter = pm.casesFailedCounter
	}
	counter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("case.priority", priority),
		),
	)
	pm.caseDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("case.priority", priority),
			attribute.String("status", status),
		),
	)
	pm.casesActiveGauge.Add(ctx, -1)
}
