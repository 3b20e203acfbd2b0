package metrics

import (
	"context"
	"time"
)

// Sink receives pipeline measurements. Implementations must be safe for
// concurrent use by many in-flight cases.
type Sink interface {
	RecordCaseStarted(ctx context.Context)
	RecordStage(ctx context.Context, stage string, duration time.Duration, success bool)
	RecordError(ctx context.Context, stage, kind string, err error)
	RecordCaseFinished(ctx context.Context, priority string, duration time.Duration, success bool)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordCaseStarted(context.Context)                               {}
func (Nop) RecordStage(context.Context, string, time.Duration, bool)        {}
func (Nop) RecordError(context.Context, string, string, error)              {}
func (Nop) RecordCaseFinished(context.Context, string, time.Duration, bool) {}

type fanout []Sink

// Fanout forwards every measurement to each non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fanout) RecordCaseStarted(ctx context.Context) {
	for _, s := range f {
		s.RecordCaseStarted(ctx)
	}
}

func (f fanout) RecordStage(ctx context.Context, stage string, duration time.Duration, success bool) {
	for _, s := range f {
		s.RecordStage(ctx, stage, duration, success)
	}
}

func (f fanout) RecordError(ctx context.Context, stage, kind string, err error) {
	for _, s := range f {
		s.RecordError(ctx, stage, kind, err)
	}
}

func (f fanout) RecordCaseFinished(ctx context.Context, priority string, duration time.Duration, success bool) {
	for _, s := range f {
		s.RecordCaseFinished(ctx, priority, duration, success)
	}
}
