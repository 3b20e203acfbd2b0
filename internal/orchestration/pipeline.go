// Package orchestration runs the clinical intake pipeline: it sequences the
// stages, merges their patches into CaseState, isolates best-effort
// failures and records the path a case took.
package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/metrics"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
)

// Config tunes the built-in stages.
type Config struct {
	HistoryLimit     int
	SimilarLimit     int
	SimilarThreshold float64
	Retry            retry.Policy
}

// DefaultConfig returns the limits used by the service.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:     10,
		SimilarLimit:     3,
		SimilarThreshold: 0.6,
		Retry:            retry.API(),
	}
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithStage registers s, replacing any stage with the same name.
func WithStage(s Stage) Option {
	return func(o *Orchestrator) {
		o.stages[s.Name()] = s
	}
}

// WithRouter replaces DefaultRouter.
func WithRouter(r Router) Option {
	return func(o *Orchestrator) {
		o.router = r
	}
}

// WithClock replaces time.Now for durations and report timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// StageEvent describes one finished stage of a run.
type StageEvent struct {
	CaseID      string    `json:"case_id"`
	Stage       StageName `json:"stage"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	DurationMS  float64   `json:"duration_ms"`
	CurrentStep string    `json:"current_step"`
}

// RunOption customises a single run.
type RunOption func(*runConfig)

type runConfig struct {
	observer func(StageEvent)
}

// WithObserver calls fn after every stage, on the caller's goroutine.
func WithObserver(fn func(StageEvent)) RunOption {
	return func(rc *runConfig) {
		rc.observer = fn
	}
}

// Orchestrator drives a CaseState through the pipeline. It holds no
// per-case state and is safe for concurrent runs.
type Orchestrator struct {
	stages  map[StageName]Stage
	router  Router
	log     *logger.Logger
	metrics metrics.Sink
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds an orchestrator with the six built-in stages. A nil sink
// discards measurements.
func New(log *logger.Logger, inference Inference, memory Memory, sink metrics.Sink, cfg Config, opts ...Option) (*Orchestrator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if inference == nil {
		return nil, fmt.Errorf("inference required")
	}
	if memory == nil {
		return nil, fmt.Errorf("memory required")
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.SimilarLimit <= 0 {
		cfg.SimilarLimit = def.SimilarLimit
	}
	if cfg.Retry.Log == nil {
		cfg.Retry.Log = log
	}

	o := &Orchestrator{
		stages:  make(map[StageName]Stage),
		router:  DefaultRouter,
		log:     log,
		metrics: sink,
		tracer:  otel.Tracer("intake-pipeline"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	builtins := []Stage{
		intakeStage{inference: inference, retry: cfg.Retry},
		memoryStage{memory: memory, limit: cfg.HistoryLimit, retry: cfg.Retry},
		summaryStage{inference: inference, retry: cfg.Retry},
		knowledgeStage{
			inference: inference,
			memory:    memory,
			limit:     cfg.SimilarLimit,
			threshold: cfg.SimilarThreshold,
			retry:     cfg.Retry,
			log:       log,
			metrics:   sink,
		},
		reportStage{inference: inference, retry: cfg.Retry, now: o.now},
		storageStage{memory: memory, retry: cfg.Retry},
	}
	for _, s := range builtins {
		if _, ok := o.stages[s.Name()]; !ok {
			o.stages[s.Name()] = s
		}
	}
	return o, nil
}

// Run processes one intake to a terminal CaseState. It never returns an
// error: failures are reported through CurrentStep and Errors, and a
// successful run is one whose Report is set.
func (o *Orchestrator) Run(ctx context.Context, intake models.PatientIntake, opts ...RunOption) CaseState {
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}

	state := NewCaseState(uuid.NewString(), intake)
	log := o.log.With("case_id", state.CaseID, "patient_id", intake.PatientID)

	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("case.id", state.CaseID)),
	)
	defer span.End()

	start := o.now()
	o.metrics.RecordCaseStarted(ctx)
	log.Info("case started")

	finish := func(state CaseState, success bool) CaseState {
		elapsed := o.now().Sub(start)
		state.ProcessingTimeMS = float64(elapsed) / float64(time.Millisecond)
		o.metrics.RecordCaseFinished(ctx, string(state.CasePriority), elapsed, success)
		span.SetAttributes(
			attribute.String("case.priority", string(state.CasePriority)),
			attribute.String("case.current_step", state.CurrentStep),
			attribute.Int("case.errors", len(state.Errors)),
		)
		if success {
			span.SetStatus(codes.Ok, "")
			log.Info("case completed",
				"priority", state.CasePriority,
				"routing_path", strings.Join(state.RoutingPath, ","),
				"errors", len(state.Errors),
				"processing_time_ms", state.ProcessingTimeMS,
			)
		} else {
			span.SetStatus(codes.Error, state.CurrentStep)
			log.Warn("case failed",
				"current_step", state.CurrentStep,
				"errors", strings.Join(state.Errors, "; "),
			)
		}
		return state
	}

	if strings.TrimSpace(intake.RawInput) == "" {
		state.CurrentStep = FailedStep(StageIntake)
		state = state.appendError(stageMessage(StageIntake, ErrNoIntake))
		o.metrics.RecordError(ctx, string(StageIntake), errorKind(ErrNoIntake), ErrNoIntake)
		return finish(state, false)
	}

	for _, name := range []StageName{StageIntake, StageMemory, StageSummary, StageKnowledge} {
		var ok bool
		if state, ok = o.runStage(ctx, state, name, rc); !ok {
			return finish(state, false)
		}
	}

	next, diverted := o.resolve(o.router(state))
	if state.RequiresEnhancedAnalysis && !diverted {
		log.Info("enhanced analysis branch not registered, continuing to report")
	}
	tail := []StageName{StageReport, StageStorage}
	if next != StageReport {
		tail = append([]StageName{next}, tail...)
	}
	for _, name := range tail {
		var ok bool
		if state, ok = o.runStage(ctx, state, name, rc); !ok {
			return finish(state, false)
		}
	}

	state.CurrentStep = StepCompleted
	return finish(state, true)
}

// runStage executes one stage and merges its patch. The boolean is false
// when a required stage failed and the run must stop.
func (o *Orchestrator) runStage(ctx context.Context, state CaseState, name StageName, rc runConfig) (CaseState, bool) {
	stage, ok := o.stages[name]
	if !ok {
		return state, true
	}
	state.CurrentStep = string(name)

	ctx, span := o.tracer.Start(ctx, "pipeline.stage."+string(name),
		trace.WithAttributes(
			attribute.String("stage.name", string(name)),
			attribute.Bool("stage.required", stage.Required()),
		),
	)
	defer span.End()

	started := o.now()
	patch, err := stage.Run(ctx, state)
	if err == nil {
		var merged CaseState
		if merged, err = state.Apply(patch); err == nil {
			state = merged
		}
	} else if !stage.Required() {
		// best-effort stages still contribute their empty result
		if merged, mergeErr := state.Apply(patch); mergeErr == nil {
			state = merged
		}
	}
	elapsed := o.now().Sub(started)

	o.metrics.RecordStage(ctx, string(name), elapsed, err == nil)
	event := StageEvent{
		CaseID:     state.CaseID,
		Stage:      name,
		Success:    err == nil,
		DurationMS: float64(elapsed) / float64(time.Millisecond),
	}

	if err != nil {
		msg := stageMessage(name, err)
		state = state.appendError(msg)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		o.metrics.RecordError(ctx, string(name), errorKind(err), err)
		event.Error = msg

		if stage.Required() {
			state.CurrentStep = FailedStep(name)
			event.CurrentStep = state.CurrentStep
			o.log.Error("stage failed", "case_id", state.CaseID, "stage", name, "error", err)
			notify(rc, event)
			return state, false
		}
		o.log.Warn("best-effort stage failed, continuing", "case_id", state.CaseID, "stage", name, "error", err)
	}

	state = state.appendPath(name)
	event.CurrentStep = state.CurrentStep
	notify(rc, event)
	return state, true
}

func notify(rc runConfig, ev StageEvent) {
	if rc.observer != nil {
		rc.observer(ev)
	}
}

func stageMessage(name StageName, err error) string {
	return fmt.Sprintf("%s stage: %v", name, err)
}
