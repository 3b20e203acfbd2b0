package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/metrics"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/triage"
)

// Stage is one step of the pipeline. Run reads a snapshot and returns the
// fields it produced; it never mutates state. A required stage's error ends
// the run. A best-effort stage's error is recorded and its patch is still
// applied.
type Stage interface {
	Name() StageName
	Required() bool
	Run(ctx context.Context, state CaseState) (Patch, error)
}

type intakeStage struct {
	inference Inference
	retry     retry.Policy
}

func (intakeStage) Name() StageName { return StageIntake }
func (intakeStage) Required() bool  { return true }

func (s intakeStage) Run(ctx context.Context, state CaseState) (Patch, error) {
	raw := state.Intake.RawInput
	if strings.TrimSpace(raw) == "" {
		return Patch{}, ErrNoIntake
	}

	data, err := retry.Run(ctx, s.retry, func(ctx context.Context) (models.StructuredPatientData, error) {
		return s.inference.Extract(ctx, raw)
	})
	if err != nil {
		return Patch{}, &ExtractionError{Stage: StageIntake, Err: err}
	}
	data.PatientID = state.Intake.PatientID

	return Patch{
		Structured:   &data,
		CasePriority: ptr(triage.Classify(data)),
	}, nil
}

type memoryStage struct {
	memory Memory
	limit  int
	retry  retry.Policy
}

func (memoryStage) Name() StageName { return StageMemory }
func (memoryStage) Required() bool  { return false }

func (s memoryStage) Run(ctx context.Context, state CaseState) (Patch, error) {
	empty := []models.PatientHistoryEntry{}
	patientID := state.Intake.PatientID
	if state.Structured != nil && state.Structured.PatientID != "" {
		patientID = state.Structured.PatientID
	}
	if patientID == "" {
		return Patch{PatientHistory: &empty}, nil
	}

	history, err := retry.Run(ctx, s.retry, func(ctx context.Context) ([]models.PatientHistoryEntry, error) {
		return s.memory.GetHistory(ctx, patientID, s.limit)
	})
	if err != nil {
		return Patch{PatientHistory: &empty}, fmt.Errorf("%w: %w", ErrMemoryUnavailable, err)
	}
	if history == nil {
		history = empty
	}
	return Patch{PatientHistory: &history}, nil
}

type summaryStage struct {
	inference Inference
	retry     retry.Policy
}

func (summaryStage) Name() StageName { return StageSummary }
func (summaryStage) Required() bool  { return true }

func (s summaryStage) Run(ctx context.Context, state CaseState) (Patch, error) {
	if state.Structured == nil {
		return Patch{}, missing(StageSummary, "structured_data")
	}
	data := *state.Structured
	history := state.PatientHistory

	summary, err := retry.Run(ctx, s.retry, func(ctx context.Context) (models.ClinicalSummary, error) {
		return s.inference.Summarize(ctx, data, history)
	})
	if err != nil {
		return Patch{}, &ExtractionError{Stage: StageSummary, Err: err}
	}
	return Patch{Summary: &summary}, nil
}

type knowledgeStage struct {
	inference Inference
	memory    Memory
	limit     int
	threshold float64
	retry     retry.Policy
	log       *logger.Logger
	metrics   metrics.Sink
}

func (knowledgeStage) Name() StageName { return StageKnowledge }
func (knowledgeStage) Required() bool  { return true }

func (s knowledgeStage) Run(ctx context.Context, state CaseState) (Patch, error) {
	if state.Summary == nil {
		return Patch{}, missing(StageKnowledge, "clinical_summary")
	}
	if state.Structured == nil {
		return Patch{}, missing(StageKnowledge, "structured_data")
	}
	summary := *state.Summary
	data := *state.Structured

	knowledge, err := retry.Run(ctx, s.retry, func(ctx context.Context) (models.KnowledgeContext, error) {
		return s.inference.RetrieveKnowledge(ctx, summary, data)
	})
	if err != nil {
		return Patch{}, &ExtractionError{Stage: StageKnowledge, Err: err}
	}

	knowledge.SimilarCases = s.similarCases(ctx, data)
	enhanced := triage.NeedsEnhancedAnalysis(&knowledge, &summary)
	if enhanced {
		s.log.Info("enhanced analysis recommended",
			"case_id", state.CaseID,
			"confidence_score", knowledge.ConfidenceScore,
			"risk_factors", len(summary.RiskFactors),
		)
	}

	return Patch{
		Knowledge:                &knowledge,
		RequiresEnhancedAnalysis: &enhanced,
	}, nil
}

// similarCases never fails: an unavailable store yields no matches.
func (s knowledgeStage) similarCases(ctx context.Context, data models.StructuredPatientData) []models.SimilarCase {
	q := models.SimilarityQuery{
		Text:           SimilarityText(data),
		Limit:          s.limit,
		ScoreThreshold: s.threshold,
	}
	cases, err := retry.Run(ctx, s.retry, func(ctx context.Context) ([]models.SimilarCase, error) {
		return s.memory.SearchSimilar(ctx, q)
	})
	if err != nil {
		s.log.Warn("similar case search unavailable", "error", err)
		s.metrics.RecordError(ctx, string(StageKnowledge), "similar_search_unavailable", err)
		return []models.SimilarCase{}
	}
	if cases == nil {
		return []models.SimilarCase{}
	}
	return cases
}

// SimilarityText is the search text built from a patient's presentation.
func SimilarityText(data models.StructuredPatientData) string {
	return fmt.Sprintf("%s. Symptoms: %s", data.ChiefComplaint, strings.Join(data.Symptoms, ", "))
}

type reportStage struct {
	inference Inference
	retry     retry.Policy
	now       func() time.Time
}

func (reportStage) Name() StageName { return StageReport }
func (reportStage) Required() bool  { return true }

func (s reportStage) Run(ctx context.Context, state CaseState) (Patch, error) {
	switch {
	case state.Structured == nil:
		return Patch{}, missing(StageReport, "structured_data")
	case state.Summary == nil:
		return Patch{}, missing(StageReport, "clinical_summary")
	case state.Knowledge == nil:
		return Patch{}, missing(StageReport, "knowledge_context")
	}

	in := models.ReportInput{
		Patient:   *state.Structured,
		History:   state.PatientHistory,
		Summary:   *state.Summary,
		Knowledge: *state.Knowledge,
		Priority:  state.CasePriority,
	}
	report, err := retry.Run(ctx, s.retry, func(ctx context.Context) (models.SOAPReport, error) {
		return s.inference.ComposeReport(ctx, in)
	})
	if err != nil {
		return Patch{}, &ExtractionError{Stage: StageReport, Err: err}
	}
	report.PatientID = in.Patient.PatientID
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now().UTC()
	}
	return Patch{Report: &report}, nil
}

type storageStage struct {
	memory Memory
	retry  retry.Policy
}

func (storageStage) Name() StageName { return StageStorage }
func (storageStage) Required() bool  { return false }

func (s storageStage) Run(ctx context.Context, state CaseState) (Patch, error) {
	if state.Structured == nil || state.Report == nil {
		return Patch{}, fmt.Errorf("%w: incomplete case, nothing stored", ErrStorageUnavailable)
	}

	payload := models.CasePayload{
		ChiefComplaint: state.Structured.ChiefComplaint,
		Symptoms:       state.Structured.Symptoms,
		MedicalHistory: state.Structured.MedicalHistory,
		Assessment:     state.Report.Assessment,
	}
	sessionID := state.Intake.SessionID
	if sessionID == "" {
		sessionID = state.CaseID
	}

	id, err := retry.Run(ctx, s.retry, func(ctx context.Context) (string, error) {
		return s.memory.StoreCase(ctx, state.Structured.PatientID, payload, sessionID)
	})
	if err != nil {
		return Patch{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return Patch{StoredRecordID: &id}, nil
}
