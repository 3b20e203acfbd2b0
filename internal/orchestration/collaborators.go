package orchestration

import (
	"context"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

// Inference is the language model service used by the required stages.
// Implementations return data matching the model types or an error; they
// do not retry.
type Inference interface {
	Extract(ctx context.Context, rawInput string) (models.StructuredPatientData, error)
	Summarize(ctx context.Context, data models.StructuredPatientData, history []models.PatientHistoryEntry) (models.ClinicalSummary, error)
	RetrieveKnowledge(ctx context.Context, summary models.ClinicalSummary, data models.StructuredPatientData) (models.KnowledgeContext, error)
	ComposeReport(ctx context.Context, in models.ReportInput) (models.SOAPReport, error)
}

// Memory is the vector-indexed case store.
type Memory interface {
	StoreCase(ctx context.Context, patientID string, payload models.CasePayload, sessionID string) (string, error)
	// SearchSimilar returns matches sorted by descending score. Matches
	// scoring below q.ScoreThreshold are dropped.
	SearchSimilar(ctx context.Context, q models.SimilarityQuery) ([]models.SimilarCase, error)
	// GetHistory returns at most limit entries, newest first.
	GetHistory(ctx context.Context, patientID string, limit int) ([]models.PatientHistoryEntry, error)
	GetStats(ctx context.Context) (models.MemoryStats, error)
}
