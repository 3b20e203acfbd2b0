package orchestration

import (
	"slices"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

// StageName identifies one pipeline stage.
type StageName string

const (
	StageIntake           StageName = "intake"
	StageMemory           StageName = "memory"
	StageSummary          StageName = "summary"
	StageKnowledge        StageName = "knowledge"
	StageReport           StageName = "report"
	StageStorage          StageName = "storage"
	StageEnhancedAnalysis StageName = "enhanced_analysis"
)

// StepCompleted is the terminal current_step of a run that produced a report.
const StepCompleted = "completed"

// FailedStep is the terminal current_step of a run stopped by stage s.
func FailedStep(s StageName) string {
	return string(s) + "_failed"
}

// CaseState is the aggregate threaded through the pipeline for one intake.
// Values are snapshots: Apply returns a new state and never mutates the
// receiver's slices in place.
type CaseState struct {
	CaseID                   string                        `json:"case_id"`
	Intake                   models.PatientIntake          `json:"patient_intake"`
	Structured               *models.StructuredPatientData `json:"structured_data,omitempty"`
	PatientHistory           []models.PatientHistoryEntry  `json:"patient_history"`
	Summary                  *models.ClinicalSummary       `json:"clinical_summary,omitempty"`
	Knowledge                *models.KnowledgeContext      `json:"knowledge_context,omitempty"`
	Report                   *models.SOAPReport            `json:"soap_report,omitempty"`
	CasePriority             models.Priority               `json:"case_priority"`
	RequiresEnhancedAnalysis bool                          `json:"requires_enhanced_analysis"`
	RoutingPath              []string                      `json:"routing_path"`
	Errors                   []string                      `json:"errors"`
	ProcessingTimeMS         float64                       `json:"processing_time_ms"`
	CurrentStep              string                        `json:"current_step"`
	StoredRecordID           string                        `json:"stored_record_id,omitempty"`

	historySet  bool
	prioritySet bool
	enhancedSet bool
}

// NewCaseState returns the initial snapshot for intake.
func NewCaseState(caseID string, intake models.PatientIntake) CaseState {
	return CaseState{
		CaseID:         caseID,
		Intake:         intake,
		PatientHistory: []models.PatientHistoryEntry{},
		CasePriority:   models.PriorityRoutine,
		RoutingPath:    []string{},
		Errors:         []string{},
		CurrentStep:    string(StageIntake),
	}
}

// Succeeded reports whether the run produced a report. Errors may still be
// present from best-effort stages.
func (s CaseState) Succeeded() bool {
	return s.Report != nil
}

// Patch is the partial update a stage returns. Nil fields are untouched.
// A non-nil field may only target a field that is still unset.
type Patch struct {
	Structured               *models.StructuredPatientData
	PatientHistory           *[]models.PatientHistoryEntry
	Summary                  *models.ClinicalSummary
	Knowledge                *models.KnowledgeContext
	Report                   *models.SOAPReport
	CasePriority             *models.Priority
	RequiresEnhancedAnalysis *bool
	StoredRecordID           *string
}

// Apply merges p into a copy of s. Setting a field that an earlier stage
// already produced fails with ErrFieldAlreadySet and leaves s unchanged.
func (s CaseState) Apply(p Patch) (CaseState, error) {
	next := s

	if p.Structured != nil {
		if s.Structured != nil {
			return s, fieldSet("structured_data")
		}
		v := *p.Structured
		next.Structured = &v
	}
	if p.PatientHistory != nil {
		if s.historySet {
			return s, fieldSet("patient_history")
		}
		next.PatientHistory = slices.Clone(*p.PatientHistory)
		if next.PatientHistory == nil {
			next.PatientHistory = []models.PatientHistoryEntry{}
		}
		next.historySet = true
	}
	if p.Summary != nil {
		if s.Summary != nil {
			return s, fieldSet("clinical_summary")
		}
		v := *p.Summary
		next.Summary = &v
	}
	if p.Knowledge != nil {
		if s.Knowledge != nil {
			return s, fieldSet("knowledge_context")
		}
		v := *p.Knowledge
		next.Knowledge = &v
	}
	if p.Report != nil {
		if s.Report != nil {
			return s, fieldSet("soap_report")
		}
		v := *p.Report
		next.Report = &v
	}
	if p.CasePriority != nil {
		if s.prioritySet {
			return s, fieldSet("case_priority")
		}
		next.CasePriority = *p.CasePriority
		next.prioritySet = true
	}
	if p.RequiresEnhancedAnalysis != nil {
		if s.enhancedSet {
			return s, fieldSet("requires_enhanced_analysis")
		}
		next.RequiresEnhancedAnalysis = *p.RequiresEnhancedAnalysis
		next.enhancedSet = true
	}
	if p.StoredRecordID != nil {
		if s.StoredRecordID != "" {
			return s, fieldSet("stored_record_id")
		}
		next.StoredRecordID = *p.StoredRecordID
	}
	return next, nil
}

// appendPath returns a copy of s with stage appended to the routing path.
func (s CaseState) appendPath(stage StageName) CaseState {
	s.RoutingPath = append(slices.Clip(s.RoutingPath), string(stage))
	return s
}

// appendError returns a copy of s with msg appended to the error log.
func (s CaseState) appendError(msg string) CaseState {
	s.Errors = append(slices.Clip(s.Errors), msg)
	return s
}

// RoutingSummary is the routing view returned alongside a finished case.
type RoutingSummary struct {
	CasePriority                models.Priority `json:"case_priority"`
	RoutingPath                 []string        `json:"routing_path"`
	EnhancedAnalysisRecommended bool            `json:"enhanced_analysis_recommended"`
	TotalProcessingTimeMS       float64         `json:"total_processing_time_ms"`
	NodesExecuted               int             `json:"nodes_executed"`
}

func (s CaseState) RoutingSummary() RoutingSummary {
	return RoutingSummary{
		CasePriority:                s.CasePriority,
		RoutingPath:                 slices.Clone(s.RoutingPath),
		EnhancedAnalysisRecommended: s.RequiresEnhancedAnalysis,
		TotalProcessingTimeMS:       s.ProcessingTimeMS,
		NodesExecuted:               len(s.RoutingPath),
	}
}

func ptr[T any](v T) *T {
	return &v
}
