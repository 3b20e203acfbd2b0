package models

import (
	"strings"
	"time"
)

// Priority is the urgency assigned to a case by the triage classifier.
type Priority string

const (
	PriorityRoutine   Priority = "routine"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// ConfidenceLevel grades the certainty of a generated SOAP report.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ParseConfidenceLevel normalises a model-provided level. The second return
// value is false for anything outside high/medium/low.
func ParseConfidenceLevel(s string) (ConfidenceLevel, bool) {
	switch ConfidenceLevel(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh, true
	case ConfidenceMedium:
		return ConfidenceMedium, true
	case ConfidenceLow:
		return ConfidenceLow, true
	default:
		return "", false
	}
}

// PatientIntake is the raw request that starts a pipeline run.
type PatientIntake struct {
	PatientID string `json:"patient_id" binding:"required"`
	RawInput  string `json:"raw_input" binding:"required"`
	SessionID string `json:"session_id,omitempty"`
}

// StructuredPatientData is produced by the intake stage from free text.
type StructuredPatientData struct {
	PatientID      string         `json:"patient_id"`
	ChiefComplaint string         `json:"chief_complaint"`
	Symptoms       []string       `json:"symptoms"`
	Duration       string         `json:"duration,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	MedicalHistory []string       `json:"medical_history"`
	Medications    []string       `json:"medications"`
	Allergies      []string       `json:"allergies"`
	VitalSigns     map[string]any `json:"vital_signs,omitempty"`
}

// PatientHistoryEntry is one prior visit retrieved from case memory.
type PatientHistoryEntry struct {
	Timestamp      string   `json:"timestamp"`
	ChiefComplaint string   `json:"chief_complaint"`
	Symptoms       []string `json:"symptoms"`
	Assessment     string   `json:"assessment"`
}

// ClinicalSummary condenses the structured intake and history.
type ClinicalSummary struct {
	ConciseSummary      string   `json:"concise_summary"`
	KeyFindings         []string `json:"key_findings"`
	RiskFactors         []string `json:"risk_factors"`
	SuggestedFocusAreas []string `json:"suggested_focus_areas"`
}

// SimilarCase is a prior case returned by similarity search.
type SimilarCase struct {
	Score          float64  `json:"score"`
	PatientID      string   `json:"patient_id"`
	Timestamp      string   `json:"timestamp,omitempty"`
	ChiefComplaint string   `json:"chief_complaint"`
	Symptoms       []string `json:"symptoms"`
	Assessment     string   `json:"assessment"`
}

// KnowledgeContext carries medical knowledge and similar cases for a case.
type KnowledgeContext struct {
	RelevantConditions []string      `json:"relevant_conditions"`
	ClinicalGuidelines []string      `json:"clinical_guidelines"`
	SimilarCases       []SimilarCase `json:"similar_cases"`
	ConfidenceScore    float64       `json:"confidence_score"`
}

// SOAPReport is the terminal artifact of a successful run.
type SOAPReport struct {
	PatientID       string          `json:"patient_id"`
	Subjective      string          `json:"subjective"`
	Objective       string          `json:"objective"`
	Assessment      string          `json:"assessment"`
	Plan            string          `json:"plan"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level"`
	Flags           []string        `json:"flags"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// ReportInput bundles every prior stage output for report composition.
type ReportInput struct {
	Patient   StructuredPatientData `json:"patient"`
	History   []PatientHistoryEntry `json:"history"`
	Summary   ClinicalSummary       `json:"summary"`
	Knowledge KnowledgeContext      `json:"knowledge"`
	Priority  Priority              `json:"priority"`
}

// CasePayload is the clinical content persisted for a finished case.
type CasePayload struct {
	ChiefComplaint string   `json:"chief_complaint"`
	Symptoms       []string `json:"symptoms"`
	MedicalHistory []string `json:"medical_history"`
	Assessment     string   `json:"assessment"`
}

// SearchableText is the text embedded for similarity search.
func (p CasePayload) SearchableText() string {
	parts := make([]string, 0, 4)
	if p.ChiefComplaint != "" {
		parts = append(parts, "Chief complaint: "+p.ChiefComplaint)
	}
	if len(p.Symptoms) > 0 {
		parts = append(parts, "Symptoms: "+strings.Join(p.Symptoms, ", "))
	}
	if len(p.MedicalHistory) > 0 {
		parts = append(parts, "Medical history: "+strings.Join(p.MedicalHistory, ", "))
	}
	if p.Assessment != "" {
		parts = append(parts, "Assessment: "+p.Assessment)
	}
	return strings.Join(parts, " | ")
}

// SimilarityQuery parameterises a similarity search over stored cases.
type SimilarityQuery struct {
	Text           string  `json:"query" binding:"required"`
	Limit          int     `json:"limit"`
	ScoreThreshold float64 `json:"score_threshold"`
	PatientID      string  `json:"patient_id,omitempty"`
}

// MemoryStats describes the case memory collection.
type MemoryStats struct {
	TotalCases      int64  `json:"total_cases"`
	VectorDimension int    `json:"vector_dimension"`
	Status          string `json:"status"`
}
