package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		data     models.StructuredPatientData
		expected models.Priority
	}{
		{
			name:     "emergency keyword in chief complaint",
			data:     models.StructuredPatientData{ChiefComplaint: "Severe CHEST PAIN radiating to arm"},
			expected: models.PriorityEmergency,
		},
		{
			name: "emergency keyword in symptom wins over mild severity and normal vitals",
			data: models.StructuredPatientData{
				ChiefComplaint: "feeling unwell",
				Symptoms:       []string{"fatigue", "sudden vision loss"},
				Severity:       "mild",
				VitalSigns:     map[string]any{"bp": "120/80", "hr": 70},
			},
			expected: models.PriorityEmergency,
		},
		{
			name:     "severe severity without keywords",
			data:     models.StructuredPatientData{ChiefComplaint: "back ache", Severity: "Severe"},
			expected: models.PriorityUrgent,
		},
		{
			name:     "severity must match exactly",
			data:     models.StructuredPatientData{ChiefComplaint: "back ache", Severity: "severe-ish"},
			expected: models.PriorityRoutine,
		},
		{
			name:     "urgent keyword",
			data:     models.StructuredPatientData{ChiefComplaint: "child with high fever"},
			expected: models.PriorityUrgent,
		},
		{
			name:     "high systolic",
			data:     models.StructuredPatientData{ChiefComplaint: "dizziness", VitalSigns: map[string]any{"bp": "190/85"}},
			expected: models.PriorityUrgent,
		},
		{
			name:     "low diastolic under full key name",
			data:     models.StructuredPatientData{ChiefComplaint: "dizziness", VitalSigns: map[string]any{"blood_pressure": "110/55"}},
			expected: models.PriorityUrgent,
		},
		{
			name:     "tachycardia",
			data:     models.StructuredPatientData{ChiefComplaint: "palpitations", VitalSigns: map[string]any{"heart_rate": 130.0}},
			expected: models.PriorityUrgent,
		},
		{
			name:     "bradycardia as string",
			data:     models.StructuredPatientData{ChiefComplaint: "tired", VitalSigns: map[string]any{"hr": "45"}},
			expected: models.PriorityUrgent,
		},
		{
			name:     "fever with unit suffix",
			data:     models.StructuredPatientData{ChiefComplaint: "chills", VitalSigns: map[string]any{"temp": "104.2°F"}},
			expected: models.PriorityUrgent,
		},
		{
			name:     "hypothermia with bare suffix",
			data:     models.StructuredPatientData{ChiefComplaint: "cold", VitalSigns: map[string]any{"temperature": "94F"}},
			expected: models.PriorityUrgent,
		},
		{
			name: "malformed vitals are ignored",
			data: models.StructuredPatientData{
				ChiefComplaint: "mild headache",
				VitalSigns:     map[string]any{"bp": "high", "hr": "fast", "temp": []int{1}},
			},
			expected: models.PriorityRoutine,
		},
		{
			name: "blank abbreviated key falls back to the long form",
			data: models.StructuredPatientData{
				ChiefComplaint: "dizziness",
				VitalSigns:     map[string]any{"bp": "", "blood_pressure": "190/100"},
			},
			expected: models.PriorityUrgent,
		},
		{
			name: "unparseable abbreviated readings fall back to the long forms",
			data: models.StructuredPatientData{
				ChiefComplaint: "tired",
				VitalSigns:     map[string]any{"hr": "n/a", "heart_rate": 40, "temp": nil, "temperature": "98.6"},
			},
			expected: models.PriorityUrgent,
		},
		{
			name: "abbreviated reading wins when both parse",
			data: models.StructuredPatientData{
				ChiefComplaint: "check-up",
				VitalSigns:     map[string]any{"bp": "120/80", "blood_pressure": "200/130"},
			},
			expected: models.PriorityRoutine,
		},
		{
			name: "normal vitals are routine",
			data: models.StructuredPatientData{
				ChiefComplaint: "mild headache",
				Symptoms:       []string{"headache"},
				Severity:       "mild",
				VitalSigns:     map[string]any{"bp": "120/80", "hr": 72, "temp": "98.6°F"},
			},
			expected: models.PriorityRoutine,
		},
		{
			name:     "no data at all",
			data:     models.StructuredPatientData{},
			expected: models.PriorityRoutine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.data))
		})
	}
}

func TestClassify_EveryEmergencyKeyword(t *testing.T) {
	for _, kw := range emergencyKeywords {
		t.Run(kw, func(t *testing.T) {
			data := models.StructuredPatientData{
				ChiefComplaint: "routine visit",
				Symptoms:       []string{"reports " + kw + " since morning"},
				Severity:       "mild",
				VitalSigns:     map[string]any{"bp": "200/130"},
			}
			assert.Equal(t, models.PriorityEmergency, Classify(data))
		})
	}
}

func TestClassify_BoundaryVitalsAreNormal(t *testing.T) {
	data := models.StructuredPatientData{
		ChiefComplaint: "check-up",
		VitalSigns:     map[string]any{"bp": "180/120", "hr": 120, "temp": 103.0},
	}
	assert.Equal(t, models.PriorityRoutine, Classify(data))

	data.VitalSigns = map[string]any{"bp": "90/60", "hr": 50, "temp": "95"}
	assert.Equal(t, models.PriorityRoutine, Classify(data))
}

func TestNeedsEnhancedAnalysis(t *testing.T) {
	similar := []models.SimilarCase{{Score: 0.8, PatientID: "P-2"}}

	tests := []struct {
		name      string
		knowledge *models.KnowledgeContext
		summary   *models.ClinicalSummary
		expected  bool
	}{
		{
			name:      "missing knowledge",
			knowledge: nil,
			summary:   &models.ClinicalSummary{},
			expected:  false,
		},
		{
			name:      "missing summary",
			knowledge: &models.KnowledgeContext{ConfidenceScore: 0.1},
			summary:   nil,
			expected:  false,
		},
		{
			name:      "low confidence regardless of other fields",
			knowledge: &models.KnowledgeContext{ConfidenceScore: 0.49, SimilarCases: similar},
			summary:   &models.ClinicalSummary{},
			expected:  true,
		},
		{
			name:      "many risk factors",
			knowledge: &models.KnowledgeContext{ConfidenceScore: 0.9, SimilarCases: similar},
			summary:   &models.ClinicalSummary{RiskFactors: []string{"a", "b", "c", "d"}},
			expected:  true,
		},
		{
			name:      "no similar cases and moderate confidence",
			knowledge: &models.KnowledgeContext{ConfidenceScore: 0.65},
			summary:   &models.ClinicalSummary{},
			expected:  true,
		},
		{
			name:      "no similar cases but confident",
			knowledge: &models.KnowledgeContext{ConfidenceScore: 0.7},
			summary:   &models.ClinicalSummary{RiskFactors: []string{"a", "b", "c"}},
			expected:  false,
		},
		{
			name:      "supported and confident",
			knowledge: &models.KnowledgeContext{ConfidenceScore: 0.6, SimilarCases: similar},
			summary:   &models.ClinicalSummary{RiskFactors: []string{"smoker"}},
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NeedsEnhancedAnalysis(tt.knowledge, tt.summary))
		})
	}
}
