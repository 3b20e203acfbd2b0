package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCasePayload_SearchableText(t *testing.T) {
	tests := []struct {
		name     string
		payload  CasePayload
		expected string
	}{
		{
			name: "all fields",
			payload: CasePayload{
				ChiefComplaint: "headache",
				Symptoms:       []string{"nausea", "photophobia"},
				MedicalHistory: []string{"migraine"},
				Assessment:     "likely migraine",
			},
			expected: "Chief complaint: headache | Symptoms: nausea, photophobia | Medical history: migraine | Assessment: likely migraine",
		},
		{
			name:     "chief complaint only",
			payload:  CasePayload{ChiefComplaint: "cough"},
			expected: "Chief complaint: cough",
		},
		{
			name:     "empty",
			payload:  CasePayload{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.payload.SearchableText())
		})
	}
}

func TestParseConfidenceLevel(t *testing.T) {
	level, ok := ParseConfidenceLevel(" High ")
	assert.True(t, ok)
	assert.Equal(t, ConfidenceHigh, level)

	_, ok = ParseConfidenceLevel("certain")
	assert.False(t, ok)
}
