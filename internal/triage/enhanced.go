package triage

import "github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"

const (
	lowConfidence          = 0.5
	unsupportedConfidence  = 0.7
	maxRiskFactorsForRoute = 3
)

// NeedsEnhancedAnalysis flags cases with low knowledge confidence, many risk
// factors, or no similar cases to back a moderate confidence. It is false
// until both knowledge and summary exist.
func NeedsEnhancedAnalysis(knowledge *models.KnowledgeContext, summary *models.ClinicalSummary) bool {
	if knowledge == nil || summary == nil {
		return false
	}
	if knowledge.ConfidenceScore < lowConfidence {
		return true
	}
	if len(summary.RiskFactors) > maxRiskFactorsForRoute {
		return true
	}
	return len(knowledge.SimilarCases) == 0 && knowledge.ConfidenceScore < unsupportedConfidence
}
