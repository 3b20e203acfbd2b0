package inference

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

// Extract turns free intake text into structured patient data.
func (c *Client) Extract(ctx context.Context, rawInput string) (models.StructuredPatientData, error) {
	content, err := c.complete(ctx, "extract", c.stages.Intake, intakeSystemPrompt, intakeUserPrompt(rawInput), true)
	if err != nil {
		return models.StructuredPatientData{}, err
	}

	var out models.StructuredPatientData
	if err := decodeJSON(content, &out); err != nil {
		return models.StructuredPatientData{}, err
	}
	if strings.TrimSpace(out.ChiefComplaint) == "" {
		return models.StructuredPatientData{}, malformed("chief_complaint is empty")
	}
	out.Symptoms = nonNil(out.Symptoms)
	out.MedicalHistory = nonNil(out.MedicalHistory)
	out.Medications = nonNil(out.Medications)
	out.Allergies = nonNil(out.Allergies)
	return out, nil
}

// Summarize condenses structured data and prior visits.
func (c *Client) Summarize(ctx context.Context, data models.StructuredPatientData, history []models.PatientHistoryEntry) (models.ClinicalSummary, error) {
	content, err := c.complete(ctx, "summarize", c.stages.Summary, summarySystemPrompt, summaryUserPrompt(data, history), true)
	if err != nil {
		return models.ClinicalSummary{}, err
	}

	var out models.ClinicalSummary
	if err := decodeJSON(content, &out); err != nil {
		return models.ClinicalSummary{}, err
	}
	if strings.TrimSpace(out.ConciseSummary) == "" {
		return models.ClinicalSummary{}, malformed("concise_summary is empty")
	}
	out.KeyFindings = nonNil(out.KeyFindings)
	out.RiskFactors = nonNil(out.RiskFactors)
	out.SuggestedFocusAreas = nonNil(out.SuggestedFocusAreas)
	return out, nil
}

// RetrieveKnowledge returns conditions and guidelines for a summary. Similar
// cases are left empty; they come from case memory.
func (c *Client) RetrieveKnowledge(ctx context.Context, summary models.ClinicalSummary, _ models.StructuredPatientData) (models.KnowledgeContext, error) {
	content, err := c.complete(ctx, "retrieve_knowledge", c.stages.Knowledge, knowledgeSystemPrompt, knowledgeUserPrompt(summary), true)
	if err != nil {
		return models.KnowledgeContext{}, err
	}

	var out models.KnowledgeContext
	if err := decodeJSON(content, &out); err != nil {
		return models.KnowledgeContext{}, err
	}
	if out.ConfidenceScore < 0 || out.ConfidenceScore > 1 {
		return models.KnowledgeContext{}, malformed("confidence_score %v outside [0,1]", out.ConfidenceScore)
	}
	out.RelevantConditions = nonNil(out.RelevantConditions)
	out.ClinicalGuidelines = nonNil(out.ClinicalGuidelines)
	out.SimilarCases = []models.SimilarCase{}
	return out, nil
}

type reportReply struct {
	Subjective      string   `json:"subjective"`
	Objective       string   `json:"objective"`
	Assessment      string   `json:"assessment"`
	Plan            string   `json:"plan"`
	ConfidenceLevel string   `json:"confidence_level"`
	Flags           []string `json:"flags"`
}

// ComposeReport writes the SOAP report from every prior stage output.
func (c *Client) ComposeReport(ctx context.Context, in models.ReportInput) (models.SOAPReport, error) {
	content, err := c.complete(ctx, "compose_report", c.stages.Report, reportSystemPrompt, reportUserPrompt(in), true)
	if err != nil {
		return models.SOAPReport{}, err
	}

	var reply reportReply
	if err := decodeJSON(content, &reply); err != nil {
		return models.SOAPReport{}, err
	}
	level, ok := models.ParseConfidenceLevel(reply.ConfidenceLevel)
	if !ok {
		return models.SOAPReport{}, malformed("confidence_level %q", reply.ConfidenceLevel)
	}
	if strings.TrimSpace(reply.Assessment) == "" {
		return models.SOAPReport{}, malformed("assessment is empty")
	}

	return models.SOAPReport{
		PatientID:       in.Patient.PatientID,
		Subjective:      reply.Subjective,
		Objective:       reply.Objective,
		Assessment:      reply.Assessment,
		Plan:            reply.Plan,
		ConfidenceLevel: level,
		Flags:           nonNil(reply.Flags),
	}, nil
}

// Answer responds to a clinician question using only the given records.
func (c *Client) Answer(ctx context.Context, question, records string) (string, error) {
	return c.complete(ctx, "answer", c.stages.Query, querySystemPrompt, queryUserPrompt(question, records), false)
}

// decodeJSON parses a model reply, tolerating a markdown code fence around
// the object.
func decodeJSON(content string, out any) error {
	body := stripCodeFence(content)
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return malformed("%v", err)
	}
	return nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
