package inference

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/orchestration"
)

const intakeSystemPrompt = `You are a medical intake specialist. Your job is to extract structured patient information from conversational text.

Extract the following information:
- Chief complaint (primary reason for visit)
- Symptoms (list all mentioned symptoms)
- Duration (how long symptoms have been present)
- Severity (mild/moderate/severe)
- Medical history (any past conditions mentioned)
- Current medications
- Known allergies
- Vital signs (if mentioned: BP, heart rate, temperature, etc.)

Return ONLY a valid JSON object with these exact fields:
{
    "chief_complaint": "string",
    "symptoms": ["symptom1", "symptom2"],
    "duration": "string or null",
    "severity": "string or null",
    "medical_history": ["condition1"],
    "medications": ["med1"],
    "allergies": ["allergy1"],
    "vital_signs": {"bp": "120/80", "hr": 75} or null
}

If information is not provided, use empty lists [] or null. Be precise and clinical.`

const summarySystemPrompt = `You are an expert clinical summarizer. Create a concise, accurate clinical summary from structured patient data and any previous visits.

Your summary should:
1. Be clear and professional
2. Highlight the most important clinical information
3. Identify potential risk factors
4. Suggest areas that need clinical focus

Return ONLY a valid JSON object:
{
    "concise_summary": "2-3 sentence clinical summary",
    "key_findings": ["finding1", "finding2"],
    "risk_factors": ["risk1", "risk2"],
    "suggested_focus_areas": ["area1", "area2"]
}

Be objective and evidence-based. Only include information provided in the patient data.`

const knowledgeSystemPrompt = `You are a medical knowledge expert. Based on the clinical summary, identify:

1. Relevant medical conditions that could explain the symptoms
2. Clinical guidelines that should be considered
3. Important differential diagnoses

Return ONLY a valid JSON object:
{
    "relevant_conditions": ["condition1", "condition2"],
    "clinical_guidelines": ["guideline1", "guideline2"],
    "confidence_score": 0.85
}

Be evidence-based and consider common as well as serious conditions.
Confidence score should be 0.0-1.0 based on how specific the symptoms are.`

const reportSystemPrompt = `You are an expert medical report writer. Generate a comprehensive SOAP format clinical report.

SOAP Format:
- Subjective: Patient's description of symptoms and history (in their words)
- Objective: Measurable clinical findings (vitals, observations)
- Assessment: Your clinical assessment and differential diagnosis
- Plan: Recommended treatment plan and next steps

Return ONLY a valid JSON object:
{
    "subjective": "Detailed subjective section",
    "objective": "Detailed objective section",
    "assessment": "Detailed assessment section",
    "plan": "Detailed plan section",
    "confidence_level": "high|medium|low",
    "flags": ["flag1", "flag2"]
}

Include any important alerts in the flags field (e.g., "High blood pressure", "Drug interaction risk").
Be thorough, professional, and clinically accurate.`

const querySystemPrompt = `You are a medical AI assistant helping a doctor review patient history.

You will be given:
1. A doctor's question about a patient
2. Relevant historical patient data retrieved from medical records

Your task:
- Answer the question accurately using ONLY the provided patient data
- Be concise and clinical in your language
- If the data doesn't contain the answer, say "The available records don't contain information about [topic]"
- Do NOT make up information or speculate
- Cite specific visits when relevant (e.g., "In the visit on March 15, 2024...")

Format your response professionally, as if speaking to another clinician.`

func intakeUserPrompt(raw string) string {
	return "Patient intake text:\n\n" + raw
}

func summaryUserPrompt(data models.StructuredPatientData, history []models.PatientHistoryEntry) string {
	var b strings.Builder
	b.WriteString("Patient Data:\n")
	writePatient(&b, data)
	b.WriteString("\nPrevious Visits:\n")
	b.WriteString(orchestration.FormatHistorySummary(history, 0))
	b.WriteString("\n\nGenerate clinical summary:")
	return b.String()
}

func knowledgeUserPrompt(summary models.ClinicalSummary) string {
	risks := "None identified"
	if len(summary.RiskFactors) > 0 {
		risks = strings.Join(summary.RiskFactors, "\n- ")
	}
	return fmt.Sprintf("Clinical Summary:\n%s\n\nKey Findings:\n%s\n\nRisk Factors:\n%s\n\nProvide relevant medical knowledge:",
		summary.ConciseSummary,
		strings.Join(summary.KeyFindings, "\n- "),
		risks,
	)
}

func reportUserPrompt(in models.ReportInput) string {
	var b strings.Builder
	b.WriteString("Generate SOAP report from:\n\nPATIENT DATA:\n")
	fmt.Fprintf(&b, "- Patient ID: %s\n", in.Patient.PatientID)
	writePatient(&b, in.Patient)
	fmt.Fprintf(&b, "- Case Priority: %s\n", in.Priority)

	b.WriteString("\nCLINICAL SUMMARY:\n")
	b.WriteString(in.Summary.ConciseSummary)

	b.WriteString("\n\nKNOWLEDGE CONTEXT:\n")
	fmt.Fprintf(&b, "- Relevant Conditions: %s\n", listOrNone(in.Knowledge.RelevantConditions))
	fmt.Fprintf(&b, "- Guidelines: %s\n", listOrNone(in.Knowledge.ClinicalGuidelines))
	fmt.Fprintf(&b, "- Confidence: %.2f\n", in.Knowledge.ConfidenceScore)
	if len(in.Knowledge.SimilarCases) > 0 {
		b.WriteString("- Similar Cases:\n")
		for _, c := range in.Knowledge.SimilarCases {
			fmt.Fprintf(&b, "  * (%.2f) %s: %s\n", c.Score, c.ChiefComplaint, c.Assessment)
		}
	}

	b.WriteString("\nPATIENT HISTORY:\n")
	b.WriteString(orchestration.FormatHistorySummary(in.History, 0))
	b.WriteString("\n\nGenerate SOAP report:")
	return b.String()
}

func queryUserPrompt(question, records string) string {
	return fmt.Sprintf("Question: %s\n\nRetrieved Patient Data:\n%s\n\nPlease answer the doctor's question based on the available patient data:", question, records)
}

func writePatient(b *strings.Builder, data models.StructuredPatientData) {
	fmt.Fprintf(b, "- Chief Complaint: %s\n", data.ChiefComplaint)
	fmt.Fprintf(b, "- Symptoms: %s\n", listOrNone(data.Symptoms))
	fmt.Fprintf(b, "- Duration: %s\n", orUnknown(data.Duration))
	fmt.Fprintf(b, "- Severity: %s\n", orUnknown(data.Severity))
	fmt.Fprintf(b, "- Medical History: %s\n", listOrNone(data.MedicalHistory))
	fmt.Fprintf(b, "- Medications: %s\n", listOrNone(data.Medications))
	fmt.Fprintf(b, "- Allergies: %s\n", listOrNone(data.Allergies))
	fmt.Fprintf(b, "- Vital Signs: %s\n", formatVitals(data.VitalSigns))
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not specified"
	}
	return s
}

func formatVitals(v map[string]any) string {
	if len(v) == 0 {
		return "Not recorded"
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v[k]))
	}
	return strings.Join(parts, ", ")
}
