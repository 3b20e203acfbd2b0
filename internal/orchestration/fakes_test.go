package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
)

var errUpstream = errors.New("upstream unavailable")

// noRetry keeps tests free of backoff sleeps.
func noRetry() retry.Policy {
	return retry.Policy{Name: "test", MaxRetries: 0}
}

type fakeInference struct {
	mu    sync.Mutex
	calls map[string]int

	extract   func(raw string) (models.StructuredPatientData, error)
	summarize func(data models.StructuredPatientData, history []models.PatientHistoryEntry) (models.ClinicalSummary, error)
	knowledge func(summary models.ClinicalSummary) (models.KnowledgeContext, error)
	report    func(in models.ReportInput) (models.SOAPReport, error)
}

func newFakeInference() *fakeInference {
	return &fakeInference{calls: make(map[string]int)}
}

func (f *fakeInference) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeInference) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeInference) Extract(_ context.Context, raw string) (models.StructuredPatientData, error) {
	f.hit("extract")
	if f.extract != nil {
		return f.extract(raw)
	}
	return models.StructuredPatientData{
		ChiefComplaint: "mild headache",
		Symptoms:       []string{"headache"},
		Severity:       "mild",
		MedicalHistory: []string{},
		Medications:    []string{},
		Allergies:      []string{},
	}, nil
}

func (f *fakeInference) Summarize(_ context.Context, data models.StructuredPatientData, history []models.PatientHistoryEntry) (models.ClinicalSummary, error) {
	f.hit("summarize")
	if f.summarize != nil {
		return f.summarize(data, history)
	}
	return models.ClinicalSummary{
		ConciseSummary: "Patient with " + data.ChiefComplaint,
		KeyFindings:    []string{data.ChiefComplaint},
		RiskFactors:    []string{},
	}, nil
}

func (f *fakeInference) RetrieveKnowledge(_ context.Context, summary models.ClinicalSummary, _ models.StructuredPatientData) (models.KnowledgeContext, error) {
	f.hit("knowledge")
	if f.knowledge != nil {
		return f.knowledge(summary)
	}
	return models.KnowledgeContext{
		RelevantConditions: []string{"tension headache"},
		ClinicalGuidelines: []string{"assess red flags"},
		ConfidenceScore:    0.85,
	}, nil
}

func (f *fakeInference) ComposeReport(_ context.Context, in models.ReportInput) (models.SOAPReport, error) {
	f.hit("report")
	if f.report != nil {
		return f.report(in)
	}
	return models.SOAPReport{
		Subjective:      in.Patient.ChiefComplaint,
		Objective:       "unremarkable",
		Assessment:      "likely tension headache",
		Plan:            "rest and hydration",
		ConfidenceLevel: models.ConfidenceHigh,
		Flags:           []string{},
	}, nil
}

type storedCase struct {
	PatientID string
	Payload   models.CasePayload
	SessionID string
}

type fakeMemory struct {
	mu sync.Mutex

	history    []models.PatientHistoryEntry
	historyErr error
	similar    []models.SimilarCase
	searchErr  error
	storeErr   error

	stored   []storedCase
	queries  []models.SimilarityQuery
	limits   []int
	searches int
}

func (m *fakeMemory) StoreCase(_ context.Context, patientID string, payload models.CasePayload, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return "", m.storeErr
	}
	m.stored = append(m.stored, storedCase{PatientID: patientID, Payload: payload, SessionID: sessionID})
	return "record-" + patientID, nil
}

func (m *fakeMemory) SearchSimilar(_ context.Context, q models.SimilarityQuery) ([]models.SimilarCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++
	m.queries = append(m.queries, q)
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.similar, nil
}

func (m *fakeMemory) GetHistory(_ context.Context, _ string, limit int) ([]models.PatientHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = append(m.limits, limit)
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *fakeMemory) GetStats(context.Context) (models.MemoryStats, error) {
	return models.MemoryStats{TotalCases: int64(len(m.stored)), VectorDimension: 384, Status: "green"}, nil
}

// keywordInference extracts a chief complaint and symptoms from the raw text
// by looking for a few phrases.
func keywordInference() *fakeInference {
	f := newFakeInference()
	f.extract = func(raw string) (models.StructuredPatientData, error) {
		lower := strings.ToLower(raw)
		data := models.StructuredPatientData{
			MedicalHistory: []string{},
			Medications:    []string{},
			Allergies:      []string{},
		}
		for _, phrase := range []string{"severe chest pain", "shortness of breath", "mild headache", "nausea"} {
			if strings.Contains(lower, phrase) {
				if data.ChiefComplaint == "" {
					data.ChiefComplaint = phrase
				}
				data.Symptoms = append(data.Symptoms, phrase)
			}
		}
		if strings.Contains(lower, "3/10") {
			data.Severity = "mild"
		}
		return data, nil
	}
	return f
}

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}
