package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
)

// ErrEmptyQuestion is returned by QueryService.Ask for a blank question.
var ErrEmptyQuestion = errors.New("question is required")

const noDataAnswer = "No relevant patient data found to answer this question."

// Answerer generates a free-text answer grounded in the supplied records.
type Answerer interface {
	Answer(ctx context.Context, question, records string) (string, error)
}

// Question is a clinician's question about stored cases. Without a
// PatientID the question is matched against every stored case.
type Question struct {
	Text      string `json:"question" binding:"required"`
	PatientID string `json:"patient_id,omitempty"`
}

// Source is a record that informed an answer.
type Source struct {
	Timestamp      string  `json:"timestamp"`
	ChiefComplaint string  `json:"chief_complaint"`
	Score          float64 `json:"score"`
}

// Answer is the result of QueryService.Ask.
type Answer struct {
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	PatientID string   `json:"patient_id,omitempty"`
	Sources   []Source `json:"sources"`
	Mode      string   `json:"mode"`
}

// QueryService answers questions over case memory outside the pipeline.
type QueryService struct {
	memory    Memory
	answerer  Answerer
	limit     int
	threshold float64
	retry     retry.Policy
	log       *logger.Logger
}

// NewQueryService returns a service retrieving up to limit records, with
// threshold applied to cross-patient similarity search.
func NewQueryService(log *logger.Logger, memory Memory, answerer Answerer, limit int, threshold float64, policy retry.Policy) (*QueryService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if memory == nil {
		return nil, fmt.Errorf("memory required")
	}
	if answerer == nil {
		return nil, fmt.Errorf("answerer required")
	}
	if limit <= 0 {
		limit = 5
	}
	return &QueryService{
		memory:    memory,
		answerer:  answerer,
		limit:     limit,
		threshold: threshold,
		retry:     policy,
		log:       log,
	}, nil
}

// Ask retrieves the patient's history, or similar cases when no patient is
// named, and asks the answerer to respond from those records only.
func (s *QueryService) Ask(ctx context.Context, q Question) (Answer, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Answer{}, ErrEmptyQuestion
	}
	out := Answer{Question: text, PatientID: q.PatientID, Sources: []Source{}}

	var records []models.PatientHistoryEntry
	if q.PatientID != "" {
		out.Mode = "patient_history"
		history, err := retry.Run(ctx, s.retry, func(ctx context.Context) ([]models.PatientHistoryEntry, error) {
			return s.memory.GetHistory(ctx, q.PatientID, s.limit)
		})
		if err != nil {
			return Answer{}, fmt.Errorf("%w: %w", ErrMemoryUnavailable, err)
		}
		records = history
		for _, h := range history {
			out.Sources = append(out.Sources, Source{Timestamp: h.Timestamp, ChiefComplaint: h.ChiefComplaint, Score: 1.0})
		}
	} else {
		out.Mode = "similarity_search"
		matches, err := retry.Run(ctx, s.retry, func(ctx context.Context) ([]models.SimilarCase, error) {
			return s.memory.SearchSimilar(ctx, models.SimilarityQuery{
				Text:           text,
				Limit:          s.limit,
				ScoreThreshold: s.threshold,
			})
		})
		if err != nil {
			return Answer{}, fmt.Errorf("%w: %w", ErrMemoryUnavailable, err)
		}
		for _, m := range matches {
			records = append(records, models.PatientHistoryEntry{
				Timestamp:      m.Timestamp,
				ChiefComplaint: m.ChiefComplaint,
				Symptoms:       m.Symptoms,
				Assessment:     m.Assessment,
			})
			out.Sources = append(out.Sources, Source{Timestamp: m.Timestamp, ChiefComplaint: m.ChiefComplaint, Score: m.Score})
		}
	}

	if len(records) == 0 {
		out.Answer = noDataAnswer
		return out, nil
	}

	answer, err := retry.Run(ctx, s.retry, func(ctx context.Context) (string, error) {
		return s.answerer.Answer(ctx, text, RecordsContext(records))
	})
	if err != nil {
		return Answer{}, &ExtractionError{Stage: "query", Err: err}
	}
	out.Answer = strings.TrimSpace(answer)

	s.log.Info("question answered",
		"patient_id", q.PatientID,
		"mode", out.Mode,
		"sources", len(out.Sources),
	)
	return out, nil
}

// RecordsContext formats retrieved visits as the grounding text of a query.
func RecordsContext(records []models.PatientHistoryEntry) string {
	if len(records) == 0 {
		return "No historical patient data available."
	}
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\n--- Visit %d (%s) ---\n", i+1, orUnknown(r.Timestamp))
		b.WriteString("Chief Complaint: " + orNA(r.ChiefComplaint) + "\n")
		if len(r.Symptoms) > 0 {
			b.WriteString("Symptoms: " + strings.Join(r.Symptoms, ", ") + "\n")
		}
		b.WriteString("Assessment: " + orNA(r.Assessment))
	}
	return b.String()
}

func orUnknown(ts string) string {
	if ts == "" {
		return "Unknown date"
	}
	return ts
}
