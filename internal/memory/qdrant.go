// Package memory stores finished cases in a Qdrant collection and serves
// similarity search and per-patient history from it.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/config"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

const (
	maxErrorBodyBytes   = 1024
	maxResponseBytes    = 10 << 20
	scrollPageSize      = 100
	maxScrollPoints     = 1000
	defaultSearchLimit  = 5
	defaultHistoryLimit = 10
)

var pointIDNamespaceUUID = uuid.MustParse("6f1c3d2e-8a4b-5c7d-9e0f-1a2b3c4d5e6f")

// Embedder turns text into vectors of the collection's dimension.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// QdrantStore implements orchestration.Memory over the Qdrant REST API.
type QdrantStore struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	collection string
	vectorDim  int
	http       *http.Client
	embedder   Embedder
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
	now        func() time.Time
}

// NewQdrantStore validates cfg and builds a store. It does not contact
// Qdrant; call EnsureCollection at startup.
func NewQdrantStore(log *logger.Logger, cfg config.MemoryConfig, embedder Embedder) (*QdrantStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.QdrantURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing qdrant url")
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		return nil, fmt.Errorf("missing qdrant collection")
	}
	if cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("qdrant vector dimension must be positive, got %d", cfg.VectorDim)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	storeLog := log.With("service", "QdrantCaseStore", "collection", collection)
	settings := gobreaker.Settings{
		Name:        "qdrant",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			storeLog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return !tripsBreaker(err)
		},
	}

	return &QdrantStore{
		log:        storeLog,
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		collection: collection,
		vectorDim:  cfg.VectorDim,
		http:       &http.Client{Timeout: timeout},
		embedder:   embedder,
		tracer:     otel.Tracer("case-memory"),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		now:        time.Now,
	}, nil
}

// SetHTTPClient replaces the transport, for tests.
func (s *QdrantStore) SetHTTPClient(hc *http.Client) {
	s.http = hc
}

// IsReady checks the Qdrant readiness endpoint.
func (s *QdrantStore) IsReady(ctx context.Context) error {
	const op = "ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	s.setHeaders(ctx, req)
	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", resp.StatusCode),
		}
	}
	return nil
}

type collectionInfo struct {
	Status      string `json:"status"`
	PointsCount *int64 `json:"points_count"`
	Config      struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

// EnsureCollection creates the case collection (cosine distance) and its
// patient_id index when missing. An existing collection with another
// vector size is rejected.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"
	ctx, span := s.tracer.Start(ctx, "memory.ensure_collection")
	defer span.End()

	var info collectionInfo
	err := s.call(ctx, op, http.MethodGet, s.collectionPath(""), nil, &info)
	if err == nil {
		size := info.Config.Params.Vectors.Size
		if size != 0 && size != s.vectorDim {
			err = &OperationError{
				Code:      OperationErrorValidation,
				Operation: op,
				Message:   fmt.Sprintf("qdrant collection %q vector size mismatch: expected=%d actual=%d", s.collection, s.vectorDim, size),
			}
			s.fail(span, op, err)
			return err
		}
		return nil
	}

	var oe *OperationError
	if !errors.As(err, &oe) || oe.StatusCode != http.StatusNotFound {
		s.fail(span, op, err)
		return err
	}

	create := map[string]any{
		"vectors": map[string]any{
			"size":     s.vectorDim,
			"distance": "Cosine",
		},
	}
	if err := s.call(ctx, op, http.MethodPut, s.collectionPath(""), create, nil); err != nil {
		s.fail(span, op, err)
		return err
	}
	index := map[string]any{
		"field_name":   "patient_id",
		"field_schema": "keyword",
	}
	if err := s.call(ctx, op, http.MethodPut, s.collectionPath("/index?wait=true"), index, nil); err != nil {
		s.fail(span, op, err)
		return err
	}
	s.log.Info("created qdrant collection", "vector_dim", s.vectorDim)
	return nil
}

type storedPayload struct {
	PatientID      string   `json:"patient_id"`
	SessionID      string   `json:"session_id"`
	Timestamp      string   `json:"timestamp"`
	ChiefComplaint string   `json:"chief_complaint"`
	Symptoms       []string `json:"symptoms"`
	MedicalHistory []string `json:"medical_history"`
	Assessment     string   `json:"assessment"`
	SearchableText string   `json:"searchable_text"`
}

type point struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload storedPayload `json:"payload"`
}

// StoreCase embeds the payload's searchable text and upserts one point.
// It returns the point ID.
func (s *QdrantStore) StoreCase(ctx context.Context, patientID string, payload models.CasePayload, sessionID string) (string, error) {
	const op = "store_case"
	ctx, span := s.tracer.Start(ctx, "memory.store_case")
	defer span.End()

	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		err := opErr(op, OperationErrorValidation, "patient id is required", nil)
		s.fail(span, op, err)
		return "", err
	}

	text := payload.SearchableText()
	vector, err := s.embedOne(ctx, op, text)
	if err != nil {
		s.fail(span, op, err)
		return "", err
	}

	ts := s.now().UTC().Format(time.RFC3339)
	id := s.pointID(patientID, sessionID, ts)
	body := map[string]any{
		"points": []point{{
			ID:     id,
			Vector: vector,
			Payload: storedPayload{
				PatientID:      patientID,
				SessionID:      sessionID,
				Timestamp:      ts,
				ChiefComplaint: payload.ChiefComplaint,
				Symptoms:       nonNil(payload.Symptoms),
				MedicalHistory: nonNil(payload.MedicalHistory),
				Assessment:     payload.Assessment,
				SearchableText: text,
			},
		}},
	}
	if err := s.call(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), body, nil); err != nil {
		s.fail(span, op, err)
		return "", err
	}
	span.SetAttributes(attribute.String("memory.point_id", id))
	s.log.Debug("stored case", "patient_id", patientID, "point_id", id)
	return id, nil
}

type scoredPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload storedPayload   `json:"payload"`
}

// SearchSimilar embeds q.Text and returns the closest cases, best first.
func (s *QdrantStore) SearchSimilar(ctx context.Context, q models.SimilarityQuery) ([]models.SimilarCase, error) {
	const op = "search_similar"
	ctx, span := s.tracer.Start(ctx, "memory.search_similar")
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		err := opErr(op, OperationErrorValidation, "query text is required", nil)
		s.fail(span, op, err)
		return nil, err
	}
	if q.ScoreThreshold < 0 || q.ScoreThreshold > 1 {
		err := opErr(op, OperationErrorValidation, fmt.Sprintf("score threshold %v outside [0,1]", q.ScoreThreshold), nil)
		s.fail(span, op, err)
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	span.SetAttributes(
		attribute.Int("memory.limit", limit),
		attribute.Float64("memory.score_threshold", q.ScoreThreshold),
		attribute.Bool("memory.patient_filter", q.PatientID != ""),
	)

	vector, err := s.embedOne(ctx, op, q.Text)
	if err != nil {
		s.fail(span, op, err)
		return nil, err
	}

	body := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": q.ScoreThreshold,
		"with_payload":    true,
		"with_vector":     false,
	}
	if pid := strings.TrimSpace(q.PatientID); pid != "" {
		body["filter"] = patientFilter(pid)
	}

	var hits []scoredPoint
	if err := s.call(ctx, op, http.MethodPost, s.collectionPath("/points/search"), body, &hits); err != nil {
		s.fail(span, op, err)
		return nil, err
	}

	out := make([]models.SimilarCase, 0, len(hits))
	for _, h := range hits {
		score := clampScore(h.Score)
		if score < q.ScoreThreshold {
			continue
		}
		out = append(out, models.SimilarCase{
			Score:          score,
			PatientID:      h.Payload.PatientID,
			Timestamp:      h.Payload.Timestamp,
			ChiefComplaint: h.Payload.ChiefComplaint,
			Symptoms:       nonNil(h.Payload.Symptoms),
			Assessment:     h.Payload.Assessment,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > limit {
		out = out[:limit]
	}
	span.SetAttributes(attribute.Int("memory.results", len(out)))
	return out, nil
}

type scrollResult struct {
	Points []struct {
		ID      json.RawMessage `json:"id"`
		Payload storedPayload   `json:"payload"`
	} `json:"points"`
	NextPageOffset json.RawMessage `json:"next_page_offset"`
}

// GetHistory returns a patient's stored cases, newest first. Qdrant scroll
// order is by point ID, so every page for the patient is read and sorted
// before the limit is applied.
func (s *QdrantStore) GetHistory(ctx context.Context, patientID string, limit int) ([]models.PatientHistoryEntry, error) {
	const op = "get_history"
	ctx, span := s.tracer.Start(ctx, "memory.get_history")
	defer span.End()

	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		err := opErr(op, OperationErrorValidation, "patient id is required", nil)
		s.fail(span, op, err)
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	entries := make([]models.PatientHistoryEntry, 0, limit)
	var offset json.RawMessage
	for len(entries) < maxScrollPoints {
		body := map[string]any{
			"filter":       patientFilter(patientID),
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if len(offset) > 0 {
			body["offset"] = offset
		}

		var page scrollResult
		if err := s.call(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), body, &page); err != nil {
			s.fail(span, op, err)
			return nil, err
		}
		for _, p := range page.Points {
			entries = append(entries, models.PatientHistoryEntry{
				Timestamp:      p.Payload.Timestamp,
				ChiefComplaint: p.Payload.ChiefComplaint,
				Symptoms:       nonNil(p.Payload.Symptoms),
				Assessment:     p.Payload.Assessment,
			})
		}
		next := strings.TrimSpace(string(page.NextPageOffset))
		if next == "" || next == "null" || len(page.Points) == 0 {
			break
		}
		offset = page.NextPageOffset
	}

	// RFC3339 UTC timestamps sort lexically.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	span.SetAttributes(attribute.Int("memory.results", len(entries)))
	return entries, nil
}

// GetStats reports the collection's size, vector dimension and status.
func (s *QdrantStore) GetStats(ctx context.Context) (models.MemoryStats, error) {
	const op = "get_stats"
	ctx, span := s.tracer.Start(ctx, "memory.get_stats")
	defer span.End()

	var info collectionInfo
	if err := s.call(ctx, op, http.MethodGet, s.collectionPath(""), nil, &info); err != nil {
		s.fail(span, op, err)
		return models.MemoryStats{}, err
	}
	stats := models.MemoryStats{
		VectorDimension: info.Config.Params.Vectors.Size,
		Status:          info.Status,
	}
	if info.PointsCount != nil {
		stats.TotalCases = *info.PointsCount
	}
	return stats, nil
}

func (s *QdrantStore) embedOne(ctx context.Context, op, text string) ([]float32, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s text: %w", op, err)
	}
	if len(vectors) != 1 {
		return nil, opErr(op, OperationErrorValidation, fmt.Sprintf("embedder returned %d vectors for 1 input", len(vectors)), nil)
	}
	if len(vectors[0]) != s.vectorDim {
		return nil, opErr(op, OperationErrorValidation, fmt.Sprintf("embedding dimension mismatch: expected=%d actual=%d", s.vectorDim, len(vectors[0])), nil)
	}
	return vectors[0], nil
}

// call runs one request through the circuit breaker.
func (s *QdrantStore) call(ctx context.Context, op, method, path string, in, out any) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.doJSON(ctx, op, method, path, in, out)
	})
	return wrapBreaker(op, err)
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

func (s *QdrantStore) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.setHeaders(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func (s *QdrantStore) setHeaders(ctx context.Context, req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func (s *QdrantStore) fail(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	s.log.Warn("qdrant operation failed", "operation", op, "error", err)
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(s.collection) + suffix
}

// pointID is a UUIDv5 over the patient, session and store time, so a
// replayed store of the same case at the same second overwrites itself.
func (s *QdrantStore) pointID(patientID, sessionID, ts string) string {
	return uuid.NewSHA1(pointIDNamespaceUUID, []byte(patientID+"|"+sessionID+"|"+ts)).String()
}

func patientFilter(patientID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{{
			"key":   "patient_id",
			"match": map[string]any{"value": patientID},
		}},
	}
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil && strings.TrimSpace(statusObject.Error) != "" {
		return strings.TrimSpace(statusObject.Error)
	}
	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

// clampScore keeps cosine similarity inside [0,1].
func clampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
