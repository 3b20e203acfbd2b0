package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/config"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	dim    int
	err    error
	inputs []string
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, inputs...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Body   map[string]any
}

func newTestStore(t *testing.T, embedder Embedder, roundTrip func(*http.Request) (*http.Response, error)) (*QdrantStore, *[]recordedRequest) {
	t.Helper()
	if embedder == nil {
		embedder = &fakeEmbedder{dim: 3}
	}
	store, err := NewQdrantStore(logger.NewNop(), config.MemoryConfig{
		QdrantURL:  "http://qdrant.local/",
		APIKey:     "secret",
		Collection: "patient_cases",
		VectorDim:  3,
	}, embedder)
	require.NoError(t, err)

	var mu sync.Mutex
	var recorded []recordedRequest
	store.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, APIKey: r.Header.Get("api-key")}
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				require.NoError(t, json.Unmarshal(raw, &rec.Body))
			}
		}
		mu.Lock()
		recorded = append(recorded, rec)
		mu.Unlock()
		return roundTrip(r)
	})})
	store.now = func() time.Time { return time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC) }
	return store, &recorded
}

func TestNewQdrantStore_Validation(t *testing.T) {
	emb := &fakeEmbedder{dim: 3}
	valid := config.MemoryConfig{QdrantURL: "http://q", Collection: "c", VectorDim: 3}

	_, err := NewQdrantStore(nil, valid, emb)
	assert.EqualError(t, err, "logger required")

	_, err = NewQdrantStore(logger.NewNop(), valid, nil)
	assert.EqualError(t, err, "embedder required")

	bad := valid
	bad.QdrantURL = " "
	_, err = NewQdrantStore(logger.NewNop(), bad, emb)
	assert.Error(t, err)

	bad = valid
	bad.Collection = ""
	_, err = NewQdrantStore(logger.NewNop(), bad, emb)
	assert.Error(t, err)

	bad = valid
	bad.VectorDim = 0
	_, err = NewQdrantStore(logger.NewNop(), bad, emb)
	assert.Error(t, err)
}

func TestStoreCase(t *testing.T) {
	emb := &fakeEmbedder{dim: 3}
	store, reqs := newTestStore(t, emb, func(*http.Request) (*http.Response, error) {
		return okResponse(t, map[string]any{"operation_id": 1, "status": "completed"}), nil
	})

	id, err := store.StoreCase(context.Background(), "P-1", models.CasePayload{
		ChiefComplaint: "chest pain",
		Symptoms:       []string{"chest pain", "sweating"},
		Assessment:     "rule out ACS",
	}, "S-9")
	require.NoError(t, err)
	assert.Equal(t, store.pointID("P-1", "S-9", "2025-03-15T09:30:00Z"), id)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/collections/patient_cases/points", req.Path)
	assert.Equal(t, "wait=true", req.Query)
	assert.Equal(t, "secret", req.APIKey)

	points := req.Body["points"].([]any)
	require.Len(t, points, 1)
	p := points[0].(map[string]any)
	assert.Equal(t, id, p["id"])
	assert.Len(t, p["vector"], 3)
	payload := p["payload"].(map[string]any)
	assert.Equal(t, "P-1", payload["patient_id"])
	assert.Equal(t, "S-9", payload["session_id"])
	assert.Equal(t, "2025-03-15T09:30:00Z", payload["timestamp"])
	assert.Equal(t, "chest pain", payload["chief_complaint"])
	assert.Equal(t, []any{}, payload["medical_history"])
	assert.Equal(t, "Chief complaint: chest pain | Symptoms: chest pain, sweating | Assessment: rule out ACS", payload["searchable_text"])
	assert.Equal(t, []string{payload["searchable_text"].(string)}, emb.inputs)
}

func TestStoreCase_Errors(t *testing.T) {
	t.Run("blank patient id", func(t *testing.T) {
		store, reqs := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
			t.Fatal("no request expected")
			return nil, nil
		})
		_, err := store.StoreCase(context.Background(), "  ", models.CasePayload{}, "")
		var oe *OperationError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, OperationErrorValidation, oe.Code)
		assert.False(t, retry.IsTransient(err))
		assert.Empty(t, *reqs)
	})

	t.Run("embedding dimension mismatch", func(t *testing.T) {
		store, _ := newTestStore(t, &fakeEmbedder{dim: 5}, func(*http.Request) (*http.Response, error) {
			t.Fatal("no request expected")
			return nil, nil
		})
		_, err := store.StoreCase(context.Background(), "P-1", models.CasePayload{ChiefComplaint: "x"}, "")
		var oe *OperationError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, OperationErrorValidation, oe.Code)
	})

	t.Run("embedder failure keeps cause", func(t *testing.T) {
		boom := errors.New("embeddings down")
		store, _ := newTestStore(t, &fakeEmbedder{dim: 3, err: boom}, func(*http.Request) (*http.Response, error) {
			t.Fatal("no request expected")
			return nil, nil
		})
		_, err := store.StoreCase(context.Background(), "P-1", models.CasePayload{ChiefComplaint: "x"}, "")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("server error is transient", func(t *testing.T) {
		store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
			return statusResponse(http.StatusServiceUnavailable, `{"status":{"error":"overloaded"}}`), nil
		})
		_, err := store.StoreCase(context.Background(), "P-1", models.CasePayload{ChiefComplaint: "x"}, "")
		var oe *OperationError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, OperationErrorQueryFailed, oe.Code)
		assert.Equal(t, http.StatusServiceUnavailable, oe.StatusCode)
		assert.True(t, retry.IsTransient(err))
	})

	t.Run("bad request is permanent", func(t *testing.T) {
		store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
			return statusResponse(http.StatusBadRequest, `{"status":{"error":"bad vector"}}`), nil
		})
		_, err := store.StoreCase(context.Background(), "P-1", models.CasePayload{ChiefComplaint: "x"}, "")
		assert.False(t, retry.IsTransient(err))
	})
}

func TestSearchSimilar(t *testing.T) {
	store, reqs := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		return okResponse(t, []map[string]any{
			{"id": "a", "score": 0.71, "payload": map[string]any{"patient_id": "P-2", "chief_complaint": "cough", "symptoms": []string{"cough"}, "assessment": "bronchitis", "timestamp": "2025-01-01T00:00:00Z"}},
			{"id": "b", "score": 0.93, "payload": map[string]any{"patient_id": "P-3", "chief_complaint": "chest pain", "assessment": "angina"}},
			{"id": "c", "score": 0.59, "payload": map[string]any{"patient_id": "P-4"}},
		}), nil
	})

	hits, err := store.SearchSimilar(context.Background(), models.SimilarityQuery{
		Text:           "chest pain. Symptoms: sweating",
		Limit:          3,
		ScoreThreshold: 0.6,
		PatientID:      "P-3",
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "P-3", hits[0].PatientID)
	assert.InDelta(t, 0.93, hits[0].Score, 1e-9)
	assert.Equal(t, []string{}, hits[0].Symptoms)
	assert.Equal(t, "P-2", hits[1].PatientID)
	assert.Equal(t, "2025-01-01T00:00:00Z", hits[1].Timestamp)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/collections/patient_cases/points/search", req.Path)
	assert.EqualValues(t, 3, req.Body["limit"])
	assert.InDelta(t, 0.6, req.Body["score_threshold"], 1e-9)
	assert.Equal(t, true, req.Body["with_payload"])
	filter := req.Body["filter"].(map[string]any)
	must := filter["must"].([]any)
	cond := must[0].(map[string]any)
	assert.Equal(t, "patient_id", cond["key"])
	assert.Equal(t, map[string]any{"value": "P-3"}, cond["match"])
}

func TestSearchSimilar_Defaults(t *testing.T) {
	store, reqs := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		return okResponse(t, []any{}), nil
	})

	hits, err := store.SearchSimilar(context.Background(), models.SimilarityQuery{Text: "fever"})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NotNil(t, hits)
	assert.EqualValues(t, defaultSearchLimit, (*reqs)[0].Body["limit"])
	_, hasFilter := (*reqs)[0].Body["filter"]
	assert.False(t, hasFilter)
}

func TestSearchSimilar_Validation(t *testing.T) {
	store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	for _, q := range []models.SimilarityQuery{
		{Text: " "},
		{Text: "x", ScoreThreshold: 1.5},
		{Text: "x", ScoreThreshold: -0.1},
	} {
		_, err := store.SearchSimilar(context.Background(), q)
		var oe *OperationError
		require.ErrorAs(t, err, &oe, "%+v", q)
		assert.Equal(t, OperationErrorValidation, oe.Code)
	}
}

func TestGetHistory_PagesAndSortsNewestFirst(t *testing.T) {
	calls := 0
	store, reqs := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return okResponse(t, map[string]any{
				"points": []map[string]any{
					{"id": "1", "payload": map[string]any{"timestamp": "2025-01-10T08:00:00Z", "chief_complaint": "headache"}},
					{"id": "2", "payload": map[string]any{"timestamp": "2025-03-01T08:00:00Z", "chief_complaint": "cough"}},
				},
				"next_page_offset": "3",
			}), nil
		}
		return okResponse(t, map[string]any{
			"points": []map[string]any{
				{"id": "3", "payload": map[string]any{"timestamp": "2025-02-05T08:00:00Z", "chief_complaint": "rash", "symptoms": []string{"itch"}}},
			},
			"next_page_offset": nil,
		}), nil
	})

	history, err := store.GetHistory(context.Background(), "P-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "cough", history[0].ChiefComplaint)
	assert.Equal(t, "rash", history[1].ChiefComplaint)
	assert.Equal(t, []string{"itch"}, history[1].Symptoms)

	require.Len(t, *reqs, 2)
	assert.Equal(t, "/collections/patient_cases/points/scroll", (*reqs)[0].Path)
	_, hasOffset := (*reqs)[0].Body["offset"]
	assert.False(t, hasOffset)
	assert.Equal(t, "3", (*reqs)[1].Body["offset"])
	assert.Equal(t, false, (*reqs)[1].Body["with_vector"])
}

func TestGetHistory_BlankPatient(t *testing.T) {
	store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	_, err := store.GetHistory(context.Background(), "", 10)
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OperationErrorValidation, oe.Code)
}

func TestGetStats(t *testing.T) {
	store, reqs := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		return okResponse(t, map[string]any{
			"status":       "green",
			"points_count": 42,
			"config": map[string]any{
				"params": map[string]any{"vectors": map[string]any{"size": 384, "distance": "Cosine"}},
			},
		}), nil
	})

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.MemoryStats{TotalCases: 42, VectorDimension: 384, Status: "green"}, stats)
	assert.Equal(t, http.MethodGet, (*reqs)[0].Method)
	assert.Equal(t, "/collections/patient_cases", (*reqs)[0].Path)
}

func TestEnsureCollection(t *testing.T) {
	t.Run("creates missing collection and index", func(t *testing.T) {
		store, reqs := newTestStore(t, nil, func(r *http.Request) (*http.Response, error) {
			if r.Method == http.MethodGet {
				return statusResponse(http.StatusNotFound, `{"status":{"error":"Not found: Collection patient_cases doesn't exist!"}}`), nil
			}
			return okResponse(t, true), nil
		})
		require.NoError(t, store.EnsureCollection(context.Background()))
		require.Len(t, *reqs, 3)
		create := (*reqs)[1]
		assert.Equal(t, http.MethodPut, create.Method)
		assert.Equal(t, "/collections/patient_cases", create.Path)
		assert.Equal(t, map[string]any{"size": float64(3), "distance": "Cosine"}, create.Body["vectors"])
		index := (*reqs)[2]
		assert.Equal(t, "/collections/patient_cases/index", index.Path)
		assert.Equal(t, "patient_id", index.Body["field_name"])
	})

	t.Run("existing collection with matching size", func(t *testing.T) {
		store, reqs := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
			return okResponse(t, map[string]any{"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 3}}}}), nil
		})
		require.NoError(t, store.EnsureCollection(context.Background()))
		assert.Len(t, *reqs, 1)
	})

	t.Run("size mismatch", func(t *testing.T) {
		store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
			return okResponse(t, map[string]any{"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 768}}}}), nil
		})
		err := store.EnsureCollection(context.Background())
		var oe *OperationError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, OperationErrorValidation, oe.Code)
	})
}

func TestIsReady(t *testing.T) {
	store, reqs := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		return statusResponse(http.StatusOK, "all shards are ready"), nil
	})
	require.NoError(t, store.IsReady(context.Background()))
	assert.Equal(t, "/readyz", (*reqs)[0].Path)

	down, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	})
	err := down.IsReady(context.Background())
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OperationErrorTransportFailed, oe.Code)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		calls++
		return nil, fmt.Errorf("connection reset")
	})

	for i := 0; i < 6; i++ {
		_, err := store.GetStats(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 6, calls)

	_, err := store.GetStats(context.Background())
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OperationErrorCircuitOpen, oe.Code)
	assert.False(t, retry.IsTransient(err))
	assert.Equal(t, 6, calls)
}

func TestEnvelopeStatusError(t *testing.T) {
	store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) {
		return statusResponse(http.StatusOK, `{"result":null,"status":{"error":"wrong input"},"time":0.1}`), nil
	})
	_, err := store.GetStats(context.Background())
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OperationErrorQueryFailed, oe.Code)
	assert.Contains(t, oe.Error(), "wrong input")
}

func TestClassifyHTTPCallError(t *testing.T) {
	err := classifyHTTPCallError("search", "qdrant request failed", context.DeadlineExceeded)
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OperationErrorTimeout, oe.Code)
	assert.True(t, retry.IsTransient(err))

	err = classifyHTTPCallError("search", "qdrant request failed", errors.New("boom"))
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OperationErrorTransportFailed, oe.Code)
}

func TestPointIDIsDeterministic(t *testing.T) {
	store, _ := newTestStore(t, nil, func(*http.Request) (*http.Response, error) { return nil, nil })
	a := store.pointID("P-1", "S-1", "2025-01-01T00:00:00Z")
	assert.Equal(t, a, store.pointID("P-1", "S-1", "2025-01-01T00:00:00Z"))
	assert.NotEqual(t, a, store.pointID("P-1", "S-2", "2025-01-01T00:00:00Z"))
}

func okResponse(t *testing.T, result any) *http.Response {
	t.Helper()
	payload := map[string]any{
		"result": result,
		"status": "ok",
		"time":   0.001,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

func statusResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
