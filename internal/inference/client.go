// Package inference talks to an OpenAI-compatible chat completions API
// (Groq by default) for the language model steps of the pipeline, and to an
// embeddings endpoint for case memory.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/config"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
)

// Client implements orchestration.Inference, orchestration.Answerer and
// memory.Embedder over HTTP. Calls are not retried here; callers wrap them
// in a retry.Policy.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingURL   string
	embeddingModel string
	stages         config.InferenceConfig
	httpClient     *http.Client
	tracer         trace.Tracer
	breaker        *gobreaker.CircuitBreaker
	log            *logger.Logger
}

// New creates a client from cfg. An empty API key is rejected.
func New(log *logger.Logger, cfg config.InferenceConfig) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	embeddingURL := strings.TrimRight(strings.TrimSpace(cfg.EmbeddingURL), "/")
	if embeddingURL == "" {
		embeddingURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	settings := gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return !tripsBreaker(err)
		},
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		embeddingURL:   embeddingURL,
		embeddingModel: cfg.EmbeddingModel,
		stages:         cfg,
		httpClient:     &http.Client{Timeout: timeout},
		tracer:         otel.Tracer("inference-client"),
		breaker:        gobreaker.NewCircuitBreaker(settings),
		log:            log,
	}, nil
}

// SetHTTPClient replaces the transport, for tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// complete sends one chat completion through the circuit breaker and
// returns the assistant message.
func (c *Client) complete(ctx context.Context, op string, stage config.StageModel, system, user string, jsonMode bool) (string, error) {
	ctx, span := c.tracer.Start(ctx, "inference."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("inference.model", c.model),
		attribute.Float64("inference.temperature", stage.Temperature),
	)

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: stage.Temperature,
		MaxTokens:   stage.MaxTokens,
	}
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var resp chatResponse
		if err := c.postJSON(ctx, c.baseURL+"/chat/completions", req, &resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		err = wrapBreaker(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	resp := result.(chatResponse)
	span.SetAttributes(
		attribute.Int("inference.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("inference.completion_tokens", resp.Usage.CompletionTokens),
	)
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", op, malformed("no choices in response"))
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%s: %w", op, malformed("empty message content"))
	}
	return content, nil
}

// postJSON performs the HTTP round trip. Non-2xx replies become *HTTPError.
func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: truncateBody(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return malformed("decode response: %v", err)
	}
	return nil
}

// IsHealthy reports whether the API answers a model listing.
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "inference.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		span.RecordError(err)
		return false
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	client := &http.Client{Timeout: 5 * time.Second, Transport: c.httpClient.Transport}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))
	return healthy
}

func truncateBody(raw []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
