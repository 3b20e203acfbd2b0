package inference

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	ctx, span := c.tracer.Start(ctx, "inference.embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("inference.embedding_model", c.embeddingModel),
		attribute.Int("inference.inputs", len(inputs)),
	)

	clean := make([]string, len(inputs))
	for i, s := range inputs {
		s = strings.TrimSpace(s)
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var resp embeddingsResponse
		err := c.postJSON(ctx, c.embeddingURL+"/embeddings", embeddingsRequest{Model: c.embeddingModel, Input: clean}, &resp)
		return resp, err
	})
	if err != nil {
		err = wrapBreaker(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed")
		return nil, fmt.Errorf("embed: %w", err)
	}
	resp := result.(embeddingsResponse)

	out := make([][]float32, len(clean))
	for pos, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = pos
		}
		if idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[idx] = vec
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("embed: %w", malformed("missing embedding for input %d: requested=%d returned=%d", i, len(clean), len(resp.Data)))
		}
	}
	return out, nil
}
