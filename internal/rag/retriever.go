package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"aloud/agent/internal/types"
)

// Retriever returns ranked passages for a query, filtered by a score
// threshold and a top-k bound.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, scoreThreshold float64) ([]types.Passage, error)
}

type Config struct {
	QdrantURL      string
	Collection     string
	EmbeddingURL   string
	EmbeddingModel string
	APIKey         string
}

// Client embeds the query over an OpenAI-compatible embeddings endpoint and
// searches a Qdrant collection over HTTP.
type Client struct {
	cfg   Config
	httpc *http.Client
	log   *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	return &Client{cfg: cfg, httpc: &http.Client{Timeout: 30 * time.Second}, log: log.Named("rag")}
}

func (c *Client) Retrieve(ctx context.Context, query string, topK int, scoreThreshold float64) ([]types.Passage, error) {
	vec, err := c.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"vector":          vec,
		"limit":           topK,
		"score_threshold": scoreThreshold,
		"with_payload":    true,
	}
	reqBytes, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/collections/%s/points/search", strings.TrimRight(c.cfg.QdrantURL, "/"), c.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "build search request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "search failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := types.NewError(types.ErrRetrieval, fmt.Sprintf("search status=%d body=%s", resp.StatusCode, string(b)))
		return nil, e.WithRetryable(resp.StatusCode >= 500)
	}

	var out struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload struct {
				Text string `json:"text"`
			} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrRetrieval, "decode search response").WithCause(err)
	}

	passages := make([]types.Passage, 0, len(out.Result))
	for _, r := range out.Result {
		if r.Payload.Text == "" {
			continue
		}
		passages = append(passages, types.Passage{Text: r.Payload.Text, Score: r.Score})
	}
	c.log.Debug("retrieved passages", zap.Int("count", len(passages)), zap.String("query", query))
	return passages, nil
}

func (c *Client) embed(ctx context.Context, text string) ([]float64, error) {
	body := map[string]any{"model": c.cfg.EmbeddingModel, "input": text}
	reqBytes, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EmbeddingURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "build embedding request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "embedding failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := types.NewError(types.ErrRetrieval, fmt.Sprintf("embedding status=%d body=%s", resp.StatusCode, string(b)))
		return nil, e.WithRetryable(resp.StatusCode >= 500)
	}

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrRetrieval, "decode embedding response").WithCause(err)
	}
	if len(out.Data) == 0 {
		return nil, types.NewError(types.ErrRetrieval, "empty embedding response")
	}
	return out.Data[0].Embedding, nil
}

// FormatContext renders retrieved passages as the generator's context block.
func FormatContext(passages []types.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(passages))
	for i, p := range passages {
		t := strings.TrimSpace(p.Text)
		if t == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[Document %d]: %s", i+1, t))
	}
	return strings.Join(parts, "\n\n")
}
