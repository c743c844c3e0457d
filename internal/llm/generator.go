package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"aloud/agent/internal/types"
)

// TokenStream is a lazy, cancellable sequence of generator text deltas.
// Recv returns io.EOF when the stream is exhausted; cancelling the context
// passed to Generate stops the stream at the next delta boundary.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Generator streams an answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, messages []types.ChatMessage) (TokenStream, error)
}

type Config struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	cfg   Config
	httpc *http.Client
	log   *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	// No client timeout: streams stay open for the whole generation and are
	// bounded by the per-turn context instead.
	return &Client{cfg: cfg, httpc: &http.Client{Timeout: 0}, log: log.Named("llm")}
}

func (c *Client) Generate(ctx context.Context, messages []types.ChatMessage) (TokenStream, error) {
	body := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
		"stream":   true,
	}
	if c.cfg.MaxTokens > 0 {
		body["max_tokens"] = c.cfg.MaxTokens
	}
	if c.cfg.Temperature > 0 {
		body["temperature"] = c.cfg.Temperature
	}
	reqBytes, _ := json.Marshal(body)

	url := strings.TrimRight(c.cfg.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, types.NewError(types.ErrGeneration, "build request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrGeneration, "request failed").WithCause(err).WithRetryable(true)
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		e := types.NewError(types.ErrGeneration, fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(b)))
		return nil, e.WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == 429)
	}

	return &sseStream{ctx: ctx, body: resp.Body, dec: newSSEDecoder(resp.Body)}, nil
}

// BuildMessages constructs the generator prompt: system prompt, bounded
// conversation history, then the user question with retrieved context.
func BuildMessages(systemPrompt, question, context string, history []types.Exchange) []types.ChatMessage {
	msgs := make([]types.ChatMessage, 0, 2+2*len(history))
	if systemPrompt != "" {
		msgs = append(msgs, types.ChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, ex := range history {
		msgs = append(msgs, types.ChatMessage{Role: "user", Content: ex.User})
		msgs = append(msgs, types.ChatMessage{Role: "assistant", Content: ex.Assistant})
	}
	user := question
	if context != "" {
		user = fmt.Sprintf("Contexte:\n%s\n\nQuestion: %s", context, question)
	}
	msgs = append(msgs, types.ChatMessage{Role: "user", Content: user})
	return msgs
}

type sseStream struct {
	ctx  context.Context
	body io.ReadCloser
	dec  *sseDecoder
	done bool
}

func (s *sseStream) Recv() (string, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return "", types.NewError(types.ErrCancelled, "generation cancelled").WithCause(err)
		}
		if s.done {
			return "", io.EOF
		}
		data, err := s.dec.Next()
		if err != nil {
			if err == io.EOF {
				return "", io.EOF
			}
			return "", types.NewError(types.ErrGeneration, "stream read").WithCause(err).WithRetryable(true)
		}
		if string(data) == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var m struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if len(m.Choices) == 0 || m.Choices[0].Delta.Content == "" {
			continue
		}
		return m.Choices[0].Delta.Content, nil
	}
}

func (s *sseStream) Close() error { return s.body.Close() }
