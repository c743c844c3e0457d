package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"aloud/agent/internal/audio"
	"aloud/agent/internal/types"
)

// VoiceConfig selects the synthesis voice.
type VoiceConfig struct {
	Voice string
	Speed float64
}

// AudioStream is a lazy, cancellable sequence of PCM16 audio chunks for one
// text chunk. Recv returns io.EOF when exhausted.
type AudioStream interface {
	Recv() ([]byte, error)
	Close() error
}

// Synthesizer converts a text chunk into streamed audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceConfig) (AudioStream, error)
}

// Client posts text to a Kokoro-style HTTP endpoint returning WAV and
// re-frames the decoded PCM into 20ms chunks.
type Client struct {
	url   string
	httpc *http.Client
	log   *zap.Logger
}

const chunkMs = 20

func NewClient(url string, log *zap.Logger) *Client {
	return &Client{url: url, httpc: &http.Client{Timeout: 60 * time.Second}, log: log.Named("tts")}
}

func (c *Client) Synthesize(ctx context.Context, text string, voice VoiceConfig) (AudioStream, error) {
	body := map[string]any{"text": text, "voice": voice.Voice, "speed": voice.Speed}
	reqBytes, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/synthesize", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, types.NewError(types.ErrSynthesis, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrSynthesis, "request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := types.NewError(types.ErrSynthesis, fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(b)))
		return nil, e.WithRetryable(resp.StatusCode >= 500)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrSynthesis, "read response").WithCause(err).WithRetryable(true)
	}
	pcm, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, types.NewError(types.ErrSynthesis, "decode wav").WithCause(err)
	}
	c.log.Debug("synthesized chunk",
		zap.Int("text_len", len(text)),
		zap.Int("pcm_bytes", len(pcm)),
		zap.Int("sample_rate", rate))
	return &pcmStream{ctx: ctx, frames: audio.Frames(pcm, rate, chunkMs)}, nil
}

type pcmStream struct {
	ctx    context.Context
	frames [][]byte
	pos    int
}

func (s *pcmStream) Recv() ([]byte, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "synthesis cancelled").WithCause(err)
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *pcmStream) Close() error { return nil }
