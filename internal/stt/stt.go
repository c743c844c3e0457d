package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"aloud/agent/internal/audio"
	"aloud/agent/internal/types"
)

// Transcriber converts utterance audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (text string, language string, err error)
}

// Client talks to a whisper-server compatible /inference endpoint.
type Client struct {
	url      string
	language string
	httpc    *http.Client
	log      *zap.Logger
}

func NewClient(url, language string, log *zap.Logger) *Client {
	return &Client{
		url:      url,
		language: language,
		httpc:    &http.Client{Timeout: 60 * time.Second},
		log:      log.Named("stt"),
	}
}

func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, string, error) {
	start := time.Now()
	wav := audio.EncodeWAV(pcm, sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", "", types.NewError(types.ErrTranscription, "build request").WithCause(err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", "", types.NewError(types.ErrTranscription, "build request").WithCause(err)
	}
	_ = mw.WriteField("language", c.language)
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", "", types.NewError(types.ErrTranscription, "build request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/inference", &body)
	if err != nil {
		return "", "", types.NewError(types.ErrTranscription, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", types.NewError(types.ErrTranscription, "request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := types.NewError(types.ErrTranscription, fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(b)))
		return "", "", e.WithRetryable(resp.StatusCode >= 500)
	}

	var out struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", types.NewError(types.ErrTranscription, "decode response").WithCause(err)
	}
	lang := out.Language
	if lang == "" {
		lang = c.language
	}
	c.log.Debug("transcribed",
		zap.Int("audio_bytes", len(pcm)),
		zap.Int("text_len", len(out.Text)),
		zap.Duration("took", time.Since(start)))
	return out.Text, lang, nil
}
