package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aloud/agent/internal/config"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type Status struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (s Status) String() string {
	status := "OK"
	if !s.OK {
		status = "FAIL"
	}
	out := fmt.Sprintf("Health: %s\n", status)
	for _, c := range s.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		out += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			out += fmt.Sprintf(" - %s", c.Error)
		}
		out += "\n"
	}
	return out
}

// CheckAll probes every pipeline backend and returns the combined status.
func CheckAll(ctx context.Context, cfg config.Config) Status {
	checks := []CheckResult{
		checkEndpoint(ctx, "stt", cfg.STT.URL+"/health", ""),
		checkQdrant(ctx, cfg),
		checkEndpoint(ctx, "llm", strings.TrimRight(cfg.LLM.URL, "/")+"/models", cfg.LLM.APIKey),
		checkEndpoint(ctx, "tts", cfg.TTS.URL+"/health", ""),
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}
	return Status{OK: allOK, Checks: checks, CheckedAt: time.Now().UTC()}
}

func checkEndpoint(ctx context.Context, name, url, bearer string) CheckResult {
	start := time.Now()
	result := CheckResult{Name: name}

	if strings.TrimSpace(url) == "" || strings.HasPrefix(url, "/") {
		result.Error = "endpoint not configured"
		result.Latency = time.Since(start)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	result.Latency = time.Since(start)
	if resp.StatusCode == 401 {
		result.Error = "invalid API key (401)"
		return result
	}
	if resp.StatusCode >= 500 {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result
	}

	result.OK = true
	return result
}

func checkQdrant(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "qdrant"}

	if cfg.Retrieval.QdrantURL == "" {
		result.Error = "QDRANT_URL not set"
		result.Latency = time.Since(start)
		return result
	}

	url := fmt.Sprintf("%s/collections/%s",
		strings.TrimRight(cfg.Retrieval.QdrantURL, "/"), cfg.Retrieval.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	result.Latency = time.Since(start)
	if resp.StatusCode == 404 {
		result.Error = fmt.Sprintf("collection %q not found", cfg.Retrieval.Collection)
		return result
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return result
	}

	result.OK = true
	return result
}
