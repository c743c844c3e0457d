package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aloud/agent/internal/config"
	"aloud/agent/internal/health"
	"aloud/agent/internal/llm"
	"aloud/agent/internal/rag"
	"aloud/agent/internal/session"
	"aloud/agent/internal/stt"
	"aloud/agent/internal/transport"
	"aloud/agent/internal/tts"
	"aloud/agent/internal/turn"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := buildLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ad := turn.Adapters{
		Transcriber: stt.NewClient(cfg.STT.URL, cfg.STT.Language, log),
		Retriever: rag.NewClient(rag.Config{
			QdrantURL:      cfg.Retrieval.QdrantURL,
			Collection:     cfg.Retrieval.Collection,
			EmbeddingURL:   cfg.Retrieval.EmbeddingURL,
			EmbeddingModel: cfg.Retrieval.EmbeddingModel,
			APIKey:         cfg.Retrieval.APIKey,
		}, log),
		Generator: llm.NewClient(llm.Config{
			URL:         cfg.LLM.URL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, log),
		Synthesizer: tts.NewClient(cfg.TTS.URL, log),
	}

	events := session.NewEventLog()
	mgr := session.NewManager(ctx, cfg, ad, events, log)
	go mgr.Run(ctx)

	reg := transport.NewRegistry()
	wss := transport.NewServer(mgr, reg, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wss.HandleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status := health.CheckAll(hctx, cfg)
		w.Header().Set("Content-Type", "application/json")
		if !status.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case len(parts) == 2 && parts[1] == "events":
			_ = json.NewEncoder(w).Encode(events.List(parts[0]))
		case len(parts) == 1 && parts[0] != "":
			sess := mgr.Get(parts[0])
			if sess == nil {
				http.NotFound(w, r)
				return
			}
			out := map[string]any{"id": sess.ID, "created_at": sess.CreatedAt}
			if t := sess.Controller().ActiveTurn(); t != nil {
				out["turn_id"] = t.ID
				out["turn_state"] = t.State()
				out["intent"] = t.Intent()
			}
			_ = json.NewEncoder(w).Encode(out)
		default:
			http.NotFound(w, r)
		}
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received; stopping server")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("server starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
