package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		LogLevel string
	}
	VAD struct {
		SampleRate      int
		FrameMs         int
		EnergyThreshold float64
		MinSpeechFrames int
		HangoverMs      int
		MaxUtteranceMs  int
		GuardMs         int
	}
	Intent struct {
		Greetings []string
		Thanks    []string
		Goodbyes  []string
	}
	Responses struct {
		Greetings []string
		Thanks    []string
		Goodbyes  []string
		Apology   string
	}
	STT struct {
		URL      string
		Language string
	}
	Retrieval struct {
		QdrantURL      string
		Collection     string
		EmbeddingURL   string
		EmbeddingModel string
		APIKey         string
		TopK           int
		ScoreThreshold float64
	}
	LLM struct {
		URL          string
		APIKey       string
		Model        string
		SystemPrompt string
		Temperature  float64
		MaxTokens    int
	}
	TTS struct {
		URL   string
		Voice string
		Speed float64
	}
	Chunker struct {
		MaxChars int
		MaxWait  time.Duration
	}
	Turn struct {
		MaxInflight  int
		StageTimeout time.Duration
		MaxRetries   int
		RetryBackoff time.Duration
		HistoryDepth int
	}
	Session struct {
		IdleTimeout time.Duration
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("vad.sample_rate", 16000)
	v.SetDefault("vad.frame_ms", 30)
	v.SetDefault("vad.energy_threshold", 0.01)
	v.SetDefault("vad.min_speech_frames", 3)
	v.SetDefault("vad.hangover_ms", 300)
	v.SetDefault("vad.max_utterance_ms", 10000)
	v.SetDefault("vad.guard_ms", 500)

	v.SetDefault("intent.greetings", []string{"bonjour", "salut", "hello", "hey", "coucou", "bonsoir"})
	v.SetDefault("intent.thanks", []string{"merci", "merci beaucoup", "je te remercie", "thank you"})
	v.SetDefault("intent.goodbyes", []string{"au revoir", "bye", "à bientôt", "à plus", "ciao"})

	v.SetDefault("responses.greetings", []string{
		"Bonjour! Comment puis-je vous aider?",
		"Bonjour! Je suis l'assistant vocal de Harvard. Que puis-je faire pour vous?",
	})
	v.SetDefault("responses.thanks", []string{"Je vous en prie!", "Avec plaisir!", "De rien!"})
	v.SetDefault("responses.goodbyes", []string{"Au revoir! Bonne journée!", "À bientôt!", "Au revoir!"})
	v.SetDefault("responses.apology", "Désolé, une erreur s'est produite.")

	v.SetDefault("stt.url", "http://localhost:8081")
	v.SetDefault("stt.language", "fr")

	v.SetDefault("retrieval.qdrant_url", "http://localhost:6333")
	v.SetDefault("retrieval.collection", "harvard")
	v.SetDefault("retrieval.embedding_url", "https://openrouter.ai/api/v1/embeddings")
	v.SetDefault("retrieval.embedding_model", "openai/text-embedding-3-large")
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.score_threshold", 0.7)

	v.SetDefault("llm.model", "llama-3.1-8b-instant")
	v.SetDefault("llm.system_prompt", "Tu es l'assistant vocal de Harvard. Réponds en français, 1-2 phrases max. Utilise uniquement le contexte fourni. Si pas d'info, dis: Je n'ai pas cette information.")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 150)

	v.SetDefault("tts.url", "http://localhost:8083")
	v.SetDefault("tts.voice", "af_sarah")
	v.SetDefault("tts.speed", 1.0)

	v.SetDefault("chunker.max_chars", 200)
	v.SetDefault("chunker.max_wait_ms", 600)

	v.SetDefault("turn.max_inflight", 2)
	v.SetDefault("turn.stage_timeout_ms", 30000)
	v.SetDefault("turn.max_retries", 2)
	v.SetDefault("turn.retry_backoff_ms", 250)
	v.SetDefault("turn.history_depth", 8)

	v.SetDefault("session.idle_timeout_sec", 120)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")

	v.BindEnv("vad.sample_rate", "VAD_SAMPLE_RATE")
	v.BindEnv("vad.frame_ms", "VAD_FRAME_MS")
	v.BindEnv("vad.energy_threshold", "VAD_ENERGY_THRESHOLD")
	v.BindEnv("vad.min_speech_frames", "VAD_MIN_SPEECH_FRAMES")
	v.BindEnv("vad.hangover_ms", "VAD_HANGOVER_MS")
	v.BindEnv("vad.guard_ms", "VAD_GUARD_MS")

	v.BindEnv("stt.url", "STT_URL")
	v.BindEnv("stt.language", "STT_LANGUAGE")

	v.BindEnv("retrieval.qdrant_url", "QDRANT_URL")
	v.BindEnv("retrieval.collection", "QDRANT_COLLECTION")
	v.BindEnv("retrieval.embedding_url", "EMBEDDING_URL")
	v.BindEnv("retrieval.embedding_model", "EMBEDDING_MODEL")
	v.BindEnv("retrieval.api_key", "OPENROUTER_API_KEY")
	v.BindEnv("retrieval.top_k", "RAG_TOP_K")
	v.BindEnv("retrieval.score_threshold", "RAG_SCORE_THRESHOLD")

	v.BindEnv("llm.url", "LLM_URL")
	v.BindEnv("llm.api_key", "GROQ_API_KEY")
	v.BindEnv("llm.model", "LLM_MODEL")
	v.BindEnv("llm.system_prompt", "LLM_SYSTEM_PROMPT")
	v.BindEnv("llm.temperature", "LLM_TEMPERATURE")
	v.BindEnv("llm.max_tokens", "LLM_MAX_TOKENS")

	v.BindEnv("tts.url", "TTS_URL")
	v.BindEnv("tts.voice", "TTS_VOICE")
	v.BindEnv("tts.speed", "TTS_SPEED")

	v.BindEnv("session.idle_timeout_sec", "SESSION_IDLE_TIMEOUT_SEC")

	var c Config
	c.Server.Port = v.GetString("server.port")
	c.Server.LogLevel = v.GetString("server.log_level")

	c.VAD.SampleRate = v.GetInt("vad.sample_rate")
	c.VAD.FrameMs = v.GetInt("vad.frame_ms")
	c.VAD.EnergyThreshold = v.GetFloat64("vad.energy_threshold")
	c.VAD.MinSpeechFrames = v.GetInt("vad.min_speech_frames")
	c.VAD.HangoverMs = v.GetInt("vad.hangover_ms")
	c.VAD.MaxUtteranceMs = v.GetInt("vad.max_utterance_ms")
	c.VAD.GuardMs = v.GetInt("vad.guard_ms")

	c.Intent.Greetings = v.GetStringSlice("intent.greetings")
	c.Intent.Thanks = v.GetStringSlice("intent.thanks")
	c.Intent.Goodbyes = v.GetStringSlice("intent.goodbyes")

	c.Responses.Greetings = v.GetStringSlice("responses.greetings")
	c.Responses.Thanks = v.GetStringSlice("responses.thanks")
	c.Responses.Goodbyes = v.GetStringSlice("responses.goodbyes")
	c.Responses.Apology = v.GetString("responses.apology")

	c.STT.URL = v.GetString("stt.url")
	c.STT.Language = v.GetString("stt.language")

	c.Retrieval.QdrantURL = v.GetString("retrieval.qdrant_url")
	c.Retrieval.Collection = v.GetString("retrieval.collection")
	c.Retrieval.EmbeddingURL = v.GetString("retrieval.embedding_url")
	c.Retrieval.EmbeddingModel = v.GetString("retrieval.embedding_model")
	c.Retrieval.APIKey = v.GetString("retrieval.api_key")
	c.Retrieval.TopK = v.GetInt("retrieval.top_k")
	c.Retrieval.ScoreThreshold = v.GetFloat64("retrieval.score_threshold")

	c.LLM.URL = v.GetString("llm.url")
	c.LLM.APIKey = v.GetString("llm.api_key")
	c.LLM.Model = v.GetString("llm.model")
	c.LLM.SystemPrompt = v.GetString("llm.system_prompt")
	c.LLM.Temperature = v.GetFloat64("llm.temperature")
	c.LLM.MaxTokens = v.GetInt("llm.max_tokens")

	c.TTS.URL = v.GetString("tts.url")
	c.TTS.Voice = v.GetString("tts.voice")
	c.TTS.Speed = v.GetFloat64("tts.speed")

	c.Chunker.MaxChars = v.GetInt("chunker.max_chars")
	c.Chunker.MaxWait = time.Duration(v.GetInt("chunker.max_wait_ms")) * time.Millisecond

	c.Turn.MaxInflight = v.GetInt("turn.max_inflight")
	c.Turn.StageTimeout = time.Duration(v.GetInt("turn.stage_timeout_ms")) * time.Millisecond
	c.Turn.MaxRetries = v.GetInt("turn.max_retries")
	c.Turn.RetryBackoff = time.Duration(v.GetInt("turn.retry_backoff_ms")) * time.Millisecond
	c.Turn.HistoryDepth = v.GetInt("turn.history_depth")

	c.Session.IdleTimeout = time.Duration(v.GetInt("session.idle_timeout_sec")) * time.Second

	return c
}
