package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aloud/agent/internal/chunker"
	"aloud/agent/internal/config"
	"aloud/agent/internal/intent"
	"aloud/agent/internal/tts"
	"aloud/agent/internal/turn"
	"aloud/agent/internal/vad"
)

// Session binds one caller's audio stream to its VAD segmenter, turn
// controller, and conversation history.
type Session struct {
	ID        string
	CreatedAt time.Time

	segMu sync.Mutex
	seg   *vad.Segmenter
	ctrl  *turn.Controller
	hist  *History

	mu       sync.Mutex
	lastSeen time.Time

	cancel context.CancelFunc
}

// Feed pushes one inbound PCM16 frame through the segmenter. Called from the
// transport read loop only.
func (s *Session) Feed(frame []byte, now time.Time) {
	s.touch(now)
	s.segMu.Lock()
	s.seg.ProcessFrame(frame, now)
	s.segMu.Unlock()
}

// Flush force-ends any utterance in progress, e.g. when the caller stops
// sending audio mid-speech.
func (s *Session) Flush(now time.Time) {
	s.segMu.Lock()
	s.seg.Flush(now)
	s.segMu.Unlock()
}

// Controller exposes the session's turn controller for inspection endpoints.
func (s *Session) Controller() *turn.Controller { return s.ctrl }

// History returns the session's conversation history.
func (s *Session) History() *History { return s.hist }

func (s *Session) guard(now time.Time) {
	s.segMu.Lock()
	s.seg.Guard(now)
	s.segMu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Manager owns all live sessions: creation on join, teardown on leave, and
// eviction of idle ones.
type Manager struct {
	ctx    context.Context
	cfg    config.Config
	ad     turn.Adapters
	cls    *intent.Classifier
	events *EventLog
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(ctx context.Context, cfg config.Config, ad turn.Adapters, events *EventLog, log *zap.Logger) *Manager {
	cls := intent.NewClassifier(intent.PhraseSets{
		Greetings: cfg.Intent.Greetings,
		Thanks:    cfg.Intent.Thanks,
		Goodbyes:  cfg.Intent.Goodbyes,
	})
	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		ad:       ad,
		cls:      cls,
		events:   events,
		log:      log.Named("session"),
		sessions: make(map[string]*Session),
	}
}

// Join creates a session bound to the given emit function and greets the
// caller. A join for an id that is already live replaces the old session.
func (m *Manager) Join(sessionID string, emit turn.EmitFunc) *Session {
	m.Leave(sessionID, "replaced")

	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now()
	sess := &Session{
		ID:        sessionID,
		CreatedAt: now,
		lastSeen:  now,
		hist:      NewHistory(m.cfg.Turn.HistoryDepth),
		cancel:    cancel,
	}
	sess.seg = vad.NewSegmenter(sessionID, vad.Config{
		SampleRate:      m.cfg.VAD.SampleRate,
		FrameMs:         m.cfg.VAD.FrameMs,
		EnergyThreshold: m.cfg.VAD.EnergyThreshold,
		MinSpeechFrames: m.cfg.VAD.MinSpeechFrames,
		HangoverMs:      m.cfg.VAD.HangoverMs,
		MaxUtteranceMs:  m.cfg.VAD.MaxUtteranceMs,
		GuardMs:         m.cfg.VAD.GuardMs,
	}, m.log)
	sess.ctrl = turn.NewController(ctx, sessionID, m.turnConfig(), m.ad, m.cls, sess.hist, emit, sess.guard, m.log)

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	metricSessionsJoined.Inc()
	metricSessionsActive.Inc()
	m.events.Append(sessionID, "session_joined", nil)
	m.log.Info("session joined", zap.String("session_id", sessionID))

	go m.runEvents(ctx, sess)
	if len(m.cfg.Responses.Greetings) > 0 {
		greeting := m.cfg.Responses.Greetings[0]
		go func() {
			if err := sess.ctrl.Announce(greeting); err != nil {
				m.log.Warn("greeting playback failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}()
	}
	return sess
}

// Leave tears the session down. Safe to call for unknown ids.
func (m *Manager) Leave(sessionID, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.ctrl.Shutdown(reason)
	sess.cancel()
	metricSessionsActive.Dec()
	m.events.Append(sessionID, "session_left", map[string]any{"reason": reason})
	m.log.Info("session left",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
}

func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Run evicts idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	tick := time.NewTicker(15 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			m.reap(now)
		}
	}
}

func (m *Manager) reap(now time.Time) {
	if m.cfg.Session.IdleTimeout <= 0 {
		return
	}
	m.mu.Lock()
	var idle []string
	for id, sess := range m.sessions {
		if now.Sub(sess.idleSince()) > m.cfg.Session.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()
	for _, id := range idle {
		metricSessionsReaped.Inc()
		m.Leave(id, "idle_timeout")
	}
}

// runEvents dispatches segmenter boundaries to the turn controller. One
// goroutine per session; exits when the session context is cancelled.
func (m *Manager) runEvents(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sess.seg.Events():
			switch ev.Kind {
			case vad.UtteranceStarted:
				m.events.Append(sess.ID, "utterance_started", nil)
				sess.ctrl.HandleUtteranceStarted(ev.At)
			case vad.UtteranceEnded:
				m.events.Append(sess.ID, "utterance_ended", map[string]any{
					"bytes":       len(ev.Utterance.PCM),
					"duration_ms": ev.Utterance.EndedAt.Sub(ev.Utterance.StartedAt).Milliseconds(),
				})
				sess.ctrl.HandleUtteranceEnded(ev.Utterance)
			}
		}
	}
}

func (m *Manager) turnConfig() turn.Config {
	return turn.Config{
		SystemPrompt:   m.cfg.LLM.SystemPrompt,
		Greetings:      m.cfg.Responses.Greetings,
		Thanks:         m.cfg.Responses.Thanks,
		Goodbyes:       m.cfg.Responses.Goodbyes,
		Apology:        m.cfg.Responses.Apology,
		SampleRate:     m.cfg.VAD.SampleRate,
		TopK:           m.cfg.Retrieval.TopK,
		ScoreThreshold: m.cfg.Retrieval.ScoreThreshold,
		Voice:          tts.VoiceConfig{Voice: m.cfg.TTS.Voice, Speed: m.cfg.TTS.Speed},
		Chunker:        chunker.Config{MaxChars: m.cfg.Chunker.MaxChars, MaxWait: m.cfg.Chunker.MaxWait},
		MaxInflight:    m.cfg.Turn.MaxInflight,
		StageTimeout:   m.cfg.Turn.StageTimeout,
		MaxRetries:     m.cfg.Turn.MaxRetries,
		RetryBackoff:   m.cfg.Turn.RetryBackoff,
		HistoryDepth:   m.cfg.Turn.HistoryDepth,
	}
}
