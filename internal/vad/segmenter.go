package vad

import (
	"time"

	"go.uber.org/zap"

	"aloud/agent/internal/audio"
	"aloud/agent/internal/types"
)

// Kind discriminates segmenter events.
type Kind int

const (
	// UtteranceStarted fires as soon as the minimum-speech threshold is
	// crossed. While a turn is speaking this is the barge-in trigger.
	UtteranceStarted Kind = iota
	// UtteranceEnded fires after the silence hangover and carries the
	// buffered utterance audio.
	UtteranceEnded
)

// Event is one segmenter output. Events are delivered in detection order.
type Event struct {
	Kind      Kind
	Utterance *types.Utterance // set for UtteranceEnded
	At        time.Time
}

type Config struct {
	SampleRate      int
	FrameMs         int
	EnergyThreshold float64
	MinSpeechFrames int
	HangoverMs      int
	MaxUtteranceMs  int
	GuardMs         int
}

// Segmenter turns a stream of fixed-size PCM16 frames into utterance
// boundaries using an energy threshold with a silence hangover. One
// segmenter per session; not safe for concurrent use.
type Segmenter struct {
	cfg       Config
	sessionID string
	log       *zap.Logger

	speaking       bool
	consecSpeech   int
	nonSpeech      int
	hangoverFrames int

	frames    [][]byte
	bufBytes  int
	maxBytes  int
	startedAt time.Time

	guardUntil time.Time

	events chan Event
}

func NewSegmenter(sessionID string, cfg Config, log *zap.Logger) *Segmenter {
	hangover := cfg.HangoverMs / cfg.FrameMs
	if hangover < 1 {
		hangover = 1
	}
	return &Segmenter{
		cfg:            cfg,
		sessionID:      sessionID,
		log:            log.Named("vad"),
		hangoverFrames: hangover,
		maxBytes:       cfg.SampleRate * cfg.MaxUtteranceMs / 1000 * 2,
		events:         make(chan Event, 16),
	}
}

// Events is the ordered segmenter output consumed by the turn controller.
func (s *Segmenter) Events() <-chan Event { return s.events }

// Guard suppresses speech detection until the guard window elapses. Armed
// when assistant playback starts so its own audio cannot retrigger VAD.
func (s *Segmenter) Guard(now time.Time) {
	s.guardUntil = now.Add(time.Duration(s.cfg.GuardMs) * time.Millisecond)
	s.speaking = false
	s.consecSpeech = 0
	s.nonSpeech = 0
}

// ProcessFrame feeds one PCM16 frame through the detector.
func (s *Segmenter) ProcessFrame(frame []byte, now time.Time) {
	metricFrames.Inc()
	level := audio.RMS(frame)

	if !s.speaking {
		if level < s.cfg.EnergyThreshold {
			s.consecSpeech = 0
			return
		}
		if now.Before(s.guardUntil) {
			metricGuardBlocks.Inc()
			return
		}
		s.consecSpeech++
		s.bufferFrame(frame)
		if s.consecSpeech >= s.cfg.MinSpeechFrames {
			s.speaking = true
			s.nonSpeech = 0
			s.startedAt = now
			metricStarts.Inc()
			s.log.Debug("utterance started",
				zap.String("session_id", s.sessionID),
				zap.Float64("rms", level))
			s.emit(Event{Kind: UtteranceStarted, At: now})
		}
		return
	}

	s.bufferFrame(frame)
	if level < s.cfg.EnergyThreshold {
		s.nonSpeech++
		if s.nonSpeech >= s.hangoverFrames {
			s.finishUtterance(now)
		}
	} else {
		s.nonSpeech = 0
	}
}

// Flush force-ends any in-progress utterance, e.g. on session teardown.
func (s *Segmenter) Flush(now time.Time) {
	if s.speaking {
		s.finishUtterance(now)
	}
}

// Reset clears detector state and drops any buffered audio.
func (s *Segmenter) Reset() {
	s.speaking = false
	s.consecSpeech = 0
	s.nonSpeech = 0
	s.frames = nil
	s.bufBytes = 0
}

func (s *Segmenter) finishUtterance(now time.Time) {
	pcm := make([]byte, 0, s.bufBytes)
	for _, f := range s.frames {
		pcm = append(pcm, f...)
	}
	utt := &types.Utterance{
		SessionID: s.sessionID,
		PCM:       pcm,
		StartedAt: s.startedAt,
		EndedAt:   now,
	}
	s.Reset()
	metricEnds.Inc()
	metricUtteranceMS.Observe(float64(now.Sub(utt.StartedAt).Milliseconds()))
	s.log.Debug("utterance ended",
		zap.String("session_id", s.sessionID),
		zap.Int("bytes", len(pcm)))
	s.emit(Event{Kind: UtteranceEnded, Utterance: utt, At: now})
}

func (s *Segmenter) bufferFrame(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	s.bufBytes += len(cp)
	// Evict oldest frames past the utterance cap.
	for s.bufBytes > s.maxBytes && len(s.frames) > 0 {
		s.bufBytes -= len(s.frames[0])
		s.frames = s.frames[1:]
	}
}

func (s *Segmenter) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Consumer stalled beyond the queue bound; drop the oldest event
		// so boundaries keep flowing rather than blocking the audio path.
		metricEventDrops.Inc()
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}
