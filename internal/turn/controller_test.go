package turn

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aloud/agent/internal/chunker"
	"aloud/agent/internal/intent"
	"aloud/agent/internal/llm"
	"aloud/agent/internal/tts"
	"aloud/agent/internal/types"
)

// --- fakes -----------------------------------------------------------------

type fakeTranscriber struct {
	mu    sync.Mutex
	texts []string
	err   error
	block time.Duration
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, rate int) (string, string, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	err := f.err
	block := f.block
	var text string
	if len(f.texts) > 0 {
		if i >= len(f.texts) {
			i = len(f.texts) - 1
		}
		text = f.texts[i]
	}
	f.mu.Unlock()
	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	if err != nil {
		return "", "", err
	}
	return text, "fr", nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRetriever struct {
	mu       sync.Mutex
	passages []types.Passage
	errs     []error // consumed per call; nil entries mean success
	calls    int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, q string, topK int, threshold float64) ([]types.Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.passages, nil
}

func (f *fakeRetriever) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu     sync.Mutex
	deltas []string
	delay  time.Duration
	err    error
	calls  int
	got    [][]types.ChatMessage
}

func (f *fakeGenerator) Generate(ctx context.Context, msgs []types.ChatMessage) (llm.TokenStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = append(f.got, msgs)
	if f.err != nil {
		return nil, f.err
	}
	return &fakeTokenStream{ctx: ctx, deltas: f.deltas, delay: f.delay}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGenerator) lastMessages() []types.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return nil
	}
	return f.got[len(f.got)-1]
}

type fakeTokenStream struct {
	ctx    context.Context
	deltas []string
	delay  time.Duration
	pos    int
}

func (s *fakeTokenStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", types.NewError(types.ErrCancelled, "cancelled").WithCause(err)
	}
	if s.pos >= len(s.deltas) {
		return "", io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return "", types.NewError(types.ErrCancelled, "cancelled").WithCause(s.ctx.Err())
		}
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *fakeTokenStream) Close() error { return nil }

type fakeSynthesizer struct {
	mu     sync.Mutex
	delays map[string]time.Duration
	err    error
	texts  []string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string, v tts.VoiceConfig) (tts.AudioStream, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	err := f.err
	delay := f.delays[text]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, types.NewError(types.ErrCancelled, "cancelled").WithCause(ctx.Err())
		}
	}
	return &fakeAudioStream{ctx: ctx, frames: [][]byte{[]byte(text)}}, nil
}

func (f *fakeSynthesizer) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeAudioStream struct {
	ctx    context.Context
	frames [][]byte
	pos    int
}

func (s *fakeAudioStream) Recv() ([]byte, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "cancelled").WithCause(err)
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *fakeAudioStream) Close() error { return nil }

type emitRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *emitRecorder) emit(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, string(pcm))
	r.mu.Unlock()
	return nil
}

func (r *emitRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []types.Exchange
}

func (h *fakeHistory) Append(ex types.Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.TurnID == ex.TurnID {
			return
		}
	}
	h.entries = append(h.entries, ex)
}

func (h *fakeHistory) Recent(n int) []types.Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) <= n {
		return append([]types.Exchange(nil), h.entries...)
	}
	return append([]types.Exchange(nil), h.entries[len(h.entries)-n:]...)
}

func (h *fakeHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// --- harness ---------------------------------------------------------------

const (
	greetingText = "Bonjour! Comment puis-je vous aider?"
	apologyText  = "Désolé, une erreur s'est produite."
	questionText = "Quand Harvard a-t-elle été fondée?"
)

func testCfg() Config {
	return Config{
		SystemPrompt:   "Tu es l'assistant vocal de Harvard.",
		Greetings:      []string{greetingText},
		Thanks:         []string{"Je vous en prie!"},
		Goodbyes:       []string{"Au revoir!"},
		Apology:        apologyText,
		SampleRate:     16000,
		TopK:           3,
		ScoreThreshold: 0.7,
		Voice:          tts.VoiceConfig{Voice: "af_sarah", Speed: 1.0},
		Chunker:        chunker.Config{MaxChars: 200, MaxWait: 40 * time.Millisecond},
		MaxInflight:    2,
		StageTimeout:   2 * time.Second,
		MaxRetries:     1,
		RetryBackoff:   10 * time.Millisecond,
		HistoryDepth:   4,
	}
}

func testClassifier() *intent.Classifier {
	return intent.NewClassifier(intent.PhraseSets{
		Greetings: []string{"bonjour", "salut"},
		Thanks:    []string{"merci"},
		Goodbyes:  []string{"au revoir"},
	})
}

func newHarness(cfg Config, ad Adapters) (*Controller, *emitRecorder, *fakeHistory) {
	rec := &emitRecorder{}
	hist := &fakeHistory{}
	c := NewController(context.Background(), "s1", cfg, ad, testClassifier(), hist, rec.emit, nil, zap.NewNop())
	return c, rec, hist
}

func utterance() *types.Utterance {
	now := time.Now()
	return &types.Utterance{SessionID: "s1", PCM: make([]byte, 960), StartedAt: now.Add(-time.Second), EndedAt: now}
}

func waitDone(t *testing.T, tn *Turn) {
	t.Helper()
	select {
	case <-tn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

// --- tests -----------------------------------------------------------------

func TestDirectResponseGreeting(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{"Bonjour"}}
	rt := &fakeRetriever{}
	gn := &fakeGenerator{}
	sy := &fakeSynthesizer{}
	c, rec, hist := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	assert.Equal(t, types.StateCompleted, tn.State())
	assert.Equal(t, types.IntentGreeting, tn.Intent())
	assert.Equal(t, greetingText, tn.Response())
	assert.Zero(t, rt.callCount(), "greeting must not hit retrieval")
	assert.Zero(t, gn.callCount(), "greeting must not hit generation")
	assert.Equal(t, []string{greetingText}, rec.all())
	assert.Equal(t, 1, hist.len())
}

func TestQueryThroughRAGPipeline(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText}}
	rt := &fakeRetriever{passages: []types.Passage{{Text: "Harvard a été fondée en 1636.", Score: 0.95}}}
	gn := &fakeGenerator{deltas: []string{"Harvard a été ", "fondée en 1636."}}
	sy := &fakeSynthesizer{}
	c, rec, hist := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	require.Equal(t, types.StateCompleted, tn.State())
	assert.Equal(t, types.IntentQuery, tn.Intent())
	assert.Contains(t, tn.Response(), "1636")
	assert.NotEmpty(t, rec.all(), "at least one audio chunk must be emitted")
	require.Len(t, tn.Passages(), 1)

	msgs := gn.lastMessages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1].Content
	assert.Contains(t, last, "Contexte:")
	assert.Contains(t, last, "1636")
	assert.Contains(t, last, questionText)

	require.Equal(t, 1, hist.len())
	assert.Equal(t, questionText, hist.Recent(1)[0].User)
}

func TestEmissionOrderSurvivesSlowSynthesis(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText}}
	rt := &fakeRetriever{}
	gn := &fakeGenerator{deltas: []string{"Un. ", "Deux. ", "Trois."}}
	sy := &fakeSynthesizer{delays: map[string]time.Duration{"Deux.": 150 * time.Millisecond}}
	c, rec, _ := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	require.Equal(t, types.StateCompleted, tn.State())
	assert.Equal(t, []string{"Un.", "Deux.", "Trois."}, rec.all(),
		"chunks must be emitted in generation order even when a later chunk synthesizes first")
}

func TestBargeInCancelsTurn(t *testing.T) {
	deltas := make([]string, 40)
	for i := range deltas {
		deltas[i] = "Encore une phrase complète. "
	}
	tr := &fakeTranscriber{texts: []string{questionText, "Bonjour"}}
	rt := &fakeRetriever{}
	gn := &fakeGenerator{deltas: deltas, delay: 15 * time.Millisecond}
	sy := &fakeSynthesizer{}
	c, rec, hist := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	require.Eventually(t, func() bool { return rec.count() >= 2 }, 3*time.Second, 5*time.Millisecond,
		"assistant should be speaking before the barge-in")

	c.HandleUtteranceStarted(time.Now())
	assert.Equal(t, types.StateCancelled, tn.State())
	assert.Equal(t, "barge_in", tn.CancelReason())

	emitted := rec.count()
	waitDone(t, tn)
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, rec.count(), emitted+1,
		"no more than one in-flight chunk may land after cancellation")
	assert.Zero(t, hist.len(), "cancelled turn must not enter history")

	// The next utterance starts a fresh turn that completes normally.
	tn2 := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn2)
	assert.NotEqual(t, tn.ID, tn2.ID)
	assert.Equal(t, types.StateCompleted, tn2.State())
}

func TestRetrievalFailureDegradesToNoContext(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText}}
	rt := &fakeRetriever{errs: []error{types.NewError(types.ErrRetrieval, "down"), types.NewError(types.ErrRetrieval, "down")}}
	gn := &fakeGenerator{deltas: []string{"Je n'ai pas cette information."}}
	sy := &fakeSynthesizer{}
	c, rec, _ := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	require.Equal(t, types.StateCompleted, tn.State(), "retrieval failure must not fail the turn")
	msgs := gn.lastMessages()
	require.NotEmpty(t, msgs)
	assert.NotContains(t, msgs[len(msgs)-1].Content, "Contexte:")
	assert.NotEmpty(t, rec.all())
}

func TestEmptyRetrievalStillCompletes(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText}}
	rt := &fakeRetriever{passages: nil}
	gn := &fakeGenerator{deltas: []string{"Je n'ai pas cette information."}}
	sy := &fakeSynthesizer{}
	c, _, _ := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)
	assert.Equal(t, types.StateCompleted, tn.State())
}

func TestRetryableRetrievalErrorIsRetried(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText}}
	rt := &fakeRetriever{
		errs:     []error{types.NewError(types.ErrRetrieval, "flaky").WithRetryable(true)},
		passages: []types.Passage{{Text: "fondée en 1636", Score: 0.9}},
	}
	gn := &fakeGenerator{deltas: []string{"En 1636."}}
	sy := &fakeSynthesizer{}
	c, _, _ := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	assert.Equal(t, types.StateCompleted, tn.State())
	assert.Equal(t, 2, rt.callCount())
	msgs := gn.lastMessages()
	assert.Contains(t, msgs[len(msgs)-1].Content, "Contexte:")
}

func TestTranscriptionErrorSpeaksApology(t *testing.T) {
	tr := &fakeTranscriber{err: types.NewError(types.ErrTranscription, "no audio")}
	rt := &fakeRetriever{}
	gn := &fakeGenerator{}
	sy := &fakeSynthesizer{}
	c, rec, hist := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	assert.Equal(t, types.StateError, tn.State())
	assert.Contains(t, rec.all(), apologyText)
	assert.Zero(t, hist.len())

	// The session stays usable.
	tr.mu.Lock()
	tr.err = nil
	tr.texts = []string{"Bonjour"}
	tr.mu.Unlock()
	tn2 := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn2)
	assert.Equal(t, types.StateCompleted, tn2.State())
}

func TestGenerationErrorSpeaksApology(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText}}
	rt := &fakeRetriever{}
	gn := &fakeGenerator{err: types.NewError(types.ErrGeneration, "model gone")}
	sy := &fakeSynthesizer{}
	c, rec, _ := newHarness(testCfg(), Adapters{tr, rt, gn, sy})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	assert.Equal(t, types.StateError, tn.State())
	assert.Contains(t, rec.all(), apologyText)
}

func TestStageTimeoutConvertsToError(t *testing.T) {
	cfg := testCfg()
	cfg.StageTimeout = 60 * time.Millisecond
	tr := &fakeTranscriber{texts: []string{"Bonjour"}, block: time.Second}
	c, _, _ := newHarness(cfg, Adapters{tr, &fakeRetriever{}, &fakeGenerator{}, &fakeSynthesizer{}})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)
	assert.Equal(t, types.StateError, tn.State())
}

func TestEmptyTranscriptFinishesQuietly(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{"   "}}
	c, rec, hist := newHarness(testCfg(), Adapters{tr, &fakeRetriever{}, &fakeGenerator{}, &fakeSynthesizer{}})

	tn := c.HandleUtteranceEnded(utterance())
	waitDone(t, tn)

	assert.Equal(t, types.StateCompleted, tn.State())
	assert.Empty(t, rec.all())
	assert.Zero(t, hist.len())
}

func TestAtMostOneActiveTurn(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText, "Bonjour"}, block: 300 * time.Millisecond}
	c, _, _ := newHarness(testCfg(), Adapters{tr, &fakeRetriever{}, &fakeGenerator{deltas: []string{"Oui."}}, &fakeSynthesizer{}})

	tn1 := c.HandleUtteranceEnded(utterance())
	tn2 := c.HandleUtteranceEnded(utterance())

	// Starting the second turn must have fully finalized the first.
	assert.True(t, tn1.State().Terminal(), "first turn should be terminal, got %s", tn1.State())
	assert.Equal(t, types.StateCancelled, tn1.State())
	assert.Equal(t, "superseded", tn1.CancelReason())

	waitDone(t, tn2)
	assert.Same(t, tn2, c.ActiveTurn())
}

func TestShutdownCancelsActiveTurn(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{questionText}, block: 2 * time.Second}
	c, _, _ := newHarness(testCfg(), Adapters{tr, &fakeRetriever{}, &fakeGenerator{}, &fakeSynthesizer{}})

	tn := c.HandleUtteranceEnded(utterance())
	c.Shutdown("teardown")

	assert.Equal(t, types.StateCancelled, tn.State())
	assert.Equal(t, "teardown", tn.CancelReason())
}

func TestAnnounceSpeaksOutsideATurn(t *testing.T) {
	sy := &fakeSynthesizer{}
	c, rec, _ := newHarness(testCfg(), Adapters{&fakeTranscriber{}, &fakeRetriever{}, &fakeGenerator{}, sy})

	require.NoError(t, c.Announce(greetingText))
	assert.Equal(t, []string{greetingText}, rec.all())
	assert.Nil(t, c.ActiveTurn())
}
