package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aloud/agent/internal/chunker"
	"aloud/agent/internal/intent"
	"aloud/agent/internal/llm"
	"aloud/agent/internal/rag"
	"aloud/agent/internal/stt"
	"aloud/agent/internal/tts"
	"aloud/agent/internal/types"
)

// History is the bounded conversation record a controller reads for prompt
// construction and appends completed turns to. Appends must be idempotent
// per turn id.
type History interface {
	Append(ex types.Exchange)
	Recent(n int) []types.Exchange
}

// EmitFunc delivers one outbound audio chunk to the session's transport.
type EmitFunc func(ctx context.Context, pcm []byte) error

// Adapters are the shared stateless capabilities a controller sequences.
type Adapters struct {
	Transcriber stt.Transcriber
	Retriever   rag.Retriever
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
}

type Config struct {
	SystemPrompt string
	Greetings    []string
	Thanks       []string
	Goodbyes     []string
	Apology      string

	SampleRate     int
	TopK           int
	ScoreThreshold float64
	Voice          tts.VoiceConfig
	Chunker        chunker.Config

	MaxInflight  int
	StageTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	HistoryDepth int
}

// Controller owns the turn state for one session. It is the only writer of
// turn state; the VAD segmenter merely requests cancellation through
// HandleUtteranceStarted.
type Controller struct {
	cfg        Config
	sessionID  string
	ctx        context.Context
	ad         Adapters
	classifier *intent.Classifier
	history    History
	emit       EmitFunc
	onSpeaking func(time.Time)
	log        *zap.Logger

	mu        sync.Mutex
	active    *Turn
	cannedIdx map[types.Intent]int
}

// NewController wires a per-session controller. onSpeaking is invoked when
// the first audio of a response reaches the transport, so the caller can arm
// the VAD guard window.
func NewController(ctx context.Context, sessionID string, cfg Config, ad Adapters, cls *intent.Classifier, hist History, emit EmitFunc, onSpeaking func(time.Time), log *zap.Logger) *Controller {
	return &Controller{
		cfg:        cfg,
		sessionID:  sessionID,
		ctx:        ctx,
		ad:         ad,
		classifier: cls,
		history:    hist,
		emit:       emit,
		onSpeaking: onSpeaking,
		log:        log.Named("turn"),
		cannedIdx:  make(map[types.Intent]int),
	}
}

// ActiveTurn returns the current turn, which may already be terminal.
func (c *Controller) ActiveTurn() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// HandleUtteranceStarted is the barge-in path: new speech cancels whatever
// turn is still in flight. Cancellation is observed at the next chunk
// boundary by the generator and synthesizer streams.
func (c *Controller) HandleUtteranceStarted(now time.Time) {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t == nil {
		return
	}
	if t.Cancel("barge_in") {
		metricBargeIn.Inc()
		c.log.Info("barge-in cancelled turn",
			zap.String("session_id", c.sessionID),
			zap.String("turn_id", t.ID))
	}
}

// HandleUtteranceEnded starts a new turn for the finished utterance. Any
// prior turn is cancelled and fully unwound first, keeping at most one
// non-terminal turn per session.
func (c *Controller) HandleUtteranceEnded(utt *types.Utterance) *Turn {
	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()
	if prev != nil {
		prev.Cancel("superseded")
		select {
		case <-prev.Done():
		case <-time.After(c.cfg.StageTimeout):
			c.log.Error("previous turn did not unwind in time",
				zap.String("turn_id", prev.ID))
		}
	}

	t := newTurn(c.ctx, c.sessionID)
	c.mu.Lock()
	c.active = t
	c.mu.Unlock()
	go c.runTurn(t, utt)
	return t
}

// Shutdown cancels any in-flight turn, e.g. on session teardown.
func (c *Controller) Shutdown(reason string) {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t != nil && t.Cancel(reason) {
		<-t.Done()
	}
}

// Announce speaks text outside of any turn, e.g. the greeting on join.
func (c *Controller) Announce(text string) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.StageTimeout)
	defer cancel()
	stream, err := c.ad.Synthesizer.Synthesize(ctx, text, c.cfg.Voice)
	if err != nil {
		return err
	}
	defer stream.Close()
	return c.emitStream(ctx, stream, nil)
}

func (c *Controller) runTurn(t *Turn, utt *types.Utterance) {
	defer close(t.done)
	start := time.Now()

	_ = t.transition(types.StateTranscribing)
	sctx, cancel := context.WithTimeout(t.ctx, c.cfg.StageTimeout)
	text, lang, err := c.ad.Transcriber.Transcribe(sctx, utt.PCM, c.cfg.SampleRate)
	cancel()
	if err != nil {
		c.fail(t, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		// Noise or clipped speech; finish quietly without a response.
		_ = t.transition(types.StateCompleted)
		metricTurns.WithLabelValues("empty").Inc()
		return
	}
	t.setTranscript(text, lang)
	c.log.Info("transcript",
		zap.String("session_id", c.sessionID),
		zap.String("turn_id", t.ID),
		zap.String("text", text))

	_ = t.transition(types.StateClassifying)
	in := c.classifier.Classify(text)
	t.setIntent(in)

	if in != types.IntentQuery {
		_ = t.transition(types.StateDirectResponding)
		resp := c.pickCanned(in)
		t.appendResponse(resp)
		if err := c.speakText(t, resp); err != nil {
			c.fail(t, err)
			return
		}
		c.complete(t, start)
		return
	}

	if err := c.respond(t); err != nil {
		c.fail(t, err)
		return
	}
	c.complete(t, start)
}

// respond runs the retrieval → generation → synthesis pipeline for a query.
func (c *Controller) respond(t *Turn) error {
	_ = t.transition(types.StateRetrieving)
	rctx, rcancel := context.WithTimeout(t.ctx, c.cfg.StageTimeout)
	var passages []types.Passage
	err := c.retry(rctx, func() error {
		var rerr error
		passages, rerr = c.ad.Retriever.Retrieve(rctx, t.Transcript(), c.cfg.TopK, c.cfg.ScoreThreshold)
		return rerr
	})
	rcancel()
	if err != nil {
		if t.ctx.Err() != nil {
			return err
		}
		// Degraded, not fatal: answer without context.
		metricRetrievalDegraded.Inc()
		c.log.Warn("retrieval failed; answering without context",
			zap.String("turn_id", t.ID), zap.Error(err))
		passages = nil
	}
	if len(passages) == 0 && err == nil {
		metricRetrievalDegraded.Inc()
	}
	t.setPassages(passages)

	_ = t.transition(types.StateGenerating)
	msgs := llm.BuildMessages(c.cfg.SystemPrompt, t.Transcript(), rag.FormatContext(passages), c.history.Recent(c.cfg.HistoryDepth))

	gctx, gcancel := context.WithTimeout(t.ctx, c.cfg.StageTimeout)
	defer gcancel()

	var stream llm.TokenStream
	if err := c.retry(gctx, func() error {
		var gerr error
		stream, gerr = c.ad.Generator.Generate(gctx, msgs)
		return gerr
	}); err != nil {
		return err
	}

	bound := c.cfg.MaxInflight
	if bound < 1 {
		bound = 1
	}
	chunks := make(chan chunker.Chunk, bound)

	g, ctx := errgroup.WithContext(gctx)
	g.Go(func() error {
		defer close(chunks)
		defer stream.Close()
		return c.chunkDeltas(t, ctx, stream, chunks)
	})
	g.Go(func() error {
		return c.speakChunks(t, ctx, chunks)
	})
	return g.Wait()
}

// chunkDeltas reads generator deltas, accumulates the response text, and
// forwards sentence chunks downstream. The chunks channel is bounded, so a
// lagging synthesizer suspends this reader rather than growing a buffer.
func (c *Controller) chunkDeltas(t *Turn, ctx context.Context, stream llm.TokenStream, chunks chan<- chunker.Chunk) error {
	ck := chunker.New(c.cfg.Chunker, time.Now())

	deltas := make(chan string)
	errs := make(chan error, 1)
	go func() {
		for {
			d, err := stream.Recv()
			if err != nil {
				errs <- err
				return
			}
			select {
			case deltas <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(ch chunker.Chunk) error {
		select {
		case chunks <- ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wait := c.cfg.Chunker.MaxWait
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		timer.Reset(wait)
		select {
		case d := <-deltas:
			t.appendResponse(d)
			for _, ch := range ck.Push(d, time.Now()) {
				if err := send(ch); err != nil {
					return err
				}
			}
		case err := <-errs:
			if err == io.EOF {
				if ch, ok := ck.Flush(time.Now()); ok {
					if serr := send(ch); serr != nil {
						return serr
					}
				}
				return nil
			}
			return err
		case <-timer.C:
			if ch, ok := ck.FlushStale(time.Now()); ok {
				if err := send(ch); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type synthResult struct {
	seq    int
	stream tts.AudioStream
}

// speakChunks synthesizes chunks with a small worker pool and emits the
// audio strictly in chunk sequence order through a reorder buffer. In-flight
// work is bounded by the pool size.
func (c *Controller) speakChunks(t *Turn, ctx context.Context, chunks <-chan chunker.Chunk) error {
	workers := c.cfg.MaxInflight
	if workers < 1 {
		workers = 1
	}
	results := make(chan synthResult, workers)
	var synthOnce sync.Once

	g, gctx := errgroup.WithContext(ctx)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for {
				select {
				case ch, ok := <-chunks:
					if !ok {
						return nil
					}
					synthOnce.Do(func() { _ = t.transition(types.StateSynthesizing) })
					var as tts.AudioStream
					err := c.retry(gctx, func() error {
						var serr error
						as, serr = c.ad.Synthesizer.Synthesize(gctx, ch.Text, c.cfg.Voice)
						return serr
					})
					if err != nil {
						return err
					}
					select {
					case results <- synthResult{seq: ch.Seq, stream: as}:
					case <-gctx.Done():
						as.Close()
						return gctx.Err()
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	g.Go(func() error {
		pending := make(map[int]tts.AudioStream)
		defer func() {
			for _, s := range pending {
				s.Close()
			}
		}()
		next := 0
		for res := range results {
			pending[res.seq] = res.stream
			for {
				s, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				err := c.emitStream(gctx, s, func() {
					_ = t.transition(types.StateSpeaking)
					if ts, ok := t.StampAt(types.StateTranscribing); ok {
						metricFirstAudioMS.Observe(float64(time.Since(ts).Milliseconds()))
					}
				})
				s.Close()
				if err != nil {
					return err
				}
				next++
			}
		}
		return nil
	})

	return g.Wait()
}

// emitStream drains one audio stream to the transport, checking cancellation
// at every chunk boundary. onFirst runs before the first chunk is emitted.
func (c *Controller) emitStream(ctx context.Context, s tts.AudioStream, onFirst func()) error {
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := s.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if first {
			if onFirst != nil {
				onFirst()
			}
			if c.onSpeaking != nil {
				c.onSpeaking(time.Now())
			}
			first = false
		}
		if err := c.emit(ctx, frame); err != nil {
			return types.NewError(types.ErrTransport, "emit audio").WithCause(err)
		}
		metricChunksEmitted.Inc()
	}
}

// speakText runs a single canned text through the synthesis/emission path.
func (c *Controller) speakText(t *Turn, text string) error {
	sctx, cancel := context.WithTimeout(t.ctx, c.cfg.StageTimeout)
	defer cancel()
	chunks := make(chan chunker.Chunk, 1)
	chunks <- chunker.Chunk{Seq: 0, Text: text}
	close(chunks)
	return c.speakChunks(t, sctx, chunks)
}

func (c *Controller) complete(t *Turn, start time.Time) {
	if t.State().Terminal() {
		return
	}
	_ = t.transition(types.StateCompleted)
	c.history.Append(types.Exchange{
		TurnID:    t.ID,
		User:      t.Transcript(),
		Assistant: t.Response(),
		At:        time.Now(),
	})
	metricTurns.WithLabelValues("completed").Inc()
	c.log.Info("turn completed",
		zap.String("session_id", c.sessionID),
		zap.String("turn_id", t.ID),
		zap.String("intent", string(t.Intent())),
		zap.Duration("took", time.Since(start)))
}

// fail finalizes a turn after an unrecoverable stage error. Barge-in races
// land here too: the turn is already cancelled and the outcome is benign.
func (c *Controller) fail(t *Turn, err error) {
	if t.State().Terminal() {
		metricTurns.WithLabelValues("cancelled").Inc()
		c.log.Debug("turn cancelled mid-stage",
			zap.String("turn_id", t.ID),
			zap.String("reason", t.CancelReason()))
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = types.NewError(types.ErrTimeout, "stage timed out").WithCause(err)
	}
	_ = t.transition(types.StateError)
	metricTurns.WithLabelValues("error").Inc()
	c.log.Warn("turn failed",
		zap.String("session_id", c.sessionID),
		zap.String("turn_id", t.ID),
		zap.Error(err))

	// Best-effort spoken apology; the session stays open.
	if c.cfg.Apology != "" && types.CodeOf(err) != types.ErrTransport {
		if aerr := c.Announce(c.cfg.Apology); aerr != nil {
			c.log.Debug("apology playback failed", zap.Error(aerr))
		}
	}
}

// retry re-runs fn with linear backoff for errors marked retryable.
func (c *Controller) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil || !types.IsRetryable(err) {
			return err
		}
	}
	return err
}

func (c *Controller) pickCanned(in types.Intent) string {
	var pool []string
	switch in {
	case types.IntentGreeting:
		pool = c.cfg.Greetings
	case types.IntentThanks:
		pool = c.cfg.Thanks
	case types.IntentGoodbye:
		pool = c.cfg.Goodbyes
	}
	if len(pool) == 0 {
		return c.cfg.Apology
	}
	c.mu.Lock()
	i := c.cannedIdx[in]
	c.cannedIdx[in] = i + 1
	c.mu.Unlock()
	return pool[i%len(pool)]
}
