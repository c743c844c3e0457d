package turn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"aloud/agent/internal/types"
)

// stateRank orders states so transitions can only move forward. Branches
// (direct response vs retrieval) share a rank; terminal states share the top.
var stateRank = map[types.TurnState]int{
	types.StateIdle:             0,
	types.StateTranscribing:     1,
	types.StateClassifying:      2,
	types.StateDirectResponding: 3,
	types.StateRetrieving:       3,
	types.StateGenerating:       4,
	types.StateSynthesizing:     5,
	types.StateSpeaking:         6,
	types.StateCompleted:        7,
	types.StateCancelled:        7,
	types.StateError:            7,
}

// Turn is one user-utterance → assistant-response cycle. All state writes go
// through the owning controller; adapters only observe the turn's context.
type Turn struct {
	ID        string
	SessionID string

	mu           sync.Mutex
	state        types.TurnState
	transcript   string
	language     string
	intent       types.Intent
	passages     []types.Passage
	response     string
	cancelReason string
	stamps       map[types.TurnState]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newTurn(parent context.Context, sessionID string) *Turn {
	ctx, cancel := context.WithCancel(parent)
	t := &Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		state:     types.StateIdle,
		stamps:    map[types.TurnState]time.Time{types.StateIdle: time.Now()},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	return t
}

// Context is cancelled when the turn is cancelled or finished; generator and
// synthesizer streams observe it at chunk boundaries.
func (t *Turn) Context() context.Context { return t.ctx }

// Done is closed once the turn's pipeline goroutine has fully unwound.
func (t *Turn) Done() <-chan struct{} { return t.done }

func (t *Turn) State() types.TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transcript
}

func (t *Turn) Language() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.language
}

func (t *Turn) Intent() types.Intent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intent
}

func (t *Turn) Response() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

func (t *Turn) Passages() []types.Passage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.passages
}

// CancelReason returns why the turn was cancelled ("barge_in", "teardown").
func (t *Turn) CancelReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelReason
}

// StampAt returns when the turn entered st, if it ever did.
func (t *Turn) StampAt(st types.TurnState) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.stamps[st]
	return ts, ok
}

// transition moves the turn forward. Transitions are monotonic: a state is
// never revisited and terminal states are final.
func (t *Turn) transition(to types.TurnState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.state
	if from == to {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("turn %s: transition %s -> %s from terminal state", t.ID, from, to)
	}
	if stateRank[to] <= stateRank[from] {
		return fmt.Errorf("turn %s: transition %s -> %s would move backwards", t.ID, from, to)
	}
	t.state = to
	t.stamps[to] = time.Now()
	metricTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to.Terminal() {
		// Release anything still blocked on the turn's context.
		t.cancel()
	}
	return nil
}

// Cancel requests cooperative cancellation. The first call wins; later calls
// and calls on finished turns are no-ops.
func (t *Turn) Cancel(reason string) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	from := t.state
	t.state = types.StateCancelled
	t.cancelReason = reason
	t.stamps[types.StateCancelled] = time.Now()
	t.mu.Unlock()
	metricTransitions.WithLabelValues(string(from), string(types.StateCancelled)).Inc()
	t.cancel()
	return true
}

func (t *Turn) setTranscript(text, lang string) {
	t.mu.Lock()
	t.transcript = text
	t.language = lang
	t.mu.Unlock()
}

func (t *Turn) setIntent(i types.Intent) {
	t.mu.Lock()
	t.intent = i
	t.mu.Unlock()
}

func (t *Turn) setPassages(p []types.Passage) {
	t.mu.Lock()
	t.passages = p
	t.mu.Unlock()
}

func (t *Turn) appendResponse(s string) {
	t.mu.Lock()
	t.response += s
	t.mu.Unlock()
}
