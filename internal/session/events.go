package session

import (
	"sync"
	"time"

	"aloud/agent/internal/types"
)

const maxEventsPerSession = 1024

// EventLog keeps an ordered, bounded per-session event trail for debugging
// and the session inspection endpoint.
type EventLog struct {
	mu     sync.RWMutex
	bySess map[string][]types.Event
}

func NewEventLog() *EventLog {
	return &EventLog{bySess: make(map[string][]types.Event)}
}

func (l *EventLog) Append(sessionID, typ string, payload map[string]any) types.Event {
	evt := types.Event{
		SessionID: sessionID,
		Type:      typ,
		Ts:        time.Now().UTC(),
		Payload:   payload,
	}
	l.mu.Lock()
	evts := append(l.bySess[sessionID], evt)
	if len(evts) > maxEventsPerSession {
		evts = evts[len(evts)-maxEventsPerSession:]
	}
	l.bySess[sessionID] = evts
	l.mu.Unlock()
	return evt
}

// List returns a copy of the session's events in append order.
func (l *EventLog) List(sessionID string) []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.bySess[sessionID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

// Drop discards the trail of a removed session.
func (l *EventLog) Drop(sessionID string) {
	l.mu.Lock()
	delete(l.bySess, sessionID)
	l.mu.Unlock()
}
