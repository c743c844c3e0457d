package transport

import (
	"context"
	"encoding/json"
	"sync"

	ws "nhooyr.io/websocket"
)

// Registry keeps at most one live connection per session. A reconnect
// replaces and closes the previous connection.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*ws.Conn
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]*ws.Conn)} }

// Replace sets the connection for a session and closes the previous one if
// present.
func (r *Registry) Replace(sessionID string, c *ws.Conn) (prevClosed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[sessionID]; ok && old != nil {
		_ = old.Close(ws.StatusNormalClosure, "replaced")
		prevClosed = true
	}
	r.conns[sessionID] = c
	return
}

func (r *Registry) Get(sessionID string) *ws.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[sessionID]
}

// RemoveIf unregisters the session only if c is still its current
// connection, so a replaced connection's teardown cannot evict its
// successor.
func (r *Registry) RemoveIf(sessionID string, c *ws.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[sessionID] != c {
		return false
	}
	delete(r.conns, sessionID)
	return true
}

// SendAudio writes one binary PCM frame to the session's connection.
// A missing connection is not an error; the frame is dropped.
func (r *Registry) SendAudio(ctx context.Context, sessionID string, pcm []byte) error {
	r.mu.Lock()
	c := r.conns[sessionID]
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Write(ctx, ws.MessageBinary, pcm)
}

// SendJSON writes one text control message to the session's connection.
func (r *Registry) SendJSON(ctx context.Context, sessionID string, v any) error {
	r.mu.Lock()
	c := r.conns[sessionID]
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, ws.MessageText, b)
}
