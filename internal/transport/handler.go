package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	ws "nhooyr.io/websocket"

	"aloud/agent/internal/session"
)

// Message is the text-frame control envelope exchanged with clients. Audio
// travels as binary frames: inbound PCM16 mic frames, outbound PCM16
// response chunks.
type Message struct {
	Type      string         `json:"type"`
	TsMs      int64          `json:"ts_ms"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Server accepts caller websockets and bridges them to sessions.
type Server struct {
	mgr *session.Manager
	reg *Registry
	log *zap.Logger
}

func NewServer(mgr *session.Manager, reg *Registry, log *zap.Logger) *Server {
	return &Server{mgr: mgr, reg: reg, log: log.Named("transport")}
}

// HandleWS is the /ws endpoint. One connection is one caller; the session id
// can be pinned with ?session_id= so a dropped caller can resume.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	c, err := ws.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("ws accept failed", zap.Error(err))
		return
	}
	metricConnections.Inc()
	replaced := s.reg.Replace(sessionID, c)
	if replaced {
		s.log.Info("connection replaced", zap.String("session_id", sessionID))
	}

	sess := s.mgr.Join(sessionID, func(ctx context.Context, pcm []byte) error {
		metricAudioOut.Inc()
		return s.reg.SendAudio(ctx, sessionID, pcm)
	})

	ctx := r.Context()
	_ = s.reg.SendJSON(ctx, sessionID, Message{
		Type:      "session",
		TsMs:      time.Now().UnixMilli(),
		SessionID: sessionID,
	})

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		switch typ {
		case ws.MessageBinary:
			metricFramesIn.Inc()
			sess.Feed(data, time.Now())
		case ws.MessageText:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Debug("bad control message",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			s.handleControl(sess, msg)
		}
	}

	_ = c.Close(ws.StatusNormalClosure, "done")
	if s.reg.RemoveIf(sessionID, c) {
		s.mgr.Leave(sessionID, "disconnected")
	}
}

func (s *Server) handleControl(sess *session.Session, msg Message) {
	switch msg.Type {
	case "flush":
		// Caller stopped streaming mid-utterance.
		sess.Flush(time.Now())
	case "ping":
		// Liveness only; activity is tracked by audio frames.
	default:
		s.log.Debug("unknown control message",
			zap.String("session_id", sess.ID),
			zap.String("type", msg.Type))
	}
}
