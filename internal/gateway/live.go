package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"

	"github.com/loomworks/loom/internal/run"
	"github.com/loomworks/loom/internal/store"
)

// LiveRequest is one client frame on the live channel.
type LiveRequest struct {
	// Action is one of "start", "stop", or "stream".
	Action string `json:"action"`

	// start
	ThreadID        string `json:"thread_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	Model           string `json:"model,omitempty"`
	EnableThinking  bool   `json:"enable_thinking,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// stop and stream
	RunID   string `json:"run_id,omitempty"`
	FromSeq uint64 `json:"from_seq,omitempty"`
}

// liveAck confirms a start or stop action.
type liveAck struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

// handleLiveSchema serves the JSON schema of LiveRequest so clients can
// validate frames before connecting.
func (s *Server) handleLiveSchema(w http.ResponseWriter, _ *http.Request) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	writeJSON(w, http.StatusOK, reflector.Reflect(&LiveRequest{}))
}

const (
	// Close frame payloads are capped at 125 bytes, 2 of which hold the
	// status code.
	maxCloseReason = 123

	liveWriteTimeout = 10 * time.Second
	liveReadLimit    = 1 << 20
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// liveConn serializes writes; event pumps and the reader loop share the
// connection.
type liveConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *liveConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *liveConn) close(code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(liveWriteTimeout))
	_ = c.conn.Close()
}

// handleLive upgrades to WebSocket and processes LiveRequest frames until
// the client disconnects or a protocol violation closes the channel.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	raw, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	conn := &liveConn{conn: raw}
	raw.SetReadLimit(liveReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := r.PathValue("session")
	s.logger.Debug(ctx, "live channel opened",
		"app", r.PathValue("app"), "user", r.PathValue("user"), "session", session)

	for {
		msgType, payload, err := raw.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			conn.close(websocket.CloseUnsupportedData, "binary frames not supported")
			return
		}

		var req LiveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			conn.close(websocket.CloseProtocolError, "malformed frame")
			return
		}

		if closed := s.dispatchLive(ctx, conn, req); closed {
			return
		}
	}
}

// dispatchLive handles one frame; it reports whether the connection was
// closed.
func (s *Server) dispatchLive(ctx context.Context, conn *liveConn, req LiveRequest) bool {
	switch req.Action {
	case "start":
		runID, err := s.runs.Start(ctx, run.StartRequest{
			ThreadID:        req.ThreadID,
			AgentID:         req.AgentID,
			Model:           req.Model,
			EnableThinking:  req.EnableThinking,
			ReasoningEffort: req.ReasoningEffort,
		})
		if err != nil {
			return s.closeOnError(conn, err)
		}
		if err := conn.writeJSON(liveAck{Type: "run_started", RunID: runID}); err != nil {
			return true
		}
		s.pumpEvents(ctx, conn, runID, 0)
		return false

	case "stream":
		s.pumpEvents(ctx, conn, req.RunID, req.FromSeq)
		return false

	case "stop":
		if err := s.runs.Stop(ctx, req.RunID); err != nil {
			return s.closeOnError(conn, err)
		}
		return conn.writeJSON(liveAck{Type: "run_stopped", RunID: req.RunID}) != nil

	default:
		conn.close(websocket.CloseProtocolError, "unknown action")
		return true
	}
}

func (s *Server) closeOnError(conn *liveConn, err error) bool {
	if errors.Is(err, store.ErrNotFound) {
		conn.close(websocket.CloseProtocolError, "Session not found")
	} else {
		conn.close(websocket.CloseInternalServerErr, "internal error")
	}
	return true
}

// pumpEvents forwards a run's event stream as JSON frames in the background.
// Write failures end the pump; the reader loop notices the dead connection.
func (s *Server) pumpEvents(ctx context.Context, conn *liveConn, runID string, fromSeq uint64) {
	events, err := s.runs.Stream(ctx, runID, fromSeq)
	if err != nil {
		s.closeOnError(conn, err)
		return
	}
	go func() {
		for ev := range events {
			if err := conn.writeJSON(ev); err != nil {
				return
			}
		}
	}()
}
