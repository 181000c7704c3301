package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Callers authenticate with the bearer token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsMaxMessageSize = 64 << 10

// Client to server message types.
const (
	MsgSubscribeProject = "subscribe_project"
	MsgSubscribeSession = "subscribe_session"
	MsgUnsubscribe      = "unsubscribe"
	MsgPing             = "ping"
)

// Server to client control reply types.
const (
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgPong         = "pong"
	MsgError        = "error"
)

// ClientMessage is a message sent by a WebSocket client.
type ClientMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ControlMessage is a server reply to a ClientMessage. Bus events are sent
// as event.Event envelopes and are told apart by their type.
type ControlMessage struct {
	Type      string     `json:"type"`
	ProjectID string     `json:"projectId,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// handleWebSocket upgrades the request and bridges the connection to the
// registry until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrorBody{
			Code:    CodeNotConfigured,
			Message: "event streaming is disabled",
		}})
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	conn := s.deps.Registry.Connect(uuid.NewString())
	logger := s.logger.WithConnection(conn.ID())
	logger.Info("websocket connected", "remote", r.RemoteAddr)

	replies := make(chan ControlMessage, 16)

	// Subscribing through the query string saves a round trip.
	if project, session := r.URL.Query().Get("projectId"), r.URL.Query().Get("sessionId"); project != "" || session != "" {
		replies <- s.subscribe(conn.ID(), ClientMessage{ProjectID: project, SessionID: session})
	}

	var wg conc.WaitGroup
	wg.Go(func() { s.writePump(ws, conn, replies, logger) })
	s.readPump(ws, conn, replies, logger)

	s.deps.Registry.Disconnect(conn.ID())
	wg.Wait()
	logger.Info("websocket disconnected", "reason", s.deps.Registry.CloseReason(conn))
}

// readPump handles client messages until the socket fails or the
// connection is dropped.
func (s *Server) readPump(ws *websocket.Conn, conn *event.Conn, replies chan<- ControlMessage, logger *logging.Logger) {
	ws.SetReadLimit(wsMaxMessageSize)
	pongWait := 2 * s.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", "error", err.Error())
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		var reply ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			reply = errorReply(CodeInvalidInput, "invalid JSON message")
		} else {
			reply = s.handleClientMessage(conn.ID(), msg)
		}

		select {
		case replies <- reply:
		case <-conn.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(connID string, msg ClientMessage) ControlMessage {
	switch msg.Type {
	case MsgSubscribeProject:
		if msg.ProjectID == "" {
			return errorReply(CodeInvalidInput, "projectId is required")
		}
		return s.subscribe(connID, ClientMessage{ProjectID: msg.ProjectID})
	case MsgSubscribeSession:
		if msg.ProjectID == "" || msg.SessionID == "" {
			return errorReply(CodeInvalidInput, "projectId and sessionId are required")
		}
		return s.subscribe(connID, msg)
	case MsgUnsubscribe:
		if err := s.deps.Registry.Unsubscribe(connID); err != nil {
			_, body := classify(err)
			return ControlMessage{Type: MsgError, Error: &body}
		}
		return ControlMessage{Type: MsgUnsubscribed}
	case MsgPing:
		return ControlMessage{Type: MsgPong}
	default:
		return errorReply(CodeInvalidInput, "unknown message type: "+msg.Type)
	}
}

func (s *Server) subscribe(connID string, msg ClientMessage) ControlMessage {
	if err := s.deps.Registry.Subscribe(connID, msg.ProjectID, msg.SessionID); err != nil {
		_, body := classify(err)
		return ControlMessage{Type: MsgError, Error: &body}
	}
	return ControlMessage{Type: MsgSubscribed, ProjectID: msg.ProjectID, SessionID: msg.SessionID}
}

func errorReply(code, message string) ControlMessage {
	return ControlMessage{Type: MsgError, Error: &ErrorBody{Code: code, Message: message}}
}

// writePump is the only writer on ws. It drains events and replies, pings
// idle clients, and closes the socket when the registry drops conn.
func (s *Server) writePump(ws *websocket.Conn, conn *event.Conn, replies <-chan ControlMessage, logger *logging.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	write := func(v any) error {
		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return ws.WriteJSON(v)
	}

	// Replies queued before the pump started answer the handshake
	// subscription and go out ahead of any event.
	for pending := true; pending; {
		select {
		case reply := <-replies:
			if err := write(reply); err != nil {
				logger.Debug("websocket write failed", "error", err.Error())
				s.deps.Registry.Disconnect(conn.ID())
				return
			}
		default:
			pending = false
		}
	}

	for {
		select {
		case e := <-conn.Events():
			if err := write(e); err != nil {
				logger.Debug("websocket write failed", "error", err.Error())
				s.deps.Registry.Disconnect(conn.ID())
				return
			}
		case reply := <-replies:
			if err := write(reply); err != nil {
				logger.Debug("websocket write failed", "error", err.Error())
				s.deps.Registry.Disconnect(conn.ID())
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.deps.Registry.Disconnect(conn.ID())
				return
			}
		case <-conn.Done():
			reason := s.deps.Registry.CloseReason(conn)
			code := websocket.CloseNormalClosure
			switch reason {
			case event.CloseSlowConsumer:
				code = websocket.ClosePolicyViolation
			case event.CloseShutdown:
				code = websocket.CloseGoingAway
			}
			msg := websocket.FormatCloseMessage(code, reason)
			if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("websocket close failed", "error", err.Error())
			}
			return
		}
	}
}
