package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shelly/internal/rpc"
)

// wsSocket adapts an upgraded gorilla WebSocket connection to rpc.Socket.
//
// Because devices dial the gateway, a wsSocket is born in the open state;
// it never passes through connecting. Reads happen on a single pump
// goroutine, writes are serialised by writeMu (gorilla permits one
// concurrent reader and one concurrent writer).
type wsSocket struct {
	conn   *websocket.Conn
	cfg    config.WebSocketConfig
	logger *logging.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	state  rpc.SocketState
	events rpc.SocketEvents

	done       chan struct{}
	finishOnce sync.Once
}

func newWSSocket(conn *websocket.Conn, cfg config.WebSocketConfig, logger *logging.Logger) *wsSocket {
	return &wsSocket{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		state:  rpc.StateOpen,
		done:   make(chan struct{}),
	}
}

// start launches the read pump and the keepalive pinger. Call after the
// initial Bind so the first frame is not dropped.
func (s *wsSocket) start() {
	go s.readPump()
	go s.pinger()
}

// State returns the current readiness.
func (s *wsSocket) State() rpc.SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send transmits one text frame. It fails without writing if the socket has
// left the open state.
func (s *wsSocket) Send(payload []byte) error {
	if s.State() != rpc.StateOpen {
		return ErrSocketNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.cfg.GetPongTimeout())
	//nolint:errcheck // Best-effort deadline; write error caught below
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("server: writing frame: %w", err)
	}
	return nil
}

// Close requests an orderly close by sending a close control frame. The
// socket enters closing; the close completes (and OnClose fires) when the
// peer replies with its own close frame or the read deadline expires.
func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.state != rpc.StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = rpc.StateClosing
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(s.cfg.GetPongTimeout())
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		// Peer unreachable; tear the connection down so the pump exits.
		s.conn.Close()
		return fmt.Errorf("server: sending close frame: %w", err)
	}
	return nil
}

// Bind replaces the socket's event sink.
func (s *wsSocket) Bind(events rpc.SocketEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
}

// Unbind detaches the event sink without closing the connection.
func (s *wsSocket) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = rpc.SocketEvents{}
}

// readPump reads frames until the connection dies, delivering each to the
// bound OnMessage. The read deadline is refreshed by pongs and by any
// received frame, so a device that stops answering pings is detected within
// ping_interval + pong_timeout.
func (s *wsSocket) readPump() {
	idle := s.cfg.GetPingInterval() + s.cfg.GetPongTimeout()

	s.conn.SetReadLimit(int64(s.cfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(idle))

		s.mu.Lock()
		cb := s.events.OnMessage
		s.mu.Unlock()
		if cb != nil {
			cb(message)
		}
	}
}

// pinger sends protocol-level pings so half-dead connections are noticed
// even when the device is quiet.
func (s *wsSocket) pinger() {
	ticker := time.NewTicker(s.cfg.GetPingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(s.cfg.GetPongTimeout()))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// finish records the terminal state and fires OnClose exactly once.
func (s *wsSocket) finish(readErr error) {
	s.finishOnce.Do(func() {
		code := websocket.CloseAbnormalClosure
		reason := ""
		var closeErr error

		var ce *websocket.CloseError
		if errors.As(readErr, &ce) {
			// The peer sent a close frame: an orderly close, whatever the code.
			code = ce.Code
			reason = ce.Text
		} else {
			closeErr = readErr
		}

		s.mu.Lock()
		s.state = rpc.StateClosed
		cb := s.events.OnClose
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()

		if closeErr != nil {
			s.logger.Debug("socket dropped", "error", closeErr)
		} else {
			s.logger.Debug("socket closed by peer", "code", code, "reason", reason)
		}

		if cb != nil {
			cb(code, reason, closeErr)
		}
	})
}
