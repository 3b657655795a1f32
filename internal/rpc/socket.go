package rpc

// SocketState is the readiness of an attached socket, mirrored from the
// underlying transport. StateNoSocket means no socket is currently attached.
type SocketState int

// Socket readiness states. The zero value is StateNoSocket.
const (
	StateNoSocket SocketState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name for logging.
func (s SocketState) String() string {
	switch s {
	case StateNoSocket:
		return "no_socket"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connected reports whether the state counts as connected for lifecycle
// event emission. Only StateOpen does.
func (s SocketState) Connected() bool {
	return s == StateOpen
}

// CloseNormal is the WebSocket close code used for orderly shutdown
// (RFC 6455 status 1000).
const CloseNormal = 1000

// SocketEvents is the event sink a Handler binds onto its socket.
// A zero SocketEvents drops everything.
type SocketEvents struct {
	// OnOpen fires when the socket transitions to StateOpen.
	OnOpen func()

	// OnMessage fires for every complete frame received, in arrival order.
	OnMessage func(data []byte)

	// OnClose fires exactly once when the socket reaches StateClosed.
	// err is nil for an orderly close.
	OnClose func(code int, reason string, err error)
}

// Socket is a bidirectional message channel with an observable readiness
// state. The WebSocket implementation lives in the server package; tests use
// in-memory fakes.
//
// A Socket has at most one bound event sink at a time. Bind replaces the
// current sink; Unbind detaches it without closing the connection, which is
// what allows a handler to release a socket it no longer owns.
type Socket interface {
	// State returns the current readiness.
	State() SocketState

	// Send transmits one frame. It fails if the socket is not open.
	Send(payload []byte) error

	// Close requests an orderly close with the given status code and reason.
	// The close completion is reported through the bound OnClose event.
	Close(code int, reason string) error

	// Bind replaces the socket's event sink.
	Bind(events SocketEvents)

	// Unbind detaches the current event sink without closing the socket.
	Unbind()
}
