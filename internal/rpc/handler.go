package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// defaultRequestTimeout is used when Options.RequestTimeout is zero.
const defaultRequestTimeout = 10 * time.Second

// Logger defines the logging interface used by the Handler.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Callbacks are the handler's notification sinks. Any field may be nil.
//
// Callbacks are invoked without holding handler locks, so a callback may
// call back into the Handler (including Attach). They are invoked from the
// socket's read goroutine, so a slow callback delays subsequent frames from
// the same device.
type Callbacks struct {
	// OnConnect fires when the handler's observed state becomes connected.
	OnConnect func()

	// OnDisconnect fires when the handler's observed state leaves
	// connected. code and reason come from the close frame when there is
	// one; err is non-nil for abnormal closes.
	OnDisconnect func(code int, reason string, err error)

	// OnRequest fires for observability before each outgoing request is
	// transmitted.
	OnRequest func(method string, params any)

	// OnStatusUpdate fires for NotifyStatus / NotifyFullStatus pushes.
	OnStatusUpdate func(params json.RawMessage)

	// OnEvent fires for NotifyEvent pushes.
	OnEvent func(params json.RawMessage)

	// OnError fires for protocol anomalies on received frames. Nothing is
	// thrown across the dispatch boundary; the offending frame is dropped.
	OnError func(err error)
}

// Options holds configuration for creating a Handler.
type Options struct {
	// DeviceID is the device identity this handler owns. Required.
	DeviceID string

	// ClientID is the gateway identity injected into outgoing requests so
	// the device can address replies. Required.
	ClientID string

	// RequestTimeout bounds how long Call waits for a response.
	// Defaults to 10 seconds.
	RequestTimeout time.Duration

	// Callbacks are the notification sinks. Optional.
	Callbacks Callbacks

	// Logger is optional structured logging.
	Logger Logger
}

// Handler owns the RPC state for exactly one device identity: at most one
// attached socket, the pending-request table, and the last observed
// connection state.
//
// A Handler is created the first time its device identity is seen (or
// explicitly via the server's lookup-or-create) and lives until Destroy;
// sockets attach and detach many times across that life.
//
// Thread Safety: all methods are safe for concurrent use.
type Handler struct {
	deviceID  string
	clientID  string
	timeout   time.Duration
	callbacks Callbacks
	logger    Logger

	calls *callTable

	mu          sync.Mutex
	sock        Socket
	observed    SocketState
	closeSignal chan struct{}
	destroyed   bool
}

// NewHandler creates a handler for one device identity.
func NewHandler(opts Options) (*Handler, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("rpc: device id is required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("rpc: client id is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Handler{
		deviceID:  opts.DeviceID,
		clientID:  opts.ClientID,
		timeout:   opts.RequestTimeout,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		calls:     newCallTable(),
		observed:  StateNoSocket,
	}, nil
}

// DeviceID returns the device identity this handler owns.
func (h *Handler) DeviceID() string {
	return h.deviceID
}

// Connected reports whether a socket is attached and open.
func (h *Handler) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.destroyed && h.sock != nil && h.observed.Connected()
}

// State returns the last observed socket readiness.
func (h *Handler) State() SocketState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observed
}

// PendingCalls returns the number of requests awaiting a response.
func (h *Handler) PendingCalls() int {
	return h.calls.count()
}

// Attach takes ownership of a socket, replacing any current one.
//
// The previous socket's event bindings are released but the socket itself is
// not closed: closing is its old owner's responsibility. Re-attaching the
// identical socket instance is a no-op. Crossing the connected boundary
// emits exactly one of OnConnect/OnDisconnect.
func (h *Handler) Attach(sock Socket) {
	if sock == nil {
		return
	}

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		h.logger.Warn("attach on destroyed handler ignored", "device_id", h.deviceID)
		return
	}
	if h.sock == sock {
		h.mu.Unlock()
		return
	}

	if h.sock != nil {
		h.sock.Unbind()
	}

	prev := h.observed
	h.sock = sock
	h.closeSignal = make(chan struct{})
	sig := h.closeSignal

	sock.Bind(SocketEvents{
		OnOpen: func() {
			h.socketOpened(sock)
		},
		OnMessage: func(data []byte) {
			h.HandleFrame(data)
		},
		OnClose: func(code int, reason string, err error) {
			h.socketClosed(sock, sig, code, reason, err)
		},
	})

	h.observed = sock.State()
	ev := transition(prev, h.observed)
	h.mu.Unlock()

	h.logger.Debug("socket attached",
		"device_id", h.deviceID,
		"previous_state", prev.String(),
		"state", h.State().String(),
	)
	h.emitLifecycle(ev, 0, "", nil)
}

// socketOpened handles the socket's transition to open.
func (h *Handler) socketOpened(sock Socket) {
	h.mu.Lock()
	if h.sock != sock || h.destroyed {
		h.mu.Unlock()
		return
	}
	prev := h.observed
	h.observed = StateOpen
	ev := transition(prev, StateOpen)
	h.mu.Unlock()

	h.emitLifecycle(ev, 0, "", nil)
}

// socketClosed handles the socket's close confirmation. The disconnect
// event fires only if the handler was previously connected, so a socket
// that never opened closes silently.
func (h *Handler) socketClosed(sock Socket, sig chan struct{}, code int, reason string, err error) {
	h.mu.Lock()
	if h.sock != sock {
		// Stale event from a socket this handler no longer owns.
		h.mu.Unlock()
		return
	}
	prev := h.observed
	h.sock.Unbind()
	h.sock = nil
	h.observed = StateNoSocket
	close(sig)
	ev := transition(prev, StateNoSocket)
	h.mu.Unlock()

	h.logger.Debug("socket closed",
		"device_id", h.deviceID,
		"code", code,
		"reason", reason,
		"error", err,
	)
	h.emitLifecycle(ev, code, reason, err)
}

// emitLifecycle fires the connect/disconnect callback for a transition.
func (h *Handler) emitLifecycle(ev lifecycleEvent, code int, reason string, err error) {
	switch ev {
	case lifecycleConnect:
		h.logger.Info("device connected", "device_id", h.deviceID)
		if cb := h.callbacks.OnConnect; cb != nil {
			cb()
		}
	case lifecycleDisconnect:
		h.logger.Info("device disconnected",
			"device_id", h.deviceID,
			"code", code,
			"reason", reason,
		)
		if cb := h.callbacks.OnDisconnect; cb != nil {
			cb(code, reason, err)
		}
	case lifecycleNone:
	}
}

// Call sends an RPC request to the device and waits for the matching
// response. It fails immediately, without any network I/O, if the handler
// has no open socket or has been destroyed.
//
// The wait is bounded by the handler's request timeout and by ctx. A
// device-supplied error object is returned as *Error.
func (h *Handler) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil, ErrDestroyed
	}
	sock := h.sock
	if sock == nil || !h.observed.Connected() {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	h.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("rpc: encoding params: %w", err)
		}
		raw = encoded
	}

	if cb := h.callbacks.OnRequest; cb != nil {
		cb(method, params)
	}
	h.logger.Debug("sending request", "device_id", h.deviceID, "method", method)

	frame := Frame{
		Src:    h.clientID,
		Dst:    h.deviceID,
		Method: method,
		Params: raw,
	}
	return h.calls.send(ctx, sock.Send, frame, h.timeout)
}

// HandleFrame is the single dispatch entry point for received frames. The
// server also calls it to re-deliver the sniffed first frame of a
// connection. It never panics or returns an error: anomalies are reported
// through OnError and the frame is dropped.
func (h *Handler) HandleFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		h.emitError(err)
		return
	}
	h.dispatch(frame)
}

// dispatch routes one decoded frame.
func (h *Handler) dispatch(f *Frame) {
	// A frame claiming to come from a different device is a protocol error,
	// even on first-frame re-delivery.
	if f.Src != "" && f.Src != h.deviceID {
		h.emitError(fmt.Errorf("%w: got %q, want %q", ErrIdentityMismatch, f.Src, h.deviceID))
		return
	}

	if f.IsResponse() {
		if !h.calls.receive(f) {
			// Late response for a timed-out request, or spurious id.
			h.logger.Debug("dropping uncorrelated response",
				"device_id", h.deviceID,
				"id", *f.ID,
			)
		}
		return
	}

	switch f.Method {
	case MethodNotifyStatus, MethodNotifyFullStatus:
		if cb := h.callbacks.OnStatusUpdate; cb != nil {
			cb(f.Params)
		}
	case MethodNotifyEvent:
		if cb := h.callbacks.OnEvent; cb != nil {
			cb(f.Params)
		}
	case "":
		h.emitError(fmt.Errorf("%w: frame has neither id nor method", ErrMalformedFrame))
	default:
		h.emitError(fmt.Errorf("%w: %q", ErrUnknownMethod, f.Method))
	}
}

// emitError reports a dispatch anomaly.
func (h *Handler) emitError(err error) {
	h.logger.Warn("protocol error", "device_id", h.deviceID, "error", err)
	if cb := h.callbacks.OnError; cb != nil {
		cb(err)
	}
}

// Destroy rejects all pending requests with ErrConnectionClosed, then shuts
// the socket down in an orderly way: if it is open or connecting a normal
// close is requested and the close confirmation awaited; if it is already
// closing, Destroy just waits; with no socket it returns immediately.
//
// After Destroy no timers or event bindings remain. Calling Destroy again
// returns nil immediately.
func (h *Handler) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	sock := h.sock
	sig := h.closeSignal
	h.mu.Unlock()

	h.calls.failAll(ErrConnectionClosed)

	if sock == nil {
		return nil
	}

	switch sock.State() {
	case StateOpen, StateConnecting:
		if err := sock.Close(CloseNormal, "gateway shutting down"); err != nil {
			h.logger.Debug("close request failed", "device_id", h.deviceID, "error", err)
		}
	case StateClosing:
		// Close already in flight; wait for confirmation below.
	case StateClosed, StateNoSocket:
		return nil
	}

	select {
	case <-sig:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rpc: waiting for socket close: %w", ctx.Err())
	}
}
