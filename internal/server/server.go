package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-shelly/internal/discovery"
	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shelly/internal/rpc"
)

// Protocol identifies the transport devices use to reach this gateway.
const Protocol = "outboundWebsocket"

// recordTimeout bounds the discovery-record write done on each connection.
const recordTimeout = 5 * time.Second

// Observer receives device lifecycle and notification events from all
// handlers. Used by the MQTT relay; may be nil.
type Observer interface {
	DeviceDiscovered(deviceID, protocol string)
	DeviceConnected(deviceID string)
	DeviceDisconnected(deviceID string, code int, reason string, err error)
	StatusUpdate(deviceID string, params json.RawMessage)
	Event(deviceID string, params json.RawMessage)
}

// SeenRecorder persists which device identities have connected. May be nil.
type SeenRecorder interface {
	RecordSeen(ctx context.Context, deviceID, protocol string) error
	ListSeen(ctx context.Context) ([]discovery.SeenDevice, error)
}

// Deps holds the dependencies required by the server.
type Deps struct {
	Config    config.ServerConfig
	WebSocket config.WebSocketConfig
	Logger    *logging.Logger
	Recorder  SeenRecorder // optional
	Observer  Observer     // optional
	Version   string
}

// Server is the outbound-WebSocket gateway: it listens for device
// connections, owns one rpc.Handler per device identity, and serves the
// observability HTTP API.
type Server struct {
	cfg      config.ServerConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	recorder SeenRecorder
	observer Observer
	version  string

	mu       sync.Mutex
	handlers map[string]*rpc.Handler

	httpSrv  *http.Server
	listener net.Listener
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Devices dial directly; there is no browser origin to check.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// New creates a server. It does not listen until Listen is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("server: logger is required")
	}
	if deps.Config.ClientID == "" {
		return nil, fmt.Errorf("server: client id is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WebSocket,
		logger:   deps.Logger,
		recorder: deps.Recorder,
		observer: deps.Observer,
		version:  deps.Version,
		handlers: make(map[string]*rpc.Handler),
	}, nil
}

// Listen binds the listen address and starts serving in the background.
// Bind failures (port in use, bad address) are returned synchronously.
func (s *Server) Listen(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: binding %s: %w", addr, err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("listening for device connections",
		"address", ln.Addr().String(),
		"path", s.cfg.Path,
		"client_id", s.cfg.ClientID,
	)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address. Useful when Port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting connections and shuts the HTTP server down.
// Device handlers are left intact; use DestroyAll to tear those down.
func (s *Server) Close(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Info("server shutting down")
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutting down: %w", err)
	}
	return nil
}

// buildRouter creates the HTTP router: the device WebSocket endpoint plus
// the observability API.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Get(s.cfg.Path, s.handleDeviceSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/devices", s.handleListDevices)
		if s.recorder != nil {
			r.Get("/discovery", s.handleListSeen)
		}
	})

	return r
}

// handleDeviceSocket upgrades a device connection and sniffs its first frame
// to learn which device identity it carries.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err,
		)
		return
	}

	s.logger.Debug("device connection accepted", "remote", r.RemoteAddr)

	sock := newWSSocket(conn, s.wsCfg, s.logger)

	// Until the first frame arrives the connection belongs to no handler.
	// The sink below runs at most one identification; once a handler takes
	// ownership it rebinds the socket and this sink never fires again.
	var once sync.Once
	sock.Bind(rpc.SocketEvents{
		OnMessage: func(data []byte) {
			once.Do(func() {
				s.identify(sock, data, r.RemoteAddr)
			})
		},
		OnClose: func(code int, reason string, err error) {
			s.logger.Debug("connection closed before identification",
				"remote", r.RemoteAddr,
				"code", code,
				"error", err,
			)
		},
	})
	sock.start()
}

// identify parses the sniffed first frame, routes the socket to the owning
// handler, and re-delivers the frame so its payload is not lost.
func (s *Server) identify(sock *wsSocket, data []byte, remote string) {
	frame, err := rpc.DecodeFrame(data)
	if err != nil || frame.Src == "" {
		if err == nil {
			err = ErrMissingIdentity
		}
		s.logger.Warn("rejecting unidentifiable connection",
			"remote", remote,
			"error", err,
		)
		//nolint:errcheck // Connection is being dropped either way
		sock.Close(websocket.ClosePolicyViolation, "first frame must identify the device")
		return
	}

	h, created, err := s.lookupOrCreate(frame.Src)
	if err != nil {
		s.logger.Error("handler creation failed", "device_id", frame.Src, "error", err)
		//nolint:errcheck // Connection is being dropped either way
		sock.Close(websocket.CloseInternalServerErr, "handler unavailable")
		return
	}

	s.logger.Info("device identified",
		"device_id", frame.Src,
		"remote", remote,
		"new_device", created,
	)

	h.Attach(sock)

	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := s.recorder.RecordSeen(ctx, frame.Src, Protocol); err != nil {
			s.logger.Warn("discovery record failed", "device_id", frame.Src, "error", err)
		}
		cancel()
	}
	if created && s.observer != nil {
		s.observer.DeviceDiscovered(frame.Src, Protocol)
	}

	// The first frame is a real protocol frame (usually NotifyFullStatus);
	// push it through the handler's normal dispatch.
	h.HandleFrame(data)
}

// DeviceStatus is one row of the devices listing.
type DeviceStatus struct {
	DeviceID     string `json:"device_id"`
	Connected    bool   `json:"connected"`
	State        string `json:"state"`
	PendingCalls int    `json:"pending_calls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	handlers := s.Handlers()
	devices := make([]DeviceStatus, 0, len(handlers))
	for _, h := range handlers {
		devices = append(devices, DeviceStatus{
			DeviceID:     h.DeviceID(),
			Connected:    h.Connected(),
			State:        h.State().String(),
			PendingCalls: h.PendingCalls(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleListSeen(w http.ResponseWriter, r *http.Request) {
	seen, err := s.recorder.ListSeen(r.Context())
	if err != nil {
		s.logger.Error("discovery listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "discovery record unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": seen,
		"count":   len(seen),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Nothing useful to do with a failed response write
	json.NewEncoder(w).Encode(payload)
}
