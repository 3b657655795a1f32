package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-shelly/internal/rpc"
)

// lookupOrCreate returns the handler owning a device identity, creating one
// the first time the identity is seen. The bool reports creation, which is
// what distinguishes discovery from reconnection.
func (s *Server) lookupOrCreate(deviceID string) (*rpc.Handler, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handlers[deviceID]; ok {
		return h, false, nil
	}

	h, err := rpc.NewHandler(rpc.Options{
		DeviceID:       deviceID,
		ClientID:       s.cfg.ClientID,
		RequestTimeout: time.Duration(s.cfg.RequestTimeout) * time.Second,
		Logger:         s.logger,
		Callbacks:      s.handlerCallbacks(deviceID),
	})
	if err != nil {
		return nil, false, err
	}
	s.handlers[deviceID] = h
	return h, true, nil
}

// handlerCallbacks fans a handler's events out to the server's observer.
func (s *Server) handlerCallbacks(deviceID string) rpc.Callbacks {
	return rpc.Callbacks{
		OnConnect: func() {
			if s.observer != nil {
				s.observer.DeviceConnected(deviceID)
			}
		},
		OnDisconnect: func(code int, reason string, err error) {
			if s.observer != nil {
				s.observer.DeviceDisconnected(deviceID, code, reason, err)
			}
		},
		OnStatusUpdate: func(params json.RawMessage) {
			if s.observer != nil {
				s.observer.StatusUpdate(deviceID, params)
			}
		},
		OnEvent: func(params json.RawMessage) {
			if s.observer != nil {
				s.observer.Event(deviceID, params)
			}
		},
		OnError: func(err error) {
			s.logger.Warn("device protocol error", "device_id", deviceID, "error", err)
		},
	}
}

// GetHandler returns the handler for a device identity, creating a
// socket-less one if the device has never connected. Repeated calls with the
// same identity return the same instance, so callers can hold a handler and
// issue requests before the device first dials in.
func (s *Server) GetHandler(deviceID string) (*rpc.Handler, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("server: device id is required")
	}
	h, _, err := s.lookupOrCreate(deviceID)
	return h, err
}

// Handlers returns a snapshot of all device handlers.
func (s *Server) Handlers() []*rpc.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rpc.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	return out
}

// DestroyAll destroys every handler, rejecting pending requests and closing
// attached sockets. Used during gateway shutdown.
func (s *Server) DestroyAll(ctx context.Context) {
	for _, h := range s.Handlers() {
		if err := h.Destroy(ctx); err != nil {
			s.logger.Warn("handler teardown incomplete",
				"device_id", h.DeviceID(),
				"error", err,
			)
		}
	}
}
