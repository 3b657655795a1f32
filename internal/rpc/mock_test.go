package rpc

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// MockSocket implements Socket for testing. Its readiness is set directly
// and peer behaviour (messages, closes) is injected by the test.
type MockSocket struct {
	mu      sync.Mutex
	state   SocketState
	events  SocketEvents
	bound   bool
	sent    [][]byte
	sendErr error

	closeRequests []mockCloseRequest
}

type mockCloseRequest struct {
	Code   int
	Reason string
}

func NewMockSocket(state SocketState) *MockSocket {
	return &MockSocket{state: state}
}

func (m *MockSocket) State() SocketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockSocket) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, payload)
	return nil
}

// Close behaves like a peer that confirms the close immediately: the socket
// transitions to closed and the bound OnClose fires synchronously.
func (m *MockSocket) Close(code int, reason string) error {
	m.mu.Lock()
	m.closeRequests = append(m.closeRequests, mockCloseRequest{Code: code, Reason: reason})
	m.state = StateClosed
	cb := m.events.OnClose
	m.mu.Unlock()

	if cb != nil {
		cb(code, reason, nil)
	}
	return nil
}

func (m *MockSocket) Bind(events SocketEvents) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
	m.bound = true
}

func (m *MockSocket) Unbind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = SocketEvents{}
	m.bound = false
}

// Bound reports whether an event sink is currently attached.
func (m *MockSocket) Bound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound
}

// SetSendError makes subsequent Send calls fail.
func (m *MockSocket) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Inject delivers a frame as if received from the peer.
func (m *MockSocket) Inject(data []byte) {
	m.mu.Lock()
	cb := m.events.OnMessage
	m.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// OpenNow transitions the socket to open and fires OnOpen.
func (m *MockSocket) OpenNow() {
	m.mu.Lock()
	m.state = StateOpen
	cb := m.events.OnOpen
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// CloseNow simulates the peer closing the connection.
func (m *MockSocket) CloseNow(code int, reason string, err error) {
	m.mu.Lock()
	m.state = StateClosed
	cb := m.events.OnClose
	m.mu.Unlock()
	if cb != nil {
		cb(code, reason, err)
	}
}

// SentFrames returns a copy of all frames sent through the socket.
func (m *MockSocket) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// CloseRequests returns all close requests made on the socket.
func (m *MockSocket) CloseRequests() []mockCloseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockCloseRequest, len(m.closeRequests))
	copy(out, m.closeRequests)
	return out
}

// waitForFrames polls until the socket has sent at least n frames.
func (m *MockSocket) waitForFrames(t *testing.T, n int) []Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sent := m.SentFrames()
		if len(sent) >= n {
			frames := make([]Frame, len(sent))
			for i, raw := range sent {
				if err := json.Unmarshal(raw, &frames[i]); err != nil {
					t.Fatalf("sent frame %d is not valid JSON: %v", i, err)
				}
			}
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames, have %d", n, len(m.SentFrames()))
	return nil
}
