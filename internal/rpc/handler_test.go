package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	testDeviceID = "shellyplus1-aabbcc"
	testClientID = "shellyws-test"
)

// handlerEvents records every callback a handler fires.
type handlerEvents struct {
	mu          sync.Mutex
	connects    int
	disconnects []disconnectRecord
	requests    []string
	statuses    []string
	events      []string
	errors      []error
}

type disconnectRecord struct {
	Code   int
	Reason string
	Err    error
}

func (e *handlerEvents) callbacks() Callbacks {
	return Callbacks{
		OnConnect: func() {
			e.mu.Lock()
			e.connects++
			e.mu.Unlock()
		},
		OnDisconnect: func(code int, reason string, err error) {
			e.mu.Lock()
			e.disconnects = append(e.disconnects, disconnectRecord{code, reason, err})
			e.mu.Unlock()
		},
		OnRequest: func(method string, _ any) {
			e.mu.Lock()
			e.requests = append(e.requests, method)
			e.mu.Unlock()
		},
		OnStatusUpdate: func(params json.RawMessage) {
			e.mu.Lock()
			e.statuses = append(e.statuses, string(params))
			e.mu.Unlock()
		},
		OnEvent: func(params json.RawMessage) {
			e.mu.Lock()
			e.events = append(e.events, string(params))
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.errors = append(e.errors, err)
			e.mu.Unlock()
		},
	}
}

func (e *handlerEvents) snapshot() (connects int, disconnects []disconnectRecord, errs []error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects, append([]disconnectRecord(nil), e.disconnects...), append([]error(nil), e.errors...)
}

func (e *handlerEvents) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects = 0
	e.disconnects = nil
	e.errors = nil
}

func newTestHandler(t *testing.T, timeout time.Duration) (*Handler, *handlerEvents) {
	t.Helper()
	events := &handlerEvents{}
	h, err := NewHandler(Options{
		DeviceID:       testDeviceID,
		ClientID:       testClientID,
		RequestTimeout: timeout,
		Callbacks:      events.callbacks(),
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h, events
}

func TestNewHandler_RequiresIdentities(t *testing.T) {
	if _, err := NewHandler(Options{ClientID: testClientID}); err == nil {
		t.Error("NewHandler() without device id: expected error")
	}
	if _, err := NewHandler(Options{DeviceID: testDeviceID}); err == nil {
		t.Error("NewHandler() without client id: expected error")
	}
}

func TestHandler_CallWithoutSocket(t *testing.T) {
	h, _ := newTestHandler(t, time.Second)

	_, err := h.Call(context.Background(), "Shelly.GetStatus", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call() error = %v, want ErrNotConnected", err)
	}
}

func TestHandler_CallOnNonOpenSocket(t *testing.T) {
	h, _ := newTestHandler(t, time.Second)
	sock := NewMockSocket(StateConnecting)
	h.Attach(sock)

	_, err := h.Call(context.Background(), "Shelly.GetStatus", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call() error = %v, want ErrNotConnected", err)
	}
	if len(sock.SentFrames()) != 0 {
		t.Error("Call() on non-open socket attempted network I/O")
	}
}

func TestHandler_CallRoundTrip(t *testing.T) {
	h, events := newTestHandler(t, 10*time.Second)
	sock := NewMockSocket(StateOpen)
	h.Attach(sock)

	type callOutcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan callOutcome, 1)
	go func() {
		result, err := h.Call(context.Background(), "Shelly.GetStatus", map[string]any{})
		done <- callOutcome{result, err}
	}()

	frames := sock.waitForFrames(t, 1)
	req := frames[0]
	if req.Method != "Shelly.GetStatus" {
		t.Errorf("request method = %q, want Shelly.GetStatus", req.Method)
	}
	if req.Src != testClientID {
		t.Errorf("request src = %q, want client identity %q", req.Src, testClientID)
	}
	if req.ID == nil {
		t.Fatal("request has no correlation id")
	}

	sock.Inject(fmt.Appendf(nil, `{"id":%d,"src":%q,"result":{"temperature":21}}`, *req.ID, testDeviceID))

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Call() error = %v", out.err)
		}
		if string(out.result) != `{"temperature":21}` {
			t.Errorf("Call() result = %s, want temperature payload", out.result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call() did not return after response was injected")
	}

	events.mu.Lock()
	requests := append([]string(nil), events.requests...)
	events.mu.Unlock()
	if len(requests) != 1 || requests[0] != "Shelly.GetStatus" {
		t.Errorf("request events = %v, want one Shelly.GetStatus", requests)
	}
}

func TestHandler_CallTimeoutThenLateResponse(t *testing.T) {
	h, events := newTestHandler(t, 50*time.Millisecond)
	sock := NewMockSocket(StateOpen)
	h.Attach(sock)

	_, err := h.Call(context.Background(), "Shelly.GetStatus", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if h.PendingCalls() != 0 {
		t.Errorf("PendingCalls() = %d after timeout, want 0", h.PendingCalls())
	}

	// A late response for the timed-out id is discarded silently.
	frames := sock.waitForFrames(t, 1)
	sock.Inject(fmt.Appendf(nil, `{"id":%d,"src":%q,"result":{}}`, *frames[0].ID, testDeviceID))

	if _, _, errs := events.snapshot(); len(errs) != 0 {
		t.Errorf("late response raised errors %v, want silent discard", errs)
	}
}

func TestHandler_CallDeviceError(t *testing.T) {
	h, _ := newTestHandler(t, 10*time.Second)
	sock := NewMockSocket(StateOpen)
	h.Attach(sock)

	done := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), "Switch.Set", map[string]any{"id": 0, "on": true})
		done <- err
	}()

	frames := sock.waitForFrames(t, 1)
	sock.Inject(fmt.Appendf(nil,
		`{"id":%d,"src":%q,"error":{"code":-103,"message":"invalid argument"}}`,
		*frames[0].ID, testDeviceID))

	select {
	case err := <-done:
		var devErr *Error
		if !errors.As(err, &devErr) {
			t.Fatalf("Call() error = %v, want *Error", err)
		}
		if devErr.Code != -103 {
			t.Errorf("device error code = %d, want -103", devErr.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call() did not return after error response")
	}
}

func TestHandler_CallSendFailure(t *testing.T) {
	h, _ := newTestHandler(t, 10*time.Second)
	sock := NewMockSocket(StateOpen)
	sock.SetSendError(errors.New("broken pipe"))
	h.Attach(sock)

	start := time.Now()
	_, err := h.Call(context.Background(), "Shelly.GetStatus", nil)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Call() error = %v, want ErrSendFailed", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Call() with failing transmit waited instead of rejecting immediately")
	}
	if h.PendingCalls() != 0 {
		t.Errorf("PendingCalls() = %d after send failure, want 0", h.PendingCalls())
	}
}

func TestHandler_AttachEmitsConnect(t *testing.T) {
	h, events := newTestHandler(t, time.Second)

	h.Attach(NewMockSocket(StateOpen))

	connects, disconnects, _ := events.snapshot()
	if connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
	if len(disconnects) != 0 {
		t.Errorf("disconnects = %v, want none", disconnects)
	}
	if !h.Connected() {
		t.Error("Connected() = false after attaching open socket")
	}
}

func TestHandler_SwapEmission(t *testing.T) {
	tests := []struct {
		name            string
		oldState        SocketState
		newState        SocketState
		wantConnects    int
		wantDisconnects int
	}{
		{name: "open to open", oldState: StateOpen, newState: StateOpen, wantConnects: 0, wantDisconnects: 0},
		{name: "open to connecting", oldState: StateOpen, newState: StateConnecting, wantConnects: 0, wantDisconnects: 1},
		{name: "connecting to open", oldState: StateConnecting, newState: StateOpen, wantConnects: 1, wantDisconnects: 0},
		{name: "connecting to connecting", oldState: StateConnecting, newState: StateConnecting, wantConnects: 0, wantDisconnects: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, events := newTestHandler(t, time.Second)
			oldSock := NewMockSocket(tt.oldState)
			h.Attach(oldSock)
			events.reset()

			newSock := NewMockSocket(tt.newState)
			h.Attach(newSock)

			connects, disconnects, _ := events.snapshot()
			if connects != tt.wantConnects {
				t.Errorf("connects = %d, want %d", connects, tt.wantConnects)
			}
			if len(disconnects) != tt.wantDisconnects {
				t.Errorf("disconnects = %d, want %d", len(disconnects), tt.wantDisconnects)
			}

			// The replaced socket is released, not closed.
			if oldSock.Bound() {
				t.Error("old socket still bound after replacement")
			}
			if len(oldSock.CloseRequests()) != 0 {
				t.Error("handler closed the replaced socket; closing is the old owner's responsibility")
			}
			if !newSock.Bound() {
				t.Error("new socket not bound after replacement")
			}
		})
	}
}

func TestHandler_ReattachSameSocketIsNoop(t *testing.T) {
	h, events := newTestHandler(t, time.Second)
	sock := NewMockSocket(StateOpen)
	h.Attach(sock)
	events.reset()

	h.Attach(sock)

	connects, disconnects, _ := events.snapshot()
	if connects != 0 || len(disconnects) != 0 {
		t.Errorf("re-attach emitted connects=%d disconnects=%d, want none", connects, len(disconnects))
	}
	if !sock.Bound() {
		t.Error("socket unbound by no-op re-attach")
	}
}

func TestHandler_PendingCallSurvivesSocketSwap(t *testing.T) {
	h, _ := newTestHandler(t, 10*time.Second)
	oldSock := NewMockSocket(StateOpen)
	h.Attach(oldSock)

	done := make(chan error, 1)
	var result json.RawMessage
	go func() {
		res, err := h.Call(context.Background(), "Shelly.GetStatus", nil)
		result = res
		done <- err
	}()

	frames := oldSock.waitForFrames(t, 1)

	// Device reconnects: new socket, same identity, then answers the
	// request that was sent on the old socket.
	newSock := NewMockSocket(StateOpen)
	h.Attach(newSock)
	newSock.Inject(fmt.Appendf(nil, `{"id":%d,"src":%q,"result":{"ok":true}}`, *frames[0].ID, testDeviceID))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Call() error = %v, want response delivered via replacement socket", err)
		}
		if string(result) != `{"ok":true}` {
			t.Errorf("Call() result = %s, want ok payload", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call() did not resolve across socket swap")
	}
}

func TestHandler_PeerCloseEmitsDisconnectOnlyWhenConnected(t *testing.T) {
	t.Run("connected socket", func(t *testing.T) {
		h, events := newTestHandler(t, time.Second)
		sock := NewMockSocket(StateOpen)
		h.Attach(sock)
		events.reset()

		sock.CloseNow(1001, "going away", nil)

		_, disconnects, _ := events.snapshot()
		if len(disconnects) != 1 {
			t.Fatalf("disconnects = %d, want 1", len(disconnects))
		}
		if disconnects[0].Code != 1001 || disconnects[0].Reason != "going away" {
			t.Errorf("disconnect = %+v, want code 1001 reason 'going away'", disconnects[0])
		}
		if h.State() != StateNoSocket {
			t.Errorf("State() = %v after close, want StateNoSocket", h.State())
		}
	})

	t.Run("never-opened socket", func(t *testing.T) {
		h, events := newTestHandler(t, time.Second)
		sock := NewMockSocket(StateConnecting)
		h.Attach(sock)
		events.reset()

		sock.CloseNow(1006, "", errors.New("handshake failed"))

		_, disconnects, _ := events.snapshot()
		if len(disconnects) != 0 {
			t.Errorf("disconnects = %v, want none for a socket that never opened", disconnects)
		}
	})
}

func TestHandler_OpenEmitsConnectOnce(t *testing.T) {
	h, events := newTestHandler(t, time.Second)
	sock := NewMockSocket(StateConnecting)
	h.Attach(sock)
	events.reset()

	sock.OpenNow()
	sock.OpenNow() // duplicate open report

	connects, _, _ := events.snapshot()
	if connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
}

func TestHandler_DispatchNotifications(t *testing.T) {
	h, events := newTestHandler(t, time.Second)
	sock := NewMockSocket(StateOpen)
	h.Attach(sock)

	sock.Inject(fmt.Appendf(nil, `{"src":%q,"method":"NotifyStatus","params":{"ble":{}}}`, testDeviceID))
	sock.Inject(fmt.Appendf(nil, `{"src":%q,"method":"NotifyFullStatus","params":{"sys":{"uptime":5}}}`, testDeviceID))
	sock.Inject(fmt.Appendf(nil, `{"src":%q,"method":"NotifyEvent","params":{"events":[]}}`, testDeviceID))

	events.mu.Lock()
	statuses := append([]string(nil), events.statuses...)
	evts := append([]string(nil), events.events...)
	events.mu.Unlock()

	if len(statuses) != 2 || statuses[0] != `{"ble":{}}` {
		t.Errorf("status updates = %v, want NotifyStatus and NotifyFullStatus params", statuses)
	}
	if len(evts) != 1 || evts[0] != `{"events":[]}` {
		t.Errorf("events = %v, want NotifyEvent params", evts)
	}
}

func TestHandler_DispatchAnomalies(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		expected error
	}{
		{name: "malformed JSON", frame: `{not json`, expected: ErrMalformedFrame},
		{name: "no id no method", frame: `{"src":"shellyplus1-aabbcc"}`, expected: ErrMalformedFrame},
		{name: "unknown method", frame: `{"src":"shellyplus1-aabbcc","method":"NotifyNonsense","params":{}}`, expected: ErrUnknownMethod},
		{name: "identity mismatch", frame: `{"src":"intruder-device","method":"NotifyStatus","params":{}}`, expected: ErrIdentityMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, events := newTestHandler(t, time.Second)
			sock := NewMockSocket(StateOpen)
			h.Attach(sock)

			sock.Inject([]byte(tt.frame))

			_, _, errs := events.snapshot()
			if len(errs) != 1 {
				t.Fatalf("errors = %v, want exactly one", errs)
			}
			if !errors.Is(errs[0], tt.expected) {
				t.Errorf("error = %v, want %v", errs[0], tt.expected)
			}
		})
	}
}

func TestHandler_Destroy(t *testing.T) {
	h, _ := newTestHandler(t, 10*time.Second)
	sock := NewMockSocket(StateOpen)
	h.Attach(sock)

	pending := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), "Shelly.GetStatus", nil)
		pending <- err
	}()
	sock.waitForFrames(t, 1)

	if err := h.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	select {
	case err := <-pending:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("pending Call() rejected with %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Call() not rejected by Destroy()")
	}

	reqs := sock.CloseRequests()
	if len(reqs) != 1 || reqs[0].Code != CloseNormal {
		t.Errorf("close requests = %v, want one normal close", reqs)
	}
	if h.Connected() {
		t.Error("Connected() = true after Destroy()")
	}

	if _, err := h.Call(context.Background(), "Shelly.GetStatus", nil); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Call() after Destroy() error = %v, want ErrDestroyed", err)
	}

	if err := h.Destroy(context.Background()); err != nil {
		t.Errorf("second Destroy() error = %v, want nil", err)
	}
}

func TestHandler_DestroyWithoutSocket(t *testing.T) {
	h, _ := newTestHandler(t, time.Second)

	start := time.Now()
	if err := h.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Destroy() without socket should resolve immediately")
	}
}
