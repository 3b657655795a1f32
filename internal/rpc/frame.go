package rpc

import (
	"encoding/json"
	"fmt"
)

// Notification methods pushed by Shelly Gen2+ devices.
const (
	// MethodNotifyStatus is an incremental status push.
	MethodNotifyStatus = "NotifyStatus"

	// MethodNotifyFullStatus is a complete status snapshot, sent on connect
	// and on demand.
	MethodNotifyFullStatus = "NotifyFullStatus"

	// MethodNotifyEvent is a discrete event notification (button press,
	// schedule trigger, ...).
	MethodNotifyEvent = "NotifyEvent"
)

// Frame is the wire-level JSON-RPC frame. It is a tagged union of request,
// response, and notification; on receipt the presence of an id distinguishes
// a response from a notification.
type Frame struct {
	ID     *int64          `json:"id,omitempty"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object returned by a device.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so device errors can be returned
// directly from Call and inspected with errors.As.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc: device error %d: %s", e.Code, e.Message)
}

// IsResponse reports whether the frame correlates to an outstanding request.
func (f *Frame) IsResponse() bool {
	return f.ID != nil
}

// DecodeFrame parses a received payload into a Frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return &f, nil
}
