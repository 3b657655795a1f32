package rpc

import "errors"

// Domain errors for the rpc package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, rpc.ErrTimeout) {
//	    // the device never answered; connection may still be fine
//	}
var (
	// ErrNotConnected is returned by Call when no open socket is attached.
	// The request is rejected before any network I/O happens.
	ErrNotConnected = errors.New("rpc: no open socket")

	// ErrTimeout is returned when no matching response arrives within the
	// configured request timeout. Distinct from ErrConnectionClosed so
	// callers can tell a slow device from a dead connection.
	ErrTimeout = errors.New("rpc: request timed out")

	// ErrConnectionClosed rejects pending requests when the handler is
	// destroyed or its connection is torn down.
	ErrConnectionClosed = errors.New("rpc: connection closed")

	// ErrDestroyed is returned for requests issued after Destroy has begun.
	ErrDestroyed = errors.New("rpc: handler destroyed")

	// ErrSendFailed is returned when the transport reports a failure while
	// transmitting a request. The pending entry is removed immediately.
	ErrSendFailed = errors.New("rpc: send failed")

	// ErrMalformedFrame is reported when a received frame is not valid JSON.
	ErrMalformedFrame = errors.New("rpc: malformed frame")

	// ErrUnknownMethod is reported when a notification carries a method the
	// handler does not recognise.
	ErrUnknownMethod = errors.New("rpc: unrecognised notification method")

	// ErrIdentityMismatch is reported when a frame carries a src that does
	// not match the handler's device identity.
	ErrIdentityMismatch = errors.New("rpc: frame src does not match device identity")
)
