package server

import "errors"

var (
	// ErrMissingIdentity means a connection's first frame carried no src
	// field, so the device cannot be identified. The connection is closed.
	ErrMissingIdentity = errors.New("server: first frame has no src identity")

	// ErrSocketNotOpen is returned by Send when the socket has left the open
	// state.
	ErrSocketNotOpen = errors.New("server: socket is not open")
)
