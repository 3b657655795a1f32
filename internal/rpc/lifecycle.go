package rpc

// lifecycleEvent is the externally visible transition produced by a change
// in observed socket readiness.
type lifecycleEvent int

const (
	lifecycleNone lifecycleEvent = iota
	lifecycleConnect
	lifecycleDisconnect
)

// transition maps a change in observed readiness to a lifecycle event.
//
// An event fires only when the connected boundary is crossed, so a socket
// swap produces at most one of connect/disconnect, never both. A swap
// between two non-open sockets (or re-attaching the same readiness) produces
// none. This keeps reconnecting devices from double-firing lifecycle events
// downstream.
func transition(from, to SocketState) lifecycleEvent {
	switch {
	case !from.Connected() && to.Connected():
		return lifecycleConnect
	case from.Connected() && !to.Connected():
		return lifecycleDisconnect
	default:
		return lifecycleNone
	}
}
