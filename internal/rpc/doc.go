// Package rpc implements the per-device JSON-RPC layer for Shelly
// outbound-WebSocket connections.
//
// Each device is owned by exactly one Handler for the lifetime of the
// gateway. A Handler holds at most one socket at a time, but the socket is
// replaced freely as the device reconnects: attaching a new socket releases
// the previous socket's event bindings without closing it, and in-flight
// requests survive the swap.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────┐
//	│                        Handler                            │
//	│                                                           │
//	│  ┌───────────────┐   ┌───────────────┐   ┌─────────────┐  │
//	│  │   callTable   │   │   lifecycle   │   │  dispatch   │  │
//	│  │  (calls.go)   │   │(lifecycle.go) │   │(handler.go) │  │
//	│  │               │   │               │   │             │  │
//	│  │ • id ↔ call   │   │ • state enum  │   │ • responses │  │
//	│  │ • timeouts    │   │ • connect/    │   │ • status    │  │
//	│  │ • bulk reject │   │   disconnect  │   │ • events    │  │
//	│  └───────────────┘   └───────────────┘   └─────────────┘  │
//	└────────────────────────────┬──────────────────────────────┘
//	                             │
//	                        Socket (socket.go)
//	                one attached WebSocket, replaceable
//
// # Concurrency
//
// A per-handler mutex guards handler state (current socket, observed
// readiness, pending calls); all user callbacks are invoked with the lock
// released so a callback may safely call back into the Handler.
//
// Call blocks the calling goroutine; cancellation comes from the request
// timeout, the caller's context, or Destroy rejecting all pending calls.
package rpc
