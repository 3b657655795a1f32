// Package server accepts outbound WebSocket connections from Shelly Gen2+
// devices and routes them to per-device RPC handlers.
//
// Devices dial the gateway (not the other way round), so a new connection
// carries no identity until its first frame arrives. The server sniffs that
// frame, reads the src field, looks up or creates the handler for that device
// identity, attaches the socket, and re-delivers the sniffed frame through
// the handler's normal dispatch path.
//
//	srv, err := server.New(deps)
//	srv.Listen(ctx)
//	defer srv.Close(ctx)
//
// Alongside the device endpoint the server exposes a small HTTP API for
// observability (health, connected devices, discovery record).
//
// Thread Safety: all Server methods are safe for concurrent use.
package server
