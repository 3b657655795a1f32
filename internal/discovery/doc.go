// Package discovery passively records which device identities have connected
// to the gateway.
//
// Every identified connection upserts a row keyed by device identity, so the
// record accumulates over time: when a device was first seen, when it last
// connected, and how many times. The record survives restarts (SQLite) and
// is exposed through the server's discovery endpoint.
package discovery
