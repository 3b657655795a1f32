// Package database manages the gateway's SQLite connection.
//
// The database backs the passive discovery record. It is optional: when the
// database section of the configuration is disabled the gateway runs without
// persistence and the discovery endpoint is simply absent.
package database
