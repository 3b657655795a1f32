package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Logger is the minimal logging interface the recorder needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// SeenDevice is one row of the discovery record.
type SeenDevice struct {
	DeviceID     string    `json:"device_id"`
	Protocol     string    `json:"protocol"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	ConnectCount int64     `json:"connect_count"`
}

// Recorder persistently records device identities seen by the gateway.
// It is called on every identified connection.
//
// Thread Safety: all methods are safe for concurrent use.
type Recorder struct {
	db     *sql.DB
	logger Logger

	stmtMu     sync.Mutex
	upsertStmt *sql.Stmt

	mu     sync.RWMutex
	closed bool
}

// NewRecorder creates a recorder backed by the given database.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start creates the seen_devices table if needed and prepares the upsert.
// Must be called before RecordSeen.
func (r *Recorder) Start(ctx context.Context) error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil // Already started
	}

	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seen_devices (
			device_id     TEXT PRIMARY KEY,
			protocol      TEXT NOT NULL,
			first_seen    INTEGER NOT NULL,
			last_seen     INTEGER NOT NULL,
			connect_count INTEGER NOT NULL DEFAULT 1
		)
	`)
	if err != nil {
		return fmt.Errorf("creating seen_devices table: %w", err)
	}

	stmt, err := r.db.Prepare(`
		INSERT INTO seen_devices (device_id, protocol, first_seen, last_seen, connect_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			protocol = excluded.protocol,
			last_seen = excluded.last_seen,
			connect_count = connect_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}

	r.upsertStmt = stmt
	r.log("discovery recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		r.upsertStmt.Close()
		r.upsertStmt = nil
	}

	r.log("discovery recorder stopped")
}

// RecordSeen upserts a device identity into the record. First sight inserts
// a row; subsequent connections bump last_seen and the connect counter.
func (r *Recorder) RecordSeen(ctx context.Context, deviceID, protocol string) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	stmt := r.upsertStmt
	r.stmtMu.Unlock()

	if stmt == nil {
		return fmt.Errorf("discovery: recorder not started")
	}

	now := time.Now().Unix()
	if _, err := stmt.ExecContext(ctx, deviceID, protocol, now, now); err != nil {
		r.logError("recording device", err)
		return fmt.Errorf("discovery: recording %s: %w", deviceID, err)
	}
	return nil
}

// ListSeen returns all recorded devices, most recently seen first.
func (r *Recorder) ListSeen(ctx context.Context) ([]SeenDevice, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, protocol, first_seen, last_seen, connect_count
		FROM seen_devices
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("discovery: listing devices: %w", err)
	}
	defer rows.Close()

	var devices []SeenDevice
	for rows.Next() {
		var d SeenDevice
		var firstSeen, lastSeen int64
		if err := rows.Scan(&d.DeviceID, &d.Protocol, &firstSeen, &lastSeen, &d.ConnectCount); err != nil {
			return nil, fmt.Errorf("discovery: scanning row: %w", err)
		}
		d.FirstSeen = time.Unix(firstSeen, 0).UTC()
		d.LastSeen = time.Unix(lastSeen, 0).UTC()
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Count returns the number of recorded devices.
func (r *Recorder) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_devices`).Scan(&count)
	return count, err
}

func (r *Recorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
