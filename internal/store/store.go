// Package store persists fused device tracks and raw advertisement frames
// to an embedded, write-ahead-logged SQL database. A single Store holds one
// connection used for all writes; readers opened separately coexist under
// WAL with their own retry/backoff policy.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"
)

// Op identifies which store operation failed.
type Op string

const (
	OpOpen         Op = "open"
	OpMigrate      Op = "migrate"
	OpUpsertDevice Op = "upsert_device"
	OpInsertFrame  Op = "insert_frame"
	OpOpenReader   Op = "open_reader"
)

// Error wraps a persistence failure with the operation that produced it.
// Is allows errors.Is(err, &store.Error{Op: store.OpUpsertDevice}) to test
// for a specific failing operation regardless of the underlying driver
// error text.
type Error struct {
	Op  Op
	Key string // MAC or path, when relevant
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %q: %s", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is to compare Error values by Op.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Op == t.Op
}

// Store is the single-writer embedded persistence layer described in
// SPEC_FULL.md §4.6. All writes go through one *sql.DB with a single
// connection (SQLite is effectively single-writer); callers needing
// concurrent reads should use OpenReader against the same path.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *logrus.Logger

	healthMu      sync.Mutex
	recentResults []bool // ring of recent write outcomes, newest last
}

const healthWindow = 50 // approximates "within any 10-second window" at modest write rates

// Open creates or opens the store at path, applying the writer pragmas
// (WAL, synchronous=NORMAL, busy_timeout=10s, temp_store=MEMORY) and
// creating the schema if absent.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &Error{Op: OpOpen, Key: path, Err: err}
	}

	// SQLite is effectively single-writer; keep exactly one connection so
	// concurrent goroutines serialize through database/sql's pool rather
	// than racing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 10000`,
		`PRAGMA temp_store = MEMORY`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, &Error{Op: OpOpen, Key: pragma, Err: err}
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS devices (
	mac TEXT PRIMARY KEY,
	name TEXT,
	rssi INTEGER,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	manufacturer_id INTEGER,
	manufacturer_name TEXT,
	device_type TEXT,
	detection_count INTEGER NOT NULL DEFAULT 0,
	mac_type TEXT,
	is_rpa INTEGER NOT NULL DEFAULT 0,
	security_level TEXT,
	pairing_method TEXT
)`)
	if err != nil {
		return &Error{Op: OpMigrate, Key: "devices", Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS frames (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_mac TEXT NOT NULL,
	rssi INTEGER,
	advertising_hex TEXT,
	phy TEXT,
	channel INTEGER,
	frame_type TEXT,
	timestamp_ms INTEGER NOT NULL
)`)
	if err != nil {
		return &Error{Op: OpMigrate, Key: "frames", Err: err}
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS frames_by_ts ON frames(timestamp_ms)`)
	if err != nil {
		return &Error{Op: OpMigrate, Key: "frames_by_ts", Err: err}
	}
	return nil
}

// DeviceUpsert is the mutable-column payload for UpsertDevice.
type DeviceUpsert struct {
	MAC              string
	Name             string
	RSSI             int8
	LastSeenMs       int64
	FirstSeenMs      int64
	ManufacturerID   *uint16
	ManufacturerName string
	DeviceType       string
	DetectionCount   uint64
	MACType          string
	IsRPA            bool
	SecurityLevel    string
	PairingMethod    string
}

// UpsertDevice inserts or updates a device row, keyed by MAC, preserving
// the original first_seen on conflict.
func (s *Store) UpsertDevice(ctx context.Context, d DeviceUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (
	mac, name, rssi, first_seen, last_seen, manufacturer_id, manufacturer_name,
	device_type, detection_count, mac_type, is_rpa, security_level, pairing_method
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mac) DO UPDATE SET
	name = excluded.name,
	rssi = excluded.rssi,
	last_seen = excluded.last_seen,
	manufacturer_id = excluded.manufacturer_id,
	manufacturer_name = excluded.manufacturer_name,
	device_type = excluded.device_type,
	detection_count = excluded.detection_count,
	mac_type = excluded.mac_type,
	is_rpa = excluded.is_rpa,
	security_level = excluded.security_level,
	pairing_method = excluded.pairing_method
`,
		d.MAC, d.Name, d.RSSI, d.FirstSeenMs, d.LastSeenMs, optUint16(d.ManufacturerID), d.ManufacturerName,
		d.DeviceType, d.DetectionCount, d.MACType, d.IsRPA, d.SecurityLevel, d.PairingMethod,
	)
	s.recordResult(err)
	if err != nil {
		s.logger.WithError(err).WithField("mac", d.MAC).Error("store: upsert device failed")
		return &Error{Op: OpUpsertDevice, Key: d.MAC, Err: err}
	}
	return nil
}

// Frame is the immutable payload for InsertFrame.
type Frame struct {
	DeviceMAC      string
	RSSI           int8
	AdvertisingHex string
	PHY            string
	Channel        int
	FrameType      string
	TimestampMs    int64
}

// InsertFrame appends a raw advertisement row, returning its assigned id.
// Failures are logged and counted but never poison the writer: the
// connection is retained for subsequent calls.
func (s *Store) InsertFrame(ctx context.Context, f Frame) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO frames (device_mac, rssi, advertising_hex, phy, channel, frame_type, timestamp_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, f.DeviceMAC, f.RSSI, f.AdvertisingHex, f.PHY, f.Channel, f.FrameType, f.TimestampMs)

	s.recordResult(err)
	if err != nil {
		s.logger.WithError(err).WithField("mac", f.DeviceMAC).Error("store: insert frame failed")
		return 0, &Error{Op: OpInsertFrame, Key: f.DeviceMAC, Err: err}
	}
	return res.LastInsertId()
}

func (s *Store) recordResult(err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.recentResults = append(s.recentResults, err == nil)
	if len(s.recentResults) > healthWindow {
		s.recentResults = s.recentResults[len(s.recentResults)-healthWindow:]
	}
}

// Health reports whether the recent write failure rate exceeds 5%, the
// signal spec.md §4.6 requires surfacing when writes degrade.
func (s *Store) Health() (failureRate float64, healthy bool) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	if len(s.recentResults) == 0 {
		return 0, true
	}
	failures := 0
	for _, ok := range s.recentResults {
		if !ok {
			failures++
		}
	}
	failureRate = float64(failures) / float64(len(s.recentResults))
	return failureRate, failureRate <= 0.05
}

func optUint16(v *uint16) any {
	if v == nil {
		return nil
	}
	return *v
}

// OpenReader opens path read-only under WAL, for the periodic reporter
// process described in SPEC_FULL.md §6 as an external collaborator. It is
// returned as a plain *sql.DB: the reader has no write responsibilities and
// does not need Store's locking.
func OpenReader(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(10000)", path))
	if err != nil {
		return nil, &Error{Op: OpOpenReader, Key: path, Err: err}
	}
	return db, nil
}

// RetryBackoffMs are the exponential backoff steps a reader should use
// against transient SQLITE_BUSY, per spec.md §4.6: 100, 200, 400 ms, up to
// 3 attempts.
var RetryBackoffMs = []int{100, 200, 400}

// WithRetry runs query and retries it up to len(RetryBackoffMs) additional
// times on error, sleeping the matching backoff step between attempts. It
// is the reader-side counterpart to the writer's retained-connection
// failure policy.
func WithRetry(ctx context.Context, query func(ctx context.Context) error) error {
	var lastErr error
	attempts := append([]int{0}, RetryBackoffMs...)
	for i, waitMs := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(waitMs) * time.Millisecond):
			}
		}
		lastErr = query(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
