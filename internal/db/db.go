// Package db persists the device registry, session summaries, and biometric
// estimates in a local sqlite database.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
}

// New opens (or creates) the database at path and applies pending
// migrations.
func New(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	if _, err := sdb.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("db: pragmas: %w", err)
	}
	db := &DB{sdb}
	if err := db.migrateUp(); err != nil {
		sdb.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db.DB, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("db: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("db: migrate instance: %w", err)
	}
	// Not closing m: it would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migration up failed: %w", err)
	}
	return nil
}

// Device is one known headset.
type Device struct {
	Address   string
	Name      string
	Model     string
	LastSeen  time.Time
	Preferred bool
}

// UpsertDevice records a device sighting, preserving its preferred flag.
func (db *DB) UpsertDevice(d Device) error {
	_, err := db.Exec(`
		INSERT INTO devices (address, name, model, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			last_seen = excluded.last_seen`,
		d.Address, d.Name, d.Model, d.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("db: upsert device %s: %w", d.Address, err)
	}
	return nil
}

// ListDevices returns all known devices, most recently seen first.
func (db *DB) ListDevices() ([]Device, error) {
	rows, err := db.Query(`
		SELECT address, name, model, last_seen, preferred
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("db: list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Address, &d.Name, &d.Model, &d.LastSeen, &d.Preferred); err != nil {
			return nil, fmt.Errorf("db: scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetPreferredDevice marks one device for auto-connect and clears the flag
// on every other device.
func (db *DB) SetPreferredDevice(address string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE devices SET preferred = 0`); err != nil {
		return fmt.Errorf("db: clear preferred: %w", err)
	}
	res, err := tx.Exec(`UPDATE devices SET preferred = 1 WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("db: set preferred: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("db: unknown device %s", address)
	}
	return tx.Commit()
}

// PreferredDevice returns the auto-connect device, if one is set.
func (db *DB) PreferredDevice() (Device, bool, error) {
	var d Device
	err := db.QueryRow(`
		SELECT address, name, model, last_seen, preferred
		FROM devices WHERE preferred = 1`).
		Scan(&d.Address, &d.Name, &d.Model, &d.LastSeen, &d.Preferred)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, fmt.Errorf("db: preferred device: %w", err)
	}
	return d, true, nil
}

// SessionRecord summarizes one streaming session.
type SessionRecord struct {
	ID         string
	Device     string
	Preset     string
	StartedAt  time.Time
	EndedAt    sql.NullTime
	Packets    int64
	RecordPath string
}

// InsertSession records the start of a session.
func (db *DB) InsertSession(s SessionRecord) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, device, preset, started_at, record_path)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Device, s.Preset, s.StartedAt.UTC(), s.RecordPath)
	if err != nil {
		return fmt.Errorf("db: insert session %s: %w", s.ID, err)
	}
	return nil
}

// FinishSession records a session's end time and packet total.
func (db *DB) FinishSession(id string, endedAt time.Time, packets int64) error {
	_, err := db.Exec(`
		UPDATE sessions SET ended_at = ?, packets = ? WHERE id = ?`,
		endedAt.UTC(), packets, id)
	if err != nil {
		return fmt.Errorf("db: finish session %s: %w", id, err)
	}
	return nil
}

// GetSession returns one session by ID.
func (db *DB) GetSession(id string) (SessionRecord, error) {
	var s SessionRecord
	err := db.QueryRow(`
		SELECT id, device, preset, started_at, ended_at, packets, record_path
		FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.Device, &s.Preset, &s.StartedAt, &s.EndedAt, &s.Packets, &s.RecordPath)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("db: session %s: %w", id, err)
	}
	return s, nil
}

// InsertEstimate stores one biometric estimate for a session. kind is
// "heart_rate" or "oxygenation"; method is "direct" or "derived".
func (db *DB) InsertEstimate(sessionID, kind string, timestamp, value float64, method string) error {
	_, err := db.Exec(`
		INSERT INTO estimates (session_id, kind, timestamp, value, method)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, kind, timestamp, value, method)
	if err != nil {
		return fmt.Errorf("db: insert estimate: %w", err)
	}
	return nil
}

// EstimateStats aggregates one estimate kind across a session.
type EstimateStats struct {
	Count int64
	Mean  float64
	Min   float64
	Max   float64
}

// EstimateStatsFor summarizes the stored estimates of one kind.
func (db *DB) EstimateStatsFor(sessionID, kind string) (EstimateStats, error) {
	var st EstimateStats
	err := db.QueryRow(`
		SELECT COUNT(*), COALESCE(AVG(value), 0), COALESCE(MIN(value), 0), COALESCE(MAX(value), 0)
		FROM estimates WHERE session_id = ? AND kind = ?`, sessionID, kind).
		Scan(&st.Count, &st.Mean, &st.Min, &st.Max)
	if err != nil {
		return EstimateStats{}, fmt.Errorf("db: estimate stats: %w", err)
	}
	return st, nil
}

// Setting returns a stored preference value.
func (db *DB) Setting(key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("db: setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting stores a preference value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("db: set setting %s: %w", key, err)
	}
	return nil
}
