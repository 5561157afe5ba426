// Package history keeps captured sensor readings in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	_ "modernc.org/sqlite"
)

// DefaultLimit applies when a query asks for no limit.
const DefaultLimit = 50

// timeLayout is fixed width so captured_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one stored reading with the well-known sensor fields pulled out.
type Record struct {
	ID          int64     `json:"id"`
	Broker      string    `json:"broker"`
	Endpoint    string    `json:"endpoint"`
	Device      string    `json:"device"`
	Topic       string    `json:"topic"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	LDRRaw      *float64  `json:"ldr_raw"`
	LDRPct      *float64  `json:"ldr_pct"`
	PIR         bool      `json:"pir"`
	RawPayload  string    `json:"raw_payload"`
	CapturedAt  time.Time `json:"captured_at"`
}

// DB wraps the SQLite connection.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", sharedErrors.ErrStoreOperation, path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %w", sharedErrors.ErrStoreOperation, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		broker TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		device TEXT NOT NULL DEFAULT 'esp32-multi-sensor',
		topic TEXT NOT NULL,
		temperature REAL,
		humidity REAL,
		ldr_raw REAL,
		ldr_pct REAL,
		pir INTEGER NOT NULL DEFAULT 0,
		raw_payload TEXT,
		captured_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_topic ON sensor_readings(topic);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_captured_at ON sensor_readings(captured_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %w", sharedErrors.ErrStoreOperation, err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveReadings stores readings captured from one broker in a single
// transaction.
func (d *DB) SaveReadings(ctx context.Context, kind broker.Kind, readings []broker.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", sharedErrors.ErrStoreOperation, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_readings
			(broker, endpoint, device, topic, temperature, humidity, ldr_raw, ldr_pct, pir, raw_payload, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %w", sharedErrors.ErrStoreOperation, err)
	}
	defer stmt.Close()

	for _, r := range readings {
		rec := FromReading(kind, r)
		if _, err := stmt.ExecContext(ctx,
			rec.Broker, rec.Endpoint, rec.Device, rec.Topic,
			rec.Temperature, rec.Humidity, rec.LDRRaw, rec.LDRPct, rec.PIR,
			rec.RawPayload, rec.CapturedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("%w: insert %s: %w", sharedErrors.ErrStoreOperation, r.Topic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", sharedErrors.ErrStoreOperation, err)
	}
	return nil
}

// Recent returns the newest records first.
func (d *DB) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := d.db.QueryContext(ctx, selectColumns+`
		FROM sensor_readings
		ORDER BY captured_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query recent: %w", sharedErrors.ErrStoreOperation, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByTopic returns the newest records for topic first.
func (d *DB) ByTopic(ctx context.Context, topic string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := d.db.QueryContext(ctx, selectColumns+`
		FROM sensor_readings
		WHERE topic = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT ?
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query topic: %w", sharedErrors.ErrStoreOperation, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Prune deletes records captured before cutoff and reports how many went.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM sensor_readings WHERE captured_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %w", sharedErrors.ErrStoreOperation, err)
	}
	return res.RowsAffected()
}

const selectColumns = `
	SELECT id, broker, endpoint, device, topic, temperature, humidity, ldr_raw, ldr_pct, pir, raw_payload, captured_at`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := []Record{}
	for rows.Next() {
		var (
			rec        Record
			raw        sql.NullString
			capturedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Broker, &rec.Endpoint, &rec.Device, &rec.Topic,
			&rec.Temperature, &rec.Humidity, &rec.LDRRaw, &rec.LDRPct, &rec.PIR,
			&raw, &capturedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", sharedErrors.ErrDeserializationFailed, err)
		}
		rec.RawPayload = raw.String
		t, err := time.Parse(timeLayout, capturedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: captured_at %q: %w", sharedErrors.ErrDeserializationFailed, capturedAt, err)
		}
		rec.CapturedAt = t
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %w", sharedErrors.ErrStoreOperation, err)
	}
	return out, nil
}
