package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astrimbu/pulse/internal/logger"
)

// sqliteTime is the layout produced by SQLite's datetime()
const sqliteTime = "2006-01-02 15:04:05"

const (
	maxOpenConns = 8
	busyTimeout  = 5000 // ms
)

// Options controls how the database file is opened
type Options struct {
	// ReadOnly opens the file with mode=ro and skips schema creation
	ReadOnly bool

	// OpenTimeout bounds the startup retry loop; zero means a single attempt
	OpenTimeout time.Duration

	// EventLocation is the zone of the pump controller's naive
	// watering_events timestamps; nil means time.Local
	EventLocation *time.Location
}

type SQLiteStore struct {
	db *sqlx.DB

	// eventLoc applies to watering_events only; sensor tables are
	// written with SQLite datetime('now') and are UTC
	eventLoc *time.Location
}

// Open connects to the database file, retrying with exponential backoff
// while the file is missing or locked.
func Open(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeout)
	if opts.ReadOnly {
		dsn += "&mode=ro"
	}

	var bo backoff.BackOff = &backoff.StopBackOff{}
	if opts.OpenTimeout > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = opts.OpenTimeout
		bo = exp
	}

	var db *sqlx.DB
	connect := func() error {
		d, err := sqlx.Open("sqlite3", dsn)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open database: %w", err))
		}
		if err := d.PingContext(ctx); err != nil {
			d.Close()
			return fmt.Errorf("ping database: %w", err)
		}
		db = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Database not ready, retrying", "path", path, "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpenConns)

	if !opts.ReadOnly {
		if err := createTables(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	loc := opts.EventLocation
	if loc == nil {
		loc = time.Local
	}
	return &SQLiteStore{db: db, eventLoc: loc}, nil
}

// NewSQLiteStore wraps an already opened handle
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db, eventLoc: time.Local}
}

// createTables only creates what is missing; rows are written by the
// ingestion and pump processes.
func createTables(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			temperature_c REAL,
			humidity_rh REAL,
			co2 REAL,
			vpd REAL,
			air_pressure REAL,
			dew_point_c REAL,
			created_at DATETIME NOT NULL,
			device_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_readings_created
			ON readings(created_at);

		CREATE TABLE IF NOT EXISTS moisture_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sensor_number INTEGER NOT NULL,
			moisture_level REAL NOT NULL,
			raw_value REAL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_moisture_sensor_created
			ON moisture_readings(sensor_number, created_at);

		CREATE TABLE IF NOT EXISTS float_sensor_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sensor_number INTEGER NOT NULL,
			status INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_float_sensor_created
			ON float_sensor_readings(sensor_number, created_at);

		CREATE TABLE IF NOT EXISTS watering_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pump_number INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (Reading, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT * FROM readings ORDER BY datetime(created_at) DESC, id DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("query latest reading: %w", err)
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return readings[0], nil
}

func (s *SQLiteStore) Between(ctx context.Context, from, to time.Time) ([]Reading, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT * FROM readings
		 WHERE datetime(created_at) >= ? AND datetime(created_at) < ?
		 ORDER BY datetime(created_at) ASC, id ASC`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

func scanReadings(rows *sqlx.Rows) ([]Reading, error) {
	readings := []Reading{}
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		readings = append(readings, Reading(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return readings, nil
}

type moistureRow struct {
	ID            int64           `db:"id"`
	SensorNumber  int             `db:"sensor_number"`
	MoistureLevel float64         `db:"moisture_level"`
	RawValue      sql.NullFloat64 `db:"raw_value"`
	CreatedAt     string          `db:"created_at"`
}

func (s *SQLiteStore) LatestMoisture(ctx context.Context, since time.Time) ([]MoistureReading, error) {
	var rows []moistureRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, sensor_number, moisture_level, raw_value, created AS created_at FROM (
			SELECT id, sensor_number, moisture_level, raw_value,
			       datetime(created_at) AS created,
			       ROW_NUMBER() OVER (
			           PARTITION BY sensor_number
			           ORDER BY datetime(created_at) DESC, id DESC
			       ) AS rn
			FROM moisture_readings
			WHERE datetime(created_at) >= ?
		)
		WHERE rn = 1
		ORDER BY sensor_number ASC`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query latest moisture: %w", err)
	}

	result := make([]MoistureReading, 0, len(rows))
	for _, r := range rows {
		created, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, err
		}
		m := MoistureReading{
			ID:            r.ID,
			SensorNumber:  r.SensorNumber,
			MoistureLevel: r.MoistureLevel,
			CreatedAt:     created,
		}
		if r.RawValue.Valid {
			raw := r.RawValue.Float64
			m.RawValue = &raw
		}
		result = append(result, m)
	}
	return result, nil
}

type floatRow struct {
	ID           int64  `db:"id"`
	SensorNumber int    `db:"sensor_number"`
	Status       int    `db:"status"`
	CreatedAt    string `db:"created_at"`
}

func (s *SQLiteStore) LatestFloat(ctx context.Context, since time.Time) ([]FloatSensorReading, error) {
	var rows []floatRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, sensor_number, status, created AS created_at FROM (
			SELECT id, sensor_number, status,
			       datetime(created_at) AS created,
			       ROW_NUMBER() OVER (
			           PARTITION BY sensor_number
			           ORDER BY datetime(created_at) DESC, id DESC
			       ) AS rn
			FROM float_sensor_readings
			WHERE datetime(created_at) >= ?
		)
		WHERE rn = 1
		ORDER BY sensor_number ASC`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query latest float sensors: %w", err)
	}

	result := make([]FloatSensorReading, 0, len(rows))
	for _, r := range rows {
		created, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, FloatSensorReading{
			ID:           r.ID,
			SensorNumber: r.SensorNumber,
			Status:       r.Status,
			CreatedAt:    created,
		})
	}
	return result, nil
}

func (s *SQLiteStore) MoistureHistory(ctx context.Context, sensorNumber string, since time.Time) ([]MoisturePoint, error) {
	var rows []struct {
		MoistureLevel float64 `db:"moisture_level"`
		CreatedAt     string  `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT moisture_level, datetime(created_at) AS created_at
		 FROM moisture_readings
		 WHERE sensor_number = ? AND datetime(created_at) >= ?
		 ORDER BY datetime(created_at) ASC, id ASC`,
		sensorNumber, formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query moisture history for sensor %s: %w", sensorNumber, err)
	}

	points := make([]MoisturePoint, 0, len(rows))
	for _, r := range rows {
		created, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, err
		}
		points = append(points, MoisturePoint{MoistureLevel: r.MoistureLevel, CreatedAt: created})
	}
	return points, nil
}

func (s *SQLiteStore) WateringEvents(ctx context.Context, since time.Time) ([]WateringEvent, error) {
	var rows []struct {
		ID         int64  `db:"id"`
		PumpNumber int    `db:"pump_number"`
		DurationMs int64  `db:"duration_ms"`
		CreatedAt  string `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, pump_number, duration_ms, datetime(created_at) AS created_at
		 FROM watering_events
		 WHERE datetime(created_at) >= ?
		 ORDER BY datetime(created_at) ASC, id ASC`,
		formatTimeIn(since, s.eventLoc),
	)
	if err != nil {
		return nil, fmt.Errorf("query watering events: %w", err)
	}

	events := make([]WateringEvent, 0, len(rows))
	for _, r := range rows {
		created, err := parseTimeIn(r.CreatedAt, s.eventLoc)
		if err != nil {
			return nil, err
		}
		events = append(events, WateringEvent{
			ID:         r.ID,
			PumpNumber: r.PumpNumber,
			DurationMs: r.DurationMs,
			CreatedAt:  created,
		})
	}
	return events, nil
}

var statsTables = []string{"readings", "moisture_readings", "float_sensor_readings", "watering_events"}

func (s *SQLiteStore) Stats(ctx context.Context) ([]TableStats, error) {
	stats := make([]TableStats, 0, len(statsTables))
	for _, table := range statsTables {
		var exists int
		err := s.db.GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		if err != nil {
			return nil, fmt.Errorf("lookup table %s: %w", table, err)
		}
		if exists == 0 {
			continue
		}

		var row struct {
			Count  int64          `db:"count"`
			Oldest sql.NullString `db:"oldest"`
			Newest sql.NullString `db:"newest"`
		}
		// table comes from statsTables, never from a request
		query := fmt.Sprintf(
			`SELECT COUNT(*) AS count,
			        MIN(datetime(created_at)) AS oldest,
			        MAX(datetime(created_at)) AS newest
			 FROM %s`, table)
		if err := s.db.GetContext(ctx, &row, query); err != nil {
			return nil, fmt.Errorf("stats for %s: %w", table, err)
		}

		loc := time.UTC
		if table == "watering_events" {
			loc = s.eventLoc
		}

		ts := TableStats{Table: table, RecordCount: row.Count}
		if row.Oldest.Valid {
			if t, err := parseTimeIn(row.Oldest.String, loc); err == nil {
				ts.OldestRecord = &t
			}
		}
		if row.Newest.Valid {
			if t, err := parseTimeIn(row.Newest.String, loc); err == nil {
				ts.NewestRecord = &t
			}
		}
		stats = append(stats, ts)
	}
	return stats, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return formatTimeIn(t, time.UTC)
}

func formatTimeIn(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	return parseTimeIn(s, time.UTC)
}

func parseTimeIn(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTime, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
