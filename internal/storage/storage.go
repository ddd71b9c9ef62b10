// Package storage provides read access to the rig's SQLite database
package storage

import (
	"context"
	"time"
)

const (
	// SnapshotWindow is how fresh a sensor row must be to count as current
	SnapshotWindow = 6 * time.Second

	// HistoryWindow bounds per-sensor and watering history
	HistoryWindow = 24 * time.Hour

	// FloatSensorSlots is the number of physical float sensors on the rig
	FloatSensorSlots = 2
)

// Reading is a row of the primary readings table keyed by column name.
// The table layout belongs to the ingestion process, so columns are not
// fixed here.
type Reading map[string]any

// MoistureReading is one moisture probe sample
type MoistureReading struct {
	ID            int64     `json:"id"`
	SensorNumber  int       `json:"sensor_number"`
	MoistureLevel float64   `json:"moisture_level"`
	RawValue      *float64  `json:"raw_value"`
	CreatedAt     time.Time `json:"created_at"`
}

// MoisturePoint is the reduced shape returned by per-sensor history
type MoisturePoint struct {
	MoistureLevel float64   `json:"moisture_level"`
	CreatedAt     time.Time `json:"created_at"`
}

// FloatSensorReading is one water-level float switch sample
type FloatSensorReading struct {
	ID           int64     `json:"id"`
	SensorNumber int       `json:"sensor_number"`
	Status       int       `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// WateringEvent is logged by the pump controller after each actuation
type WateringEvent struct {
	ID         int64     `json:"id"`
	PumpNumber int       `json:"pump_number"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableStats summarizes one table
type TableStats struct {
	Table        string     `json:"table"`
	RecordCount  int64      `json:"recordCount"`
	OldestRecord *time.Time `json:"oldestRecord,omitempty"`
	NewestRecord *time.Time `json:"newestRecord,omitempty"`
}

// Store is the read side used by the HTTP API
type Store interface {
	// Latest returns the newest reading, or nil if there is none
	Latest(ctx context.Context) (Reading, error)

	// Between returns readings created in [from, to), oldest first
	Between(ctx context.Context, from, to time.Time) ([]Reading, error)

	// LatestMoisture returns the newest moisture row per sensor created at
	// or after since, ordered by sensor number
	LatestMoisture(ctx context.Context, since time.Time) ([]MoistureReading, error)

	// LatestFloat returns the newest float sensor row per sensor created at
	// or after since, ordered by sensor number
	LatestFloat(ctx context.Context, since time.Time) ([]FloatSensorReading, error)

	// MoistureHistory returns one sensor's rows created at or after since,
	// oldest first
	MoistureHistory(ctx context.Context, sensorNumber string, since time.Time) ([]MoisturePoint, error)

	// WateringEvents returns watering events created at or after since,
	// oldest first
	WateringEvents(ctx context.Context, since time.Time) ([]WateringEvent, error)

	// Stats returns row counts and time bounds for every table
	Stats(ctx context.Context) ([]TableStats, error)

	// Ping checks the database is reachable
	Ping(ctx context.Context) error

	// Close releases the connection pool
	Close() error
}

// FloatStates folds float sensor rows into the fixed slot array.
// Slot n-1 is true when sensor n reported status 1; unknown sensor numbers
// are ignored and missing sensors stay false.
func FloatStates(rows []FloatSensorReading) [FloatSensorSlots]bool {
	var states [FloatSensorSlots]bool
	for _, r := range rows {
		if r.SensorNumber >= 1 && r.SensorNumber <= FloatSensorSlots {
			states[r.SensorNumber-1] = r.Status == 1
		}
	}
	return states
}

// DayBounds returns the local calendar day containing t as [start, end)
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
