package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/astrimbu/pulse/internal/logger"
	"github.com/astrimbu/pulse/internal/pump"
	"github.com/astrimbu/pulse/internal/storage"
)

const (
	// maxBodyBytes caps the pump trigger body
	maxBodyBytes = 4 << 10

	// maxDurationMs is the largest millisecond count a time.Duration holds
	maxDurationMs = math.MaxInt64 / int64(time.Millisecond)
)

// PumpController is satisfied by *pump.Controller
type PumpController interface {
	Water(ctx context.Context, pumpID int, duration time.Duration) (pump.Result, error)
}

// appHandler is an http handler that reports failures as an error
type appHandler func(w http.ResponseWriter, r *http.Request) error

type Handlers struct {
	store storage.Store
	pumps PumpController
	now   func() time.Time
}

func NewHandlers(store storage.Store, pumps PumpController) *Handlers {
	return &Handlers{
		store: store,
		pumps: pumps,
		now:   time.Now,
	}
}

// MoistureSnapshot is the live view of moisture and float sensors
type MoistureSnapshot struct {
	Timestamp    time.Time                      `json:"timestamp"`
	Readings     []storage.MoistureReading      `json:"readings"`
	FloatSensors [storage.FloatSensorSlots]bool `json:"float_sensors"`
}

type triggerRequest struct {
	Duration json.RawMessage `json:"duration"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handle adapts an appHandler, logging the cause of a failure and sending
// only the public message.
func (h *Handlers) handle(fn appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		status, message := statusFor(err)
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log.Log(r.Context(), level, "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"status", status,
			"error", err,
		)

		writeError(w, status, message)
	}
}

// GetLatest returns the newest reading or null
// GET /api/latest
func (h *Handlers) GetLatest(w http.ResponseWriter, r *http.Request) error {
	reading, err := h.store.Latest(r.Context())
	if err != nil {
		return errDatabase(err)
	}
	writeJSON(w, http.StatusOK, reading)
	return nil
}

// GetHistory returns readings from the current local calendar day
// GET /api/history
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) error {
	from, to := storage.DayBounds(h.now())

	readings, err := h.store.Between(r.Context(), from, to)
	if err != nil {
		return errDatabase(err)
	}
	if readings == nil {
		readings = []storage.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
	return nil
}

// GetMoistureSnapshot returns the latest moisture row per sensor and the
// float sensor states from the last few seconds
// GET /api/moisture
func (h *Handlers) GetMoistureSnapshot(w http.ResponseWriter, r *http.Request) error {
	now := h.now()
	since := now.Add(-storage.SnapshotWindow)

	var (
		moisture []storage.MoistureReading
		floats   []storage.FloatSensorReading
	)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		moisture, err = h.store.LatestMoisture(ctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		floats, err = h.store.LatestFloat(ctx, since)
		return err
	})
	if err := g.Wait(); err != nil {
		return errDatabase(err)
	}

	if moisture == nil {
		moisture = []storage.MoistureReading{}
	}

	writeJSON(w, http.StatusOK, MoistureSnapshot{
		Timestamp:    now.UTC(),
		Readings:     moisture,
		FloatSensors: storage.FloatStates(floats),
	})
	return nil
}

// GetMoistureHistory returns one sensor's readings from the last 24 hours
// GET /api/moisture/history/{sensorNumber}?format=json|csv
func (h *Handlers) GetMoistureHistory(w http.ResponseWriter, r *http.Request) error {
	sensor := chi.URLParam(r, "sensorNumber")

	format := r.URL.Query().Get("format")
	if format == "" {
		format = formatJSON
	}
	if format != formatJSON && format != formatCSV {
		return errValidation("format", "must be json or csv")
	}

	points, err := h.store.MoistureHistory(r.Context(), sensor, h.now().Add(-storage.HistoryWindow))
	if err != nil {
		return errDatabase(err)
	}
	if points == nil {
		points = []storage.MoisturePoint{}
	}

	if format == formatCSV {
		filename := fmt.Sprintf("moisture_%s_%s.csv", sanitizeFilename(sensor), h.now().Format("20060102_150405"))
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		if err := exportMoistureCSV(w, points); err != nil {
			// headers are already sent
			logger.Error("Failed to export moisture history", "sensor", sensor, "error", err)
		}
		return nil
	}

	writeJSON(w, http.StatusOK, points)
	return nil
}

// sanitizeFilename keeps letters, digits, dash and underscore
func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// TriggerPump runs the pump controller for a plant
// POST /api/water/plant/{id}  body: {"duration": ms}
func (h *Handlers) TriggerPump(w http.ResponseWriter, r *http.Request) error {
	plant, err := parsePlantID(chi.URLParam(r, "id"))
	if err != nil {
		return err
	}

	duration, err := parseDuration(r)
	if err != nil {
		return err
	}

	if _, err := h.pumps.Water(r.Context(), plant, duration); err != nil {
		switch {
		case errors.Is(err, pump.ErrInvalidPump):
			return errValidation("plant id", err.Error())
		case errors.Is(err, pump.ErrInvalidDuration):
			return errValidation("duration", err.Error())
		}
		return errPump(err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

// GetWateringEvents returns watering events logged in the last 24 hours
// GET /api/water/events
func (h *Handlers) GetWateringEvents(w http.ResponseWriter, r *http.Request) error {
	events, err := h.store.WateringEvents(r.Context(), h.now().Add(-storage.HistoryWindow))
	if err != nil {
		return errDatabase(err)
	}
	if events == nil {
		events = []storage.WateringEvent{}
	}
	writeJSON(w, http.StatusOK, events)
	return nil
}

// GetStats returns per-table row counts
// GET /api/stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		return errDatabase(err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": stats})
	return nil
}

// Health pings the database
// GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) error {
	if err := h.store.Ping(r.Context()); err != nil {
		return errUnavailable(err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
	return nil
}

func parsePlantID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errValidation("plant id", strconv.Quote(raw)+" is not an integer")
	}
	if id <= 0 {
		return 0, errValidation("plant id", "must be positive")
	}
	return id, nil
}

// parseDuration reads the optional duration in milliseconds from the body.
// A missing body, a missing field, null or 0 select the default.
func parseDuration(r *http.Request) (time.Duration, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return 0, errValidation("body", "unreadable")
	}
	if len(body) > maxBodyBytes {
		return 0, errValidation("body", "too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return pump.DefaultDuration, nil
	}

	var req triggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, errValidation("body", "expected a JSON object")
	}

	raw := strings.TrimSpace(string(req.Duration))
	if raw == "" || raw == "null" {
		return pump.DefaultDuration, nil
	}

	// a JSON integer only; "2000" and 2000.0 are rejected
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errValidation("duration", "must be an integer number of milliseconds")
	}
	if ms < 0 {
		return 0, errValidation("duration", "must not be negative")
	}
	if ms == 0 {
		return pump.DefaultDuration, nil
	}
	if ms > maxDurationMs {
		return 0, errValidation("duration", "too large")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
