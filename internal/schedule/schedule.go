// Package schedule waters plants on cron expressions through the same
// pump controller the HTTP API uses.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/astrimbu/pulse/internal/logger"
	"github.com/astrimbu/pulse/internal/metrics"
	"github.com/astrimbu/pulse/internal/pump"
)

// Waterer is satisfied by *pump.Controller
type Waterer interface {
	Water(ctx context.Context, pumpID int, duration time.Duration) (pump.Result, error)
}

// Entry is one scheduled watering
type Entry struct {
	Plant    int
	Spec     string
	Duration time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	waterer Waterer
	log     *slog.Logger

	mu  sync.RWMutex
	ctx context.Context
}

func New(w Waterer, entries []Entry) (*Scheduler, error) {
	s := &Scheduler{
		waterer: w,
		log:     logger.With("schedule"),
		ctx:     context.Background(),
	}

	cl := cronLogger{s.log}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, e := range entries {
		e := e
		if _, err := s.cron.AddFunc(e.Spec, func() { s.runJob(e) }); err != nil {
			return nil, fmt.Errorf("schedule plant %d at %q: %w", e.Plant, e.Spec, err)
		}
	}

	return s, nil
}

// Len returns the number of registered schedules
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the schedules until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("Watering schedules started", "count", s.Len())
}

// Stop prevents new runs and waits for running ones to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runJob(e Entry) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	label := strconv.Itoa(e.Plant)
	res, err := s.waterer.Water(ctx, e.Plant, e.Duration)
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues(label, metrics.ResultFailed).Inc()
		s.log.Error("Scheduled watering failed", "plant", e.Plant, "spec", e.Spec, "error", err)
		return
	}

	metrics.ScheduledRuns.WithLabelValues(label, metrics.ResultSuccess).Inc()
	s.log.Info("Scheduled watering done", "plant", e.Plant, "actuation", res.ID, "elapsed", res.Elapsed)
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
