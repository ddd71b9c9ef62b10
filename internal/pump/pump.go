// Package pump drives the external pump-control program
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/astrimbu/pulse/internal/logger"
	"github.com/astrimbu/pulse/internal/metrics"
)

const (
	// DefaultDuration is used when a trigger does not specify one
	DefaultDuration = time.Second

	PlaceholderPump     = "{pump}"
	PlaceholderDuration = "{duration}"

	maxLoggedOutput = 2048
)

var (
	ErrInvalidPump     = errors.New("invalid pump id")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrCommandFailed   = errors.New("pump controller failed")
	ErrTimeout         = errors.New("pump controller timed out")
	ErrBreakerOpen     = errors.New("pump controller unavailable")
)

// Config describes the controller invocation
type Config struct {
	// Command is the program and its arguments; PlaceholderPump and
	// PlaceholderDuration (milliseconds) are substituted per call
	Command []string

	// Timeout is added to the watering duration to bound each run
	Timeout time.Duration

	// MaxDuration is the longest watering accepted
	MaxDuration time.Duration

	// BreakerFailures consecutive failures open the breaker; 0 disables it
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

// Result describes a completed actuation
type Result struct {
	ID       string        `json:"id"`
	Pump     int           `json:"pump"`
	Duration time.Duration `json:"duration"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Controller runs the pump program. Runs for the same pump are serialized,
// different pumps may run at the same time.
type Controller struct {
	cfg     Config
	runner  Runner
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	mu    sync.Mutex
	locks map[int]*pumpSlot
}

// pumpSlot serializes runs for one pump. refs counts the holder and
// waiters; the slot is dropped from locks when it reaches zero.
type pumpSlot struct {
	ch   chan struct{}
	refs int
}

func New(cfg Config, runner Runner) (*Controller, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("pump command is empty")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("pump timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 5 * time.Minute
	}

	c := &Controller{
		cfg:    cfg,
		runner: runner,
		log:    logger.With("pump"),
		locks:  make(map[int]*pumpSlot),
	}

	if cfg.BreakerFailures > 0 {
		failures := uint32(cfg.BreakerFailures)
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "pump-controller",
			Timeout: cfg.BreakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.log.Warn("Pump breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	return c, nil
}

// Validate checks a trigger before anything is started
func (c *Controller) Validate(pump int, duration time.Duration) error {
	if pump <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPump, pump)
	}
	if duration < 0 {
		return fmt.Errorf("%w: %s is negative", ErrInvalidDuration, duration)
	}
	if duration > c.cfg.MaxDuration {
		return fmt.Errorf("%w: %s exceeds maximum %s", ErrInvalidDuration, duration, c.cfg.MaxDuration)
	}
	return nil
}

// Water runs the controller for pump and waits for it to exit.
// A zero duration means DefaultDuration.
func (c *Controller) Water(ctx context.Context, pump int, duration time.Duration) (Result, error) {
	if duration == 0 {
		duration = DefaultDuration
	}
	if err := c.Validate(pump, duration); err != nil {
		return Result{}, err
	}

	label := strconv.Itoa(pump)
	res := Result{ID: uuid.NewString(), Pump: pump, Duration: duration}
	log := c.log.With("actuation", res.ID, "pump", pump, "duration_ms", duration.Milliseconds())

	release, err := c.acquire(ctx, pump)
	if err != nil {
		metrics.PumpActuations.WithLabelValues(label, metrics.ResultCanceled).Inc()
		log.Warn("Gave up waiting for pump", "error", err)
		return res, fmt.Errorf("wait for pump %d: %w", pump, err)
	}
	defer release()

	metrics.PumpBusy.WithLabelValues(label).Set(1)
	defer metrics.PumpBusy.WithLabelValues(label).Set(0)

	// a started run outlives its caller
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), duration+c.cfg.Timeout)
	defer cancel()

	log.Info("Starting pump controller")
	start := time.Now()
	err = c.execute(runCtx, pump, duration)
	res.Elapsed = time.Since(start)
	metrics.PumpRunSeconds.WithLabelValues(label).Observe(res.Elapsed.Seconds())

	switch {
	case err == nil:
		metrics.PumpActuations.WithLabelValues(label, metrics.ResultSuccess).Inc()
		log.Info("Pump controller finished", "elapsed", res.Elapsed)
		return res, nil
	case errors.Is(err, ErrBreakerOpen):
		metrics.PumpActuations.WithLabelValues(label, metrics.ResultBreakerOpen).Inc()
	case errors.Is(err, ErrTimeout):
		metrics.PumpActuations.WithLabelValues(label, metrics.ResultTimeout).Inc()
	default:
		metrics.PumpActuations.WithLabelValues(label, metrics.ResultFailed).Inc()
	}
	log.Error("Pump controller failed", "elapsed", res.Elapsed, "error", err)
	return res, err
}

func (c *Controller) execute(ctx context.Context, pump int, duration time.Duration) error {
	if c.breaker == nil {
		return c.run(ctx, pump, duration)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.run(ctx, pump, duration)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return err
}

func (c *Controller) run(ctx context.Context, pump int, duration time.Duration) error {
	name, args := c.command(pump, duration)

	out, err := c.runner.Run(ctx, name, args...)
	if len(out) > 0 {
		c.log.Debug("Pump controller output", "pump", pump, "output", truncate(out))
	}
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, duration+c.cfg.Timeout, err)
	}
	if len(out) > 0 {
		return fmt.Errorf("%w: %v: %s", ErrCommandFailed, err, truncate(out))
	}
	return fmt.Errorf("%w: %v", ErrCommandFailed, err)
}

// command expands the configured template for one call
func (c *Controller) command(pump int, duration time.Duration) (string, []string) {
	r := strings.NewReplacer(
		PlaceholderPump, strconv.Itoa(pump),
		PlaceholderDuration, strconv.FormatInt(duration.Milliseconds(), 10),
	)

	args := make([]string, 0, len(c.cfg.Command)-1)
	for _, a := range c.cfg.Command[1:] {
		args = append(args, r.Replace(a))
	}
	return r.Replace(c.cfg.Command[0]), args
}

// acquire takes the per-pump slot, giving up when ctx is done
func (c *Controller) acquire(ctx context.Context, pump int) (func(), error) {
	c.mu.Lock()
	slot, ok := c.locks[pump]
	if !ok {
		slot = &pumpSlot{ch: make(chan struct{}, 1)}
		c.locks[pump] = slot
	}
	slot.refs++
	c.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			c.unref(pump, slot)
		}, nil
	case <-ctx.Done():
		c.unref(pump, slot)
		return nil, ctx.Err()
	}
}

func (c *Controller) unref(pump int, slot *pumpSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(c.locks, pump)
	}
}

// slots returns the number of pumps with a holder or waiter
func (c *Controller) slots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

func truncate(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxLoggedOutput {
		return s[:maxLoggedOutput] + "..."
	}
	return s
}
