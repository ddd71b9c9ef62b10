package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRunner records invocations and delegates behaviour to fn
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(ctx context.Context, args []string) error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if f.fn == nil {
		return []byte("ok"), nil
	}
	return nil, f.fn(ctx, args)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() Config {
	return Config{
		Command:     []string{"python3", "control_pump.py", "--pump", PlaceholderPump, "--duration", PlaceholderDuration},
		Timeout:     time.Second,
		MaxDuration: time.Minute,
	}
}

func newTestController(t *testing.T, cfg Config, r Runner) *Controller {
	t.Helper()
	c, err := New(cfg, r)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{Timeout: time.Second}, &fakeRunner{}); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := New(Config{Command: []string{"true"}}, &fakeRunner{}); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestWater_DefaultDuration(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(t, testConfig(), runner)

	res, err := c.Water(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Duration != DefaultDuration {
		t.Errorf("expected default duration, got %s", res.Duration)
	}
	if res.ID == "" {
		t.Error("expected actuation id")
	}

	want := []string{"python3", "control_pump.py", "--pump", "2", "--duration", "1000"}
	if runner.callCount() != 1 {
		t.Fatalf("expected 1 call, got %d", runner.callCount())
	}
	got := runner.calls[0]
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestWater_CommandFailure(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		return errors.New("exit status 1")
	}}
	c := newTestController(t, testConfig(), runner)

	_, err := c.Water(context.Background(), 1, 500*time.Millisecond)
	if !errors.Is(err, ErrCommandFailed) {
		t.Errorf("expected ErrCommandFailed, got %v", err)
	}
}

func TestWater_Validation(t *testing.T) {
	tests := []struct {
		name     string
		pump     int
		duration time.Duration
		wantErr  error
	}{
		{"zero pump", 0, time.Second, ErrInvalidPump},
		{"negative pump", -1, time.Second, ErrInvalidPump},
		{"negative duration", 1, -time.Millisecond, ErrInvalidDuration},
		{"too long", 1, 2 * time.Minute, ErrInvalidDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			c := newTestController(t, testConfig(), runner)

			_, err := c.Water(context.Background(), tt.pump, tt.duration)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if runner.callCount() != 0 {
				t.Errorf("controller should not run on invalid input, ran %d times", runner.callCount())
			}
		})
	}
}

func TestWater_Timeout(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	c := newTestController(t, cfg, runner)

	start := time.Now()
	_, err := c.Water(context.Background(), 1, time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took too long: %s", time.Since(start))
	}
}

func TestWater_SerializesSamePump(t *testing.T) {
	var running, maxRunning int32
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}}
	c := newTestController(t, testConfig(), runner)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Water(context.Background(), 1, time.Millisecond); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("expected runs for the same pump to be serialized, saw %d at once", maxRunning)
	}
	if runner.callCount() != 4 {
		t.Errorf("expected 4 runs, got %d", runner.callCount())
	}
}

func TestWater_DifferentPumpsConcurrent(t *testing.T) {
	both := make(chan struct{})
	var started int32
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		if atomic.AddInt32(&started, 1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	c := newTestController(t, testConfig(), runner)

	errs := make(chan error, 2)
	for _, p := range []int{1, 2} {
		go func(p int) {
			_, err := c.Water(context.Background(), p, time.Millisecond)
			errs <- err
		}(p)
	}

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("expected pumps 1 and 2 to overlap, got %v", err)
		}
	}
}

func TestWater_WaitCanceled(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		close(started)
		<-release
		return nil
	}}
	c := newTestController(t, testConfig(), runner)

	done := make(chan error, 1)
	go func() {
		_, err := c.Water(context.Background(), 1, time.Millisecond)
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Water(ctx, 1, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error while pump is busy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run failed: %v", err)
	}
}

func TestWater_CallerCancelDoesNotAbortRun(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		close(started)
		<-proceed
		return ctx.Err()
	}}
	c := newTestController(t, testConfig(), runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Water(ctx, 1, time.Millisecond)
		done <- err
	}()

	<-started
	cancel()
	close(proceed)

	if err := <-done; err != nil {
		t.Errorf("expected run to finish despite caller cancel, got %v", err)
	}
}

func TestWater_BreakerOpens(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		return errors.New("serial port not found")
	}}
	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerOpenFor = time.Minute
	c := newTestController(t, cfg, runner)

	for i := 0; i < 2; i++ {
		if _, err := c.Water(context.Background(), 1, time.Millisecond); !errors.Is(err, ErrCommandFailed) {
			t.Fatalf("call %d: expected ErrCommandFailed, got %v", i, err)
		}
	}

	_, err := c.Water(context.Background(), 2, time.Millisecond)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if runner.callCount() != 2 {
		t.Errorf("expected breaker to skip the controller, got %d calls", runner.callCount())
	}
}

func TestWater_ReleasesPumpSlots(t *testing.T) {
	c := newTestController(t, testConfig(), &fakeRunner{})

	for id := 1; id <= 100; id++ {
		if _, err := c.Water(context.Background(), id, time.Millisecond); err != nil {
			t.Fatalf("pump %d: unexpected error: %v", id, err)
		}
	}

	if n := c.slots(); n != 0 {
		t.Errorf("expected no pump slots after runs finish, got %d", n)
	}
}

func TestWater_ReleasesSlotAfterCanceledWait(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, args []string) error {
		close(started)
		<-release
		return nil
	}}
	c := newTestController(t, testConfig(), runner)

	done := make(chan error, 1)
	go func() {
		_, err := c.Water(context.Background(), 7, time.Millisecond)
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Water(ctx, 7, time.Millisecond); err == nil {
		t.Fatal("expected the waiting call to give up")
	}

	if n := c.slots(); n != 1 {
		t.Errorf("expected the running pump to keep its slot, got %d", n)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if n := c.slots(); n != 0 {
		t.Errorf("expected no pump slots after runs finish, got %d", n)
	}
}
