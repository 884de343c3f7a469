package program

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock mirrors the teacher's gateway fake clock so tests complete
// instantly instead of sleeping on wall-clock timers.
type fakeClock struct {
	mu           sync.Mutex
	current      time.Time
	waiters      []fakeWaiter
	totalWaiters int
}

type fakeWaiter struct {
	fireAt time.Time
	ch     chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{current: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	fireAt := c.current.Add(d)
	c.waiters = append(c.waiters, fakeWaiter{fireAt: fireAt, ch: ch})
	c.totalWaiters++
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	var remaining []fakeWaiter
	for _, w := range c.waiters {
		if !now.Before(w.fireAt) {
			w.ch <- w.fireAt
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

func (c *fakeClock) WaitForWaiter(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		have := c.totalWaiters
		c.mu.Unlock()
		if have >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (c *fakeClock) TotalWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalWaiters
}

type recordedWake struct {
	opts WakeOpts
}

type captureDispatcher struct {
	mu    sync.Mutex
	wakes []recordedWake
	next  WakeResult
}

func (c *captureDispatcher) dispatch(ctx context.Context, opts WakeOpts) WakeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakes = append(c.wakes, recordedWake{opts: opts})
	if c.next.Kind == "" {
		return WakeResult{Kind: WakeOK}
	}
	return c.next
}

func (c *captureDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.wakes)
}

func (c *captureDispatcher) last() recordedWake {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakes[len(c.wakes)-1]
}

type captureRecorder struct {
	mu    sync.Mutex
	ticks []WakeResult
}

func (r *captureRecorder) RecordTick(programID string, result WakeResult, nowMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, result)
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func waitForCount(t *testing.T, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for count >= %d, got %d", want, get())
}

func TestHeartbeatRegistry_FiresOnInterval(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	disp := &captureDispatcher{}
	reg := NewHeartbeatRegistry(disp.dispatch, nil, clk)
	defer reg.Stop()

	reg.Set(HeartbeatProgram{
		ProgramID: "hb-1",
		EveryMS:   60_000,
		Enabled:   true,
		Prompt:    "status check",
	})

	if !clk.WaitForWaiter(1, 2*time.Second) {
		t.Fatal("heartbeat goroutine did not arm a timer")
	}
	clk.Advance(time.Minute)
	waitForCount(t, disp.count, 1)

	got := disp.last()
	if got.opts.DedupeKey != "heartbeat-program:hb-1" {
		t.Errorf("dedupe key = %q, want heartbeat-program:hb-1", got.opts.DedupeKey)
	}
	if got.opts.Prompt != "status check" {
		t.Errorf("prompt = %q, want %q", got.opts.Prompt, "status check")
	}
}

func TestHeartbeatRegistry_DisabledStaysDormant(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	disp := &captureDispatcher{}
	reg := NewHeartbeatRegistry(disp.dispatch, nil, clk)
	defer reg.Stop()

	reg.Set(HeartbeatProgram{ProgramID: "hb-2", EveryMS: 60_000, Enabled: false})

	clk.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatalf("expected no wakes for disabled program, got %d", disp.count())
	}
}

func TestHeartbeatRegistry_ReenableRearmsFromNextBoundary(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	disp := &captureDispatcher{}
	reg := NewHeartbeatRegistry(disp.dispatch, nil, clk)
	defer reg.Stop()

	p := HeartbeatProgram{ProgramID: "hb-3", EveryMS: 60_000, Enabled: true}
	reg.Set(p)
	if !clk.WaitForWaiter(1, 2*time.Second) {
		t.Fatal("initial arm did not register")
	}

	p.Enabled = false
	reg.Set(p)

	waitersBefore := clk.TotalWaiters()

	p.Enabled = true
	reg.Set(p)
	if !clk.WaitForWaiter(waitersBefore+1, 2*time.Second) {
		t.Fatal("re-enabled heartbeat did not re-arm a fresh timer")
	}

	clk.Advance(time.Minute)
	waitForCount(t, disp.count, 1)
}

func TestCronRegistry_FiresAtScheduledTick(t *testing.T) {
	// "*/15 * * * *" starting at 10:07 ticks first at 10:15 (8 minutes away).
	start := time.Date(2026, 1, 15, 10, 7, 0, 0, time.UTC)
	clk := newFakeClock(start)
	disp := &captureDispatcher{}
	reg := NewCronRegistry(disp.dispatch, nil, clk)
	defer reg.Stop()

	reg.Set(CronProgram{
		ProgramID: "cron-1",
		Schedule:  Schedule{Kind: ScheduleCron, Expr: "*/15 * * * *"},
		Target:    "operator-channel",
		Enabled:   true,
	})

	if !clk.WaitForWaiter(1, 2*time.Second) {
		t.Fatal("cron goroutine did not arm a timer")
	}
	clk.Advance(9 * time.Minute)
	waitForCount(t, disp.count, 1)

	got := disp.last()
	if got.opts.Target != "operator-channel" {
		t.Errorf("target = %q, want operator-channel", got.opts.Target)
	}
}

func TestCronRegistry_AtScheduleFiresOnceThenStops(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	clk := newFakeClock(start)
	disp := &captureDispatcher{}
	reg := NewCronRegistry(disp.dispatch, nil, clk)
	defer reg.Stop()

	fireAt := start.Add(5 * time.Minute).UnixMilli()
	reg.Set(CronProgram{
		ProgramID: "cron-at",
		Schedule:  Schedule{Kind: ScheduleAt, AtMS: fireAt},
		Enabled:   true,
	})

	if !clk.WaitForWaiter(1, 2*time.Second) {
		t.Fatal("one-shot goroutine did not arm a timer")
	}
	clk.Advance(5 * time.Minute)
	waitForCount(t, disp.count, 1)

	// No second wake should ever follow for a one-shot schedule.
	clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if disp.count() != 1 {
		t.Fatalf("expected exactly 1 wake for an at-schedule, got %d", disp.count())
	}
}

func TestCronRegistry_RecordsTickResult(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	clk := newFakeClock(start)
	disp := &captureDispatcher{next: WakeResult{Kind: WakeCoalesced, Reason: "already queued"}}
	rec := &captureRecorder{}
	reg := NewCronRegistry(disp.dispatch, rec, clk)
	defer reg.Stop()

	reg.Set(CronProgram{
		ProgramID: "cron-2",
		Schedule:  Schedule{Kind: ScheduleCron, Expr: "* * * * *"},
		Enabled:   true,
	})

	if !clk.WaitForWaiter(1, 2*time.Second) {
		t.Fatal("cron goroutine did not arm a timer")
	}
	clk.Advance(time.Minute)
	waitForCount(t, rec.count, 1)
}

func TestCronRegistry_ReconfigureReplacesSchedule(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	clk := newFakeClock(start)
	disp := &captureDispatcher{}
	reg := NewCronRegistry(disp.dispatch, nil, clk)
	defer reg.Stop()

	reg.Set(CronProgram{
		ProgramID: "cron-3",
		Schedule:  Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"},
		Enabled:   true,
	})
	if !clk.WaitForWaiter(1, 2*time.Second) {
		t.Fatal("initial schedule did not arm")
	}

	waitersBefore := clk.TotalWaiters()
	reg.Set(CronProgram{
		ProgramID: "cron-3",
		Schedule:  Schedule{Kind: ScheduleCron, Expr: "*/10 * * * *"},
		Enabled:   true,
	})
	if !clk.WaitForWaiter(waitersBefore+1, 2*time.Second) {
		t.Fatal("reconfigured schedule did not re-arm a fresh timer")
	}

	clk.Advance(10 * time.Minute)
	waitForCount(t, disp.count, 1)
}
