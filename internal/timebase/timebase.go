package timebase

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/cjeanneret/BalanGo/internal/debug"
)

// Tick is one microsecond of the monotonic timebase.
type Tick uint64

// Timebase is the single source of ordering for every scheduling decision
// (step intervals, loop periods). Now must never go backward.
type Timebase interface {
	Now() Tick
}

// spinThreshold is how close to a deadline WaitUntil stops sleeping and
// starts spinning. Below this, scheduler wakeup latency dominates.
const spinThreshold = 200 * time.Microsecond

// Clock is a Timebase backed by the Go runtime monotonic clock.
type Clock struct {
	start time.Time
}

// NewClock returns a Clock whose origin (tick 0) is now.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Now() Tick {
	return Tick(time.Since(c.start).Microseconds())
}

// Counter is a Timebase advanced explicitly, the way a SysTick interrupt
// advances a microsecond counter. Reads are a single atomic load, so a
// reader never observes a torn or decreasing value.
type Counter struct {
	ticks *atomic.Uint64
}

// NewCounter returns a Counter starting at the given tick.
func NewCounter(start Tick) *Counter {
	return &Counter{ticks: atomic.NewUint64(uint64(start))}
}

func (c *Counter) Now() Tick {
	return Tick(c.ticks.Load())
}

// Advance moves the counter forward by n ticks and returns the new value.
func (c *Counter) Advance(n uint64) Tick {
	return Tick(c.ticks.Add(n))
}

// Set moves the counter to t if t is ahead of the current value.
// Attempts to move it backward are ignored.
func (c *Counter) Set(t Tick) {
	for {
		cur := c.ticks.Load()
		if uint64(t) <= cur {
			return
		}
		if c.ticks.CompareAndSwap(cur, uint64(t)) {
			return
		}
	}
}

// Drive plays the role of the periodic tick interrupt: every resolution it
// advances the counter by the microseconds that really elapsed. It returns
// when ctx is done.
func (c *Counter) Drive(ctx context.Context, resolution time.Duration) {
	if resolution <= 0 {
		resolution = time.Millisecond
	}
	debug.Verbose("Tick counter driven every %v", resolution)

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Microseconds()
			if elapsed > 0 {
				c.Advance(uint64(elapsed))
				last = last.Add(time.Duration(elapsed) * time.Microsecond)
			}
		}
	}
}

// Elapsed returns the ticks between since and tb.Now(), or 0 if the
// timebase has not passed since yet.
func Elapsed(tb Timebase, since Tick) uint64 {
	now := tb.Now()
	if now < since {
		return 0
	}
	return uint64(now - since)
}

// WaitUntil blocks until tb reaches target or ctx is done. Far from the
// deadline it sleeps; within spinThreshold it spins and yields, so the
// deadline is honoured with tick precision on both cooperative and
// preemptive schedulers.
func WaitUntil(ctx context.Context, tb Timebase, target Tick) error {
	for {
		now := tb.Now()
		if now >= target {
			return nil
		}
		remaining := time.Duration(target-now) * time.Microsecond
		if remaining > spinThreshold {
			if !utils.SelectContextOrWait(ctx, remaining-spinThreshold) {
				return ctx.Err()
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}
