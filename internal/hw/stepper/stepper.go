package stepper

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/gpio"
	"github.com/cjeanneret/BalanGo/internal/timebase"
)

// DefaultMinStepDelay is the shortest interval between two step edges, in
// microseconds, when Config.MinStepDelay is not set.
const DefaultMinStepDelay = 10

// Direction of rotation. Reverse is what a negative controller output maps to.
type Direction bool

const (
	Forward Direction = false
	Reverse Direction = true
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin      int
	DirPin       int
	EnablePin    int    // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	InvertDir    bool   // swap the DIR level for Forward/Reverse
	MinStepDelay uint64 // floor for the edge interval in µs. 0 = DefaultMinStepDelay.
}

// Driver schedules step edges against a monotonic tick source.
//
// It has two logical states: idle between steps, and edge emitted. Poll
// moves to "edge emitted" when the timebase reaches the scheduled tick,
// toggles the STEP pin once and re-arms relative to the poll tick. Missed
// intervals are never replayed: late polling slows the motor down, it
// never makes it overspeed.
//
// The control loop (SetSpeed, SetDirection) and the pump (Poll) run on
// different goroutines; all state is guarded by mu.
type Driver struct {
	gpio gpio.Driver
	cfg  Config

	mu           sync.Mutex
	nextStepTick timebase.Tick
	stepDelay    uint64
	stopped      bool
	direction    Direction // requested
	applied      Direction // currently on the DIR pin
	phase        gpio.Level
	edges        uint64
}

// New creates a stepper driver whose first edge is due at now+stepDelay.
// A stepDelay of 0 creates a stopped driver.
func New(g gpio.Driver, cfg Config, dir Direction, stepDelay uint64, now timebase.Tick) *Driver {
	if cfg.MinStepDelay == 0 {
		cfg.MinStepDelay = DefaultMinStepDelay
	}

	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	d := &Driver{
		gpio:      g,
		cfg:       cfg,
		direction: dir,
		applied:   dir,
		phase:     gpio.Low,
	}

	if stepDelay == 0 {
		d.stopped = true
		d.stepDelay = cfg.MinStepDelay
	} else {
		d.stepDelay = max(stepDelay, cfg.MinStepDelay)
	}
	d.nextStepTick = now + timebase.Tick(d.stepDelay)

	_ = g.WritePin(cfg.StepPin, gpio.Low)
	_ = g.WritePin(cfg.DirPin, d.dirLevel(dir))

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	debug.Verbose("Stepper: step pin %d, dir pin %d, delay %dus, first edge at %d",
		cfg.StepPin, cfg.DirPin, d.stepDelay, d.nextStepTick)
	return d
}

// SetDirection latches the requested direction. The DIR pin is updated
// right before the next emitted edge, never in the middle of a pulse.
func (d *Driver) SetDirection(dir Direction) {
	d.mu.Lock()
	d.direction = dir
	d.mu.Unlock()
}

// SetSpeed sets the edge frequency in Hz. 0 stops the motor. The
// resulting delay is clamped to the configured minimum. The next scheduled
// edge is left untouched, so a speed change takes effect from the
// following interval on.
func (d *Driver) SetSpeed(freq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if freq == 0 {
		d.stopped = true
		return
	}
	d.stepDelay = max(uint64(1_000_000/freq), d.cfg.MinStepDelay)
	d.stopped = false
}

// Poll is the scheduling heartbeat. It emits at most one edge and reports
// whether it did. Pin write errors are returned, but the schedule is
// advanced regardless so a failing pin cannot cause a burst later.
func (d *Driver) Poll(now timebase.Tick) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || now < d.nextStepTick {
		return false, nil
	}

	var err error
	if d.applied != d.direction {
		if werr := d.gpio.WritePin(d.cfg.DirPin, d.dirLevel(d.direction)); werr != nil {
			err = multierr.Append(err, werr)
		} else {
			d.applied = d.direction
		}
	}

	d.phase = !d.phase
	err = multierr.Append(err, d.gpio.WritePin(d.cfg.StepPin, d.phase))

	d.nextStepTick = now + timebase.Tick(d.stepDelay)
	d.edges++
	debug.Edge(d.cfg.StepPin, uint64(now), bool(d.applied))
	return true, err
}

// Run polls the driver until ctx is done. With a positive interval it
// polls on a ticker; otherwise it spins, yielding between polls. Poll emits
// at most one edge, so a ticker caps the step rate at its real firing rate,
// which for intervals below the scheduler granularity is far under
// 1/interval. Use 0 for full speed.
func (d *Driver) Run(ctx context.Context, tb timebase.Timebase, interval time.Duration) error {
	debug.Verbose("Stepper pump started (interval %v)", interval)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	failing := false
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}

		_, err := d.Poll(tb.Now())
		switch {
		case err != nil && !failing:
			debug.Error(err)
			failing = true
		case err == nil:
			failing = false
		}
	}
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (d *Driver) Enable() error {
	if d.cfg.EnablePin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel, no holding torque.
func (d *Driver) Disable() error {
	if d.cfg.EnablePin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.EnablePin, gpio.High)
}

// Stopped reports whether the driver is commanded to stand still.
func (d *Driver) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// StepDelay returns the current interval between edges in µs.
func (d *Driver) StepDelay() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepDelay
}

// NextStepTick returns the tick at which the next edge is due.
func (d *Driver) NextStepTick() timebase.Tick {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextStepTick
}

// Direction returns the requested direction.
func (d *Driver) Direction() Direction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.direction
}

// Edges returns the number of edges emitted since creation.
func (d *Driver) Edges() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.edges
}

func (d *Driver) dirLevel(dir Direction) gpio.Level {
	level := gpio.High
	if dir == Reverse {
		level = gpio.Low
	}
	if d.cfg.InvertDir {
		level = !level
	}
	return level
}
