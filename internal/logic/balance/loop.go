// Package balance runs the fixed-period control loop: read the
// orientation, run the PID controller, command the stepper.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/logic/motion"
	"github.com/cjeanneret/BalanGo/internal/logic/pid"
	"github.com/cjeanneret/BalanGo/internal/orientation"
	"github.com/cjeanneret/BalanGo/internal/telemetry"
	"github.com/cjeanneret/BalanGo/internal/timebase"
)

// Actuator receives the motor commands. motion.Controller implements it.
type Actuator interface {
	Apply(cmd motion.Command)
	Stop()
	Edges() uint64
}

// Reporter receives the periodic diagnostic report.
type Reporter interface {
	Report(r telemetry.Report)
}

// rateSource is implemented by orientation sources that measure their
// filter update rate.
type rateSource interface {
	RateHz() float64
}

// Config holds the loop timing.
type Config struct {
	Period         time.Duration // iteration period, at least 1µs
	ReportInterval time.Duration // 0 disables the periodic report
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	Iterations  uint64
	Overruns    uint64 // iterations that took longer than the period
	ReadErrors  uint64
	MaxElapsed  uint64 // longest iteration, µs
	LastOutput  float64
	LastCommand motion.Command
}

// Loop is the balance control loop. Step and Run must be called from a
// single goroutine; Stats is safe from any goroutine.
type Loop struct {
	cfg      Config
	tb       timebase.Timebase
	source   orientation.Source
	pid      *pid.Controller
	mapper   motion.Mapper
	act      Actuator
	reporter Reporter

	period      uint64 // ticks
	reportEvery uint64 // ticks
	lastReport  timebase.Tick
	started     bool

	mu    sync.Mutex
	stats Stats
}

// New builds a loop. reporter may be nil.
func New(cfg Config, tb timebase.Timebase, source orientation.Source, ctrl *pid.Controller,
	mapper motion.Mapper, act Actuator, reporter Reporter) (*Loop, error) {
	period := uint64(cfg.Period / time.Microsecond)
	if period == 0 {
		return nil, fmt.Errorf("loop period must be at least 1µs, got %v", cfg.Period)
	}
	if cfg.ReportInterval < 0 {
		return nil, fmt.Errorf("report interval must be non-negative, got %v", cfg.ReportInterval)
	}

	return &Loop{
		cfg:         cfg,
		tb:          tb,
		source:      source,
		pid:         ctrl,
		mapper:      mapper,
		act:         act,
		reporter:    reporter,
		period:      period,
		reportEvery: uint64(cfg.ReportInterval / time.Microsecond),
	}, nil
}

// Step runs one iteration and then waits for the end of its period. It
// only returns an error when ctx is done.
func (l *Loop) Step(ctx context.Context) error {
	start := l.tb.Now()
	if !l.started {
		l.started = true
		l.lastReport = start
	}

	var (
		out float64
		cmd motion.Command
	)
	sample, err := l.source.Read(ctx)
	readFailed := err != nil
	if readFailed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		debug.Error(fmt.Errorf("orientation read: %w", err))
		l.act.Stop()
	} else {
		out = l.pid.Update(sample.Tilt)
		cmd = l.mapper.Map(out)
		l.act.Apply(cmd)
		debug.Command(out, cmd.Speed, cmd.Reverse)
	}

	elapsed := timebase.Elapsed(l.tb, start)
	overrun := elapsed > l.period

	l.mu.Lock()
	l.stats.Iterations++
	if readFailed {
		l.stats.ReadErrors++
	}
	if overrun {
		l.stats.Overruns++
	}
	if elapsed > l.stats.MaxElapsed {
		l.stats.MaxElapsed = elapsed
	}
	l.stats.LastOutput = out
	l.stats.LastCommand = cmd
	stats := l.stats
	l.mu.Unlock()

	if overrun {
		debug.Overrun(elapsed, l.period)
	}

	if l.reporter != nil && l.reportEvery > 0 && uint64(start-l.lastReport) >= l.reportEvery {
		l.lastReport = start
		l.reporter.Report(l.report(stats, sample))
	}

	return timebase.WaitUntil(ctx, l.tb, start+timebase.Tick(l.period))
}

func (l *Loop) report(stats Stats, sample orientation.Sample) telemetry.Report {
	r := telemetry.Report{
		Output:     stats.LastOutput,
		Speed:      stats.LastCommand.Speed,
		Reverse:    stats.LastCommand.Reverse,
		Sample:     sample,
		Iterations: stats.Iterations,
		Overruns:   stats.Overruns,
		Edges:      l.act.Edges(),
	}
	if rs, ok := l.source.(rateSource); ok {
		r.FusionRate = rs.RateHz()
	}
	return r
}

// Run steps the loop until ctx is done, then stops the motor.
func (l *Loop) Run(ctx context.Context) error {
	debug.Info("Balance loop started (period %v)", l.cfg.Period)
	defer l.act.Stop()

	for {
		if err := l.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s := l.Stats()
				debug.Info("Balance loop stopped after %d iterations (%d overruns)", s.Iterations, s.Overruns)
				return nil
			}
			return err
		}
	}
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
