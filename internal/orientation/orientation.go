// Package orientation produces the attitude samples the balance loop
// consumes, either from the inertial sensor or from a simulation.
package orientation

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/imu"
	"github.com/cjeanneret/BalanGo/internal/logic/fusion"
	"github.com/cjeanneret/BalanGo/internal/timebase"
)

// Euler angles in degrees.
type Euler struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// Sample is one orientation reading.
type Sample struct {
	Accel r3.Vector // g
	Gyro  r3.Vector // deg/s
	Mag   r3.Vector // mG
	Euler Euler

	// Tilt is the lateral tilt the balance controller regulates to zero:
	// the accelerometer Y component, in g.
	Tilt float64
}

// Source yields one Sample per control iteration.
type Source interface {
	Read(ctx context.Context) (Sample, error)
}

// Sensor is the raw inertial sensor behind a Fused source.
type Sensor interface {
	Read() (imu.Reading, bool, error)
}

// Fused runs the raw sensor through a Mahony filter. The integration step
// is the time measured on the timebase between two reads.
type Fused struct {
	sensor      Sensor
	filter      *fusion.Mahony
	tb          timebase.Timebase
	declination float64

	started bool
	last    timebase.Tick

	updates   int
	rateStart timebase.Tick
	rate      float64
}

// NewFused builds a fused source. declination (degrees) is subtracted from
// the magnetic yaw.
func NewFused(sensor Sensor, filter *fusion.Mahony, tb timebase.Timebase, declination float64) *Fused {
	return &Fused{
		sensor:      sensor,
		filter:      filter,
		tb:          tb,
		declination: declination,
	}
}

func (f *Fused) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	r, _, err := f.sensor.Read()
	if err != nil {
		return Sample{}, fmt.Errorf("read imu: %w", err)
	}

	now := f.tb.Now()
	if !f.started {
		f.started = true
		f.last = now
		f.rateStart = now
	}
	dt := float64(now-f.last) / 1e6
	f.last = now

	// The magnetometer X and Y axes are aligned with the accelerometer Y
	// and X axes on the MPU-9250 die.
	gyro := r.Gyro.Mul(math.Pi / 180)
	mag := r3.Vector{X: r.Mag.Y, Y: r.Mag.X, Z: r.Mag.Z}
	f.filter.Update(r.Accel, gyro, mag, dt)

	if window := now - f.rateStart; window >= 1e6 {
		f.rate = float64(f.updates) * 1e6 / float64(window)
		f.updates = 0
		f.rateStart = now
	}
	f.updates++

	yaw, pitch, roll := f.filter.Angles()
	s := Sample{
		Accel: r.Accel,
		Gyro:  r.Gyro,
		Mag:   r.Mag,
		Euler: Euler{
			Yaw:   yaw*180/math.Pi - f.declination,
			Pitch: pitch * 180 / math.Pi,
			Roll:  roll * 180 / math.Pi,
		},
		Tilt: r.Accel.Y,
	}
	debug.Trace("Orientation: tilt=%.4f yaw=%.1f pitch=%.1f roll=%.1f", s.Tilt, s.Euler.Yaw, s.Euler.Pitch, s.Euler.Roll)
	return s, nil
}

// RateHz returns the filter update rate measured over the last second.
func (f *Fused) RateHz() float64 {
	return f.rate
}

// Sim is a synthetic source for running without a sensor: the platform
// rocks sinusoidally around upright.
type Sim struct {
	tb        timebase.Timebase
	amplitude float64 // g
	period    float64 // seconds
}

// NewSim returns a simulated source. Zero amplitude or period select
// 0.5 g over 4 s.
func NewSim(tb timebase.Timebase, amplitude, period float64) *Sim {
	if amplitude == 0 {
		amplitude = 0.5
	}
	if period <= 0 {
		period = 4
	}
	return &Sim{tb: tb, amplitude: amplitude, period: period}
}

func (s *Sim) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	t := float64(s.tb.Now()) / 1e6
	phase := 2 * math.Pi * t / s.period
	tilt := math.Max(-0.99, math.Min(0.99, s.amplitude*math.Sin(phase)))
	tiltRate := s.amplitude * 2 * math.Pi / s.period * math.Cos(phase)

	// The tilt is the gravity component on Y, so roll = asin(tilt).
	roll := math.Asin(tilt)
	rollRate := tiltRate / math.Cos(roll)
	return Sample{
		Accel: r3.Vector{Y: tilt, Z: math.Cos(roll)},
		Gyro:  r3.Vector{X: rollRate * 180 / math.Pi},
		Euler: Euler{Roll: roll * 180 / math.Pi},
		Tilt:  tilt,
	}, nil
}
