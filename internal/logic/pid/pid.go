// Package pid turns a scalar tilt error into a bounded motor command.
package pid

import (
	"fmt"
	"math"
)

// Config holds the controller gains and limits.
type Config struct {
	Kp, Ki, Kd float64

	// MaxOutput bounds both the output and the integral accumulator.
	MaxOutput float64

	// Deadband is the error magnitude past which the platform is judged
	// to have tipped over: the output is forced to 0 and the integral
	// is cleared.
	Deadband float64
}

// Validate checks that gains are finite and limits are positive.
func (c Config) Validate() error {
	gains := []struct {
		name string
		v    float64
	}{{"kp", c.Kp}, {"ki", c.Ki}, {"kd", c.Kd}}
	for _, g := range gains {
		if math.IsNaN(g.v) || math.IsInf(g.v, 0) {
			return fmt.Errorf("%s must be finite, got %g", g.name, g.v)
		}
	}
	if !(c.MaxOutput > 0) || math.IsInf(c.MaxOutput, 0) {
		return fmt.Errorf("max_output must be > 0, got %g", c.MaxOutput)
	}
	if !(c.Deadband > 0) || math.IsInf(c.Deadband, 0) {
		return fmt.Errorf("deadband must be > 0, got %g", c.Deadband)
	}
	return nil
}

// Controller is a discrete PID with integral anti-windup and a safety
// deadband. It is called once per control period, so the gains already
// include the period; no dt is applied.
//
// Not safe for concurrent use: the control loop is its only caller.
type Controller struct {
	cfg Config

	integral  float64
	lastError float64
}

// New creates a controller with zeroed state.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Update consumes one error sample and returns the command, always within
// [-MaxOutput, MaxOutput].
func (c *Controller) Update(err float64) float64 {
	limit := c.cfg.MaxOutput

	if math.IsNaN(err) || math.IsInf(err, 0) {
		// Unusable reading: same outcome as a trip, and keep lastError
		// finite so the next derivative is too.
		c.integral = 0
		c.lastError = 0
		return 0
	}

	// Clamp the integral before it feeds the output so a saturated
	// integral can't be amplified further.
	c.integral = clamp(c.integral+c.cfg.Ki*err, -limit, limit)

	derivative := err - c.lastError
	c.lastError = err

	out := c.cfg.Kp*err + c.integral + c.cfg.Kd*derivative

	if math.Abs(err) > c.cfg.Deadband {
		out = 0
		c.integral = 0
	}

	return clamp(out, -limit, limit)
}

// Reset clears the accumulated state.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
}

// Integral returns the current integral accumulator.
func (c *Controller) Integral() float64 {
	return c.integral
}

// LastError returns the error seen by the previous Update.
func (c *Controller) LastError() float64 {
	return c.lastError
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	case math.IsNaN(v):
		return 0
	}
	return v
}
