package pid

import (
	"math"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func balanceConfig() Config {
	return Config{Kp: 4000, Ki: 0, Kd: 0, MaxOutput: 4000, Deadband: 0.75}
}

func TestUpdate_ProportionalOnly(t *testing.T) {
	c := New(balanceConfig())
	out := c.Update(0.1)
	test.That(t, out, test.ShouldAlmostEqual, 400, 1e-9)
	test.That(t, c.Integral(), test.ShouldEqual, 0.0)
	test.That(t, c.LastError(), test.ShouldEqual, 0.1)
}

func TestUpdate_OutputClamped(t *testing.T) {
	c := New(balanceConfig())
	test.That(t, c.Update(0.7), test.ShouldEqual, 2800.0)

	cfg := balanceConfig()
	cfg.Kp = 10000
	c = New(cfg)
	test.That(t, c.Update(0.7), test.ShouldEqual, 4000.0)
	test.That(t, c.Update(-0.7), test.ShouldEqual, -4000.0)
}

func TestUpdate_DeadbandTrips(t *testing.T) {
	cfg := balanceConfig()
	cfg.Ki = 500
	c := New(cfg)

	for i := 0; i < 5; i++ {
		c.Update(0.5)
	}
	test.That(t, c.Integral(), test.ShouldBeGreaterThan, 0.0)

	out := c.Update(0.8)
	test.That(t, out, test.ShouldEqual, 0.0)
	test.That(t, c.Integral(), test.ShouldEqual, 0.0)

	out = c.Update(-0.76)
	test.That(t, out, test.ShouldEqual, 0.0)
	test.That(t, c.Integral(), test.ShouldEqual, 0.0)
}

func TestUpdate_DeadbandBoundaryIsInclusive(t *testing.T) {
	c := New(balanceConfig())
	// Exactly at the threshold is still inside the recoverable range.
	test.That(t, c.Update(0.75), test.ShouldEqual, 3000.0)
}

func TestUpdate_AntiWindup(t *testing.T) {
	cfg := balanceConfig()
	cfg.Kp = 0
	cfg.Ki = 1000
	c := New(cfg)

	for i := 0; i < 100; i++ {
		c.Update(0.7)
	}
	test.That(t, c.Integral(), test.ShouldEqual, 4000.0)

	// Unwinds immediately rather than after 100 opposite samples.
	c.Update(-0.7)
	test.That(t, c.Integral(), test.ShouldAlmostEqual, 3300, 1e-9)
}

func TestUpdate_Derivative(t *testing.T) {
	cfg := balanceConfig()
	cfg.Kp = 0
	cfg.Kd = 1000
	c := New(cfg)

	test.That(t, c.Update(0.1), test.ShouldAlmostEqual, 100, 1e-9)
	test.That(t, c.Update(0.3), test.ShouldAlmostEqual, 200, 1e-9)
	test.That(t, c.Update(0.3), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestUpdate_AlwaysBounded(t *testing.T) {
	cfg := Config{Kp: 9000, Ki: 700, Kd: 20000, MaxOutput: 4000, Deadband: 0.75}
	c := New(cfg)
	rng := rand.New(rand.NewSource(42))

	inputs := []float64{0, 1e300, -1e300, math.MaxFloat64, -math.MaxFloat64, math.SmallestNonzeroFloat64}
	for i := 0; i < 10000; i++ {
		inputs = append(inputs, (rng.Float64()*2-1)*rng.ExpFloat64())
	}
	for _, in := range inputs {
		out := c.Update(in)
		if math.IsNaN(out) || out < -cfg.MaxOutput || out > cfg.MaxOutput {
			t.Fatalf("Update(%g) = %g, outside [-%g, %g]", in, out, cfg.MaxOutput, cfg.MaxOutput)
		}
		if math.Abs(c.Integral()) > cfg.MaxOutput {
			t.Fatalf("integral %g escaped its bound after Update(%g)", c.Integral(), in)
		}
	}
}

func TestUpdate_NonFiniteInput(t *testing.T) {
	cfg := balanceConfig()
	cfg.Ki = 100
	cfg.Kd = 100
	c := New(cfg)
	c.Update(0.2)

	for _, in := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		test.That(t, c.Update(in), test.ShouldEqual, 0.0)
		test.That(t, c.Integral(), test.ShouldEqual, 0.0)
		test.That(t, c.LastError(), test.ShouldEqual, 0.0)
	}
	out := c.Update(0.1)
	test.That(t, math.IsNaN(out), test.ShouldBeFalse)
}

func TestReset(t *testing.T) {
	cfg := balanceConfig()
	cfg.Ki = 10
	c := New(cfg)
	c.Update(0.3)
	c.Reset()
	test.That(t, c.Integral(), test.ShouldEqual, 0.0)
	test.That(t, c.LastError(), test.ShouldEqual, 0.0)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, balanceConfig().Validate(), test.ShouldBeNil)

	bad := []Config{
		{Kp: math.NaN(), MaxOutput: 1, Deadband: 1},
		{Kp: 1, Ki: math.Inf(1), MaxOutput: 1, Deadband: 1},
		{Kp: 1, MaxOutput: 0, Deadband: 1},
		{Kp: 1, MaxOutput: -5, Deadband: 1},
		{Kp: 1, MaxOutput: 1, Deadband: 0},
		{Kp: 1, MaxOutput: 1, Deadband: math.NaN()},
	}
	for _, cfg := range bad {
		test.That(t, cfg.Validate(), test.ShouldNotBeNil)
	}
}

func TestConfigValidate_ReportsFirstNonFiniteGain(t *testing.T) {
	cfg := balanceConfig()
	cfg.Kp, cfg.Ki, cfg.Kd = math.NaN(), math.Inf(1), math.Inf(-1)
	for i := 0; i < 20; i++ {
		err := cfg.Validate()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldStartWith, "kp ")
	}
}
