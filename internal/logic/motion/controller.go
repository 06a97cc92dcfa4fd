package motion

import (
	"math"

	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/stepper"
)

// Command is a stepper speed and direction derived from a controller output.
type Command struct {
	Speed   uint32 // step edge frequency in Hz
	Reverse bool
}

// MapperConfig scales controller outputs to step frequencies.
type MapperConfig struct {
	MaxSpeed  float64 // Hz at |output| == MaxOutput
	MaxOutput float64

	// MinSpeed only applies when MinSpeedEnabled is set: commands slower
	// than MinSpeed are zeroed instead of crawling the motor.
	MinSpeed        float64
	MinSpeedEnabled bool
}

// Mapper converts PID outputs into motor commands.
type Mapper struct {
	cfg MapperConfig
}

func NewMapper(cfg MapperConfig) Mapper {
	return Mapper{cfg: cfg}
}

// Map returns the command for a controller output: negative outputs run in
// reverse, and the magnitude scales linearly up to MaxSpeed.
func (m Mapper) Map(output float64) Command {
	if math.IsNaN(output) {
		return Command{}
	}
	output = math.Max(-m.cfg.MaxOutput, math.Min(m.cfg.MaxOutput, output))

	cmd := Command{Reverse: output < 0}
	if m.cfg.MaxOutput > 0 {
		cmd.Speed = uint32(math.Abs(output) * (m.cfg.MaxSpeed / m.cfg.MaxOutput))
	}
	if m.cfg.MinSpeedEnabled && float64(cmd.Speed) < m.cfg.MinSpeed {
		cmd.Speed = 0
	}
	return cmd
}

// Controller is the layer between the balance logic and the stepper
// hardware. It only ever talks to the stepper through its operations.
type Controller struct {
	motor *stepper.Driver
}

func NewController(motor *stepper.Driver) *Controller {
	return &Controller{motor: motor}
}

// Apply sends a command to the stepper.
func (c *Controller) Apply(cmd Command) {
	dir := stepper.Forward
	if cmd.Reverse {
		dir = stepper.Reverse
	}
	c.motor.SetDirection(dir)
	c.motor.SetSpeed(cmd.Speed)
}

// Stop commands zero speed, keeping the current direction.
func (c *Controller) Stop() {
	debug.Live("Stopping motor")
	c.motor.SetSpeed(0)
}

func (c *Controller) EnableMotor() error {
	return c.motor.Enable()
}

func (c *Controller) DisableMotor() error {
	return c.motor.Disable()
}

// Edges returns the number of step edges emitted so far.
func (c *Controller) Edges() uint64 {
	return c.motor.Edges()
}
