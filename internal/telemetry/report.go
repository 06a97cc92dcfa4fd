package telemetry

import (
	"fmt"

	"github.com/cjeanneret/BalanGo/internal/orientation"
)

// Report is the periodic diagnostic snapshot of the balance loop.
type Report struct {
	Output  float64 // PID output
	Speed   uint32  // step frequency (Hz)
	Reverse bool

	Sample orientation.Sample

	// FusionRate is the orientation filter update rate in Hz, 0 when the
	// source does not measure it.
	FusionRate float64

	Iterations uint64
	Overruns   uint64
	Edges      uint64
}

// Lines renders the report one measurement per line.
func (r Report) Lines() []string {
	dir := "FWD"
	if r.Reverse {
		dir = "REV"
	}
	s := r.Sample
	lines := []string{
		fmt.Sprintf("PID: %.2f", r.Output),
		fmt.Sprintf("SPD: %d %s", r.Speed, dir),
		fmt.Sprintf("ACC: %.2f %.2f %.2f", s.Accel.X, s.Accel.Y, s.Accel.Z),
		fmt.Sprintf("GYR: %.2f %.2f %.2f", s.Gyro.X, s.Gyro.Y, s.Gyro.Z),
		fmt.Sprintf("MAG: %.2f %.2f %.2f", s.Mag.X, s.Mag.Y, s.Mag.Z),
		fmt.Sprintf("Orientation: %.2f %.2f %.2f", s.Euler.Yaw, s.Euler.Pitch, s.Euler.Roll),
	}
	if r.FusionRate > 0 {
		lines = append(lines, fmt.Sprintf("rate = %.2f Hz", r.FusionRate))
	}
	return append(lines, fmt.Sprintf("LOOP: %d iterations, %d overruns, %d edges", r.Iterations, r.Overruns, r.Edges))
}
