package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"

	"github.com/cjeanneret/BalanGo/internal/config"
	"github.com/cjeanneret/BalanGo/internal/debug"
	"github.com/cjeanneret/BalanGo/internal/hw/gpio"
	"github.com/cjeanneret/BalanGo/internal/hw/imu"
	"github.com/cjeanneret/BalanGo/internal/hw/stepper"
	"github.com/cjeanneret/BalanGo/internal/logic/balance"
	"github.com/cjeanneret/BalanGo/internal/logic/fusion"
	"github.com/cjeanneret/BalanGo/internal/logic/motion"
	"github.com/cjeanneret/BalanGo/internal/logic/pid"
	"github.com/cjeanneret/BalanGo/internal/orientation"
	"github.com/cjeanneret/BalanGo/internal/telemetry"
	"github.com/cjeanneret/BalanGo/internal/timebase"
)

// overrides are command-line values replacing configuration entries.
// Zero means "use config".
type overrides struct {
	Kp, Ki, Kd float64
	PeriodUs   int
}

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	kp := flag.Float64("kp", 0, "override proportional gain")
	ki := flag.Float64("ki", 0, "override integral gain")
	kd := flag.Float64("kd", 0, "override derivative gain")
	periodUs := flag.Int("period_us", 0, "override control loop period in µs (100-1000000)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	ov := overrides{Kp: *kp, Ki: *ki, Kd: *kd, PeriodUs: *periodUs}
	if err := overrideConfig(cfg, ov); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

// run wires the platform and blocks until ctx is done. Hardware is released
// before it returns.
func run(ctx context.Context, cfg *config.Config) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var closers []io.Closer
	defer func() {
		cancel()
		wg.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i].Close())
		}
	}()

	debug.Step(1, "Starting timebase")
	tb := newTimebase(ctx, cfg, &wg)
	debug.Value("Timebase", cfg.Loop.Timebase)

	debug.Step(2, "Initializing GPIO driver")
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO failed: %w", err)
	}
	closers = append(closers, gpioDriver)

	debug.Step(3, "Initializing stepper motor")
	motor := stepper.New(gpioDriver, stepper.Config{
		StepPin:      cfg.Motor.StepPin,
		DirPin:       cfg.Motor.DirPin,
		EnablePin:    cfg.Motor.EnablePin,
		InvertDir:    cfg.Motor.InvertDir,
		MinStepDelay: uint64(cfg.Motor.MinStepDelayUs),
	}, stepper.Forward, uint64(cfg.Motor.InitialStepDelayUs), tb.Now())
	debug.PrintStruct("Motor config", cfg.Motor)
	motionCtrl := motion.NewController(motor)
	closers = append(closers, motorCloser{motionCtrl})

	debug.Step(4, "Initializing orientation source")
	source, srcCloser, err := newSource(cfg, tb)
	if err != nil {
		return err
	}
	if srcCloser != nil {
		closers = append(closers, srcCloser)
	}

	debug.Step(5, "Starting telemetry")
	broadcaster := telemetry.NewBroadcaster()
	sink, sinkCloser, err := newTelemetrySink(cfg, broadcaster)
	if err != nil {
		return err
	}
	if sinkCloser != nil {
		closers = append(closers, sinkCloser)
	}
	var reporter balance.Reporter
	if sink != nil {
		lines, unsub := broadcaster.Subscribe()
		defer unsub()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := telemetry.Pump(ctx, lines, sink); err != nil {
				debug.Error(err)
			}
		}()
		reporter = broadcaster
	}

	debug.Step(6, "Creating PID controller")
	pidCfg := pid.Config{
		Kp:        cfg.PID.Kp,
		Ki:        cfg.PID.Ki,
		Kd:        cfg.PID.Kd,
		MaxOutput: cfg.PID.MaxOutput,
		Deadband:  cfg.PID.Deadband,
	}
	if err := pidCfg.Validate(); err != nil {
		return fmt.Errorf("invalid PID config: %w", err)
	}
	debug.PrintStruct("PID config", pidCfg)
	mapper := motion.NewMapper(motion.MapperConfig{
		MaxSpeed:        cfg.Motor.MaxSpeed,
		MaxOutput:       cfg.PID.MaxOutput,
		MinSpeed:        cfg.Motor.MinSpeed,
		MinSpeedEnabled: cfg.Motor.MinSpeedEnabled,
	})

	loop, err := balance.New(balance.Config{
		Period:         cfg.Period(),
		ReportInterval: cfg.ReportInterval(),
	}, tb, source, pid.New(pidCfg), mapper, motionCtrl, reporter)
	if err != nil {
		return fmt.Errorf("create balance loop: %w", err)
	}

	debug.Step(7, "Starting stepper pump")
	if err := motionCtrl.EnableMotor(); err != nil {
		return fmt.Errorf("enable motor: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = motor.Run(ctx, tb, cfg.PollInterval())
	}()

	debug.Summary("Balancing")
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("balance loop: %w", err)
	}

	s := loop.Stats()
	debug.Info("Stopped: %d iterations, %d overruns, %d read errors, longest %dus",
		s.Iterations, s.Overruns, s.ReadErrors, s.MaxElapsed)
	return nil
}

// newTimebase returns the runtime clock, or a tick counter advanced by its
// own goroutine when the "systick" timebase is configured.
func newTimebase(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup) timebase.Timebase {
	if cfg.Loop.Timebase != "systick" {
		return timebase.NewClock()
	}
	counter := timebase.NewCounter(0)
	resolution := time.Duration(cfg.Motor.MinStepDelayUs) * time.Microsecond
	wg.Add(1)
	go func() {
		defer wg.Done()
		counter.Drive(ctx, resolution)
	}()
	return counter
}

// newSource returns the simulated source in mock mode, otherwise the fused
// MPU-9250 source. IMU init faults are returned as *imu.InitError.
func newSource(cfg *config.Config, tb timebase.Timebase) (orientation.Source, io.Closer, error) {
	if cfg.Defaults.MockIMU {
		debug.Value("Orientation", "simulated")
		return orientation.NewSim(tb, 0, 0), nil, nil
	}

	dev, err := imu.Open(cfg.IMU.Bus, imuConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open IMU: %w", err)
	}
	if err := dev.Init(); err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("IMU init failed: %w", err), dev.Close())
	}
	filter := fusion.NewMahony(cfg.IMU.MahonyKp, cfg.IMU.MahonyKi)
	debug.Value("Orientation", dev.String())
	return orientation.NewFused(dev, filter, tb, cfg.IMU.DeclinationDeg), dev, nil
}

func imuConfig(cfg *config.Config) imu.Config {
	return imu.Config{
		Address:    uint16(cfg.IMU.Address),
		MagAddress: uint16(cfg.IMU.MagAddress),
		MagBias: r3.Vector{
			X: cfg.IMU.MagBiasMg[0],
			Y: cfg.IMU.MagBiasMg[1],
			Z: cfg.IMU.MagBiasMg[2],
		},
		TrimTolerance: cfg.IMU.TrimTolerance,
	}
}

// newTelemetrySink opens the serial port when one is configured and
// mirrors the debug log onto it. Without a port, reports go to stdout when
// logging is enabled, and nowhere otherwise.
func newTelemetrySink(cfg *config.Config, b *telemetry.Broadcaster) (io.Writer, io.Closer, error) {
	if cfg.Telemetry.SerialPort == "" {
		if debug.IsEnabled(debug.LevelInfo) {
			return os.Stdout, nil, nil
		}
		return nil, nil, nil
	}

	port, err := telemetry.OpenSerial(cfg.Telemetry.SerialPort, cfg.Telemetry.Baud)
	if err != nil {
		return nil, nil, err
	}
	debug.SetOutput(io.MultiWriter(os.Stdout, b.Writer()))
	debug.Value("Serial port", cfg.Telemetry.SerialPort)
	return port, port, nil
}

// motorCloser stops and disables the motor on shutdown.
type motorCloser struct {
	ctrl *motion.Controller
}

func (m motorCloser) Close() error {
	m.ctrl.Stop()
	return m.ctrl.DisableMotor()
}

// overrideConfig applies validated overrides and re-validates the result.
func overrideConfig(cfg *config.Config, ov overrides) error {
	if err := validateCLIOverrides(ov); err != nil {
		return err
	}
	applyOverrides(cfg, ov)
	return cfg.Validate()
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(ov overrides) error {
	gains := []struct {
		name string
		v    float64
	}{{"kp", ov.Kp}, {"ki", ov.Ki}, {"kd", ov.Kd}}
	for _, g := range gains {
		if g.v == 0 {
			continue
		}
		if math.IsNaN(g.v) || math.IsInf(g.v, 0) || g.v < 0 || g.v > 1e6 {
			return fmt.Errorf("%s must be between 0 and 1000000, got %g", g.name, g.v)
		}
	}
	if ov.PeriodUs != 0 && (ov.PeriodUs < 100 || ov.PeriodUs > 1_000_000) {
		return fmt.Errorf("period_us must be between 100 and 1000000, got %d", ov.PeriodUs)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, ov overrides) {
	if ov.Kp > 0 {
		cfg.PID.Kp = ov.Kp
	}
	if ov.Ki > 0 {
		cfg.PID.Ki = ov.Ki
	}
	if ov.Kd > 0 {
		cfg.PID.Kd = ov.Kd
	}
	if ov.PeriodUs > 0 {
		cfg.Loop.PeriodUs = ov.PeriodUs
	}
}
