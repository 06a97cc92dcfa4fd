package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 64 * 1024

// MotorConfig describes the stepper wiring and speed range.
type MotorConfig struct {
	StepPin   int  `yaml:"step_pin"`
	DirPin    int  `yaml:"dir_pin"`
	EnablePin int  `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	InvertDir bool `yaml:"invert_dir"` // swap forward/reverse

	MaxSpeed        float64 `yaml:"max_speed"`         // step frequency (Hz) at full PID output
	MinSpeed        float64 `yaml:"min_speed"`         // Hz
	MinSpeedEnabled bool    `yaml:"min_speed_enabled"` // zero commands below min_speed

	MinStepDelayUs     int `yaml:"min_step_delay_us"`
	InitialStepDelayUs int `yaml:"initial_step_delay_us"` // 0 = start stopped
}

// PIDConfig holds the controller gains and limits.
type PIDConfig struct {
	Kp        float64 `yaml:"kp"`
	Ki        float64 `yaml:"ki"`
	Kd        float64 `yaml:"kd"`
	MaxOutput float64 `yaml:"max_output"`
	Deadband  float64 `yaml:"deadband"` // tilt (g) beyond which the platform is considered fallen
}

// LoopConfig holds the control loop timing.
type LoopConfig struct {
	PeriodUs         int    `yaml:"period_us"`
	ReportIntervalMs int    `yaml:"report_interval_ms"` // 0 disables the periodic report
	PollIntervalUs   int    `yaml:"poll_interval_us"`   // stepper pump; 0 = spin; a ticker caps the step rate at its firing rate
	Timebase         string `yaml:"timebase"`           // "clock" or "systick"
}

// IMUConfig describes the inertial sensor and the orientation filter.
type IMUConfig struct {
	Bus            string    `yaml:"bus"` // I²C bus name, "" = first available
	Address        int       `yaml:"address"`
	MagAddress     int       `yaml:"mag_address"`
	DeclinationDeg float64   `yaml:"declination_deg"`
	MahonyKp       float64   `yaml:"mahony_kp"`
	MahonyKi       float64   `yaml:"mahony_ki"`
	MagBiasMg      []float64 `yaml:"mag_bias_mg"` // x, y, z
	TrimTolerance  float64   `yaml:"trim_tolerance_pct"`
}

// TelemetryConfig describes the diagnostic serial link.
type TelemetryConfig struct {
	SerialPort string `yaml:"serial_port"` // "" = disabled
	Baud       int    `yaml:"baud"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	MockIMU    bool `yaml:"mock_imu"`    // simulated orientation instead of the MPU-9250
}

// Config aggregates all application configuration.
type Config struct {
	Motor     MotorConfig     `yaml:"motor"`
	PID       PIDConfig       `yaml:"pid"`
	Loop      LoopConfig      `yaml:"loop"`
	IMU       IMUConfig       `yaml:"imu"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// Default returns the configuration the platform was tuned with. Motor
// pins have no default.
func Default() *Config {
	return &Config{
		Motor: MotorConfig{
			MaxSpeed:           45000,
			MinSpeed:           230,
			MinStepDelayUs:     10,
			InitialStepDelayUs: 50,
		},
		PID: PIDConfig{
			Kp:        4000,
			MaxOutput: 4000,
			Deadband:  0.75,
		},
		Loop: LoopConfig{
			PeriodUs:         4000,
			ReportIntervalMs: 500,
			PollIntervalUs:   0,
			Timebase:         "clock",
		},
		IMU: IMUConfig{
			Address:        0x68,
			MagAddress:     0x0C,
			DeclinationDeg: 8.5,
			MahonyKp:       2,
			MahonyKi:       0.01,
			MagBiasMg:      []float64{470, 120, 125},
			TrimTolerance:  10,
		},
		Telemetry: TelemetryConfig{
			Baud: 9600,
		},
	}
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// configs/ directory, without traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, max %d", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section. It is also run after command-line
// overrides.
func (c *Config) Validate() error {
	m := c.Motor
	if m.StepPin <= 0 || m.DirPin <= 0 {
		return fmt.Errorf("motor.step_pin and motor.dir_pin are required")
	}
	if m.StepPin == m.DirPin || m.StepPin == m.EnablePin || m.DirPin == m.EnablePin {
		return fmt.Errorf("motor pins must be distinct, got step=%d dir=%d enable=%d", m.StepPin, m.DirPin, m.EnablePin)
	}
	if m.MaxSpeed <= 0 {
		return fmt.Errorf("motor.max_speed must be > 0, got %.2f", m.MaxSpeed)
	}
	if m.MinSpeed < 0 || m.MinSpeed > m.MaxSpeed {
		return fmt.Errorf("motor.min_speed must be between 0 and max_speed, got %.2f", m.MinSpeed)
	}
	if m.MinStepDelayUs <= 0 {
		return fmt.Errorf("motor.min_step_delay_us must be > 0, got %d", m.MinStepDelayUs)
	}
	if m.InitialStepDelayUs < 0 {
		return fmt.Errorf("motor.initial_step_delay_us must be >= 0, got %d", m.InitialStepDelayUs)
	}

	p := c.PID
	if p.Kp < 0 || p.Ki < 0 || p.Kd < 0 {
		return fmt.Errorf("pid gains must be >= 0, got kp=%g ki=%g kd=%g", p.Kp, p.Ki, p.Kd)
	}
	if p.MaxOutput <= 0 {
		return fmt.Errorf("pid.max_output must be > 0, got %g", p.MaxOutput)
	}
	if p.Deadband <= 0 {
		return fmt.Errorf("pid.deadband must be > 0, got %g", p.Deadband)
	}

	l := c.Loop
	if l.PeriodUs <= 0 {
		return fmt.Errorf("loop.period_us must be > 0, got %d", l.PeriodUs)
	}
	if l.ReportIntervalMs < 0 {
		return fmt.Errorf("loop.report_interval_ms must be >= 0, got %d", l.ReportIntervalMs)
	}
	if l.PollIntervalUs < 0 {
		return fmt.Errorf("loop.poll_interval_us must be >= 0, got %d", l.PollIntervalUs)
	}
	if l.Timebase != "clock" && l.Timebase != "systick" {
		return fmt.Errorf("loop.timebase must be \"clock\" or \"systick\", got %q", l.Timebase)
	}

	i := c.IMU
	if i.Address < 0x03 || i.Address > 0x77 || i.MagAddress < 0x03 || i.MagAddress > 0x77 {
		return fmt.Errorf("imu addresses must be 7-bit I²C addresses, got %#x and %#x", i.Address, i.MagAddress)
	}
	if len(i.MagBiasMg) != 3 {
		return fmt.Errorf("imu.mag_bias_mg must have 3 values, got %d", len(i.MagBiasMg))
	}
	if i.MahonyKp < 0 || i.MahonyKi < 0 {
		return fmt.Errorf("imu mahony gains must be >= 0")
	}
	if i.TrimTolerance <= 0 {
		return fmt.Errorf("imu.trim_tolerance_pct must be > 0, got %g", i.TrimTolerance)
	}

	if c.Telemetry.Baud <= 0 {
		return fmt.Errorf("telemetry.baud must be > 0, got %d", c.Telemetry.Baud)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// Period returns the control loop period.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Loop.PeriodUs) * time.Microsecond
}

// ReportInterval returns the interval between diagnostic reports.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Loop.ReportIntervalMs) * time.Millisecond
}

// PollInterval returns the stepper pump interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Loop.PollIntervalUs) * time.Microsecond
}
