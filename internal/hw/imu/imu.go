// Package imu drives an MPU-9250 inertial sensor and its AK8963
// magnetometer over I²C.
package imu

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/cjeanneret/BalanGo/internal/debug"
)

// Code discriminates initialization faults. All of them are fatal.
type Code int

const (
	CodeSensorNotFound Code = 1
	CodeTrimTooHigh    Code = 2
	CodeMagNotFound    Code = 3
)

func (c Code) String() string {
	switch c {
	case CodeSensorNotFound:
		return "sensor not found"
	case CodeTrimTooHigh:
		return "self-test trim too high"
	case CodeMagNotFound:
		return "magnetometer not found"
	}
	return "unknown"
}

// InitError is returned by Init. Match it with errors.Is against the
// Err* values, or errors.As to read the code.
type InitError struct {
	Code Code
	Err  error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("imu init error %d (%s): %v", e.Code, e.Code, e.Err)
	}
	return fmt.Sprintf("imu init error %d (%s)", e.Code, e.Code)
}

func (e *InitError) Unwrap() error { return e.Err }

// Is matches any InitError with the same code.
func (e *InitError) Is(target error) bool {
	t, ok := target.(*InitError)
	return ok && t.Code == e.Code
}

var (
	ErrSensorNotFound = &InitError{Code: CodeSensorNotFound}
	ErrTrimTooHigh    = &InitError{Code: CodeTrimTooHigh}
	ErrMagNotFound    = &InitError{Code: CodeMagNotFound}
)

// Config holds the sensor wiring and calibration parameters.
type Config struct {
	Address    uint16 // MPU-9250 address. 0 = DefaultAddress.
	MagAddress uint16 // AK8963 address. 0 = DefaultMagAddress.

	// MagBias is the environmental (hard-iron) correction in mG,
	// subtracted from every magnetometer reading.
	MagBias r3.Vector

	// TrimTolerance is the maximum self-test deviation from the factory
	// trim, in percent. 0 = 10.
	TrimTolerance float64

	SelfTestSamples    int // 0 = 200
	CalibrationSamples int // 0 = 64
}

func (c *Config) setDefaults() {
	if c.Address == 0 {
		c.Address = DefaultAddress
	}
	if c.MagAddress == 0 {
		c.MagAddress = DefaultMagAddress
	}
	if c.TrimTolerance <= 0 {
		c.TrimTolerance = 10
	}
	if c.SelfTestSamples <= 0 {
		c.SelfTestSamples = 200
	}
	if c.CalibrationSamples <= 0 {
		c.CalibrationSamples = 64
	}
}

// Reading is one scaled sample: acceleration in g, angular rate in deg/s,
// magnetic field in mG.
type Reading struct {
	Accel r3.Vector
	Gyro  r3.Vector
	Mag   r3.Vector
}

// Device is an MPU-9250 with its magnetometer.
type Device struct {
	mpu i2c.Dev
	mag i2c.Dev
	cfg Config

	closer io.Closer
	sleep  func(time.Duration)

	magAdj   r3.Vector // factory sensitivity adjustment
	gyroBias r3.Vector // deg/s, measured at rest by Init
	trim     [6]float64
	last     Reading
}

// New binds a device to an already opened bus.
func New(bus i2c.Bus, cfg Config) *Device {
	cfg.setDefaults()
	return &Device{
		mpu:    i2c.Dev{Bus: bus, Addr: cfg.Address},
		mag:    i2c.Dev{Bus: bus, Addr: cfg.MagAddress},
		cfg:    cfg,
		sleep:  time.Sleep,
		magAdj: r3.Vector{X: 1, Y: 1, Z: 1},
	}
}

// Open initializes the periph host drivers and opens the named I²C bus
// ("" for the first one available). Close releases the bus.
func Open(busName string, cfg Config) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open I²C bus %q: %w", busName, err)
	}

	debug.Verbose("I²C bus opened: %s", bus)

	d := New(bus, cfg)
	d.closer = bus
	return d, nil
}

// Close releases the bus if the device opened it.
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *Device) String() string {
	return fmt.Sprintf("MPU-9250@%#x/AK8963@%#x", d.cfg.Address, d.cfg.MagAddress)
}

// Init checks, self-tests, calibrates and configures the sensor. The
// device must be at rest. Errors are *InitError.
func (d *Device) Init() error {
	id, err := d.readByte(&d.mpu, regWhoAmI)
	if err != nil {
		return &InitError{Code: CodeSensorNotFound, Err: err}
	}
	if id != whoAmIMPU9250 {
		return &InitError{Code: CodeSensorNotFound, Err: fmt.Errorf("WHO_AM_I = %#x, want %#x", id, whoAmIMPU9250)}
	}

	trim, err := d.selfTest()
	if err != nil {
		return &InitError{Code: CodeTrimTooHigh, Err: err}
	}
	d.trim = trim
	for i, pct := range trim {
		if pct > d.cfg.TrimTolerance {
			return &InitError{Code: CodeTrimTooHigh, Err: fmt.Errorf("axis %d deviates %.1f%% from factory trim (max %.1f%%)", i, pct, d.cfg.TrimTolerance)}
		}
	}
	debug.Verbose("IMU self-test trim: %.2f", trim)

	if err := d.calibrate(); err != nil {
		return &InitError{Code: CodeSensorNotFound, Err: err}
	}
	debug.Verbose("IMU gyro bias: %v deg/s", d.gyroBias)

	if err := d.initMPU(); err != nil {
		return &InitError{Code: CodeSensorNotFound, Err: err}
	}

	magID, err := d.readByte(&d.mag, regMagWhoAmI)
	if err != nil {
		return &InitError{Code: CodeMagNotFound, Err: err}
	}
	if magID != whoAmIAK8963 {
		return &InitError{Code: CodeMagNotFound, Err: fmt.Errorf("AK8963 WHO_AM_I = %#x, want %#x", magID, whoAmIAK8963)}
	}
	if err := d.initMag(); err != nil {
		return &InitError{Code: CodeMagNotFound, Err: err}
	}
	debug.Verbose("IMU magnetometer adjustment: %v", d.magAdj)

	d.last = Reading{}
	debug.Info("IMU %s ready", d)
	return nil
}

// Read returns the latest sample. ready is false when the sensor has no
// new data yet, in which case the previous reading is returned.
func (d *Device) Read() (Reading, bool, error) {
	status, err := d.readByte(&d.mpu, regIntStatus)
	if err != nil {
		return d.last, false, fmt.Errorf("read INT_STATUS: %w", err)
	}
	if status&dataReadyInt == 0 {
		return d.last, false, nil
	}

	accel, gyro, err := d.readRaw()
	if err != nil {
		return d.last, false, err
	}
	r := Reading{
		Accel: accel.Mul(accelRes),
		Gyro:  gyro.Mul(gyroRes).Sub(d.gyroBias),
		Mag:   d.last.Mag,
	}

	st1, err := d.readByte(&d.mag, regMagST1)
	if err != nil {
		return d.last, false, fmt.Errorf("read AK8963 ST1: %w", err)
	}
	if st1&0x01 != 0 {
		// Reading ST2 (the 7th byte) ends the magnetometer read cycle.
		buf := make([]byte, 7)
		if err := d.mag.Tx([]byte{regMagXOutL}, buf); err != nil {
			return d.last, false, fmt.Errorf("read AK8963 data: %w", err)
		}
		if buf[6]&magOverflow == 0 {
			raw := r3.Vector{
				X: float64(int16(binary.LittleEndian.Uint16(buf[0:]))),
				Y: float64(int16(binary.LittleEndian.Uint16(buf[2:]))),
				Z: float64(int16(binary.LittleEndian.Uint16(buf[4:]))),
			}
			adjusted := r3.Vector{
				X: raw.X * magRes * d.magAdj.X,
				Y: raw.Y * magRes * d.magAdj.Y,
				Z: raw.Z * magRes * d.magAdj.Z,
			}
			r.Mag = adjusted.Sub(d.cfg.MagBias)
		}
	}

	d.last = r
	return r, true, nil
}

// Trim returns the self-test deviations measured by Init, accelerometer
// axes first.
func (d *Device) Trim() [6]float64 {
	return d.trim
}

// selfTest compares the response to the built-in self-test stimulus with
// the factory trim and returns the deviation of each axis in percent.
func (d *Device) selfTest() ([6]float64, error) {
	var pct [6]float64

	err := d.writeRegs(&d.mpu,
		[2]byte{regPwrMgmt1, pwrWake},
		[2]byte{regSmplrtDiv, 0x00},
		[2]byte{regConfig, 0x02},
		[2]byte{regGyroConfig, 0x00},
		[2]byte{regAccelConfig2, 0x02},
		[2]byte{regAccelConfig, 0x00},
	)
	if err != nil {
		return pct, err
	}

	aAvg, gAvg, err := d.average(d.cfg.SelfTestSamples)
	if err != nil {
		return pct, err
	}

	if err := d.writeRegs(&d.mpu, [2]byte{regAccelConfig, selfTestOn}, [2]byte{regGyroConfig, selfTestOn}); err != nil {
		return pct, err
	}
	d.sleep(25 * time.Millisecond)

	aST, gST, err := d.average(d.cfg.SelfTestSamples)
	if err != nil {
		return pct, err
	}

	if err := d.writeRegs(&d.mpu, [2]byte{regAccelConfig, 0x00}, [2]byte{regGyroConfig, 0x00}); err != nil {
		return pct, err
	}
	d.sleep(25 * time.Millisecond)

	accelCodes := make([]byte, 3)
	if err := d.mpu.Tx([]byte{regSelfTestXAccel}, accelCodes); err != nil {
		return pct, fmt.Errorf("read accel self-test codes: %w", err)
	}
	gyroCodes := make([]byte, 3)
	if err := d.mpu.Tx([]byte{regSelfTestXGyro}, gyroCodes); err != nil {
		return pct, fmt.Errorf("read gyro self-test codes: %w", err)
	}

	aDiff := aST.Sub(aAvg)
	gDiff := gST.Sub(gAvg)
	response := [6]float64{aDiff.X, aDiff.Y, aDiff.Z, gDiff.X, gDiff.Y, gDiff.Z}
	codes := append(accelCodes, gyroCodes...)
	for i, code := range codes {
		if code == 0 {
			// No factory trim stored for this axis.
			continue
		}
		factoryTrim := 2620 * math.Pow(1.01, float64(code)-1)
		pct[i] = 100*response[i]/factoryTrim - 100
	}
	return pct, nil
}

// calibrate measures the gyroscope offset at rest.
func (d *Device) calibrate() error {
	_, gAvg, err := d.average(d.cfg.CalibrationSamples)
	if err != nil {
		return err
	}
	d.gyroBias = gAvg.Mul(gyroRes)
	return nil
}

// initMPU wakes the sensor and configures ±2 g, ±250 °/s, a 41 Hz low-pass
// filter, 200 Hz sampling, data-ready interrupts and the I²C bypass that
// exposes the magnetometer.
func (d *Device) initMPU() error {
	if err := d.writeRegs(&d.mpu, [2]byte{regPwrMgmt1, pwrWake}); err != nil {
		return err
	}
	d.sleep(100 * time.Millisecond)
	if err := d.writeRegs(&d.mpu, [2]byte{regPwrMgmt1, pwrAutoClock}); err != nil {
		return err
	}
	d.sleep(200 * time.Millisecond)

	return d.writeRegs(&d.mpu,
		[2]byte{regConfig, 0x03},
		[2]byte{regSmplrtDiv, 0x04},
		[2]byte{regGyroConfig, 0x00},
		[2]byte{regAccelConfig, 0x00},
		[2]byte{regAccelConfig2, 0x03},
		[2]byte{regIntPinCfg, bypassEnable},
		[2]byte{regIntEnable, dataReadyInt},
	)
}

// initMag reads the factory sensitivity adjustment from the fuse ROM and
// starts continuous 16-bit measurements.
func (d *Device) initMag() error {
	if err := d.writeRegs(&d.mag, [2]byte{regMagCntl1, magPowerDown}); err != nil {
		return err
	}
	d.sleep(10 * time.Millisecond)
	if err := d.writeRegs(&d.mag, [2]byte{regMagCntl1, magFuseROM}); err != nil {
		return err
	}
	d.sleep(10 * time.Millisecond)

	asa := make([]byte, 3)
	if err := d.mag.Tx([]byte{regMagASAX}, asa); err != nil {
		return fmt.Errorf("read AK8963 ASA: %w", err)
	}
	d.magAdj = r3.Vector{
		X: (float64(asa[0])-128)/256 + 1,
		Y: (float64(asa[1])-128)/256 + 1,
		Z: (float64(asa[2])-128)/256 + 1,
	}

	if err := d.writeRegs(&d.mag, [2]byte{regMagCntl1, magPowerDown}); err != nil {
		return err
	}
	d.sleep(10 * time.Millisecond)
	if err := d.writeRegs(&d.mag, [2]byte{regMagCntl1, magContinuous}); err != nil {
		return err
	}
	d.sleep(10 * time.Millisecond)
	return nil
}

// average returns the mean raw accelerometer and gyroscope counts over n samples.
func (d *Device) average(n int) (accel, gyro r3.Vector, err error) {
	for i := 0; i < n; i++ {
		a, g, err := d.readRaw()
		if err != nil {
			return r3.Vector{}, r3.Vector{}, err
		}
		accel = accel.Add(a)
		gyro = gyro.Add(g)
	}
	return accel.Mul(1 / float64(n)), gyro.Mul(1 / float64(n)), nil
}

// readRaw reads accelerometer, temperature and gyroscope in one burst and
// returns the raw accelerometer and gyroscope counts.
func (d *Device) readRaw() (accel, gyro r3.Vector, err error) {
	buf := make([]byte, 14)
	if err := d.mpu.Tx([]byte{regAccelXOutH}, buf); err != nil {
		return r3.Vector{}, r3.Vector{}, fmt.Errorf("read sensor data: %w", err)
	}
	word := func(i int) float64 { return float64(int16(binary.BigEndian.Uint16(buf[i:]))) }
	accel = r3.Vector{X: word(0), Y: word(2), Z: word(4)}
	gyro = r3.Vector{X: word(8), Y: word(10), Z: word(12)}
	return accel, gyro, nil
}

func (d *Device) readByte(dev *i2c.Dev, reg byte) (byte, error) {
	buf := make([]byte, 1)
	if err := dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("read register %#x on %#x: %w", reg, dev.Addr, err)
	}
	return buf[0], nil
}

func (d *Device) writeRegs(dev *i2c.Dev, regs ...[2]byte) error {
	for _, rv := range regs {
		if err := dev.Tx([]byte{rv[0], rv[1]}, nil); err != nil {
			return fmt.Errorf("write register %#x on %#x: %w", rv[0], dev.Addr, err)
		}
	}
	return nil
}
