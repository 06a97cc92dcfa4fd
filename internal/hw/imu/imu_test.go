package imu

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

const (
	mpuAddr = DefaultAddress
	magAddr = DefaultMagAddress
)

func rawSample(ax, ay, az, gx, gy, gz int16) []byte {
	buf := make([]byte, 14)
	for i, v := range []int16{ax, ay, az, 0, gx, gy, gz} {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func magSample(x, y, z int16, st2 byte) []byte {
	buf := make([]byte, 7)
	binary.LittleEndian.PutUint16(buf[0:], uint16(x))
	binary.LittleEndian.PutUint16(buf[2:], uint16(y))
	binary.LittleEndian.PutUint16(buf[4:], uint16(z))
	buf[6] = st2
	return buf
}

func mpuWrite(reg, val byte) i2ctest.IO {
	return i2ctest.IO{Addr: mpuAddr, W: []byte{reg, val}}
}

func magWrite(reg, val byte) i2ctest.IO {
	return i2ctest.IO{Addr: magAddr, W: []byte{reg, val}}
}

// selfTestOps plays the self-test sequence with the given stimulated
// response on every axis and factory codes of 1 (trim = 2620).
func selfTestOps(response int16) []i2ctest.IO {
	return []i2ctest.IO{
		mpuWrite(regPwrMgmt1, pwrWake),
		mpuWrite(regSmplrtDiv, 0x00),
		mpuWrite(regConfig, 0x02),
		mpuWrite(regGyroConfig, 0x00),
		mpuWrite(regAccelConfig2, 0x02),
		mpuWrite(regAccelConfig, 0x00),
		{Addr: mpuAddr, W: []byte{regAccelXOutH}, R: rawSample(0, 0, 0, 0, 0, 0)},
		mpuWrite(regAccelConfig, selfTestOn),
		mpuWrite(regGyroConfig, selfTestOn),
		{Addr: mpuAddr, W: []byte{regAccelXOutH}, R: rawSample(response, response, response, response, response, response)},
		mpuWrite(regAccelConfig, 0x00),
		mpuWrite(regGyroConfig, 0x00),
		{Addr: mpuAddr, W: []byte{regSelfTestXAccel}, R: []byte{1, 1, 1}},
		{Addr: mpuAddr, W: []byte{regSelfTestXGyro}, R: []byte{1, 1, 1}},
	}
}

func calibrateAndConfigureOps() []i2ctest.IO {
	return []i2ctest.IO{
		// One calibration sample: 1 g on z, gyro offset of 131 LSB on x.
		{Addr: mpuAddr, W: []byte{regAccelXOutH}, R: rawSample(0, 0, 16384, 131, 0, 0)},
		mpuWrite(regPwrMgmt1, pwrWake),
		mpuWrite(regPwrMgmt1, pwrAutoClock),
		mpuWrite(regConfig, 0x03),
		mpuWrite(regSmplrtDiv, 0x04),
		mpuWrite(regGyroConfig, 0x00),
		mpuWrite(regAccelConfig, 0x00),
		mpuWrite(regAccelConfig2, 0x03),
		mpuWrite(regIntPinCfg, bypassEnable),
		mpuWrite(regIntEnable, dataReadyInt),
	}
}

func magInitOps() []i2ctest.IO {
	return []i2ctest.IO{
		magWrite(regMagCntl1, magPowerDown),
		magWrite(regMagCntl1, magFuseROM),
		{Addr: magAddr, W: []byte{regMagASAX}, R: []byte{128, 128, 192}},
		magWrite(regMagCntl1, magPowerDown),
		magWrite(regMagCntl1, magContinuous),
	}
}

func initOps() []i2ctest.IO {
	ops := []i2ctest.IO{{Addr: mpuAddr, W: []byte{regWhoAmI}, R: []byte{whoAmIMPU9250}}}
	ops = append(ops, selfTestOps(2620)...)
	ops = append(ops, calibrateAndConfigureOps()...)
	ops = append(ops, i2ctest.IO{Addr: magAddr, W: []byte{regMagWhoAmI}, R: []byte{whoAmIAK8963}})
	ops = append(ops, magInitOps()...)
	return ops
}

func newTestDevice(ops []i2ctest.IO, cfg Config) (*Device, *i2ctest.Playback) {
	bus := &i2ctest.Playback{Ops: ops, DontPanic: true}
	cfg.SelfTestSamples = 1
	cfg.CalibrationSamples = 1
	d := New(bus, cfg)
	d.sleep = func(time.Duration) {}
	return d, bus
}

func TestInit(t *testing.T) {
	d, bus := newTestDevice(initOps(), Config{})

	test.That(t, d.Init(), test.ShouldBeNil)
	test.That(t, bus.Close(), test.ShouldBeNil)

	for _, pct := range d.Trim() {
		test.That(t, pct, test.ShouldAlmostEqual, 0, 1e-9)
	}
	test.That(t, d.gyroBias.X, test.ShouldAlmostEqual, 131*gyroRes, 1e-12)
	test.That(t, d.magAdj.Z, test.ShouldAlmostEqual, 1.25, 1e-12)
}

func TestInit_SensorNotFound(t *testing.T) {
	d, _ := newTestDevice([]i2ctest.IO{{Addr: mpuAddr, W: []byte{regWhoAmI}, R: []byte{0x00}}}, Config{})

	err := d.Init()
	test.That(t, errors.Is(err, ErrSensorNotFound), test.ShouldBeTrue)

	var initErr *InitError
	test.That(t, errors.As(err, &initErr), test.ShouldBeTrue)
	test.That(t, initErr.Code, test.ShouldEqual, CodeSensorNotFound)
}

func TestInit_NoSensorOnBus(t *testing.T) {
	d, _ := newTestDevice(nil, Config{})
	test.That(t, errors.Is(d.Init(), ErrSensorNotFound), test.ShouldBeTrue)
}

func TestInit_TrimTooHigh(t *testing.T) {
	ops := []i2ctest.IO{{Addr: mpuAddr, W: []byte{regWhoAmI}, R: []byte{whoAmIMPU9250}}}
	// 100*3000/2620 - 100 = 14.5%
	ops = append(ops, selfTestOps(3000)...)
	d, bus := newTestDevice(ops, Config{})

	err := d.Init()
	test.That(t, errors.Is(err, ErrTrimTooHigh), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrSensorNotFound), test.ShouldBeFalse)
	test.That(t, bus.Close(), test.ShouldBeNil)
}

func TestInit_TrimWithinCustomTolerance(t *testing.T) {
	ops := []i2ctest.IO{{Addr: mpuAddr, W: []byte{regWhoAmI}, R: []byte{whoAmIMPU9250}}}
	ops = append(ops, selfTestOps(3000)...)
	ops = append(ops, calibrateAndConfigureOps()...)
	ops = append(ops, i2ctest.IO{Addr: magAddr, W: []byte{regMagWhoAmI}, R: []byte{whoAmIAK8963}})
	ops = append(ops, magInitOps()...)
	d, _ := newTestDevice(ops, Config{TrimTolerance: 20})

	test.That(t, d.Init(), test.ShouldBeNil)
	test.That(t, d.Trim()[0], test.ShouldAlmostEqual, 100*3000.0/2620-100, 1e-9)
}

func TestInit_MagNotFound(t *testing.T) {
	ops := []i2ctest.IO{{Addr: mpuAddr, W: []byte{regWhoAmI}, R: []byte{whoAmIMPU9250}}}
	ops = append(ops, selfTestOps(2620)...)
	ops = append(ops, calibrateAndConfigureOps()...)
	ops = append(ops, i2ctest.IO{Addr: magAddr, W: []byte{regMagWhoAmI}, R: []byte{0x00}})
	d, _ := newTestDevice(ops, Config{})

	err := d.Init()
	test.That(t, errors.Is(err, ErrMagNotFound), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "imu init error 3")
}

func TestRead(t *testing.T) {
	ops := initOps()
	ops = append(ops,
		i2ctest.IO{Addr: mpuAddr, W: []byte{regIntStatus}, R: []byte{dataReadyInt}},
		i2ctest.IO{Addr: mpuAddr, W: []byte{regAccelXOutH}, R: rawSample(0, 8192, 16384, 262, 0, -131)},
		i2ctest.IO{Addr: magAddr, W: []byte{regMagST1}, R: []byte{0x01}},
		i2ctest.IO{Addr: magAddr, W: []byte{regMagXOutL}, R: magSample(100, -200, 100, 0)},
	)
	d, bus := newTestDevice(ops, Config{MagBias: r3.Vector{X: 10}})
	test.That(t, d.Init(), test.ShouldBeNil)

	r, ready, err := d.Read()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ready, test.ShouldBeTrue)
	test.That(t, bus.Close(), test.ShouldBeNil)

	test.That(t, r.Accel.Y, test.ShouldAlmostEqual, 0.5, 1e-12)
	test.That(t, r.Accel.Z, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, r.Gyro.X, test.ShouldAlmostEqual, 131*gyroRes, 1e-12)
	test.That(t, r.Gyro.Z, test.ShouldAlmostEqual, -131*gyroRes, 1e-12)
	test.That(t, r.Mag.X, test.ShouldAlmostEqual, 100*magRes-10, 1e-9)
	test.That(t, r.Mag.Y, test.ShouldAlmostEqual, -200*magRes, 1e-9)
	test.That(t, r.Mag.Z, test.ShouldAlmostEqual, 125*magRes, 1e-9)
}

func TestRead_NotReadyReturnsPrevious(t *testing.T) {
	ops := initOps()
	ops = append(ops,
		i2ctest.IO{Addr: mpuAddr, W: []byte{regIntStatus}, R: []byte{dataReadyInt}},
		i2ctest.IO{Addr: mpuAddr, W: []byte{regAccelXOutH}, R: rawSample(0, 0, 16384, 131, 0, 0)},
		i2ctest.IO{Addr: magAddr, W: []byte{regMagST1}, R: []byte{0x00}},
		i2ctest.IO{Addr: mpuAddr, W: []byte{regIntStatus}, R: []byte{0x00}},
	)
	d, _ := newTestDevice(ops, Config{})
	test.That(t, d.Init(), test.ShouldBeNil)

	first, ready, err := d.Read()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ready, test.ShouldBeTrue)

	second, ready, err := d.Read()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ready, test.ShouldBeFalse)
	test.That(t, second, test.ShouldResemble, first)
}

func TestRead_MagOverflowKeepsPreviousField(t *testing.T) {
	ops := initOps()
	ops = append(ops,
		i2ctest.IO{Addr: mpuAddr, W: []byte{regIntStatus}, R: []byte{dataReadyInt}},
		i2ctest.IO{Addr: mpuAddr, W: []byte{regAccelXOutH}, R: rawSample(0, 0, 16384, 131, 0, 0)},
		i2ctest.IO{Addr: magAddr, W: []byte{regMagST1}, R: []byte{0x01}},
		i2ctest.IO{Addr: magAddr, W: []byte{regMagXOutL}, R: magSample(100, 0, 0, 0)},
		i2ctest.IO{Addr: mpuAddr, W: []byte{regIntStatus}, R: []byte{dataReadyInt}},
		i2ctest.IO{Addr: mpuAddr, W: []byte{regAccelXOutH}, R: rawSample(0, 0, 16384, 131, 0, 0)},
		i2ctest.IO{Addr: magAddr, W: []byte{regMagST1}, R: []byte{0x01}},
		i2ctest.IO{Addr: magAddr, W: []byte{regMagXOutL}, R: magSample(9999, 9999, 9999, magOverflow)},
	)
	d, _ := newTestDevice(ops, Config{})
	test.That(t, d.Init(), test.ShouldBeNil)

	first, _, err := d.Read()
	test.That(t, err, test.ShouldBeNil)
	second, ready, err := d.Read()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ready, test.ShouldBeTrue)
	test.That(t, second.Mag, test.ShouldResemble, first.Mag)
}

func TestRead_BusError(t *testing.T) {
	d, _ := newTestDevice(initOps(), Config{})
	test.That(t, d.Init(), test.ShouldBeNil)

	_, ready, err := d.Read()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, ready, test.ShouldBeFalse)
}

func TestCodeString(t *testing.T) {
	test.That(t, CodeTrimTooHigh.String(), test.ShouldEqual, "self-test trim too high")
	test.That(t, Code(9).String(), test.ShouldEqual, "unknown")
}
