package imu

// MPU-9250 registers (accelerometer + gyroscope die).
const (
	regSelfTestXGyro  = 0x00
	regSelfTestXAccel = 0x0D
	regSmplrtDiv      = 0x19
	regConfig         = 0x1A
	regGyroConfig     = 0x1B
	regAccelConfig    = 0x1C
	regAccelConfig2   = 0x1D
	regIntPinCfg      = 0x37
	regIntEnable      = 0x38
	regIntStatus      = 0x3A
	regAccelXOutH     = 0x3B
	regPwrMgmt1       = 0x6B
	regWhoAmI         = 0x75
)

// AK8963 registers (magnetometer, reached through the MPU-9250 I²C bypass).
const (
	regMagWhoAmI = 0x00
	regMagST1    = 0x02
	regMagXOutL  = 0x03
	regMagCntl1  = 0x0A
	regMagASAX   = 0x10
)

const (
	whoAmIMPU9250 = 0x71
	whoAmIAK8963  = 0x48

	// DefaultAddress is the MPU-9250 address with AD0 low.
	DefaultAddress = 0x68
	// DefaultMagAddress is the fixed AK8963 address.
	DefaultMagAddress = 0x0C
)

// Register values.
const (
	pwrWake      = 0x00
	pwrAutoClock = 0x01
	selfTestOn   = 0xE0
	bypassEnable = 0x22 // latch INT until read, I²C bypass on
	dataReadyInt = 0x01

	magPowerDown  = 0x00
	magFuseROM    = 0x0F
	magContinuous = 0x16 // 16-bit output, continuous mode 2 (100 Hz)
	magOverflow   = 0x08
)

// Full-scale resolutions for ±2 g, ±250 °/s and the 16-bit magnetometer.
const (
	accelRes = 2.0 / 32768.0
	gyroRes  = 250.0 / 32768.0
	magRes   = 10.0 * 4912.0 / 32760.0 // mG per LSB
)
