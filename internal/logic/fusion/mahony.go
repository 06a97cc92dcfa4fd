// Package fusion estimates orientation from accelerometer, gyroscope and
// magnetometer samples.
package fusion

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Mahony is a Mahony AHRS complementary filter. Gyroscope rates are
// integrated into an orientation quaternion, and the drift is corrected by
// a PI feedback on the error between measured and estimated gravity (and
// magnetic field, when available).
type Mahony struct {
	Kp float64 // proportional feedback gain
	Ki float64 // integral feedback gain

	q        quat.Number
	integral r3.Vector
}

// NewMahony returns a filter at the identity orientation.
func NewMahony(kp, ki float64) *Mahony {
	return &Mahony{
		Kp: kp,
		Ki: ki,
		q:  quat.Number{Real: 1},
	}
}

// Update advances the filter by dt seconds. gyro is in rad/s; accel and
// mag may be in any unit since only their direction is used. A zero
// accel skips the correction, a zero mag falls back to gravity only.
func (m *Mahony) Update(accel, gyro, mag r3.Vector, dt float64) {
	if dt <= 0 || math.IsNaN(dt) {
		return
	}

	if accel.Norm() > 0 {
		e := m.gravityError(accel.Normalize())
		if mag.Norm() > 0 {
			e = e.Add(m.magneticError(mag.Normalize()))
		}

		if m.Ki > 0 {
			m.integral = m.integral.Add(e.Mul(m.Ki * dt))
			gyro = gyro.Add(m.integral)
		}
		gyro = gyro.Add(e.Mul(m.Kp))
	}

	// q' = q + 0.5 * q ⊗ (0, ω) * dt
	omega := quat.Number{Imag: gyro.X, Jmag: gyro.Y, Kmag: gyro.Z}
	m.q = quat.Add(m.q, quat.Scale(0.5*dt, quat.Mul(m.q, omega)))

	if n := quat.Abs(m.q); n > 0 {
		m.q = quat.Scale(1/n, m.q)
	}
}

// gravityError is the cross product between the measured and the
// estimated direction of gravity.
func (m *Mahony) gravityError(a r3.Vector) r3.Vector {
	q0, q1, q2, q3 := m.q.Real, m.q.Imag, m.q.Jmag, m.q.Kmag
	v := r3.Vector{
		X: 2 * (q1*q3 - q0*q2),
		Y: 2 * (q0*q1 + q2*q3),
		Z: q0*q0 - q1*q1 - q2*q2 + q3*q3,
	}
	return a.Cross(v)
}

// magneticError is the cross product between the measured and the
// estimated direction of the Earth's magnetic field.
func (m *Mahony) magneticError(mg r3.Vector) r3.Vector {
	q0, q1, q2, q3 := m.q.Real, m.q.Imag, m.q.Jmag, m.q.Kmag
	mx, my, mz := mg.X, mg.Y, mg.Z

	// Reference direction of Earth's magnetic field
	hx := 2 * (mx*(0.5-q2*q2-q3*q3) + my*(q1*q2-q0*q3) + mz*(q1*q3+q0*q2))
	hy := 2 * (mx*(q1*q2+q0*q3) + my*(0.5-q1*q1-q3*q3) + mz*(q2*q3-q0*q1))
	bx := math.Sqrt(hx*hx + hy*hy)
	bz := 2 * (mx*(q1*q3-q0*q2) + my*(q2*q3+q0*q1) + mz*(0.5-q1*q1-q2*q2))

	w := r3.Vector{
		X: 2 * (bx*(0.5-q2*q2-q3*q3) + bz*(q1*q3-q0*q2)),
		Y: 2 * (bx*(q1*q2-q0*q3) + bz*(q0*q1+q2*q3)),
		Z: 2 * (bx*(q0*q2+q1*q3) + bz*(0.5-q1*q1-q2*q2)),
	}
	return mg.Cross(w)
}

// Quaternion returns the current orientation.
func (m *Mahony) Quaternion() quat.Number {
	return m.q
}

// Angles returns Tait-Bryan yaw, pitch and roll in radians. Positive z is
// down, yaw is measured from magnetic north, rotations apply in yaw,
// pitch, roll order.
func (m *Mahony) Angles() (yaw, pitch, roll float64) {
	q0, q1, q2, q3 := m.q.Real, m.q.Imag, m.q.Jmag, m.q.Kmag
	yaw = math.Atan2(2*(q1*q2+q0*q3), q0*q0+q1*q1-q2*q2-q3*q3)
	pitch = -math.Asin(math.Max(-1, math.Min(1, 2*(q1*q3-q0*q2))))
	roll = math.Atan2(2*(q0*q1+q2*q3), q0*q0-q1*q1-q2*q2+q3*q3)
	return yaw, pitch, roll
}

// Reset returns the filter to the identity orientation.
func (m *Mahony) Reset() {
	m.q = quat.Number{Real: 1}
	m.integral = r3.Vector{}
}
