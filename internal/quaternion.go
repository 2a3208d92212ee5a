package internal

import "math"

// Vec3 is a 3D vector, used throughout for position/velocity/bias state.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float64   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Norm() float64        { return math.Sqrt(v.Dot(v)) }
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[i][k] * o[k][j]
			}
			r[i][j] = s
		}
	}
	return r
}

func (m Mat3) Scale(s float64) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][j] * s
		}
	}
	return r
}

func (m Mat3) Transpose() Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[j][i] = m[i][j]
		}
	}
	return r
}

func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Skew returns the skew-symmetric cross-product matrix of v.
func Skew(v Vec3) Mat3 {
	return Mat3{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

// Quat is a Hamilton-convention unit quaternion, (w, x, y, z).
type Quat struct {
	W, X, Y, Z float64
}

// IdentityQuat returns the identity rotation.
func IdentityQuat() Quat { return Quat{1, 0, 0, 0} }

// Normalize returns q scaled to unit norm.
func (q Quat) Normalize() Quat {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n < 1e-12 {
		return IdentityQuat()
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Mul is the Hamilton product q * o.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// Conj returns the conjugate (== inverse for unit quaternions).
func (q Quat) Conj() Quat { return Quat{q.W, -q.X, -q.Y, -q.Z} }

// Rotate applies the rotation represented by q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	qv := Quat{0, v.X, v.Y, v.Z}
	r := q.Mul(qv).Mul(q.Conj())
	return Vec3{r.X, r.Y, r.Z}
}

// ToMat3 converts a unit quaternion to a rotation matrix.
func (q Quat) ToMat3() Mat3 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// QuatFromMat3 converts a rotation matrix to a unit quaternion (Shepperd's
// method), guarding against the numerical issues near trace == -1.
func QuatFromMat3(m Mat3) Quat {
	tr := m[0][0] + m[1][1] + m[2][2]
	var q Quat
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1.0) * 2
		q.W = s / 4
		q.X = (m[2][1] - m[1][2]) / s
		q.Y = (m[0][2] - m[2][0]) / s
		q.Z = (m[1][0] - m[0][1]) / s
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1.0+m[0][0]-m[1][1]-m[2][2]) * 2
		q.W = (m[2][1] - m[1][2]) / s
		q.X = s / 4
		q.Y = (m[0][1] + m[1][0]) / s
		q.Z = (m[0][2] + m[2][0]) / s
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1.0+m[1][1]-m[0][0]-m[2][2]) * 2
		q.W = (m[0][2] - m[2][0]) / s
		q.X = (m[0][1] + m[1][0]) / s
		q.Y = s / 4
		q.Z = (m[1][2] + m[2][1]) / s
	default:
		s := math.Sqrt(1.0+m[2][2]-m[0][0]-m[1][1]) * 2
		q.W = (m[1][0] - m[0][1]) / s
		q.X = (m[0][2] + m[2][0]) / s
		q.Y = (m[1][2] + m[2][1]) / s
		q.Z = s / 4
	}
	return q.Normalize()
}

// ExpSO3 maps a rotation vector (axis * angle, rad) to a unit quaternion,
// matching the pre-integration mid-point scheme's "exp(ω̄·dt)" step.
func ExpSO3(w Vec3) Quat {
	theta := w.Norm()
	if theta < 1e-8 {
		return Quat{1, w.X / 2, w.Y / 2, w.Z / 2}.Normalize()
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return Quat{math.Cos(half), w.X * s, w.Y * s, w.Z * s}
}

// LogSO3 maps a unit quaternion to its rotation vector (axis * angle).
// Used for the IMU factor's orientation residual (axis-vector of
// δq⁻¹ ⊗ q_measured, spec.md §4.A), the gyro-bias solve, and the
// marginalisation prior's rotation deltas.
func LogSO3(q Quat) Vec3 {
	q = q.Normalize()
	if q.W < 0 {
		q = Quat{-q.W, -q.X, -q.Y, -q.Z}
	}
	vNorm := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if vNorm < 1e-8 {
		return Vec3{2 * q.X, 2 * q.Y, 2 * q.Z}
	}
	angle := 2 * math.Atan2(vNorm, q.W)
	s := angle / vNorm
	return Vec3{q.X * s, q.Y * s, q.Z * s}
}

// Yaw extracts the world-frame yaw (rotation about +z) of q, in radians.
func Yaw(q Quat) float64 {
	m := q.ToMat3()
	return math.Atan2(m[1][0], m[0][0])
}

// YawQuat builds a pure yaw-rotation quaternion.
func YawQuat(yaw float64) Quat {
	return ExpSO3(Vec3{0, 0, yaw})
}

// DeltaYawQuat returns the pure yaw rotation by (oldYaw - newYaw): left-
// multiplied onto an orientation with yaw newYaw it yields yaw oldYaw.
// ApplyScaleAndGravity uses it to pin frame 0's yaw at zero.
func DeltaYawQuat(oldYaw, newYaw float64) Quat {
	return YawQuat(oldYaw - newYaw)
}
