// Package geom provides the small fixed-size vector, matrix and
// quaternion helpers used by the camera model and the splat projection
// kernels. Everything is float64; parameter tensors are stored as
// float32 and promoted at the kernel boundary.
package geom

import (
	"math"
)

// Vec2 is a 2-component vector.
type Vec2 [2]float64

// Vec3 is a 3-component vector.
type Vec3 [3]float64

// Add returns v + u.
func (v Vec3) Add(u Vec3) Vec3 {
	return Vec3{v[0] + u[0], v[1] + u[1], v[2] + u[2]}
}

// Sub returns v - u.
func (v Vec3) Sub(u Vec3) Vec3 {
	return Vec3{v[0] - u[0], v[1] - u[1], v[2] - u[2]}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

// Dot returns the dot product of v and u.
func (v Vec3) Dot(u Vec3) float64 {
	return v[0]*u[0] + v[1]*u[1] + v[2]*u[2]
}

// Cross returns the cross product of v and u.
func (v Vec3) Cross(u Vec3) Vec3 {
	return Vec3{
		v[1]*u[2] - v[2]*u[1],
		v[2]*u[0] - v[0]*u[2],
		v[0]*u[1] - v[1]*u[0],
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Normalized returns v scaled to unit length. The zero vector is
// returned unchanged.
func (v Vec3) Normalized() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Mat3 is a 3x3 matrix in row-major order.
type Mat3 [9]float64

// Mat3Identity returns the 3x3 identity matrix.
func Mat3Identity() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row i, column j.
func (m Mat3) At(i, j int) float64 { return m[3*i+j] }

// Set stores v at row i, column j.
func (m *Mat3) Set(i, j int, v float64) { m[3*i+j] = v }

// MulVec returns m * v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// Mul returns the matrix product m * n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += m.At(i, k) * n.At(k, j)
			}
			out.Set(i, j, s)
		}
	}
	return out
}

// Transpose returns the transpose of m.
func (m Mat3) Transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Add returns m + n.
func (m Mat3) Add(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] + n[i]
	}
	return out
}

// Scale returns m with every element multiplied by s.
func (m Mat3) Scale(s float64) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] * s
	}
	return out
}

// Outer returns the outer product a * b^T.
func Outer(a, b Vec3) Mat3 {
	return Mat3{
		a[0] * b[0], a[0] * b[1], a[0] * b[2],
		a[1] * b[0], a[1] * b[1], a[1] * b[2],
		a[2] * b[0], a[2] * b[1], a[2] * b[2],
	}
}

// Mat4 is a 4x4 matrix in row-major order. The convention throughout
// the module is that a world-to-camera Mat4 transforms homogeneous
// world points by left multiplication.
type Mat4 [16]float64

// Mat4Identity returns the 4x4 identity matrix.
func Mat4Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the element at row i, column j.
func (m Mat4) At(i, j int) float64 { return m[4*i+j] }

// Set stores v at row i, column j.
func (m *Mat4) Set(i, j int, v float64) { m[4*i+j] = v }

// Rotation returns the upper-left 3x3 block of m.
func (m Mat4) Rotation() Mat3 {
	return Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// Translation returns the last column of m as a vector.
func (m Mat4) Translation() Vec3 {
	return Vec3{m[3], m[7], m[11]}
}

// MulPoint transforms p as a homogeneous point with w = 1.
func (m Mat4) MulPoint(p Vec3) Vec3 {
	return Vec3{
		m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3],
		m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7],
		m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11],
	}
}

// Mul returns the matrix product m * n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			s := 0.0
			for k := 0; k < 4; k++ {
				s += m.At(i, k) * n.At(k, j)
			}
			out.Set(i, j, s)
		}
	}
	return out
}

// ComposeRigid builds a 4x4 rigid transform from a rotation and a
// translation, so that ComposeRigid(R, t).MulPoint(p) == R*p + t.
func ComposeRigid(r Mat3, t Vec3) Mat4 {
	return Mat4{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
		0, 0, 0, 1,
	}
}

// Quat is a rotation quaternion stored as (w, x, y, z). It is not
// required to be normalized; callers normalize on use, matching the
// raw storage of per-Gaussian rotations.
type Quat [4]float64

// Norm returns the Euclidean length of q.
func (q Quat) Norm() float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

// Normalized returns q scaled to unit length. A zero quaternion maps
// to the identity rotation.
func (q Quat) Normalized() Quat {
	n := q.Norm()
	if n == 0 {
		return Quat{1, 0, 0, 0}
	}
	return Quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// RotationMatrix converts a unit quaternion to a 3x3 rotation matrix.
// The caller is responsible for normalizing first.
func (q Quat) RotationMatrix() Mat3 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// RotationMatrixGrad contracts a gradient with respect to the rotation
// matrix down to a gradient with respect to the four (unit) quaternion
// components. dR is the upstream gradient laid out like the matrix.
func (q Quat) RotationMatrixGrad(dR Mat3) Quat {
	w, x, y, z := q[0], q[1], q[2], q[3]

	// Partial derivative matrices of RotationMatrix with respect to
	// each quaternion component.
	dw := Mat3{
		0, -2 * z, 2 * y,
		2 * z, 0, -2 * x,
		-2 * y, 2 * x, 0,
	}
	dx := Mat3{
		0, 2 * y, 2 * z,
		2 * y, -4 * x, -2 * w,
		2 * z, 2 * w, -4 * x,
	}
	dy := Mat3{
		-4 * y, 2 * x, 2 * w,
		2 * x, 0, 2 * z,
		-2 * w, 2 * z, -4 * y,
	}
	dz := Mat3{
		-4 * z, -2 * w, 2 * x,
		2 * w, -4 * z, 2 * y,
		2 * x, 2 * y, 0,
	}

	contract := func(p Mat3) float64 {
		s := 0.0
		for i := range p {
			s += p[i] * dR[i]
		}
		return s
	}
	return Quat{contract(dw), contract(dx), contract(dy), contract(dz)}
}

// NormalizeGrad maps a gradient with respect to the normalized
// quaternion back to a gradient with respect to the raw one.
// For u = q/|q|: dL/dq = (dL/du - u * (u . dL/du)) / |q|.
func (q Quat) NormalizeGrad(dUnit Quat) Quat {
	n := q.Norm()
	if n == 0 {
		return Quat{}
	}
	u := q.Normalized()
	dot := u[0]*dUnit[0] + u[1]*dUnit[1] + u[2]*dUnit[2] + u[3]*dUnit[3]
	return Quat{
		(dUnit[0] - u[0]*dot) / n,
		(dUnit[1] - u[1]*dot) / n,
		(dUnit[2] - u[2]*dot) / n,
		(dUnit[3] - u[3]*dot) / n,
	}
}
