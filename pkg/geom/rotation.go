// Package geom holds the rotation arithmetic shared by sampling, projection
// and reconstruction: unit quaternions for 3D poses and plain angles for 2D.
package geom

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Mat3 is a row-major 3x3 rotation matrix.
type Mat3 [3][3]float64

// Mat2 is a row-major 2x2 rotation matrix.
type Mat2 [2][2]float64

// Identity is the unit quaternion.
var Identity = quat.Number{Real: 1}

// AxisAngle returns the unit quaternion rotating by angle about axis.
func AxisAngle(axis [3]float64, angle float64) quat.Number {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	s := math.Sin(angle/2) / n
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis[0] * s,
		Jmag: axis[1] * s,
		Kmag: axis[2] * s,
	}
}

// Normalize scales q to unit length and flips it into the Real >= 0
// hemisphere, so q and -q map to the same representative.
func Normalize(q quat.Number) quat.Number {
	a := quat.Abs(q)
	if a == 0 {
		return Identity
	}
	if q.Real < 0 {
		a = -a
	}
	return quat.Scale(1/a, q)
}

// Dot is the 4D inner product of two quaternions.
func Dot(p, q quat.Number) float64 {
	return p.Real*q.Real + p.Imag*q.Imag + p.Jmag*q.Jmag + p.Kmag*q.Kmag
}

// Angle returns the rotation angle in radians taking p to q.
func Angle(p, q quat.Number) float64 {
	d := math.Abs(Dot(p, q))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// ToMat3 converts a unit quaternion to its rotation matrix.
func ToMat3(q quat.Number) Mat3 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// Apply rotates the vector (x, y, z).
func (m Mat3) Apply(x, y, z float64) (float64, float64, float64) {
	return m[0][0]*x + m[0][1]*y + m[0][2]*z,
		m[1][0]*x + m[1][1]*y + m[1][2]*z,
		m[2][0]*x + m[2][1]*y + m[2][2]*z
}

// ToMat2 returns the in-plane rotation by phi.
func ToMat2(phi float64) Mat2 {
	c, s := math.Cos(phi), math.Sin(phi)
	return Mat2{{c, -s}, {s, c}}
}

// Apply rotates the vector (x, y).
func (m Mat2) Apply(x, y float64) (float64, float64) {
	return m[0][0]*x + m[0][1]*y, m[1][0]*x + m[1][1]*y
}

// RandomRotation draws a rotation uniformly from SO(3).
func RandomRotation(src rand.Source) quat.Number {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	return Normalize(quat.Number{Real: n.Rand(), Imag: n.Rand(), Jmag: n.Rand(), Kmag: n.Rand()})
}

// SmallRotation returns exp of a rotation vector with independent Gaussian
// components of standard deviation sigma radians.
func SmallRotation(src rand.Source, sigma float64) quat.Number {
	if sigma <= 0 {
		return Identity
	}
	n := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	v := [3]float64{n.Rand(), n.Rand(), n.Rand()}
	angle := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if angle == 0 {
		return Identity
	}
	return AxisAngle(v, angle)
}

// WrapAngle folds phi into [0, 2*pi).
func WrapAngle(phi float64) float64 {
	phi = math.Mod(phi, 2*math.Pi)
	if phi < 0 {
		phi += 2 * math.Pi
	}
	return phi
}
