package slam

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity3 returns a new 3x3 identity matrix
func Identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// Rotate applies a 3x3 matrix to a vector: m*v
func Rotate(m mat.Matrix, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// TransformPoint applies x' = m*x + t
func TransformPoint(m mat.Matrix, t, p r3.Vec) r3.Vec {
	return r3.Add(Rotate(m, p), t)
}

// TransformPoints applies x' = m*x + t to multiple points
func TransformPoints(m mat.Matrix, t r3.Vec, points []r3.Vec) []r3.Vec {
	result := make([]r3.Vec, len(points))
	for i, p := range points {
		result[i] = TransformPoint(m, t, p)
	}
	return result
}

// ScaledRotation returns s*r as a new matrix
func ScaledRotation(s float64, r mat.Matrix) *mat.Dense {
	var d mat.Dense
	d.Scale(s, r)
	return &d
}

// Transpose3 returns r^T as a new matrix
func Transpose3(r mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(r.T())
}

// MultiplyMatrices returns a*b
func MultiplyMatrices(a, b mat.Matrix) *mat.Dense {
	var d mat.Dense
	d.Mul(a, b)
	return &d
}

// RotationFromQuaternion converts a quaternion to a rotation matrix.
// The quaternion is normalized first; a zero quaternion yields identity.
func RotationFromQuaternion(q quat.Number) *mat.Dense {
	n := quat.Abs(q)
	if n < 1e-12 {
		return Identity3()
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotationAboutAxis creates a rotation of angle radians around axis
func RotationAboutAxis(axis r3.Vec, angle float64) *mat.Dense {
	if r3.Norm(axis) < 1e-12 {
		return Identity3()
	}
	u := r3.Unit(axis)
	s := math.Sin(angle / 2)
	return RotationFromQuaternion(quat.Number{
		Real: math.Cos(angle / 2),
		Imag: u.X * s,
		Jmag: u.Y * s,
		Kmag: u.Z * s,
	})
}

// RotationAngle returns the rotation angle of r in radians, in [0, pi]
func RotationAngle(r mat.Matrix) float64 {
	c := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c)
}

// Centroid returns the mean of a set of points
func Centroid(points []r3.Vec) r3.Vec {
	if len(points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// CameraCenter returns the world position of a camera with pose (rotCW, transCW)
func CameraCenter(rotCW mat.Matrix, transCW r3.Vec) r3.Vec {
	return r3.Scale(-1, Rotate(rotCW.T(), transCW))
}

// isFiniteVec reports whether all components are finite
func isFiniteVec(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
