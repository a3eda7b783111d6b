// Package frames holds coordinate frame names, rigid transforms between them,
// and the resolver that answers stamped frame-to-frame lookups.
package frames

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// FrameID is a coordinate frame name like "sensor", "odom" or "elevation_map".
type FrameID string

// MatrixValidationTolerance bounds the deviation from orthonormality accepted
// for the rotation block of a rigid transform.
const MatrixValidationTolerance = 0.01

// ErrInvalidTransform is returned when a matrix is not a proper rigid transform.
var ErrInvalidTransform = errors.New("invalid rigid transform")

// IdentityMatrix is the 4x4 row-major identity.
var IdentityMatrix = [16]float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// Transform is a rigid transform taking points expressed in From into To:
// p_To = R * p_From + t. T is 4x4 row-major (m00..m03, m10..m13, m20..m23, m30..m33).
// A zero Stamp marks a transform that is valid at any time.
type Transform struct {
	From  FrameID
	To    FrameID
	Stamp time.Time
	T     [16]float64
}

// Identity returns the identity transform between two frames.
func Identity(from, to FrameID) Transform {
	return Transform{From: from, To: to, T: IdentityMatrix}
}

// FromTranslationYaw builds a transform from a translation and a rotation of
// yaw radians about the z axis.
func FromTranslationYaw(from, to FrameID, stamp time.Time, translation r3.Vector, yaw float64) Transform {
	s, c := math.Sincos(yaw)
	return Transform{
		From:  from,
		To:    to,
		Stamp: stamp,
		T: [16]float64{
			c, -s, 0, translation.X,
			s, c, 0, translation.Y,
			0, 0, 1, translation.Z,
			0, 0, 0, 1,
		},
	}
}

// Apply maps a point from the From frame into the To frame.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	T := t.T
	return r3.Vector{
		X: T[0]*p.X + T[1]*p.Y + T[2]*p.Z + T[3],
		Y: T[4]*p.X + T[5]*p.Y + T[6]*p.Z + T[7],
		Z: T[8]*p.X + T[9]*p.Y + T[10]*p.Z + T[11],
	}
}

// Rotate applies only the rotation block, for directions and offsets.
func (t Transform) Rotate(v r3.Vector) r3.Vector {
	T := t.T
	return r3.Vector{
		X: T[0]*v.X + T[1]*v.Y + T[2]*v.Z,
		Y: T[4]*v.X + T[5]*v.Y + T[6]*v.Z,
		Z: T[8]*v.X + T[9]*v.Y + T[10]*v.Z,
	}
}

// Translation returns the translation column.
func (t Transform) Translation() r3.Vector {
	return r3.Vector{X: t.T[3], Y: t.T[7], Z: t.T[11]}
}

// WithTranslation returns a copy with the translation column replaced.
func (t Transform) WithTranslation(v r3.Vector) Transform {
	t.T[3], t.T[7], t.T[11] = v.X, v.Y, v.Z
	return t
}

// Yaw returns the heading of the rotation about the z axis in radians.
func (t Transform) Yaw() float64 {
	return math.Atan2(t.T[4], t.T[0])
}

// IsZero reports whether the matrix was never set.
func (t Transform) IsZero() bool {
	return t.T == [16]float64{}
}

// Validate checks that T is a proper rigid transform: finite entries, an
// orthonormal rotation block with determinant 1, and a last row of [0 0 0 1].
func (t Transform) Validate() error {
	for i, v := range t.T {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite element %d", ErrInvalidTransform, i)
		}
	}
	if t.T[12] != 0 || t.T[13] != 0 || t.T[14] != 0 || math.Abs(t.T[15]-1.0) > 0.001 {
		return fmt.Errorf("%w: last row must be [0 0 0 1]", ErrInvalidTransform)
	}

	r := rotationBlock(t.T)
	if det := mat.Det(r); math.Abs(det-1.0) > MatrixValidationTolerance {
		return fmt.Errorf("%w: rotation determinant %.4f", ErrInvalidTransform, det)
	}

	// R^T R must be the identity for a rotation.
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(rtr.At(i, j)-want) > MatrixValidationTolerance {
				return fmt.Errorf("%w: rotation block is not orthonormal", ErrInvalidTransform)
			}
		}
	}
	return nil
}

// Inverse returns the transform from To back into From.
func (t Transform) Inverse() Transform {
	r := rotationBlock(t.T)
	var rt mat.Dense
	rt.CloneFrom(r.T())

	tr := mat.NewVecDense(3, []float64{t.T[3], t.T[7], t.T[11]})
	var inv mat.VecDense
	inv.MulVec(&rt, tr)

	out := Transform{From: t.To, To: t.From, Stamp: t.Stamp}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.T[i*4+j] = rt.At(i, j)
		}
		out.T[i*4+3] = -inv.AtVec(i)
	}
	out.T[15] = 1
	return out
}

// Then chains t with next, which must start where t ends. The result maps
// t.From into next.To and carries the later of the two stamps.
func (t Transform) Then(next Transform) Transform {
	a := mat.NewDense(4, 4, cloneMatrix(t.T))
	b := mat.NewDense(4, 4, cloneMatrix(next.T))
	var c mat.Dense
	c.Mul(b, a)

	out := Transform{From: t.From, To: next.To, Stamp: laterStamp(t.Stamp, next.Stamp)}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out.T[i*4+j] = c.At(i, j)
		}
	}
	return out
}

func rotationBlock(T [16]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		T[0], T[1], T[2],
		T[4], T[5], T[6],
		T[8], T[9], T[10],
	})
}

func cloneMatrix(T [16]float64) []float64 {
	out := make([]float64, 16)
	copy(out, T[:])
	return out
}

func laterStamp(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
