// Package points holds raw range-sensor point batches and the two stages that
// prepare them for fusion: cleaning non-finite points and aligning a batch to
// a target frame.
package points

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/elevation.map/internal/elevation/frames"
)

// Point is a single 3D measurement.
type Point struct {
	r3.Vector
}

// NewPoint builds a Point from its coordinates.
func NewPoint(x, y, z float64) Point {
	return Point{r3.Vector{X: x, Y: y, Z: z}}
}

// Valid reports whether every coordinate is finite.
func (p Point) Valid() bool {
	return finite(p.X) && finite(p.Y) && finite(p.Z)
}

// Batch is one sensor sweep. Batches are treated as read-only once built.
type Batch struct {
	Points    []Point
	Timestamp time.Time
	Frame     frames.FrameID
	// SensorOrigin is the sensor position expressed in Frame. It is the zero
	// vector while the batch is still in the sensor's own frame.
	SensorOrigin r3.Vector
}

// Len returns the number of points.
func (b Batch) Len() int { return len(b.Points) }

// Clean returns a copy of b holding only the finite points, in their
// original order. It never fails; an all-invalid batch comes back empty.
func Clean(b Batch) Batch {
	out := b
	out.Points = make([]Point, 0, len(b.Points))
	for _, p := range b.Points {
		if p.Valid() {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
