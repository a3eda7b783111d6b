package grid

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/elevation.map/internal/elevation/frames"
)

// Metadata describes the grid geometry and where it sits in the parent frame.
type Metadata struct {
	Resolution  float64
	Length      float64
	Width       float64
	Rows        int
	Cols        int
	Origin      frames.Transform // map -> parent, pose of the (0,0) corner
	ParentFrame frames.FrameID
	MapFrame    frames.FrameID
	LastUpdate  time.Time // stamp of the newest batch that changed a cell
}

// Snapshot is a detached copy of the grid. It is never mutated by the Map.
type Snapshot struct {
	Metadata
	Height   []float64
	Variance []float64
}

// Idx returns the flat index of cell (r, c).
func (s Snapshot) Idx(r, c int) int {
	return r*s.Cols + c
}

// InBounds reports whether (r, c) addresses a cell.
func (s Snapshot) InBounds(r, c int) bool {
	return r >= 0 && c >= 0 && r < s.Rows && c < s.Cols
}

// At returns the height and variance of cell (r, c).
func (s Snapshot) At(r, c int) (height, variance float64) {
	i := s.Idx(r, c)
	return s.Height[i], s.Variance[i]
}

// Observed reports whether cell (r, c) has received at least one measurement.
func (s Snapshot) Observed(r, c int) bool {
	return s.Variance[s.Idx(r, c)] < UnobservedVariance
}

// ObservedCount returns the number of observed cells.
func (s Snapshot) ObservedCount() int {
	n := 0
	for _, v := range s.Variance {
		if v < UnobservedVariance {
			n++
		}
	}
	return n
}

// CellCenter returns the parent-frame position of the centre of cell (r, c)
// at height zero in the map frame.
func (s Snapshot) CellCenter(r, c int) r3.Vector {
	return s.Origin.Apply(r3.Vector{
		X: (float64(r) + 0.5) * s.Resolution,
		Y: (float64(c) + 0.5) * s.Resolution,
	})
}

// HeightRange returns the smallest and largest observed heights. ok is false
// when nothing has been observed.
func (s Snapshot) HeightRange() (lo, hi float64, ok bool) {
	for i, v := range s.Variance {
		if v >= UnobservedVariance {
			continue
		}
		h := s.Height[i]
		if !ok {
			lo, hi, ok = h, h, true
			continue
		}
		lo = min(lo, h)
		hi = max(hi, h)
	}
	return lo, hi, ok
}
