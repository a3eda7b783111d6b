package grid

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/elevation/points"
)

// Map is the elevation grid. All methods are safe for concurrent use.
type Map struct {
	mu sync.RWMutex

	resolution  float64
	length      float64
	width       float64
	rows        int
	cols        int
	parentFrame frames.FrameID
	mapFrame    frames.FrameID
	origin      frames.Transform // map -> parent
	noise       NoiseModel
	lastUpdate  time.Time

	// Row-major, idx = r*cols + c.
	height   []float64
	variance []float64
}

// FuseResult reports what happened to each point of a fused batch.
type FuseResult struct {
	Fused              int // points merged into a cell
	SkippedInvalid     int // non-finite coordinates
	SkippedTooFar      int // beyond the sensor max depth
	SkippedOutOfBounds int // outside the current footprint
}

// Skipped returns the number of points that did not change the grid.
func (r FuseResult) Skipped() int {
	return r.SkippedInvalid + r.SkippedTooFar + r.SkippedOutOfBounds
}

// New allocates an unobserved grid.
func New(p Params) (*Map, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rows, cols, _ := cellCounts(p.Length, p.Width, p.Resolution)

	origin := p.Origin
	if origin.IsZero() {
		origin = frames.Identity(p.MapFrame, p.ParentFrame)
	}
	origin.From, origin.To = p.MapFrame, p.ParentFrame

	m := &Map{
		resolution:  p.Resolution,
		length:      p.Length,
		width:       p.Width,
		rows:        rows,
		cols:        cols,
		parentFrame: p.ParentFrame,
		mapFrame:    p.MapFrame,
		origin:      origin,
		noise:       p.Noise,
	}
	m.height, m.variance = newCells(rows * cols)
	return m, nil
}

func newCells(n int) (height, variance []float64) {
	height = make([]float64, n)
	variance = make([]float64, n)
	for i := range variance {
		variance[i] = UnobservedVariance
	}
	return height, variance
}

func (m *Map) idx(r, c int) int {
	return r*m.cols + c
}

// cellOf maps a map-frame position onto a cell. ok is false outside the
// footprint.
func (m *Map) cellOf(x, y float64) (r, c int, ok bool) {
	fr := math.Floor(x / m.resolution)
	fc := math.Floor(y / m.resolution)
	if fr < 0 || fc < 0 || fr >= float64(m.rows) || fc >= float64(m.cols) {
		return 0, 0, false
	}
	return int(fr), int(fc), true
}

// Fuse merges every valid point of b into the grid. b must already be in the
// map frame. Malformed batch metadata fails with ErrInvalidBatch and leaves
// the grid untouched; individual points that cannot be fused are counted in
// the result instead.
func (m *Map) Fuse(b points.Batch) (FuseResult, error) {
	var res FuseResult

	m.mu.Lock()
	defer m.mu.Unlock()

	if b.Frame != "" && b.Frame != m.mapFrame {
		return res, fmt.Errorf("%w: batch frame %q is not map frame %q", ErrInvalidBatch, b.Frame, m.mapFrame)
	}
	if !finiteVec(b.SensorOrigin) {
		return res, fmt.Errorf("%w: non-finite sensor origin %v", ErrInvalidBatch, b.SensorOrigin)
	}
	if b.Timestamp.IsZero() {
		return res, fmt.Errorf("%w: missing timestamp", ErrInvalidBatch)
	}

	for _, p := range b.Points {
		if !p.Valid() {
			res.SkippedInvalid++
			continue
		}
		measVar, ok := m.noise.Variance(p.Sub(b.SensorOrigin).Norm())
		if !ok {
			res.SkippedTooFar++
			continue
		}
		r, c, ok := m.cellOf(p.X, p.Y)
		if !ok {
			res.SkippedOutOfBounds++
			continue
		}

		i := m.idx(r, c)
		v := m.variance[i]
		if v >= UnobservedVariance {
			m.height[i] = p.Z
			m.variance[i] = measVar
		} else {
			sum := v + measVar
			m.height[i] = (m.height[i]*measVar + p.Z*v) / sum
			m.variance[i] = v * measVar / sum
		}
		res.Fused++
	}

	if res.Fused > 0 && b.Timestamp.After(m.lastUpdate) {
		m.lastUpdate = b.Timestamp
	}
	return res, nil
}

// Resize changes the footprint to length x width metres at the current
// resolution. The corner origin stays put, so cells present in both grids
// keep their estimates at the same index. On error the old grid is retained.
func (m *Map) Resize(length, width float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !positiveFinite(m.resolution) {
		return fmt.Errorf("%w: resolution not set", ErrResizeRejected)
	}
	rows, cols, ok := cellCounts(length, width, m.resolution)
	if !ok {
		return fmt.Errorf("%w: %vx%v m at %v m/cell", ErrResizeRejected, length, width, m.resolution)
	}

	height, variance := newCells(rows * cols)
	copyRows := min(rows, m.rows)
	copyCols := min(cols, m.cols)
	for r := 0; r < copyRows; r++ {
		src := r * m.cols
		dst := r * cols
		copy(height[dst:dst+copyCols], m.height[src:src+copyCols])
		copy(variance[dst:dst+copyCols], m.variance[src:src+copyCols])
	}

	m.height, m.variance = height, variance
	m.rows, m.cols = rows, cols
	m.length, m.width = length, width
	return nil
}

// Shift moves the corner origin towards position (parent frame) by a whole
// number of cells along the map axes, keeping the footprint size. Estimates
// whose world position is still covered keep their values; cells scrolled
// in are unobserved. The returned offsets are the row and column shift
// applied; (0, 0) leaves the grid untouched.
func (m *Map) Shift(position r3.Vector) (dr, dc int, err error) {
	if !finiteVec(position) {
		return 0, 0, fmt.Errorf("%w: non-finite shift target %v", ErrInvalidParams, position)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delta := m.origin.Inverse().Rotate(position.Sub(m.origin.Translation()))
	dr = int(math.Round(delta.X / m.resolution))
	dc = int(math.Round(delta.Y / m.resolution))
	if dr == 0 && dc == 0 {
		return 0, 0, nil
	}

	step := m.origin.Rotate(r3.Vector{X: float64(dr) * m.resolution, Y: float64(dc) * m.resolution})
	m.origin = m.origin.WithTranslation(m.origin.Translation().Add(step))

	height, variance := newCells(m.rows * m.cols)
	for r := 0; r < m.rows; r++ {
		or := r + dr
		if or < 0 || or >= m.rows {
			continue
		}
		for c := 0; c < m.cols; c++ {
			oc := c + dc
			if oc < 0 || oc >= m.cols {
				continue
			}
			height[r*m.cols+c] = m.height[or*m.cols+oc]
			variance[r*m.cols+c] = m.variance[or*m.cols+oc]
		}
	}
	m.height, m.variance = height, variance
	return dr, dc, nil
}

// CenterOn shifts the grid so that position (parent frame) lies as close to
// the centre of the footprint as whole cells allow.
func (m *Map) CenterOn(position r3.Vector) (dr, dc int, err error) {
	m.mu.RLock()
	half := m.origin.Rotate(r3.Vector{
		X: float64(m.rows) * m.resolution / 2,
		Y: float64(m.cols) * m.resolution / 2,
	})
	m.mu.RUnlock()
	return m.Shift(position.Sub(half))
}

// Origin returns the map -> parent transform.
func (m *Map) Origin() frames.Transform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.origin
}

// SetOrigin replaces the map -> parent transform. Cell contents are kept and
// move with the frame.
func (m *Map) SetOrigin(t frames.Transform) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.From, t.To = m.mapFrame, m.parentFrame
	m.origin = t
	return nil
}

// Metadata returns the current grid description without copying cells.
func (m *Map) Metadata() Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataLocked()
}

func (m *Map) metadataLocked() Metadata {
	return Metadata{
		Resolution:  m.resolution,
		Length:      m.length,
		Width:       m.width,
		Rows:        m.rows,
		Cols:        m.cols,
		Origin:      m.origin,
		ParentFrame: m.parentFrame,
		MapFrame:    m.mapFrame,
		LastUpdate:  m.lastUpdate,
	}
}

// Snapshot returns a deep copy of the grid and its metadata.
func (m *Map) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Metadata: m.metadataLocked(),
		Height:   make([]float64, len(m.height)),
		Variance: make([]float64, len(m.variance)),
	}
	copy(s.Height, m.height)
	copy(s.Variance, m.variance)
	return s
}

func finiteVec(v r3.Vector) bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
