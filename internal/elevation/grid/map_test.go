package grid

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/elevation.map/internal/config"
	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/elevation/points"
)

const mapFrame = frames.FrameID("elevation_map")

// testParams is a 2x2 m grid at 0.5 m/cell with a constant 0.04 m² noise.
func testParams() Params {
	return Params{
		Length:      2.0,
		Width:       2.0,
		Resolution:  0.5,
		ParentFrame: "odom",
		MapFrame:    mapFrame,
		Noise:       NoiseModel{MinVariance: 0.04, RangeFactor: 0, MaxDepth: 100},
	}
}

func newTestMap(t *testing.T) *Map {
	t.Helper()
	m, err := New(testParams())
	require.NoError(t, err)
	return m
}

func batchOf(stamp int64, pts ...points.Point) points.Batch {
	return points.Batch{Points: pts, Timestamp: time.Unix(stamp, 0), Frame: mapFrame}
}

func TestNew(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	s := m.Snapshot()

	assert.Equal(t, 4, s.Rows)
	assert.Equal(t, 4, s.Cols)
	assert.Len(t, s.Height, 16)
	assert.Equal(t, 0, s.ObservedCount())
	for i := range s.Variance {
		assert.Equal(t, 0.0, s.Height[i])
		assert.Equal(t, float64(UnobservedVariance), s.Variance[i])
	}
	assert.Equal(t, frames.IdentityMatrix, s.Origin.T)
	assert.Equal(t, mapFrame, s.Origin.From)
	assert.Equal(t, frames.FrameID("odom"), s.Origin.To)
	assert.True(t, s.LastUpdate.IsZero())
}

func TestNew_InvalidParams(t *testing.T) {
	t.Parallel()
	mod := func(f func(p *Params)) Params {
		p := testParams()
		f(&p)
		return p
	}
	tests := []struct {
		name string
		p    Params
	}{
		{"zero resolution", mod(func(p *Params) { p.Resolution = 0 })},
		{"nan resolution", mod(func(p *Params) { p.Resolution = math.NaN() })},
		{"negative length", mod(func(p *Params) { p.Length = -1 })},
		{"rounds to zero cells", mod(func(p *Params) { p.Width = 0.2 })},
		{"missing map frame", mod(func(p *Params) { p.MapFrame = "" })},
		{"same frames", mod(func(p *Params) { p.ParentFrame = p.MapFrame })},
		{"zero min variance", mod(func(p *Params) { p.Noise.MinVariance = 0 })},
		{"negative range factor", mod(func(p *Params) { p.Noise.RangeFactor = -1 })},
		{"zero max depth", mod(func(p *Params) { p.Noise.MaxDepth = 0 })},
		{"bad origin", mod(func(p *Params) { p.Origin = frames.Transform{T: [16]float64{2, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}} })},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.p)
			assert.True(t, errors.Is(err, ErrInvalidParams), "got %v", err)
		})
	}
}

func TestParamsFromConfig(t *testing.T) {
	t.Parallel()
	p := ParamsFromConfig(config.MustLoadDefaultConfig())
	require.NoError(t, p.Validate())

	m, err := New(p)
	require.NoError(t, err)
	md := m.Metadata()
	assert.Equal(t, 40, md.Rows)
	assert.Equal(t, 40, md.Cols)
	assert.Equal(t, frames.FrameID("odom"), md.ParentFrame)
	assert.Equal(t, frames.FrameID("elevation_map"), md.MapFrame)
}

func TestFuse_TwoPointScenario(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	res, err := m.Fuse(batchOf(1, points.NewPoint(0.1, 0.1, 1.0)))
	require.NoError(t, err)
	assert.Equal(t, FuseResult{Fused: 1}, res)
	h, v := m.Snapshot().At(0, 0)
	assert.InDelta(t, 1.0, h, 1e-12)
	assert.InDelta(t, 0.04, v, 1e-12)

	_, err = m.Fuse(batchOf(2, points.NewPoint(0.1, 0.1, 1.2)))
	require.NoError(t, err)
	s := m.Snapshot()
	h, v = s.At(0, 0)
	assert.InDelta(t, 1.1, h, 1e-12)
	assert.InDelta(t, 0.02, v, 1e-12)
	assert.Equal(t, 1, s.ObservedCount())
}

func TestFuse_RepeatedMeasurementsConverge(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	prev := math.Inf(1)
	for i := 0; i < 50; i++ {
		_, err := m.Fuse(batchOf(int64(i+1), points.NewPoint(1.2, 0.7, 0.35)))
		require.NoError(t, err)
		h, v := m.Snapshot().At(2, 1)
		assert.Less(t, v, prev, "variance must strictly decrease at step %d", i)
		assert.InDelta(t, 0.35, h, 1e-9)
		prev = v
	}
	assert.InDelta(t, 0.04/50, prev, 1e-12)
}

func TestFuse_OrderDoesNotMatter(t *testing.T) {
	t.Parallel()
	a := batchOf(1,
		points.NewPoint(0.1, 0.1, 1.0),
		points.NewPoint(0.6, 1.6, -0.3),
	)
	b := batchOf(2,
		points.NewPoint(0.2, 0.3, 1.4),
		points.NewPoint(0.7, 1.9, 0.1),
	)
	b.SensorOrigin = r3.Vector{X: 1, Y: 1, Z: 1}

	p := testParams()
	p.Noise.RangeFactor = 0.01

	m1, err := New(p)
	require.NoError(t, err)
	m2, err := New(p)
	require.NoError(t, err)

	_, err = m1.Fuse(a)
	require.NoError(t, err)
	_, err = m1.Fuse(b)
	require.NoError(t, err)

	_, err = m2.Fuse(b)
	require.NoError(t, err)
	_, err = m2.Fuse(a)
	require.NoError(t, err)

	s1, s2 := m1.Snapshot(), m2.Snapshot()
	for i := range s1.Height {
		assert.InDelta(t, s1.Height[i], s2.Height[i], 1e-12, "height %d", i)
		assert.InDelta(t, s1.Variance[i], s2.Variance[i], 1e-12, "variance %d", i)
	}
}

func TestFuse_AllInvalidIsNoop(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	before := m.Snapshot()

	nan := math.NaN()
	batch := batchOf(1, points.NewPoint(nan, 0, 0), points.NewPoint(0, math.Inf(-1), 0), points.NewPoint(0, 0, nan))
	res, err := m.Fuse(batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fused)
	assert.Equal(t, 3, res.SkippedInvalid)

	res, err = m.Fuse(points.Clean(batch))
	require.NoError(t, err)
	assert.Equal(t, FuseResult{}, res)

	if diff := cmp.Diff(before, m.Snapshot()); diff != "" {
		t.Errorf("grid changed (-before +after):\n%s", diff)
	}
}

func TestFuse_TooFarSkipped(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.Noise.MaxDepth = 1.0
	m, err := New(p)
	require.NoError(t, err)

	b := batchOf(1, points.NewPoint(0.1, 0.1, 0), points.NewPoint(1.9, 1.9, 0))
	res, err := m.Fuse(b)
	require.NoError(t, err)
	assert.Equal(t, FuseResult{Fused: 1, SkippedTooFar: 1}, res)
	assert.Equal(t, 1, res.Skipped())

	s := m.Snapshot()
	assert.True(t, s.Observed(0, 0))
	assert.False(t, s.Observed(3, 3))
}

func TestFuse_OutOfBounds(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	b := batchOf(1,
		points.NewPoint(-0.01, 0.5, 0),
		points.NewPoint(0.5, -0.2, 0),
		points.NewPoint(2.0, 0.5, 0),
		points.NewPoint(0.5, 2.0, 0),
		points.NewPoint(1.99, 1.99, 0.4),
	)
	res, err := m.Fuse(b)
	require.NoError(t, err)
	assert.Equal(t, FuseResult{Fused: 1, SkippedOutOfBounds: 4}, res)
	h, _ := m.Snapshot().At(3, 3)
	assert.InDelta(t, 0.4, h, 1e-12)
}

func TestFuse_RangeNoise(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.Noise = NoiseModel{MinVariance: 0.01, RangeFactor: 0.5, MaxDepth: 10}
	m, err := New(p)
	require.NoError(t, err)

	b := batchOf(1, points.NewPoint(0.25, 0.25, 0))
	b.SensorOrigin = r3.Vector{X: 0.25, Y: 0.25, Z: 2}
	_, err = m.Fuse(b)
	require.NoError(t, err)

	_, v := m.Snapshot().At(0, 0)
	assert.InDelta(t, 0.01+0.5*4, v, 1e-12)
}

func TestFuse_InvalidBatch(t *testing.T) {
	t.Parallel()
	good := batchOf(1, points.NewPoint(0.1, 0.1, 1))

	wrongFrame := good
	wrongFrame.Frame = "sensor"
	nanOrigin := good
	nanOrigin.SensorOrigin = r3.Vector{X: math.NaN()}
	noStamp := good
	noStamp.Timestamp = time.Time{}

	for name, b := range map[string]points.Batch{
		"wrong frame": wrongFrame,
		"nan origin":  nanOrigin,
		"no stamp":    noStamp,
	} {
		b := b
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			m := newTestMap(t)
			before := m.Snapshot()
			res, err := m.Fuse(b)
			assert.True(t, errors.Is(err, ErrInvalidBatch), "got %v", err)
			assert.Equal(t, FuseResult{}, res)
			if diff := cmp.Diff(before, m.Snapshot()); diff != "" {
				t.Errorf("grid changed (-before +after):\n%s", diff)
			}
		})
	}

	t.Run("empty frame accepted", func(t *testing.T) {
		t.Parallel()
		m := newTestMap(t)
		b := good
		b.Frame = ""
		_, err := m.Fuse(b)
		assert.NoError(t, err)
	})
}

func TestFuse_LastUpdate(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	_, err := m.Fuse(batchOf(5, points.NewPoint(0.1, 0.1, 1)))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(5, 0), m.Metadata().LastUpdate)

	_, err = m.Fuse(batchOf(9, points.NewPoint(-5, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(5, 0), m.Metadata().LastUpdate, "nothing fused")

	_, err = m.Fuse(batchOf(3, points.NewPoint(0.1, 0.1, 1)))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(5, 0), m.Metadata().LastUpdate, "older stamp")
}

func TestNoiseModel_Variance(t *testing.T) {
	t.Parallel()
	n := NoiseModel{MinVariance: 0.0001, RangeFactor: 0.0009, MaxDepth: 5}

	prev := 0.0
	for r := 0.0; r <= 5.0; r += 0.25 {
		v, ok := n.Variance(r)
		require.True(t, ok, "range %v", r)
		assert.GreaterOrEqual(t, v, prev)
		assert.GreaterOrEqual(t, v, n.MinVariance)
		prev = v
	}

	_, ok := n.Variance(5.01)
	assert.False(t, ok)
	_, ok = n.Variance(math.NaN())
	assert.False(t, ok)

	v, ok := n.Variance(0)
	assert.True(t, ok)
	assert.Equal(t, n.MinVariance, v)
}

func TestResize_SupersetPreservesCells(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Fuse(batchOf(1,
		points.NewPoint(0.1, 0.1, 1.0),
		points.NewPoint(1.9, 0.1, 2.0),
		points.NewPoint(1.9, 1.9, 3.0),
		points.NewPoint(0.6, 1.1, 4.0),
	))
	require.NoError(t, err)
	before := m.Snapshot()

	require.NoError(t, m.Resize(3.0, 4.0))
	after := m.Snapshot()
	assert.Equal(t, 6, after.Rows)
	assert.Equal(t, 8, after.Cols)
	assert.Equal(t, 3.0, after.Length)
	assert.Equal(t, 4.0, after.Width)

	for r := 0; r < after.Rows; r++ {
		for c := 0; c < after.Cols; c++ {
			h, v := after.At(r, c)
			if before.InBounds(r, c) {
				bh, bv := before.At(r, c)
				assert.Equal(t, bh, h, "height (%d,%d)", r, c)
				assert.Equal(t, bv, v, "variance (%d,%d)", r, c)
				continue
			}
			assert.False(t, after.Observed(r, c), "new cell (%d,%d) must be unobserved", r, c)
			assert.Equal(t, 0.0, h)
		}
	}
	assert.Equal(t, before.ObservedCount(), after.ObservedCount())
}

func TestResize_ShrinkKeepsOverlap(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Fuse(batchOf(1, points.NewPoint(0.1, 0.6, 1.0), points.NewPoint(1.9, 1.9, 2.0)))
	require.NoError(t, err)

	require.NoError(t, m.Resize(1.0, 1.0))
	s := m.Snapshot()
	assert.Equal(t, 2, s.Rows)
	assert.Equal(t, 2, s.Cols)
	assert.Equal(t, 1, s.ObservedCount())
	h, _ := s.At(0, 1)
	assert.Equal(t, 1.0, h)
}

func TestResize_Rejected(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Fuse(batchOf(1, points.NewPoint(0.1, 0.1, 1.0)))
	require.NoError(t, err)
	before := m.Snapshot()

	for _, dims := range [][2]float64{{0, 2}, {2, -1}, {0.1, 2}, {math.Inf(1), 2}, {math.NaN(), 1}} {
		err := m.Resize(dims[0], dims[1])
		assert.True(t, errors.Is(err, ErrResizeRejected), "dims %v: got %v", dims, err)
	}
	if diff := cmp.Diff(before, m.Snapshot()); diff != "" {
		t.Errorf("grid changed (-before +after):\n%s", diff)
	}
}

func TestResize_ThenFuseStaysInBounds(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	require.NoError(t, m.Resize(1.5, 0.5))

	var pts []points.Point
	for x := 0.0; x < 1.5; x += 0.05 {
		for y := 0.0; y < 0.5; y += 0.05 {
			pts = append(pts, points.NewPoint(x, y, x+y))
		}
	}
	res, err := m.Fuse(batchOf(1, pts...))
	require.NoError(t, err)
	assert.Equal(t, len(pts), res.Fused)
	assert.Equal(t, 3, m.Snapshot().ObservedCount())
}

func TestResize_SameDimensionsIsIdentity(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Fuse(batchOf(1, points.NewPoint(1.1, 0.3, 0.7)))
	require.NoError(t, err)
	before := m.Snapshot()

	require.NoError(t, m.Resize(2.0, 2.0))
	if diff := cmp.Diff(before, m.Snapshot()); diff != "" {
		t.Errorf("grid changed (-before +after):\n%s", diff)
	}
}

func TestShift(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Fuse(batchOf(1, points.NewPoint(0.6, 0.1, 1.0), points.NewPoint(1.6, 1.6, 2.0)))
	require.NoError(t, err)
	before := m.Snapshot()

	dr, dc, err := m.Shift(r3.Vector{X: 0.52, Y: -0.49, Z: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, dr)
	assert.Equal(t, -1, dc)

	s := m.Snapshot()
	assert.Equal(t, r3.Vector{X: 0.5, Y: -0.5}, s.Origin.Translation(), "snapped, z unchanged")
	assert.Equal(t, before.Rows, s.Rows)
	assert.Equal(t, before.Cols, s.Cols)

	// (1,0) -> (0,1), (3,3) -> (2,4) which scrolled out.
	h, _ := s.At(0, 1)
	assert.Equal(t, 1.0, h)
	assert.Equal(t, 1, s.ObservedCount())

	h, _ = s.At(2, 3)
	assert.False(t, s.Observed(2, 3))
	assert.Equal(t, 0.0, h)

	assert.Equal(t, before.CellCenter(1, 0), s.CellCenter(0, 1), "world position preserved")
}

func TestShift_SmallOffsetIsNoop(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Fuse(batchOf(1, points.NewPoint(0.6, 0.1, 1.0)))
	require.NoError(t, err)
	before := m.Snapshot()

	dr, dc, err := m.Shift(r3.Vector{X: 0.2, Y: -0.2})
	require.NoError(t, err)
	assert.Zero(t, dr)
	assert.Zero(t, dc)
	if diff := cmp.Diff(before, m.Snapshot()); diff != "" {
		t.Errorf("grid changed (-before +after):\n%s", diff)
	}

	_, _, err = m.Shift(r3.Vector{X: math.NaN()})
	assert.Error(t, err)
}

func TestShift_RotatedOrigin(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.Origin = frames.FromTranslationYaw(mapFrame, "odom", time.Time{}, r3.Vector{X: 10, Y: 10}, math.Pi/2)
	m, err := New(p)
	require.NoError(t, err)

	// Map x points along parent y.
	dr, dc, err := m.Shift(r3.Vector{X: 10, Y: 11})
	require.NoError(t, err)
	assert.Equal(t, 2, dr)
	assert.Equal(t, 0, dc)
	tr := m.Origin().Translation()
	assert.InDelta(t, 10.0, tr.X, 1e-9)
	assert.InDelta(t, 11.0, tr.Y, 1e-9)
}

func TestCenterOn(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	dr, dc, err := m.CenterOn(r3.Vector{X: 3, Y: -1})
	require.NoError(t, err)
	assert.Equal(t, 4, dr)
	assert.Equal(t, -4, dc)
	assert.Equal(t, r3.Vector{X: 2, Y: -2}, m.Origin().Translation())
}

func TestSnapshot_IsDetached(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	s := m.Snapshot()
	s.Height[0] = 42
	s.Variance[0] = 1

	again := m.Snapshot()
	assert.Equal(t, 0.0, again.Height[0])
	assert.False(t, again.Observed(0, 0))
}

func TestSnapshot_Helpers(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, _, ok := m.Snapshot().HeightRange()
	assert.False(t, ok)

	_, err := m.Fuse(batchOf(1, points.NewPoint(0.1, 0.1, -0.5), points.NewPoint(1.1, 1.1, 0.75)))
	require.NoError(t, err)
	s := m.Snapshot()

	lo, hi, ok := s.HeightRange()
	require.True(t, ok)
	assert.Equal(t, -0.5, lo)
	assert.Equal(t, 0.75, hi)

	assert.Equal(t, r3.Vector{X: 0.25, Y: 1.25}, s.CellCenter(0, 2))
	assert.True(t, s.InBounds(3, 3))
	assert.False(t, s.InBounds(4, 0))
	assert.Equal(t, 9, s.Idx(2, 1))
}

func TestSetOrigin(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Fuse(batchOf(1, points.NewPoint(0.1, 0.1, 1)))
	require.NoError(t, err)

	err = m.SetOrigin(frames.Transform{})
	assert.True(t, errors.Is(err, frames.ErrInvalidTransform))

	require.NoError(t, m.SetOrigin(frames.FromTranslationYaw("x", "y", time.Time{}, r3.Vector{X: 1}, 0)))
	o := m.Origin()
	assert.Equal(t, mapFrame, o.From, "frame ids pinned to the map")
	assert.Equal(t, frames.FrameID("odom"), o.To)
	assert.True(t, m.Snapshot().Observed(0, 0))
}

func TestMap_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = m.Fuse(batchOf(int64(i+1), points.NewPoint(float64(i%20)*0.1, 0.3, 1)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s := m.Snapshot()
			assert.Len(t, s.Height, s.Rows*s.Cols)
			assert.Len(t, s.Variance, s.Rows*s.Cols)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = m.Resize(2.0+float64(i%3)*0.5, 2.0)
		}
	}()
	wg.Wait()
}
