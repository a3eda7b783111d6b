package pipeline

import (
	"context"
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
	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
	"github.com/banshee-data/elevation.map/internal/elevation/points"
	"github.com/banshee-data/elevation.map/internal/monitoring"
	"github.com/banshee-data/elevation.map/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

const (
	mapFrame    = frames.FrameID("elevation_map")
	parentFrame = frames.FrameID("odom")
	lidarFrame  = frames.FrameID("lidar")
)

type recorder struct {
	mu    sync.Mutex
	snaps []grid.Snapshot
	err   error
}

func (r *recorder) Export(_ context.Context, s grid.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type fixture struct {
	driver *Driver
	m      *grid.Map
	buf    *frames.Buffer
	clock  *timeutil.MockClock
	rec    *recorder
}

// newFixture builds a 2x2 m map at 0.5 m/cell with a constant 0.04 m² noise.
// The lidar frame coincides with odom.
func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	m, err := grid.New(grid.Params{
		Length:      2,
		Width:       2,
		Resolution:  0.5,
		ParentFrame: parentFrame,
		MapFrame:    mapFrame,
		Noise:       grid.NoiseModel{MinVariance: 0.04, MaxDepth: 100},
	})
	require.NoError(t, err)

	buf := frames.NewBuffer(frames.DefaultBufferConfig())
	require.NoError(t, buf.Set(frames.Identity(lidarFrame, parentFrame)))
	buf.Broadcast(m.Origin())

	cfg := Config{PointCloudFrame: lidarFrame, PublishInterval: time.Second, QueueSize: 8}
	if mutate != nil {
		mutate(&cfg)
	}
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	rec := &recorder{}
	d, err := NewDriver(cfg, Options{Map: m, Resolver: buf, Broadcaster: buf, Exporter: rec, Clock: clock})
	require.NoError(t, err)
	return &fixture{driver: d, m: m, buf: buf, clock: clock, rec: rec}
}

func batch(frame frames.FrameID, sec int64, pts ...points.Point) points.Batch {
	return points.Batch{Points: pts, Timestamp: time.Unix(sec, 0), Frame: frame}
}

func TestNewDriver_Validation(t *testing.T) {
	t.Parallel()
	m, err := grid.New(grid.Params{Length: 1, Width: 1, Resolution: 0.5, ParentFrame: "odom", MapFrame: "map",
		Noise: grid.NoiseModel{MinVariance: 0.01, MaxDepth: 10}})
	require.NoError(t, err)
	buf := frames.NewBuffer(frames.DefaultBufferConfig())
	good := Config{PublishInterval: time.Second, QueueSize: 1}

	_, err = NewDriver(good, Options{Resolver: buf})
	assert.Error(t, err, "nil map")
	_, err = NewDriver(good, Options{Map: m})
	assert.Error(t, err, "nil resolver")
	_, err = NewDriver(Config{QueueSize: 1}, Options{Map: m, Resolver: buf})
	assert.Error(t, err, "zero interval")
	_, err = NewDriver(Config{PublishInterval: time.Second}, Options{Map: m, Resolver: buf})
	assert.Error(t, err, "zero queue")

	d, err := NewDriver(good, Options{Map: m, Resolver: buf})
	require.NoError(t, err)
	assert.Same(t, m, d.Map())
}

func TestConfigFromMapConfig(t *testing.T) {
	t.Parallel()
	cfg := config.MustLoadDefaultConfig()
	got := ConfigFromMapConfig(cfg)
	assert.Equal(t, frames.FrameID(cfg.GetPointCloudFrameID()), got.PointCloudFrame)
	assert.Equal(t, frames.FrameID(cfg.GetFollowFrameID()), got.FollowFrame)
	assert.Equal(t, cfg.GetPublishInterval(), got.PublishInterval)
	assert.Equal(t, cfg.GetQueueSize(), got.QueueSize)
}

func TestProcess_FusesTwoMeasurements(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	require.NoError(t, f.driver.Process(batch(lidarFrame, 1, points.NewPoint(0.1, 0.1, 1.0))))
	require.NoError(t, f.driver.Process(batch(lidarFrame, 2, points.NewPoint(0.1, 0.1, 1.2))))

	h, v := f.m.Snapshot().At(0, 0)
	assert.InDelta(t, 1.1, h, 1e-12)
	assert.InDelta(t, 0.02, v, 1e-12)

	s := f.driver.Stats()
	assert.Equal(t, int64(2), s.Fused)
	assert.Equal(t, int64(2), s.PointsFused)
}

func TestProcess_LookupFailureLeavesMapUnchanged(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	require.NoError(t, f.driver.Process(batch(lidarFrame, 1, points.NewPoint(0.6, 0.6, 0.5))))
	before := f.m.Snapshot()

	err := f.driver.Process(batch("unknown_sensor", 2, points.NewPoint(0.1, 0.1, 9)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, frames.ErrNoTransform))

	if diff := cmp.Diff(before, f.m.Snapshot()); diff != "" {
		t.Errorf("map changed after failed lookup (-before +after):\n%s", diff)
	}
	assert.Equal(t, int64(1), f.driver.Stats().NoTransform)
}

func TestProcess_StaleTransformRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	require.NoError(t, f.buf.Set(frames.FromTranslationYaw("moving", parentFrame, time.Unix(100, 0), r3.Vector{}, 0)))

	err := f.driver.Process(batch("moving", 200, points.NewPoint(0.1, 0.1, 1)))
	assert.True(t, errors.Is(err, frames.ErrNoTransform))
	assert.Equal(t, 0, f.m.Snapshot().ObservedCount())
}

func TestProcess_DefaultsFrameAndCleans(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	b := batch("", 1, points.NewPoint(0.1, 0.1, 1), points.NewPoint(math.NaN(), 0, 0), points.NewPoint(0.6, 0.1, math.Inf(-1)))
	require.NoError(t, f.driver.Process(b))

	assert.Equal(t, 1, f.m.Snapshot().ObservedCount())
	s := f.driver.Stats()
	assert.Equal(t, int64(1), s.PointsFused)
	assert.Equal(t, int64(2), s.PointsSkipped)

	// An all-invalid batch needs no transform at all.
	require.NoError(t, f.driver.Process(batch("unknown_sensor", 2, points.NewPoint(math.NaN(), 0, 0))))
	assert.Zero(t, f.driver.Stats().NoTransform)
}

func TestProcess_InvalidBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	b := points.Batch{Points: []points.Point{points.NewPoint(0.1, 0.1, 1)}, Frame: lidarFrame}

	err := f.driver.Process(b)
	assert.True(t, errors.Is(err, grid.ErrInvalidBatch), "got %v", err)
	assert.Equal(t, int64(1), f.driver.Stats().InvalidBatch)
}

func TestProcess_TransformsIntoMapFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	// The sensor sits 1 m along x and 0.5 m up in odom.
	require.NoError(t, f.buf.Set(frames.FromTranslationYaw("mast", parentFrame, time.Time{}, r3.Vector{X: 1, Z: 0.5}, 0)))

	require.NoError(t, f.driver.Process(batch("mast", 1, points.NewPoint(0.2, 0.2, 0.25))))
	s := f.m.Snapshot()
	require.True(t, s.Observed(2, 0))
	h, _ := s.At(2, 0)
	assert.InDelta(t, 0.75, h, 1e-12)
}

func TestSubmit_DropsNewestWhenFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.QueueSize = 2 })

	assert.True(t, f.driver.Submit(batch(lidarFrame, 1)))
	assert.True(t, f.driver.Submit(batch(lidarFrame, 2)))
	assert.False(t, f.driver.Submit(batch(lidarFrame, 3)))

	s := f.driver.Stats()
	assert.Equal(t, int64(3), s.Received)
	assert.Equal(t, int64(1), s.QueueDropped)

	first := <-f.driver.queue
	second := <-f.driver.queue
	assert.True(t, first.Timestamp.Equal(time.Unix(1, 0)))
	assert.True(t, second.Timestamp.Equal(time.Unix(2, 0)))
}

func TestSubmitWait(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.QueueSize = 1 })

	require.NoError(t, f.driver.SubmitWait(context.Background(), batch(lidarFrame, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.driver.SubmitWait(ctx, batch(lidarFrame, 2)), context.Canceled)
}

func TestPublish(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	require.NoError(t, f.driver.Process(batch(lidarFrame, 1, points.NewPoint(0.1, 0.1, 1))))

	f.driver.Publish(context.Background())
	require.Equal(t, 1, f.rec.count())
	assert.Equal(t, 1, f.rec.snaps[0].ObservedCount())
	assert.Equal(t, int64(1), f.driver.Stats().Published)

	f.rec.err = errors.New("disk full")
	f.driver.Publish(context.Background())
	assert.Equal(t, int64(1), f.driver.Stats().ExportErrors)
	assert.Equal(t, int64(2), f.driver.Stats().Published)
}

func TestPublish_FollowFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.FollowFrame = "base_link" })
	require.NoError(t, f.driver.Process(batch(lidarFrame, 1, points.NewPoint(1.1, 1.1, 0.4))))

	// Without a pose the map stays put.
	f.driver.Publish(context.Background())
	assert.Equal(t, r3.Vector{}, f.m.Origin().Translation())

	require.NoError(t, f.buf.Set(frames.FromTranslationYaw("base_link", parentFrame, time.Unix(5, 0), r3.Vector{X: 1.5, Y: 1}, 0)))
	f.driver.Publish(context.Background())

	origin := f.m.Origin().Translation()
	assert.InDelta(t, 0.5, origin.X, 1e-12)
	assert.InDelta(t, 0, origin.Y, 1e-12)
	assert.Equal(t, int64(1), f.driver.Stats().Shifts)

	// The measurement at odom (1.1, 1.1) kept its world position.
	snap := f.m.Snapshot()
	require.True(t, snap.Observed(1, 2))
	h, _ := snap.At(1, 2)
	assert.InDelta(t, 0.4, h, 1e-12)

	// The new origin was broadcast, so odom points land in the moved grid.
	tf, err := f.buf.Lookup(mapFrame, parentFrame, time.Unix(6, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, tf.Translation().X, 1e-12)

	require.NoError(t, f.driver.Process(batch(lidarFrame, 6, points.NewPoint(0.6, 0.1, 2))))
	snap = f.m.Snapshot()
	assert.True(t, snap.Observed(0, 0))
}

func TestRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.driver.Run(ctx) }()

	require.Eventually(t, func() bool { return f.clock.Tickers() == 1 }, time.Second, time.Millisecond)
	assert.Error(t, f.driver.Run(ctx), "second Run is rejected")

	for i := int64(1); i <= 3; i++ {
		require.True(t, f.driver.Submit(batch(lidarFrame, i, points.NewPoint(0.1, 0.1, float64(i)))))
	}
	require.Eventually(t, func() bool { return f.driver.Stats().Fused == 3 }, time.Second, time.Millisecond)

	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return f.rec.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	f.rec.mu.Lock()
	snap := f.rec.snaps[0]
	f.rec.mu.Unlock()
	h, v := snap.At(0, 0)
	assert.InDelta(t, 2.0, h, 1e-12)
	assert.InDelta(t, 0.04/3, v, 1e-12)
	assert.True(t, snap.LastUpdate.Equal(time.Unix(3, 0)))
}

func TestRun_ExportsThroughMulti(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	var latest export.Latest
	d, err := NewDriver(f.driver.cfg, Options{
		Map:      f.m,
		Resolver: f.buf,
		Exporter: export.Multi{&latest, f.rec},
		Clock:    f.clock,
	})
	require.NoError(t, err)

	d.Publish(context.Background())
	_, ok := latest.Snapshot()
	assert.True(t, ok)
	assert.Equal(t, 1, f.rec.count())
}
