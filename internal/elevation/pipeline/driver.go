// Package pipeline drives the elevation map: it takes batches off a bounded
// queue, cleans them, aligns them to the map frame and fuses them, and on a
// fixed interval re-centres the map on the followed frame, publishes a
// snapshot to the exporters and announces the map origin.
//
// Everything that mutates the map runs on the single goroutine inside Run,
// so an origin change can never fall between a batch's transform lookup and
// its fusion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/elevation.map/internal/config"
	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
	"github.com/banshee-data/elevation.map/internal/elevation/points"
	"github.com/banshee-data/elevation.map/internal/monitoring"
	"github.com/banshee-data/elevation.map/internal/timeutil"
)

// Config holds the driver settings that are not part of the grid itself.
type Config struct {
	// PointCloudFrame is assumed for batches that arrive without a frame.
	PointCloudFrame frames.FrameID
	// FollowFrame, when set, is kept near the grid centre at every publish.
	FollowFrame     frames.FrameID
	PublishInterval time.Duration
	QueueSize       int
}

// ConfigFromMapConfig extracts the driver settings from cfg.
func ConfigFromMapConfig(cfg *config.MapConfig) Config {
	return Config{
		PointCloudFrame: frames.FrameID(cfg.GetPointCloudFrameID()),
		FollowFrame:     frames.FrameID(cfg.GetFollowFrameID()),
		PublishInterval: cfg.GetPublishInterval(),
		QueueSize:       cfg.GetQueueSize(),
	}
}

// Options are the collaborators of a Driver. Map and Resolver are required.
type Options struct {
	Map      *grid.Map
	Resolver frames.Resolver
	// Broadcaster receives the map origin after every publish. Optional.
	Broadcaster frames.Broadcaster
	// Exporter receives every published snapshot. Optional.
	Exporter export.Exporter
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

// Stats counts driver activity.
type Stats struct {
	Received      int64 `json:"received"`
	QueueDropped  int64 `json:"queue_dropped"`
	Fused         int64 `json:"fused"`
	PointsFused   int64 `json:"points_fused"`
	PointsSkipped int64 `json:"points_skipped"`
	NoTransform   int64 `json:"no_transform"`
	InvalidBatch  int64 `json:"invalid_batch"`
	Published     int64 `json:"published"`
	ExportErrors  int64 `json:"export_errors"`
	Shifts        int64 `json:"shifts"`
}

type counters struct {
	received, queueDropped, fused, pointsFused, pointsSkipped atomic.Int64
	noTransform, invalidBatch, published, exportErrors, shifts atomic.Int64
}

// Driver feeds batches into a grid.Map and publishes it periodically.
type Driver struct {
	cfg         Config
	m           *grid.Map
	resolver    frames.Resolver
	transformer *points.Transformer
	broadcaster frames.Broadcaster
	exporter    export.Exporter
	clock       timeutil.Clock

	queue   chan points.Batch
	running atomic.Bool
	stats   counters
}

// NewDriver creates a driver. Submit may be called before Run; batches wait
// in the queue.
func NewDriver(cfg Config, opts Options) (*Driver, error) {
	if opts.Map == nil {
		return nil, errors.New("pipeline: nil map")
	}
	if opts.Resolver == nil {
		return nil, errors.New("pipeline: nil resolver")
	}
	if cfg.PublishInterval <= 0 {
		return nil, fmt.Errorf("pipeline: publish interval must be positive, got %v", cfg.PublishInterval)
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("pipeline: queue size must be positive, got %d", cfg.QueueSize)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Driver{
		cfg:         cfg,
		m:           opts.Map,
		resolver:    opts.Resolver,
		transformer: points.NewTransformer(opts.Resolver),
		broadcaster: opts.Broadcaster,
		exporter:    opts.Exporter,
		clock:       opts.Clock,
		queue:       make(chan points.Batch, cfg.QueueSize),
	}, nil
}

// Map returns the map the driver fuses into.
func (d *Driver) Map() *grid.Map { return d.m }

// Submit enqueues b without blocking. It returns false, dropping b, when the
// queue is full; queued batches are never reordered or displaced.
func (d *Driver) Submit(b points.Batch) bool {
	d.stats.received.Add(1)
	select {
	case d.queue <- b:
		return true
	default:
		d.stats.queueDropped.Add(1)
		monitoring.Debugf("[Driver] queue full, dropping batch of %d points from %q", b.Len(), b.Frame)
		return false
	}
}

// SubmitWait enqueues b, waiting for room. Offline replay uses it so no batch
// is lost to back-pressure.
func (d *Driver) SubmitWait(ctx context.Context, b points.Batch) error {
	d.stats.received.Add(1)
	select {
	case d.queue <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a copy of the counters.
func (d *Driver) Stats() Stats {
	s := &d.stats
	return Stats{
		Received:      s.received.Load(),
		QueueDropped:  s.queueDropped.Load(),
		Fused:         s.fused.Load(),
		PointsFused:   s.pointsFused.Load(),
		PointsSkipped: s.pointsSkipped.Load(),
		NoTransform:   s.noTransform.Load(),
		InvalidBatch:  s.invalidBatch.Load(),
		Published:     s.published.Load(),
		ExportErrors:  s.exportErrors.Load(),
		Shifts:        s.shifts.Load(),
	}
}

// Run processes queued batches and publishes on every tick until ctx is
// cancelled. Only one Run may be active at a time.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: driver already running")
	}
	defer d.running.Store(false)

	ticker := d.clock.NewTicker(d.cfg.PublishInterval)
	defer ticker.Stop()

	// Announce the origin up front so the map frame resolves before the
	// first publish.
	d.broadcastOrigin()
	monitoring.Logf("[Driver] running: publish every %v, queue %d", d.cfg.PublishInterval, d.cfg.QueueSize)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Driver] stopping: %v", ctx.Err())
			return ctx.Err()
		case b := <-d.queue:
			_ = d.Process(b)
		case <-ticker.C():
			d.Publish(ctx)
		}
	}
}

// Process runs one batch through clean, transform and fuse. Run calls it for
// every queued batch; callers that use it directly must not run it
// concurrently with Run. A failed lookup leaves the map untouched.
func (d *Driver) Process(b points.Batch) error {
	if b.Frame == "" {
		b.Frame = d.cfg.PointCloudFrame
	}
	clean := points.Clean(b)
	if dropped := b.Len() - clean.Len(); dropped > 0 {
		d.stats.pointsSkipped.Add(int64(dropped))
	}
	if clean.Len() == 0 {
		return nil
	}

	aligned, err := d.transformer.Transform(clean, d.m.Metadata().MapFrame)
	if err != nil {
		d.stats.noTransform.Add(1)
		monitoring.Logf("[Driver] dropping batch at %v: %v", b.Timestamp, err)
		return err
	}

	res, err := d.m.Fuse(aligned)
	if err != nil {
		d.stats.invalidBatch.Add(1)
		monitoring.Logf("[Driver] rejecting batch at %v: %v", b.Timestamp, err)
		return err
	}
	d.stats.fused.Add(1)
	d.stats.pointsFused.Add(int64(res.Fused))
	d.stats.pointsSkipped.Add(int64(res.Skipped()))
	monitoring.Debugf("[Driver] fused %d/%d points (too far %d, out of bounds %d)",
		res.Fused, clean.Len(), res.SkippedTooFar, res.SkippedOutOfBounds)
	return nil
}

// Publish re-centres on the follow frame when configured, hands a snapshot to
// the exporter and announces the origin. Export errors are logged and
// counted, never returned.
func (d *Driver) Publish(ctx context.Context) {
	if d.cfg.FollowFrame != "" {
		d.follow()
	}

	snap := d.m.Snapshot()
	if d.exporter != nil {
		if err := d.exporter.Export(ctx, snap); err != nil {
			d.stats.exportErrors.Add(1)
			monitoring.Logf("[Driver] export failed: %v", err)
		}
	}
	d.stats.published.Add(1)
	d.broadcastOrigin()
}

func (d *Driver) follow() {
	md := d.m.Metadata()
	tf, err := d.resolver.Lookup(d.cfg.FollowFrame, md.ParentFrame, time.Time{})
	if err != nil {
		monitoring.Debugf("[Driver] follow frame %q unresolved: %v", d.cfg.FollowFrame, err)
		return
	}
	dr, dc, err := d.m.CenterOn(tf.Translation())
	if err != nil {
		monitoring.Logf("[Driver] re-centre on %q failed: %v", d.cfg.FollowFrame, err)
		return
	}
	if dr != 0 || dc != 0 {
		d.stats.shifts.Add(1)
		monitoring.Debugf("[Driver] shifted map by %d rows, %d cols to follow %q", dr, dc, d.cfg.FollowFrame)
	}
}

func (d *Driver) broadcastOrigin() {
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(d.m.Origin())
	}
}
