package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/elevation.map/internal/elevation/grid"
	"github.com/banshee-data/elevation.map/internal/monitoring"
)

// Exporter receives every published snapshot. Implementations must not
// modify the snapshot.
type Exporter interface {
	Export(ctx context.Context, s grid.Snapshot) error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(ctx context.Context, s grid.Snapshot) error

// Export calls f.
func (f ExporterFunc) Export(ctx context.Context, s grid.Snapshot) error { return f(ctx, s) }

// Multi fans a snapshot out to several exporters. Every exporter runs even
// when an earlier one fails; the failures are joined.
type Multi []Exporter

// Export implements Exporter.
func (m Multi) Export(ctx context.Context, s grid.Snapshot) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Export(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Latest keeps the most recently exported snapshot for on-demand readers
// such as HTTP handlers.
type Latest struct {
	mu   sync.RWMutex
	snap grid.Snapshot
	ok   bool
}

// Export implements Exporter.
func (l *Latest) Export(_ context.Context, s grid.Snapshot) error {
	l.mu.Lock()
	l.snap, l.ok = s, true
	l.mu.Unlock()
	return nil
}

// Snapshot returns the last exported snapshot. ok is false before the first.
func (l *Latest) Snapshot() (grid.Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap, l.ok
}

// PNGDir writes a heatmap per snapshot into Dir as elevation_<unix-nanos>.png.
// Snapshots with no observed cells are skipped.
type PNGDir struct {
	Dir  string
	Size vg.Length
}

// Export implements Exporter.
func (d PNGDir) Export(_ context.Context, s grid.Snapshot) error {
	if s.ObservedCount() == 0 {
		monitoring.Debugf("[PNG] skipping empty snapshot")
		return nil
	}
	size := d.Size
	if size <= 0 {
		size = 6 * vg.Inch
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("create png dir: %w", err)
	}
	name := filepath.Join(d.Dir, fmt.Sprintf("elevation_%d.png", s.LastUpdate.UnixNano()))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create png: %w", err)
	}
	if err := WritePNG(f, s, size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
