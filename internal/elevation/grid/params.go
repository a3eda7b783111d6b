// Package grid implements the elevation map: a fixed-resolution 2.5D grid
// whose cells carry a fused height estimate and its variance.
//
// Points are fused one at a time with a scalar Kalman update. A cell that was
// never observed holds height 0 and UnobservedVariance; the first point that
// lands in it seeds the estimate directly. Resize keeps the corner origin
// fixed and carries the overlapping cells forward. Shift scrolls the grid by
// whole cells to follow a moving frame.
package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/elevation.map/internal/config"
	"github.com/banshee-data/elevation.map/internal/elevation/frames"
)

// UnobservedVariance marks a cell that has never received a measurement.
// It is the largest float32 so it survives float32 wire encodings and JSON.
const UnobservedVariance = math.MaxFloat32

var (
	// ErrInvalidParams is returned by New for unusable construction parameters.
	ErrInvalidParams = errors.New("invalid map parameters")
	// ErrInvalidBatch is returned by Fuse for malformed batch metadata.
	ErrInvalidBatch = errors.New("invalid batch")
	// ErrResizeRejected is returned by Resize when the new geometry is unusable.
	// The previous grid is left intact.
	ErrResizeRejected = errors.New("resize rejected")
)

// Params configures a Map at construction.
type Params struct {
	Length     float64 // extent along map x [m]
	Width      float64 // extent along map y [m]
	Resolution float64 // cell edge [m]

	ParentFrame frames.FrameID
	MapFrame    frames.FrameID

	// Origin is the pose of the cell (0,0) corner in ParentFrame. A zero
	// value means identity.
	Origin frames.Transform

	Noise NoiseModel
}

// ParamsFromConfig builds Params from a loaded MapConfig with an identity origin.
func ParamsFromConfig(cfg *config.MapConfig) Params {
	return Params{
		Length:      cfg.GetLength(),
		Width:       cfg.GetWidth(),
		Resolution:  cfg.GetResolution(),
		ParentFrame: frames.FrameID(cfg.GetParentFrameID()),
		MapFrame:    frames.FrameID(cfg.GetMapFrameID()),
		Noise: NoiseModel{
			MinVariance: cfg.GetMinMeasurementVariance(),
			RangeFactor: cfg.GetRangeNoiseFactor(),
			MaxDepth:    cfg.GetSensorMaxDepth(),
		},
	}
}

// Validate checks the parameters New relies on.
func (p Params) Validate() error {
	if !positiveFinite(p.Resolution) {
		return fmt.Errorf("%w: resolution must be positive, got %v", ErrInvalidParams, p.Resolution)
	}
	if _, _, ok := cellCounts(p.Length, p.Width, p.Resolution); !ok {
		return fmt.Errorf("%w: %vx%v m at %v m/cell has no cells", ErrInvalidParams, p.Length, p.Width, p.Resolution)
	}
	if p.ParentFrame == "" || p.MapFrame == "" {
		return fmt.Errorf("%w: parent and map frame ids are required", ErrInvalidParams)
	}
	if p.ParentFrame == p.MapFrame {
		return fmt.Errorf("%w: map frame equals parent frame %q", ErrInvalidParams, p.MapFrame)
	}
	if !p.Origin.IsZero() {
		if err := p.Origin.Validate(); err != nil {
			return fmt.Errorf("%w: origin: %w", ErrInvalidParams, err)
		}
	}
	if err := p.Noise.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}

// cellCounts converts metric extents into rows and columns.
func cellCounts(length, width, res float64) (rows, cols int, ok bool) {
	if !positiveFinite(length) || !positiveFinite(width) || !positiveFinite(res) {
		return 0, 0, false
	}
	r := math.Round(length / res)
	c := math.Round(width / res)
	if r < 1 || c < 1 || r*c > math.MaxInt32 {
		return 0, 0, false
	}
	return int(r), int(c), true
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
