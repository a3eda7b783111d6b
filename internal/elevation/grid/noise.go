package grid

import (
	"fmt"
	"math"
)

// NoiseModel maps the sensor-to-point range onto a measurement variance:
//
//	variance = MinVariance + RangeFactor * range²
//
// Points farther than MaxDepth are rejected.
type NoiseModel struct {
	MinVariance float64 // floor applied at zero range [m²]
	RangeFactor float64 // growth per squared metre of range
	MaxDepth    float64 // farthest accepted range [m]
}

// Validate checks the model coefficients.
func (n NoiseModel) Validate() error {
	if !positiveFinite(n.MinVariance) {
		return fmt.Errorf("min measurement variance must be positive, got %v", n.MinVariance)
	}
	if n.RangeFactor < 0 || math.IsNaN(n.RangeFactor) || math.IsInf(n.RangeFactor, 0) {
		return fmt.Errorf("range noise factor must be non-negative, got %v", n.RangeFactor)
	}
	if !positiveFinite(n.MaxDepth) {
		return fmt.Errorf("sensor max depth must be positive, got %v", n.MaxDepth)
	}
	return nil
}

// Variance returns the measurement variance at rng metres and whether the
// point is within MaxDepth. The result never decreases as rng grows.
func (n NoiseModel) Variance(rng float64) (float64, bool) {
	if math.IsNaN(rng) || rng < 0 || rng > n.MaxDepth {
		return 0, false
	}
	return n.MinVariance + n.RangeFactor*rng*rng, true
}
