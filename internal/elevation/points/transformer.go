package points

import (
	"errors"
	"fmt"

	"github.com/banshee-data/elevation.map/internal/elevation/frames"
)

// Transformer aligns batches to a target frame using a frames.Resolver.
type Transformer struct {
	resolver frames.Resolver
}

// NewTransformer creates a Transformer backed by resolver.
func NewTransformer(resolver frames.Resolver) *Transformer {
	return &Transformer{resolver: resolver}
}

// Transform re-expresses every point of b in target using the transform valid
// at b.Timestamp. Point count and order are preserved and the sensor origin is
// carried along. A failed lookup returns an error wrapping
// frames.ErrNoTransform and the batch must not be fused.
func (t *Transformer) Transform(b Batch, target frames.FrameID) (Batch, error) {
	if b.Frame == target {
		return b, nil
	}

	tf, err := t.resolver.Lookup(b.Frame, target, b.Timestamp)
	if err != nil {
		if !errors.Is(err, frames.ErrNoTransform) {
			err = fmt.Errorf("%w: %w", frames.ErrNoTransform, err)
		}
		return Batch{}, fmt.Errorf("transform batch %s -> %s: %w", b.Frame, target, err)
	}

	out := Batch{
		Points:       make([]Point, len(b.Points)),
		Timestamp:    b.Timestamp,
		Frame:        target,
		SensorOrigin: tf.Apply(b.SensorOrigin),
	}
	for i, p := range b.Points {
		out.Points[i] = Point{tf.Apply(p.Vector)}
	}
	return out, nil
}
