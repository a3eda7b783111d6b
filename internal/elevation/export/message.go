// Package export renders grid snapshots into the outbound map representations:
// a flat Message (JSON or protobuf wire format), a YAML metadata sidecar, a PNG
// heatmap and an HTML heatmap. Exporters receive each published snapshot.
package export

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
)

// ErrMalformedMessage is returned when a decoded message is internally inconsistent.
var ErrMalformedMessage = errors.New("malformed map message")

// Message is the outbound grid map. Height and Variance are row-major with
// Rows along map x; Origin is the row-major map -> parent transform, enough
// for a receiver to place every cell in the parent frame.
type Message struct {
	Resolution  float64     `json:"resolution"`
	Length      float64     `json:"length"`
	Width       float64     `json:"width"`
	Rows        int         `json:"rows"`
	Cols        int         `json:"cols"`
	ParentFrame string      `json:"parent_frame_id"`
	MapFrame    string      `json:"map_frame_id"`
	Origin      [16]float64 `json:"origin"`
	Stamp       time.Time   `json:"stamp"`
	Height      []float64   `json:"height"`
	Variance    []float64   `json:"variance"`
}

// FromSnapshot converts a snapshot. The cell slices are shared, not copied;
// snapshots are never mutated after they are taken.
func FromSnapshot(s grid.Snapshot) Message {
	return Message{
		Resolution:  s.Resolution,
		Length:      s.Length,
		Width:       s.Width,
		Rows:        s.Rows,
		Cols:        s.Cols,
		ParentFrame: string(s.ParentFrame),
		MapFrame:    string(s.MapFrame),
		Origin:      s.Origin.T,
		Stamp:       s.LastUpdate,
		Height:      s.Height,
		Variance:    s.Variance,
	}
}

// Snapshot rebuilds a grid.Snapshot from a received message.
func (m Message) Snapshot() (grid.Snapshot, error) {
	if err := m.Validate(); err != nil {
		return grid.Snapshot{}, err
	}
	return grid.Snapshot{
		Metadata: grid.Metadata{
			Resolution: m.Resolution,
			Length:     m.Length,
			Width:      m.Width,
			Rows:       m.Rows,
			Cols:       m.Cols,
			Origin: frames.Transform{
				From: frames.FrameID(m.MapFrame),
				To:   frames.FrameID(m.ParentFrame),
				T:    m.Origin,
			},
			ParentFrame: frames.FrameID(m.ParentFrame),
			MapFrame:    frames.FrameID(m.MapFrame),
			LastUpdate:  m.Stamp,
		},
		Height:   m.Height,
		Variance: m.Variance,
	}, nil
}

// Validate checks that the cell arrays match the declared dimensions.
func (m Message) Validate() error {
	if m.Rows < 0 || m.Cols < 0 || m.Rows > math.MaxInt32 || m.Cols > math.MaxInt32 {
		return fmt.Errorf("%w: bad dimensions %dx%d", ErrMalformedMessage, m.Rows, m.Cols)
	}
	n := m.Rows * m.Cols
	if len(m.Height) != n || len(m.Variance) != n {
		return fmt.Errorf("%w: %dx%d grid with %d heights and %d variances",
			ErrMalformedMessage, m.Rows, m.Cols, len(m.Height), len(m.Variance))
	}
	return nil
}
