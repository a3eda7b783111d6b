package export

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/elevation.map/internal/elevation/grid"
)

// MapInfo is the human-readable metadata sidecar of a published map.
type MapInfo struct {
	ParentFrame   string     `yaml:"parent_frame_id"`
	MapFrame      string     `yaml:"map_frame_id"`
	Resolution    float64    `yaml:"resolution"`
	Length        float64    `yaml:"length"`
	Width         float64    `yaml:"width"`
	Rows          int        `yaml:"rows"`
	Cols          int        `yaml:"cols"`
	Origin        OriginInfo `yaml:"origin"`
	Stamp         string     `yaml:"stamp,omitempty"`
	ObservedCells int        `yaml:"observed_cells"`
	HeightMin     *float64   `yaml:"height_min,omitempty"`
	HeightMax     *float64   `yaml:"height_max,omitempty"`
}

// OriginInfo is the planar pose of the grid corner in the parent frame.
type OriginInfo struct {
	X   float64 `yaml:"x"`
	Y   float64 `yaml:"y"`
	Z   float64 `yaml:"z"`
	Yaw float64 `yaml:"yaw"`
}

// InfoFromSnapshot summarises a snapshot.
func InfoFromSnapshot(s grid.Snapshot) MapInfo {
	t := s.Origin.Translation()
	info := MapInfo{
		ParentFrame:   string(s.ParentFrame),
		MapFrame:      string(s.MapFrame),
		Resolution:    s.Resolution,
		Length:        s.Length,
		Width:         s.Width,
		Rows:          s.Rows,
		Cols:          s.Cols,
		Origin:        OriginInfo{X: t.X, Y: t.Y, Z: t.Z, Yaw: s.Origin.Yaw()},
		ObservedCells: s.ObservedCount(),
	}
	if !s.LastUpdate.IsZero() {
		info.Stamp = s.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	if lo, hi, ok := s.HeightRange(); ok {
		info.HeightMin, info.HeightMax = &lo, &hi
	}
	return info
}

// WriteYAML writes the metadata sidecar for s.
func WriteYAML(w io.Writer, s grid.Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(InfoFromSnapshot(s)); err != nil {
		return fmt.Errorf("encode map yaml: %w", err)
	}
	return enc.Close()
}
