package points

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"

	"github.com/banshee-data/elevation.map/internal/elevation/frames"
)

// ReadPCD decodes a PCD stream with x, y and z fields into a batch tagged
// with frame and stamp. NaN entries are kept so Clean can count them.
func ReadPCD(r io.Reader, frame frames.FrameID, stamp time.Time) (Batch, error) {
	cloud, err := pc.Unmarshal(r)
	if err != nil {
		return Batch{}, fmt.Errorf("decode pcd: %w", err)
	}
	it, err := cloud.Vec3Iterator()
	if err != nil {
		return Batch{}, fmt.Errorf("pcd has no xyz fields: %w", err)
	}

	n := it.Len()
	b := Batch{
		Points:    make([]Point, 0, n),
		Timestamp: stamp,
		Frame:     frame,
	}
	for i := 0; i < n; i++ {
		v := it.Vec3()
		b.Points = append(b.Points, NewPoint(float64(v[0]), float64(v[1]), float64(v[2])))
		it.Incr()
	}
	return b, nil
}

// LoadPCD reads a .pcd file from disk. See ReadPCD.
func LoadPCD(path string, frame frames.FrameID, stamp time.Time) (Batch, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Batch{}, fmt.Errorf("open pcd: %w", err)
	}
	defer f.Close()
	return ReadPCD(f, frame, stamp)
}

// WritePCD encodes the batch points as a binary float32 xyz PCD.
func WritePCD(w io.Writer, b Batch) error {
	cloud := &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Version: 0.7,
			Fields:  []string{"x", "y", "z"},
			Size:    []int{4, 4, 4},
			Type:    []string{"F", "F", "F"},
			Count:   []int{1, 1, 1},
			Width:   len(b.Points),
			Height:  1,
		},
		Points: len(b.Points),
	}
	cloud.Data = make([]byte, len(b.Points)*cloud.Stride())

	if len(b.Points) > 0 {
		it, err := cloud.Vec3Iterator()
		if err != nil {
			return err
		}
		for _, p := range b.Points {
			it.SetVec3(mat.Vec3{float32(p.X), float32(p.Y), float32(p.Z)})
			it.Incr()
		}
	}
	return pc.Marshal(cloud, w)
}
