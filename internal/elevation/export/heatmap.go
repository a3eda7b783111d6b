package export

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/elevation.map/internal/elevation/grid"
)

// ErrNothingObserved is returned by renderers when no cell holds an estimate.
var ErrNothingObserved = errors.New("no observed cells")

// heightGrid adapts a snapshot to plotter.GridXYZ. Plot columns run along
// map x (grid rows) and plot rows along map y (grid columns). Unobserved
// cells are NaN so the heatmap leaves them blank.
type heightGrid struct {
	s        grid.Snapshot
	min, max float64
}

func newHeightGrid(s grid.Snapshot) (*heightGrid, error) {
	lo, hi, ok := s.HeightRange()
	if !ok {
		return nil, ErrNothingObserved
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	return &heightGrid{s: s, min: lo, max: hi}, nil
}

func (g *heightGrid) Dims() (c, r int) { return g.s.Rows, g.s.Cols }

func (g *heightGrid) Z(c, r int) float64 {
	if !g.s.Observed(c, r) {
		return math.NaN()
	}
	h, _ := g.s.At(c, r)
	return h
}

func (g *heightGrid) X(c int) float64 { return (float64(c) + 0.5) * g.s.Resolution }
func (g *heightGrid) Y(r int) float64 { return (float64(r) + 0.5) * g.s.Resolution }
func (g *heightGrid) Min() float64    { return g.min }
func (g *heightGrid) Max() float64    { return g.max }

// HeatmapPlot builds a height heatmap of s in map-frame metres.
func HeatmapPlot(s grid.Snapshot) (*plot.Plot, error) {
	g, err := newHeightGrid(s)
	if err != nil {
		return nil, err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Elevation %s (%dx%d @ %.2fm)", s.MapFrame, s.Rows, s.Cols, s.Resolution)
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.X.Min, p.X.Max = 0, float64(s.Rows)*s.Resolution
	p.Y.Min, p.Y.Max = 0, float64(s.Cols)*s.Resolution

	hm := plotter.NewHeatMap(g, palette.Heat(12, 1))
	p.Add(hm)
	return p, nil
}

// WritePNG renders the heatmap of s as a size x size PNG.
func WritePNG(w io.Writer, s grid.Snapshot, size vg.Length) error {
	p, err := HeatmapPlot(s)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}
