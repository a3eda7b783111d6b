package export

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/elevation.map/internal/elevation/grid"
)

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// WriteHTML renders an interactive scatter heatmap of the observed cells of s.
// Each point is a cell centre in map-frame metres coloured by height.
func WriteHTML(w io.Writer, s grid.Snapshot) error {
	lo, hi, ok := s.HeightRange()
	if !ok {
		return ErrNothingObserved
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}

	data := make([]opts.ScatterData, 0, s.ObservedCount())
	for r := 0; r < s.Rows; r++ {
		for c := 0; c < s.Cols; c++ {
			if !s.Observed(r, c) {
				continue
			}
			h, v := s.At(r, c)
			x := (float64(r) + 0.5) * s.Resolution
			y := (float64(c) + 0.5) * s.Resolution
			data = append(data, opts.ScatterData{Value: []interface{}{x, y, h, v}})
		}
	}

	stamp := "never"
	if !s.LastUpdate.IsZero() {
		stamp = s.LastUpdate.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	xMax := float64(s.Rows) * s.Resolution
	yMax := float64(s.Cols) * s.Resolution
	symbol := 900 / max(s.Rows, s.Cols)
	if symbol < 2 {
		symbol = 2
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Elevation Map", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Elevation Map", Subtitle: fmt.Sprintf("frame=%s cells=%d updated=%s", s.MapFrame, len(data), stamp)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: xMax, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: yMax, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("height", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: symbol}))

	if err := scatter.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
