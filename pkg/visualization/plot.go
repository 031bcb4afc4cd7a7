package visualization

import (
	"fmt"
	"os"
	"slices"

	"github.com/wcharczuk/go-chart/v2"
	"golang.org/x/exp/maps"
)

// PlotFSC renders FSC curves against spatial frequency with a horizontal
// line at the reporting threshold and writes them as PNG
func PlotFSC(filename string, freq []float64, curves map[string][]float64, thres float64) error {
	if len(freq) < 2 {
		return fmt.Errorf("need at least two shells to plot, got %d", len(freq))
	}

	series := []chart.Series{}
	palette := []chart.Style{
		{StrokeColor: chart.ColorBlue, StrokeWidth: 2},
		{StrokeColor: chart.ColorRed, StrokeWidth: 2},
		{StrokeColor: chart.ColorGreen, StrokeWidth: 2},
		{StrokeColor: chart.ColorOrange, StrokeWidth: 2},
	}
	names := maps.Keys(curves)
	slices.Sort(names)
	for i, name := range names {
		series = append(series, chart.ContinuousSeries{
			Name:    name,
			XValues: freq,
			YValues: curves[name],
			Style:   palette[i%len(palette)],
		})
	}
	series = append(series, chart.ContinuousSeries{
		Name:    fmt.Sprintf("FSC = %.3f", thres),
		XValues: []float64{freq[0], freq[len(freq)-1]},
		YValues: []float64{thres, thres},
		Style: chart.Style{
			StrokeColor:     chart.ColorBlack,
			StrokeWidth:     1,
			StrokeDashArray: []float64{5, 5},
		},
	})

	graph := chart.Chart{
		Width:  800,
		Height: 480,
		XAxis: chart.XAxis{
			Name:  "Spatial frequency (1/A)",
			Style: chart.Style{FontSize: 10.0},
			ValueFormatter: func(v interface{}) string {
				return fmt.Sprintf("%.3f", v.(float64))
			},
		},
		YAxis: chart.YAxis{
			Name:  "FSC",
			Style: chart.Style{FontSize: 10.0},
			Range: &chart.ContinuousRange{Min: -0.1, Max: 1.05},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := graph.Render(chart.PNG, file); err != nil {
		file.Close()
		return fmt.Errorf("rendering %s: %w", filename, err)
	}
	return file.Close()
}
