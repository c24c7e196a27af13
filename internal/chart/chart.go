// Package chart renders retained price windows.
package chart

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"gold-monitor/internal/fluctuation"
)

// ErrNotEnoughData is returned when fewer than two samples are available.
var ErrNotEnoughData = errors.New("chart: not enough data")

// Options control the rendered image.
type Options struct {
	Title     string
	Unit      string
	Width     int
	Height    int
	MaxPoints int
	// Reference draws a horizontal line, e.g. the day's baseline. Zero disables it.
	Reference float64
}

// Downsample keeps at most max samples, always including the first and last.
func Downsample(samples []fluctuation.Sample, max int) []fluctuation.Sample {
	if max <= 1 || len(samples) <= max {
		return samples
	}

	result := make([]fluctuation.Sample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

// RenderPNG writes a time series of samples as PNG.
func RenderPNG(w io.Writer, samples []fluctuation.Sample, opts Options) error {
	samples = Downsample(samples, opts.MaxPoints)
	if len(samples) < 2 {
		return ErrNotEnoughData
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 720
	}

	x := make([]time.Time, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.At
		y[i] = s.Price.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	name := "Price"
	if opts.Unit != "" {
		name = "Price (" + opts.Unit + ")"
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    opts.Title,
			XValues: x,
			YValues: y,
		},
	}
	if opts.Reference > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Baseline",
			XValues: []time.Time{x[0], x[len(x)-1]},
			YValues: []float64{opts.Reference, opts.Reference},
			Style: chart.Style{
				StrokeDashArray: []float64{5, 5},
			},
		})
	}

	graph := chart.Chart{
		Width:  opts.Width,
		Height: opts.Height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeMinuteValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           name,
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

// WriteCSV writes samples as "time,price" rows.
func WriteCSV(w io.Writer, samples []fluctuation.Sample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"time", "price"}); err != nil {
		return err
	}
	for _, s := range samples {
		if err := writer.Write([]string{s.At.Format(time.RFC3339), s.Price.String()}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
