// Package chart renders a session record as stacked time-series plots, one
// row per quantity of each instrument in use.
package chart

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"sync"

	"golang.org/x/image/colornames"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/electrode-lab/cicph/acquisition"
)

const (
	// DefaultWidth of a rendered chart, points
	DefaultWidth = 720

	// DefaultHeight of a rendered chart, points
	DefaultHeight = 540

	xLabel = "Elapsed time (s)"
)

// Layout says which instruments get rows
type Layout struct {
	SMU   bool
	Probe bool
}

// row is one plotted quantity
type row struct {
	label string
	color color.Color
	value func(acquisition.Sample) acquisition.Float
}

var (
	voltageRow = row{"Voltage (V)", colornames.Blue, func(s acquisition.Sample) acquisition.Float { return s.Voltage }}
	currentRow = row{"Current (mA)", colornames.Green, func(s acquisition.Sample) acquisition.Float {
		if !s.Current.Valid {
			return s.Current
		}
		return acquisition.Some(s.Current.Value * 1e3)
	}}
	phRow   = row{"pH", colornames.Darkblue, func(s acquisition.Sample) acquisition.Float { return s.PH }}
	tempRow = row{"Temperature (°C)", colornames.Red, func(s acquisition.Sample) acquisition.Float { return s.Temperature }}
)

func (l Layout) rows() []row {
	var out []row
	if l.SMU {
		out = append(out, voltageRow, currentRow)
	}
	if l.Probe {
		out = append(out, phRow, tempRow)
	}
	return out
}

// Chart keeps a copy of the record as it grows and renders it on demand.
// It is a live sink which never asks the session to stop.
type Chart struct {
	Title  string
	Width  vg.Length
	Height vg.Length

	mu      sync.Mutex
	layout  Layout
	samples []acquisition.Sample
}

// New returns a chart with both instruments laid out
func New(title string, width, height float64) *Chart {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Chart{
		Title:  title,
		Width:  vg.Points(width),
		Height: vg.Points(height),
		layout: Layout{SMU: true, Probe: true},
	}
}

// SetLayout chooses the rows drawn
func (c *Chart) SetLayout(l Layout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layout = l
}

// Update copies the samples appended since the last call
func (c *Chart) Update(buf *acquisition.RecordBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, buf.Since(len(c.samples))...)
}

// Closed satisfies acquisition.Sink; a chart is never closed by its viewer
func (c *Chart) Closed() <-chan struct{} { return nil }

// Len is the number of samples seen
func (c *Chart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Snapshot renders the samples seen so far
func (c *Chart) Snapshot(w io.Writer) error {
	c.mu.Lock()
	samples := append([]acquisition.Sample(nil), c.samples...)
	c.mu.Unlock()
	return c.WritePNG(w, samples)
}

// WritePNG renders samples with the chart's layout
func (c *Chart) WritePNG(w io.Writer, samples []acquisition.Sample) error {
	c.mu.Lock()
	layout := c.layout
	c.mu.Unlock()
	rows := layout.rows()
	if len(rows) == 0 {
		return fmt.Errorf("chart: no instruments to plot")
	}

	plots := make([][]*plot.Plot, len(rows))
	for i, r := range rows {
		p := plot.New()
		p.X.Label.Text = xLabel
		p.Y.Label.Text = r.label
		p.Add(plotter.NewGrid())
		xys := series(samples, r.value)
		if len(xys) == 0 {
			p.X.Min, p.X.Max = 0, 1
			p.Y.Min, p.Y.Max = 0, 1
		} else {
			line, err := plotter.NewLine(xys)
			if err != nil {
				return fmt.Errorf("chart: %s: %w", r.label, err)
			}
			line.Color = r.color
			p.Add(line)
		}
		plots[i] = []*plot.Plot{p}
	}
	plots[0][0].Title.Text = c.Title

	img := vgimg.New(c.Width, c.Height)
	dc := draw.New(img)
	t := draw.Tiles{
		Rows:      len(rows),
		Cols:      1,
		PadX:      vg.Millimeter,
		PadY:      vg.Millimeter,
		PadTop:    vg.Points(4),
		PadBottom: vg.Points(4),
		PadLeft:   vg.Points(4),
		PadRight:  vg.Points(8),
	}
	canvases := plot.Align(plots, t, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}
	png := vgimg.PngCanvas{Canvas: img}
	_, err := png.WriteTo(w)
	return err
}

// SavePNG renders samples to a new file at path
func (c *Chart) SavePNG(path string, samples []acquisition.Sample) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err = c.WritePNG(f, samples); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// series extracts the present values of one quantity against elapsed time
func series(samples []acquisition.Sample, value func(acquisition.Sample) acquisition.Float) plotter.XYs {
	xys := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		v := value(s)
		if !v.Valid {
			continue
		}
		xys = append(xys, plotter.XY{X: s.ElapsedTime, Y: v.Value})
	}
	return xys
}
