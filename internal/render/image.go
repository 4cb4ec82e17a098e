package render

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/race.oracle/internal/security"
)

// Image formats supported by WriteImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

var (
	trackColor   = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	defaultColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// pixelsPerPoint maps viewport pixels onto the plot's page units so a
// 1200x900 viewport renders at 1200x900 pixels in PNG output.
const pixelsPerPoint = 96.0 / 72.0

// WriteImage draws f (the track outline and one labelled glyph per
// vehicle) in format to w. Screen coordinates grow downwards, so the
// y axis is flipped.
func WriteImage(w io.Writer, f Frame, format string) error {
	format = strings.ToLower(format)
	if format != FormatPNG && format != FormatSVG {
		return fmt.Errorf("unsupported image format %q", format)
	}
	if f.Viewport.Width <= 0 || f.Viewport.Height <= 0 {
		return fmt.Errorf("invalid viewport %gx%g", f.Viewport.Width, f.Viewport.Height)
	}

	p, err := framePlot(f)
	if err != nil {
		return err
	}
	width := vg.Length(f.Viewport.Width / pixelsPerPoint)
	height := vg.Length(f.Viewport.Height / pixelsPerPoint)
	wt, err := p.WriterTo(width, height, format)
	if err != nil {
		return fmt.Errorf("failed to create %s writer: %w", format, err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

// SaveImage writes f to path; the format follows the file extension.
// The path must lie under the working or temp directory.
func SaveImage(path string, f Frame) error {
	if err := security.ValidateExportPath(path); err != nil {
		return err
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteImage(file, f, format); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}

func framePlot(f Frame) (*plot.Plot, error) {
	p := plot.New()
	p.HideAxes()
	switch {
	case f.Waiting:
		p.Title.Text = f.TrackName + " (waiting for race)"
	default:
		p.Title.Text = fmt.Sprintf("%s  scenario %d  t=%.1fs / %.1fs", f.TrackName, f.ScenarioID, f.Time, f.MaxTime)
	}

	flip := func(x, y float64) plotter.XY {
		return plotter.XY{X: x, Y: f.Viewport.Height - y}
	}

	if len(f.Path) > 0 {
		pts := make(plotter.XYs, 0, len(f.Path)+1)
		for _, v := range f.Path {
			pts = append(pts, flip(v.X, v.Y))
		}
		pts = append(pts, pts[0])
		outline, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to create track line: %w", err)
		}
		outline.LineStyle.Width = vg.Points(3)
		outline.LineStyle.Color = trackColor
		p.Add(outline)
	}

	if len(f.Markers) > 0 {
		pts := make(plotter.XYs, len(f.Markers))
		labels := make([]string, len(f.Markers))
		for i, m := range f.Markers {
			pts[i] = flip(m.Screen.X, m.Screen.Y)
			labels[i] = m.DriverID
		}
		cars, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to create vehicle glyphs: %w", err)
		}
		cars.GlyphStyle.Shape = draw.CircleGlyph{}
		cars.GlyphStyle.Radius = vg.Points(5)
		cars.GlyphStyleFunc = func(i int) draw.GlyphStyle {
			s := cars.GlyphStyle
			s.Color = parseColor(f.Markers[i].Color)
			return s
		}
		p.Add(cars)

		names, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
		if err != nil {
			return nil, fmt.Errorf("failed to create vehicle labels: %w", err)
		}
		names.Offset = vg.Point{X: vg.Points(7), Y: vg.Points(-3)}
		p.Add(names)
	}

	p.X.Min, p.X.Max = 0, f.Viewport.Width
	p.Y.Min, p.Y.Max = 0, f.Viewport.Height
	return p, nil
}

// parseColor reads a "#rrggbb" colour, falling back to light grey.
func parseColor(s string) color.Color {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return defaultColor
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return defaultColor
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
