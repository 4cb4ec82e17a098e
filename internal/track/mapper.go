package track

import (
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r2"
)

// DefaultPadding is the screen margin, in pixels, kept clear around the track.
const DefaultPadding = 60

// Viewport is a drawing surface size in pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the middle of the viewport.
func (v Viewport) Center() r2.Vec {
	return r2.Vec{X: v.Width / 2, Y: v.Height / 2}
}

func (v Viewport) valid() bool {
	return v.Width > 0 && v.Height > 0
}

// Mapper projects track coordinates into a viewport with one uniform scale,
// centred, so the track keeps its aspect ratio and never overflows.
// A Mapper with no geometry maps everything to the viewport centre.
// The geometry may be replaced while the Mapper is in use.
type Mapper struct {
	geom    atomic.Pointer[Geometry]
	padding float64
}

// NewMapper returns a Mapper for g. A negative padding is treated as zero.
func NewMapper(g *Geometry, padding float64) *Mapper {
	if padding < 0 {
		padding = 0
	}
	m := &Mapper{padding: padding}
	m.geom.Store(g)
	return m
}

// Geometry returns the mapped geometry, possibly nil.
func (m *Mapper) Geometry() *Geometry {
	if m == nil {
		return nil
	}
	return m.geom.Load()
}

// SetGeometry replaces the mapped geometry, e.g. once a track document that
// failed to load at startup arrives.
func (m *Mapper) SetGeometry(g *Geometry) {
	m.geom.Store(g)
}

// Padding returns the screen margin.
func (m *Mapper) Padding() float64 {
	if m == nil {
		return 0
	}
	return m.padding
}

// Ready reports whether geometry is available for mapping.
func (m *Mapper) Ready() bool {
	return m.Geometry() != nil
}

// transform returns the uniform scale and the offset applied after scaling.
func transform(g *Geometry, padding float64, vp Viewport) (scale float64, offset r2.Vec) {
	b := g.bounds
	span := r2.Sub(b.Max, b.Min)
	availW := vp.Width - 2*padding
	availH := vp.Height - 2*padding

	scale = math.Inf(1)
	if span.X > 0 {
		scale = availW / span.X
	}
	if span.Y > 0 {
		scale = math.Min(scale, availH/span.Y)
	}
	if math.IsInf(scale, 1) {
		scale = 1 // single point: collapses to the centre below
	}
	if scale < 0 {
		scale = 0
	}

	size := r2.Scale(scale, span)
	offset = r2.Vec{X: (vp.Width - size.X) / 2, Y: (vp.Height - size.Y) / 2}
	return scale, offset
}

// Project maps a plan-view track coordinate into viewport pixels. Without
// geometry or with an empty viewport it returns the viewport centre.
func (m *Mapper) Project(p r2.Vec, vp Viewport) r2.Vec {
	g := m.Geometry()
	if g == nil || !vp.valid() {
		return vp.Center()
	}
	return project(g, m.padding, p, vp)
}

func project(g *Geometry, padding float64, p r2.Vec, vp Viewport) r2.Vec {
	scale, offset := transform(g, padding, vp)
	return r2.Add(r2.Scale(scale, r2.Sub(p, g.bounds.Min)), offset)
}

// ProjectDistance projects the stored point nearest to distance d.
func (m *Mapper) ProjectDistance(d float64, vp Viewport) r2.Vec {
	g := m.Geometry()
	if g == nil {
		return vp.Center()
	}
	return m.Project(g.Locate(d).XY(), vp)
}

// ProjectInterpolated projects the interpolated point at distance d.
func (m *Mapper) ProjectInterpolated(d float64, vp Viewport) r2.Vec {
	g := m.Geometry()
	if g == nil {
		return vp.Center()
	}
	return m.Project(g.Interpolate(d).XY(), vp)
}

// Path projects every stored point in order. The caller closes the loop.
func (m *Mapper) Path(vp Viewport) []r2.Vec {
	g := m.Geometry()
	if g == nil {
		return nil
	}
	out := make([]r2.Vec, len(g.points))
	for i, p := range g.points {
		if vp.valid() {
			out[i] = project(g, m.padding, p.XY(), vp)
		} else {
			out[i] = vp.Center()
		}
	}
	return out
}
