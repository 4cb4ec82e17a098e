// Package track holds the closed-loop track geometry served by the engine
// and the transform that places track positions on a screen.
package track

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
)

// ErrInvalidGeometry is wrapped by every validation failure from Decode.
var ErrInvalidGeometry = errors.New("invalid track geometry")

// TrackPoint is a sample on the track centreline. Distance is the cumulative
// path length from the start/finish line.
type TrackPoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Distance float64 `json:"distance"`
}

// XY returns the point's plan-view coordinates.
func (p TrackPoint) XY() r2.Vec {
	return r2.Vec{X: p.X, Y: p.Y}
}

// Geometry is an immutable closed polyline. The segment from the last point
// back to point 0 closes the loop.
type Geometry struct {
	name        string
	totalLength float64
	points      []TrackPoint
	bounds      r2.Box
}

type geometryJSON struct {
	Name        string       `json:"track_name"`
	TotalLength float64      `json:"total_length"`
	Points      []TrackPoint `json:"points"`
}

// New validates points and builds a Geometry. A non-positive totalLength is
// derived from the last point's distance plus the closing segment.
func New(name string, totalLength float64, points []TrackPoint) (*Geometry, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidGeometry, len(points))
	}
	pts := make([]TrackPoint, len(points))
	copy(pts, points)

	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		for _, v := range []float64{p.X, p.Y, p.Z, p.Distance} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: point %d is not finite", ErrInvalidGeometry, i)
			}
		}
		if i > 0 && p.Distance < pts[i-1].Distance {
			return nil, fmt.Errorf("%w: distance decreases at point %d (%.3f < %.3f)",
				ErrInvalidGeometry, i, p.Distance, pts[i-1].Distance)
		}
		xs[i], ys[i] = p.X, p.Y
	}

	last := pts[len(pts)-1]
	if totalLength <= 0 {
		totalLength = last.Distance + closingLength(pts)
	}
	if totalLength < last.Distance {
		return nil, fmt.Errorf("%w: total length %.3f shorter than last point distance %.3f",
			ErrInvalidGeometry, totalLength, last.Distance)
	}

	return &Geometry{
		name:        name,
		totalLength: totalLength,
		points:      pts,
		bounds: r2.Box{
			Min: r2.Vec{X: floats.Min(xs), Y: floats.Min(ys)},
			Max: r2.Vec{X: floats.Max(xs), Y: floats.Max(ys)},
		},
	}, nil
}

func closingLength(pts []TrackPoint) float64 {
	a, b := pts[len(pts)-1], pts[0]
	dx, dy, dz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Decode reads a geometry document ({track_name, total_length, points}).
func Decode(r io.Reader) (*Geometry, error) {
	var doc geometryJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return New(doc.Name, doc.TotalLength, doc.Points)
}

// Load reads a geometry document from a .json file on disk.
func Load(path string) (*Geometry, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("track file must have .json extension, got %q", ext)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open track file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// MarshalJSON encodes the geometry in the engine's document format.
func (g *Geometry) MarshalJSON() ([]byte, error) {
	return json.Marshal(geometryJSON{Name: g.name, TotalLength: g.totalLength, Points: g.points})
}

// UnmarshalJSON decodes and validates a geometry document.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var doc geometryJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	built, err := New(doc.Name, doc.TotalLength, doc.Points)
	if err != nil {
		return err
	}
	*g = *built
	return nil
}

// Name returns the track's display name.
func (g *Geometry) Name() string { return g.name }

// TotalLength returns the lap length, closing segment included.
func (g *Geometry) TotalLength() float64 { return g.totalLength }

// Len returns the number of stored points.
func (g *Geometry) Len() int { return len(g.points) }

// Point returns the i'th stored point.
func (g *Geometry) Point(i int) TrackPoint { return g.points[i] }

// Points returns a copy of the stored points.
func (g *Geometry) Points() []TrackPoint {
	out := make([]TrackPoint, len(g.points))
	copy(out, g.points)
	return out
}

// Bounds returns the plan-view bounding box of all points.
func (g *Geometry) Bounds() r2.Box { return g.bounds }

// Locate returns the stored point whose distance is closest to d. Ties go to
// the later point in sequence order. d is used as given; see Wrap.
func (g *Geometry) Locate(d float64) TrackPoint {
	best := 0
	bestDiff := math.Inf(1)
	for i, p := range g.points {
		if diff := math.Abs(p.Distance - d); diff <= bestDiff {
			best, bestDiff = i, diff
		}
	}
	return g.points[best]
}

// Interpolate returns the point at distance d (wrapped onto the lap) by
// linear interpolation between the two bracketing stored points, including
// the closing segment.
func (g *Geometry) Interpolate(d float64) TrackPoint {
	d = Wrap(d, g.totalLength)
	n := len(g.points)

	// index of the last point with Distance <= d
	i := sort.Search(n, func(k int) bool { return g.points[k].Distance > d }) - 1
	if i < 0 {
		// d lies before the first sample: between the last point and the
		// first one, across the start/finish line.
		return lerpPoint(g.points[n-1], g.points[0], g.points[n-1].Distance-g.totalLength, g.points[0].Distance, d)
	}
	a := g.points[i]
	if i == n-1 {
		return lerpPoint(a, g.points[0], a.Distance, g.totalLength+g.points[0].Distance, d)
	}
	return lerpPoint(a, g.points[i+1], a.Distance, g.points[i+1].Distance, d)
}

func lerpPoint(a, b TrackPoint, da, db, d float64) TrackPoint {
	span := db - da
	if span <= 0 {
		return a
	}
	t := (d - da) / span
	return TrackPoint{
		X:        a.X + (b.X-a.X)*t,
		Y:        a.Y + (b.Y-a.Y)*t,
		Z:        a.Z + (b.Z-a.Z)*t,
		Distance: d,
	}
}

// Wrap maps an unbounded track position onto [0, total). A non-positive
// total returns d unchanged.
func Wrap(d, total float64) float64 {
	if total <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return d
	}
	m := math.Mod(d, total)
	if m < 0 {
		m += total
	}
	return m
}
