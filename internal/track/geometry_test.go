package track

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squareTrack is a 100x100 square lapped anticlockwise from the origin.
func squareTrack(t *testing.T) *Geometry {
	t.Helper()
	g, err := New("square", 400, []TrackPoint{
		{X: 0, Y: 0, Distance: 0},
		{X: 100, Y: 0, Distance: 100},
		{X: 100, Y: 100, Distance: 200},
		{X: 0, Y: 100, Distance: 300},
	})
	require.NoError(t, err)
	return g
}

func TestLocate_NearestWithLaterTieBreak(t *testing.T) {
	g := squareTrack(t)

	tests := []struct {
		name string
		d    float64
		want float64
	}{
		{"exact start", 0, 0},
		{"tie between 100 and 200", 150, 200},
		{"tie between 0 and 100", 50, 100},
		{"closer to 100", 149.9, 100},
		{"closer to 200", 150.1, 200},
		{"beyond last point", 390, 300},
		{"negative position", -20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Locate(tt.d).Distance; got != tt.want {
				t.Errorf("Locate(%v).Distance = %v, want %v", tt.d, got, tt.want)
			}
		})
	}
}

func TestLocate_DuplicateDistancesPreferLater(t *testing.T) {
	g, err := New("dup", 0, []TrackPoint{
		{X: 0, Y: 0, Distance: 0},
		{X: 1, Y: 0, Distance: 10},
		{X: 2, Y: 0, Distance: 10},
		{X: 3, Y: 0, Distance: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, g.Locate(10).X)
}

func TestInterpolate(t *testing.T) {
	g := squareTrack(t)

	tests := []struct {
		d    float64
		x, y float64
	}{
		{0, 0, 0},
		{50, 50, 0},
		{150, 100, 50},
		{250, 50, 100},
		{350, 0, 50}, // closing segment back to the start
		{450, 50, 0}, // wrapped
		{-50, 0, 50}, // wrapped backwards
		{400, 0, 0},  // exactly one lap
	}
	for _, tt := range tests {
		p := g.Interpolate(tt.d)
		if math.Abs(p.X-tt.x) > 1e-9 || math.Abs(p.Y-tt.y) > 1e-9 {
			t.Errorf("Interpolate(%v) = (%v, %v), want (%v, %v)", tt.d, p.X, p.Y, tt.x, tt.y)
		}
	}
}

func TestWrap(t *testing.T) {
	tests := []struct {
		d, total, want float64
	}{
		{150, 400, 150},
		{400, 400, 0},
		{950, 400, 150},
		{-50, 400, 350},
		{123, 0, 123},
	}
	for _, tt := range tests {
		if got := Wrap(tt.d, tt.total); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Wrap(%v, %v) = %v, want %v", tt.d, tt.total, got, tt.want)
		}
	}
}

func TestNew_DerivesTotalLength(t *testing.T) {
	g, err := New("derived", 0, []TrackPoint{
		{X: 0, Y: 0, Distance: 0},
		{X: 100, Y: 0, Distance: 100},
		{X: 100, Y: 100, Distance: 200},
		{X: 0, Y: 100, Distance: 300},
	})
	require.NoError(t, err)
	assert.InDelta(t, 400, g.TotalLength(), 1e-9)

	b := g.Bounds()
	assert.Equal(t, 0.0, b.Min.X)
	assert.Equal(t, 100.0, b.Max.Y)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		total  float64
		points []TrackPoint
	}{
		{"too few points", 10, []TrackPoint{{Distance: 0}}},
		{"decreasing distance", 10, []TrackPoint{{Distance: 5}, {Distance: 3}}},
		{"not finite", 10, []TrackPoint{{Distance: 0}, {X: math.NaN(), Distance: 1}}},
		{"total shorter than path", 1, []TrackPoint{{Distance: 0}, {X: 5, Distance: 5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("bad", tt.total, tt.points)
			if !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("expected ErrInvalidGeometry, got %v", err)
			}
		})
	}
}

func TestDecodeAndLoad(t *testing.T) {
	doc := `{"track_name":"Monza","total_length":400,"points":[
		{"x":0,"y":0,"z":1,"distance":0},
		{"x":100,"y":0,"z":1,"distance":100},
		{"x":100,"y":100,"z":1,"distance":200},
		{"x":0,"y":100,"z":1,"distance":300}]}`

	g, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "Monza", g.Name())
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, 1.0, g.Point(2).Z)

	path := filepath.Join(t.TempDir(), "monza_track.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, g.Points(), loaded.Points())

	_, err = Load(filepath.Join(t.TempDir(), "track.yaml"))
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`{"points":`))
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestGeometry_MarshalRoundTripsDocument(t *testing.T) {
	g := squareTrack(t)
	data, err := g.MarshalJSON()
	require.NoError(t, err)

	back, err := Decode(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, g.Name(), back.Name())
	assert.Equal(t, g.TotalLength(), back.TotalLength())
}

func TestGeometry_UnmarshalValidates(t *testing.T) {
	var g Geometry
	require.NoError(t, json.Unmarshal([]byte(`{"track_name":"line","points":[{"x":0,"y":0,"distance":0},{"x":30,"y":40,"distance":50}]}`), &g))
	assert.Equal(t, "line", g.Name())
	assert.Equal(t, 100.0, g.TotalLength())

	err := json.Unmarshal([]byte(`{"points":[{"x":0,"y":0,"distance":0}]}`), &g)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestPoints_ReturnsCopy(t *testing.T) {
	g := squareTrack(t)
	pts := g.Points()
	pts[0].X = 999
	assert.Equal(t, 0.0, g.Point(0).X)
}
