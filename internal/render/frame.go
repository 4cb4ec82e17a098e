// Package render turns the current race state into drawable frames and
// serves them: static images via gonum/plot, a live go-echarts page and
// tsweb debug routes.
package render

import (
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/race.oracle/internal/race"
	"github.com/banshee-data/race.oracle/internal/track"
)

// Marker is one vehicle placed on screen.
type Marker struct {
	Position      int     `json:"position"` // 1 is the leader
	Name          string  `json:"name"`
	DriverID      string  `json:"driver_id"`
	Color         string  `json:"color"`
	SpeedKph      float64 `json:"speed_kph"`
	TireWear      float64 `json:"tire_wear"`
	Lap           int     `json:"lap"`
	TrackPosition float64 `json:"track_position"` // wrapped to one lap
	Screen        r2.Vec  `json:"screen"`
}

// Frame is everything needed to draw one moment of the race. Waiting is
// set when there is no race state; the frame then carries only the track.
type Frame struct {
	Viewport   track.Viewport `json:"viewport"`
	TrackName  string         `json:"track_name,omitempty"`
	Path       []r2.Vec       `json:"path,omitempty"`
	Waiting    bool           `json:"waiting"`
	ScenarioID int            `json:"scenario_id"`
	Time       float64        `json:"time"`
	MaxTime    float64        `json:"max_time"`
	Playing    bool           `json:"playing"`
	Speed      float64        `json:"playback_speed"`
	Markers    []Marker       `json:"markers"`
}

// BuildFrame projects every vehicle in state through m. Vehicles keep
// race order. Track positions are wrapped to the lap before lookup; with
// interpolate set they are placed between track samples rather than on
// the nearest one.
func BuildFrame(state *race.RaceState, m *track.Mapper, vp track.Viewport, interpolate bool) Frame {
	f := Frame{Viewport: vp, Markers: []Marker{}}
	var total float64
	if g := m.Geometry(); g != nil {
		f.TrackName = g.Name()
		f.Path = m.Path(vp)
		total = g.TotalLength()
	}
	if state == nil {
		f.Waiting = true
		return f
	}

	f.ScenarioID = state.ScenarioID
	f.Time = state.Time
	f.MaxTime = state.MaxTime
	f.Playing = state.IsPlaying
	f.Speed = state.PlaybackSpeed

	f.Markers = make([]Marker, 0, len(state.Vehicles))
	for i, v := range state.Vehicles {
		pos := track.Wrap(v.TrackPosition, total)
		var screen r2.Vec
		if interpolate {
			screen = m.ProjectInterpolated(pos, vp)
		} else {
			screen = m.ProjectDistance(pos, vp)
		}
		f.Markers = append(f.Markers, Marker{
			Position:      i + 1,
			Name:          v.Name,
			DriverID:      v.DriverID,
			Color:         v.Color,
			SpeedKph:      v.SpeedKph,
			TireWear:      v.TireWear,
			Lap:           v.Lap,
			TrackPosition: pos,
			Screen:        screen,
		})
	}
	return f
}
