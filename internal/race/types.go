// Package race defines the race data model exchanged with the simulation
// engine and the JSON wire protocol spoken over the session channel.
package race

// Vehicle is one car in a snapshot. TrackPosition is a distance along the
// track and is not wrapped to the lap length.
type Vehicle struct {
	Name          string  `json:"name"`
	DriverID      string  `json:"driver_id"`
	Color         string  `json:"color"`
	SpeedKph      float64 `json:"speed_kph"`
	Lap           int     `json:"lap"`
	TrackPosition float64 `json:"track_position"`
	TireWear      float64 `json:"tire_wear"`
	TireTemp      float64 `json:"tire_temp"`
	Distance      float64 `json:"distance"`
	Aggression    float64 `json:"aggression"`
}

// RaceState is a complete snapshot from the engine. Vehicles are in race
// order (index 0 leads) as produced by the engine.
type RaceState struct {
	Time          float64   `json:"time"`
	Vehicles      []Vehicle `json:"vehicles"`
	ScenarioID    int       `json:"scenario_id"`
	IsPlaying     bool      `json:"is_playing"`
	MaxTime       float64   `json:"max_time"`
	PlaybackSpeed float64   `json:"playback_speed"`
}

// Leader returns the first vehicle, if any.
func (s *RaceState) Leader() (Vehicle, bool) {
	if s == nil || len(s.Vehicles) == 0 {
		return Vehicle{}, false
	}
	return s.Vehicles[0], true
}

// Scenario is a predefined race configuration offered by the engine.
type Scenario struct {
	ScenarioID       int      `json:"scenario_id"`
	NumDrivers       int      `json:"num_drivers"`
	NumLaps          int      `json:"num_laps"`
	AggressionFactor float64  `json:"aggression_factor"`
	Drivers          []string `json:"drivers"`
}

// TrackInfo describes one track document the engine can serve.
type TrackInfo struct {
	Name   string  `json:"name"`
	File   string  `json:"file"`
	Length float64 `json:"length"`
}
