// Package testutil provides shared test fixtures and an in-process double of
// the simulation engine.
package testutil

import (
	"testing"

	"github.com/banshee-data/race.oracle/internal/monitoring"
	"github.com/banshee-data/race.oracle/internal/race"
)

// SquareTrackJSON is a 100x100 square track document lapped from the origin.
const SquareTrackJSON = `{
  "track_name": "Test Square",
  "total_length": 400,
  "points": [
    {"x": 0, "y": 0, "z": 0, "distance": 0},
    {"x": 100, "y": 0, "z": 0, "distance": 100},
    {"x": 100, "y": 100, "z": 0, "distance": 200},
    {"x": 0, "y": 100, "z": 0, "distance": 300}
  ]
}`

// SampleScenarios returns a small catalog with ids 0, 1 and 2.
func SampleScenarios() []race.Scenario {
	return []race.Scenario{
		{ScenarioID: 0, NumDrivers: 3, NumLaps: 5, AggressionFactor: 0.2, Drivers: []string{"Max Verstappen", "Lewis Hamilton", "Charles Leclerc"}},
		{ScenarioID: 1, NumDrivers: 5, NumLaps: 3, AggressionFactor: 0.55, Drivers: []string{"Max Verstappen", "Lewis Hamilton", "Charles Leclerc", "Lando Norris", "Fernando Alonso"}},
		{ScenarioID: 2, NumDrivers: 2, NumLaps: 10, AggressionFactor: 0.9, Drivers: []string{"Lando Norris", "Fernando Alonso"}},
	}
}

// SampleState returns a snapshot at time t for scenario id with two cars.
func SampleState(id int, t, maxTime float64, playing bool) *race.RaceState {
	return &race.RaceState{
		Time:          t,
		ScenarioID:    id,
		IsPlaying:     playing,
		MaxTime:       maxTime,
		PlaybackSpeed: 1,
		Vehicles: []race.Vehicle{
			{Name: "Max Verstappen", DriverID: "VER", Color: "#3b82f6", SpeedKph: 301, Lap: 1, TrackPosition: 150, TireWear: 10},
			{Name: "Lewis Hamilton", DriverID: "HAM", Color: "#22c55e", SpeedKph: 298, Lap: 1, TrackPosition: 90, TireWear: 12},
		},
	}
}

// MuteLogs silences the monitoring logger for the duration of the test.
// Call it before starting anything that logs from its own goroutine.
func MuteLogs(t testing.TB) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}
