package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/race.oracle/internal/units"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/raceoracle.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of a configuration file. Either section may be omitted;
// the Get* methods supply defaults for anything left unset.
type Config struct {
	Client     ClientConfig     `json:"client"`
	Simulation SimulationConfig `json:"simulation"`
}

// ClientConfig holds connection, playback and rendering settings.
type ClientConfig struct {
	EngineURL        *string `json:"engine_url,omitempty"`
	AckTimeout       *string `json:"ack_timeout,omitempty"`       // duration string like "2s"
	WriteTimeout     *string `json:"write_timeout,omitempty"`     // duration string like "5s"
	HandshakeTimeout *string `json:"handshake_timeout,omitempty"` // duration string like "10s"

	// Rendering
	Padding        *float64 `json:"padding,omitempty"`
	ViewportWidth  *float64 `json:"viewport_width,omitempty"`
	ViewportHeight *float64 `json:"viewport_height,omitempty"`
	Interpolate    *bool    `json:"interpolate,omitempty"`
	SpeedUnit      *string  `json:"speed_unit,omitempty"` // kph, mph or mps

	// Playback
	RejectRegressions *bool    `json:"reject_regressions,omitempty"`
	MinSpeed          *float64 `json:"min_speed,omitempty"`
	MaxSpeed          *float64 `json:"max_speed,omitempty"`
}

// Circuit names a track the engine ships with.
type Circuit string

const (
	CircuitSilverstone Circuit = "silverstone"
	CircuitMonaco      Circuit = "monaco"
	CircuitSpa         Circuit = "spa"
	CircuitMonza       Circuit = "monza"
	CircuitSuzuka      Circuit = "suzuka"
)

// Circuits lists every valid Circuit.
var Circuits = []Circuit{CircuitSilverstone, CircuitMonaco, CircuitSpa, CircuitMonza, CircuitSuzuka}

// Valid reports whether c is a known circuit.
func (c Circuit) Valid() bool {
	for _, v := range Circuits {
		if c == v {
			return true
		}
	}
	return false
}

// TrackFile returns the engine's geometry document name for the circuit.
func (c Circuit) TrackFile() string {
	return string(c) + "_track.json"
}

type Weather string

const (
	WeatherSunny  Weather = "sunny"
	WeatherCloudy Weather = "cloudy"
	WeatherRain   Weather = "rain"
	WeatherStorm  Weather = "storm"
)

var Weathers = []Weather{WeatherSunny, WeatherCloudy, WeatherRain, WeatherStorm}

func (w Weather) Valid() bool {
	for _, v := range Weathers {
		if w == v {
			return true
		}
	}
	return false
}

type TireCompound string

const (
	TireSoft         TireCompound = "soft"
	TireMedium       TireCompound = "medium"
	TireHard         TireCompound = "hard"
	TireIntermediate TireCompound = "intermediate"
	TireWet          TireCompound = "wet"
)

var TireCompounds = []TireCompound{TireSoft, TireMedium, TireHard, TireIntermediate, TireWet}

func (t TireCompound) Valid() bool {
	for _, v := range TireCompounds {
		if t == v {
			return true
		}
	}
	return false
}

// Driver count and chaos level limits.
const (
	MinDrivers    = 1
	MaxDrivers    = 20
	MinChaosLevel = 0
	MaxChaosLevel = 100
)

// SimulationConfig records the operator's race preferences. The engine does
// not accept them directly; the client uses them to pick a track and a
// scenario from the catalog.
type SimulationConfig struct {
	Circuit      *Circuit      `json:"circuit,omitempty"`
	NumDrivers   *int          `json:"num_drivers,omitempty"`
	Weather      *Weather      `json:"weather,omitempty"`
	ChaosLevel   *int          `json:"chaos_level,omitempty"`
	TireCompound *TireCompound `json:"tire_compound,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Fields omitted from the file keep their
// defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/<pkg>/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks both sections.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	return c.Simulation.Validate()
}

// Validate checks that the client values are usable.
func (c *ClientConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"ack_timeout", c.AckTimeout},
		{"write_timeout", c.WriteTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.EngineURL != nil && *c.EngineURL == "" {
		return fmt.Errorf("engine_url must not be empty")
	}
	if c.Padding != nil && (*c.Padding < 0 || !finite(*c.Padding)) {
		return fmt.Errorf("padding must be non-negative, got %f", *c.Padding)
	}
	if c.ViewportWidth != nil && (*c.ViewportWidth <= 0 || !finite(*c.ViewportWidth)) {
		return fmt.Errorf("viewport_width must be positive, got %f", *c.ViewportWidth)
	}
	if c.ViewportHeight != nil && (*c.ViewportHeight <= 0 || !finite(*c.ViewportHeight)) {
		return fmt.Errorf("viewport_height must be positive, got %f", *c.ViewportHeight)
	}
	if c.SpeedUnit != nil && !units.IsValid(*c.SpeedUnit) {
		return fmt.Errorf("speed_unit must be one of %s, got %q", units.GetValidUnitsString(), *c.SpeedUnit)
	}
	if c.MinSpeed != nil && (*c.MinSpeed <= 0 || !finite(*c.MinSpeed)) {
		return fmt.Errorf("min_speed must be positive, got %f", *c.MinSpeed)
	}
	if c.MaxSpeed != nil && !finite(*c.MaxSpeed) {
		return fmt.Errorf("max_speed must be finite, got %f", *c.MaxSpeed)
	}
	if c.GetMinSpeed() > c.GetMaxSpeed() {
		return fmt.Errorf("min_speed %g exceeds max_speed %g", c.GetMinSpeed(), c.GetMaxSpeed())
	}
	return nil
}

// Validate checks every enumerated preference against its domain.
func (c *SimulationConfig) Validate() error {
	if c.Circuit != nil && !c.Circuit.Valid() {
		return fmt.Errorf("unknown circuit %q", *c.Circuit)
	}
	if c.NumDrivers != nil && (*c.NumDrivers < MinDrivers || *c.NumDrivers > MaxDrivers) {
		return fmt.Errorf("num_drivers must be between %d and %d, got %d", MinDrivers, MaxDrivers, *c.NumDrivers)
	}
	if c.Weather != nil && !c.Weather.Valid() {
		return fmt.Errorf("unknown weather %q", *c.Weather)
	}
	if c.ChaosLevel != nil && (*c.ChaosLevel < MinChaosLevel || *c.ChaosLevel > MaxChaosLevel) {
		return fmt.Errorf("chaos_level must be between %d and %d, got %d", MinChaosLevel, MaxChaosLevel, *c.ChaosLevel)
	}
	if c.TireCompound != nil && !c.TireCompound.Valid() {
		return fmt.Errorf("unknown tire_compound %q", *c.TireCompound)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *ClientConfig) GetEngineURL() string {
	if c.EngineURL == nil || *c.EngineURL == "" {
		return "http://localhost:8000"
	}
	return *c.EngineURL
}

// GetAckTimeout is how long a scenario selection waits for its
// acknowledgement before it is abandoned.
func (c *ClientConfig) GetAckTimeout() time.Duration {
	return parseDuration(c.AckTimeout, 2*time.Second)
}

func (c *ClientConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 5*time.Second)
}

func (c *ClientConfig) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.HandshakeTimeout, 10*time.Second)
}

func (c *ClientConfig) GetPadding() float64 {
	if c.Padding == nil {
		return 60
	}
	return *c.Padding
}

func (c *ClientConfig) GetViewportWidth() float64 {
	if c.ViewportWidth == nil {
		return 1200
	}
	return *c.ViewportWidth
}

func (c *ClientConfig) GetViewportHeight() float64 {
	if c.ViewportHeight == nil {
		return 900
	}
	return *c.ViewportHeight
}

func (c *ClientConfig) GetInterpolate() bool {
	if c.Interpolate == nil {
		return false
	}
	return *c.Interpolate
}

func (c *ClientConfig) GetSpeedUnit() string {
	if c.SpeedUnit == nil {
		return units.KPH
	}
	return *c.SpeedUnit
}

func (c *ClientConfig) GetRejectRegressions() bool {
	if c.RejectRegressions == nil {
		return false
	}
	return *c.RejectRegressions
}

func (c *ClientConfig) GetMinSpeed() float64 {
	if c.MinSpeed == nil {
		return 0.25
	}
	return *c.MinSpeed
}

func (c *ClientConfig) GetMaxSpeed() float64 {
	if c.MaxSpeed == nil {
		return 8
	}
	return *c.MaxSpeed
}

func (c *SimulationConfig) GetCircuit() Circuit {
	if c.Circuit == nil {
		return CircuitMonza
	}
	return *c.Circuit
}

// GetNumDrivers returns the preferred field size, or 0 when unset.
func (c *SimulationConfig) GetNumDrivers() int {
	if c.NumDrivers == nil {
		return 0
	}
	return *c.NumDrivers
}

func (c *SimulationConfig) GetWeather() Weather {
	if c.Weather == nil {
		return WeatherSunny
	}
	return *c.Weather
}

func (c *SimulationConfig) GetChaosLevel() int {
	if c.ChaosLevel == nil {
		return 45
	}
	return *c.ChaosLevel
}

func (c *SimulationConfig) GetTireCompound() TireCompound {
	if c.TireCompound == nil {
		return TireMedium
	}
	return *c.TireCompound
}
