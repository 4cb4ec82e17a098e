// Package units provides shared constants and validation for speed units
package units

import "strings"

// Unit constants
const (
	KPH = "kph"
	MPH = "mph"
	MPS = "mps"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{KPH, MPH, MPS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// FromKPH converts a speed in km/h to the target units.
// The engine reports every driver speed in km/h.
func FromKPH(speedKPH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedKPH / 1.609344
	case MPS:
		return speedKPH / 3.6
	default:
		return speedKPH
	}
}

// Label returns the display suffix for unit, falling back to km/h.
func Label(unit string) string {
	switch unit {
	case MPH:
		return "mph"
	case MPS:
		return "m/s"
	default:
		return "km/h"
	}
}
