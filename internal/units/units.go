// Package units provides shared constants and validation for display units
package units

// Unit constants
const (
	// Norm is the native unit: centre offsets divided by the frame
	// dimension, so [-0.5, 0.5] spans the frame. Same scale the servo
	// consumes.
	Norm = "norm"
	// Deg expresses an offset as degrees of view angle via the lens FOV.
	Deg = "deg"
	// Pct expresses an offset as percent of the frame dimension.
	Pct = "pct"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Norm, Deg, Pct}

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
	return "norm, deg, pct"
}

// ConvertOffset converts a normalized centre offset to the target units.
// Telemetry stores offsets normalized; fovDeg is the full field of view
// along the offset's axis and only matters for Deg. An offset of 0.5
// (frame edge) maps to half the FOV.
func ConvertOffset(offsetNorm, fovDeg float64, targetUnits string) float64 {
	switch targetUnits {
	case Deg:
		return offsetNorm * fovDeg
	case Pct:
		return offsetNorm * 100
	case Norm:
		return offsetNorm
	default:
		return offsetNorm
	}
}

// CoveragePercent converts a coverage fraction in [0, 1] to percent.
func CoveragePercent(coverage float64) float64 {
	return coverage * 100
}
