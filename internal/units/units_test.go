package units

import (
	"math"
	"testing"
)

func TestConvertOffset(t *testing.T) {
	tests := []struct {
		name     string
		offset   float64
		fovDeg   float64
		units    string
		expected float64
	}{
		{"frame edge offset to deg with 60 fov", 0.5, 60.0, Deg, 30.0},
		{"left quarter offset to deg with 60 fov", -0.25, 60.0, Deg, -15.0},
		{"offset to deg with 90 fov", 0.125, 90.0, Deg, 11.25},
		{"offset to pct", 0.2, 60.0, Pct, 20.0},
		{"negative offset to pct", -0.35, 60.0, Pct, -35.0},
		{"offset to norm is identity", 0.42, 60.0, Norm, 0.42},
		{"unknown units default to norm", 0.42, 60.0, "unknown", 0.42},
		{"centred target is zero in every unit", 0.0, 60.0, Deg, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertOffset(tt.offset, tt.fovDeg, tt.units)
			if math.Abs(result-tt.expected) > 0.0001 {
				t.Errorf("ConvertOffset(%f, %f, %s) = %f, want %f", tt.offset, tt.fovDeg, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid norm", Norm, true},
		{"valid deg", Deg, true},
		{"valid pct", Pct, true},
		{"invalid unit", "invalid", false},
		{"empty string", "", false},
		{"case sensitive", "DEG", false},
		{"case sensitive", "Deg", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValid(tt.unit)
			if result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	expected := "norm, deg, pct"
	result := GetValidUnitsString()
	if result != expected {
		t.Errorf("GetValidUnitsString() = %s, want %s", result, expected)
	}
}

func TestCoveragePercent(t *testing.T) {
	tests := []struct {
		name     string
		coverage float64
		expected float64
	}{
		{"empty frame", 0.0, 0.0},
		{"typical target", 0.12, 12.0},
		{"full frame", 1.0, 100.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CoveragePercent(tt.coverage)
			if math.Abs(result-tt.expected) > 0.0001 {
				t.Errorf("CoveragePercent(%f) = %f, want %f", tt.coverage, result, tt.expected)
			}
		})
	}
}
