package tune

import (
	"math"
	"reflect"
	"testing"
)

func TestParseRangeSpec(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expected  RangeSpec
		expectErr bool
	}{
		{"valid", "1:2:0.5", RangeSpec{Min: 1, Max: 2, Step: 0.5}, false},
		{"valid_with_spaces", " 0.5 : 1.5 : 0.25 ", RangeSpec{Min: 0.5, Max: 1.5, Step: 0.25}, false},
		{"negative_min", "-1:1:0.5", RangeSpec{Min: -1, Max: 1, Step: 0.5}, false},
		{"missing_step", "1:2", RangeSpec{}, true},
		{"too_many_parts", "1:2:3:4", RangeSpec{}, true},
		{"bad_min", "x:2:0.5", RangeSpec{}, true},
		{"bad_max", "1:y:0.5", RangeSpec{}, true},
		{"bad_step", "1:2:z", RangeSpec{}, true},
		{"zero_step", "1:2:0", RangeSpec{}, true},
		{"negative_step", "1:2:-0.5", RangeSpec{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRangeSpec(tc.input)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected error for %q, got none", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.input, err)
			}
			if got != tc.expected {
				t.Errorf("expected %+v, got %+v", tc.expected, got)
			}
		})
	}
}

func TestGenerateRange(t *testing.T) {
	testCases := []struct {
		name     string
		min      float64
		max      float64
		step     float64
		expected []float64
	}{
		{"half_steps", 1, 2, 0.5, []float64{1, 1.5, 2}},
		{"tenth_steps", 0.1, 0.3, 0.1, []float64{0.1, 0.2, 0.3}},
		{"single_value", 2, 2, 1, []float64{2}},
		{"min_above_max", 3, 1, 0.5, nil},
		{"zero_step", 1, 2, 0, nil},
		{"too_many_values", 0, 100, 0.001, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := GenerateRange(tc.min, tc.max, tc.step)
			if len(got) != len(tc.expected) {
				t.Fatalf("expected %d values, got %d: %v", len(tc.expected), len(got), got)
			}
			for i := range got {
				if math.Abs(got[i]-tc.expected[i]) > 1e-9 {
					t.Errorf("value %d: expected %v, got %v", i, tc.expected[i], got[i])
				}
			}
		})
	}
}

func TestParseCSVFloat64s(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expected  []float64
		expectErr bool
	}{
		{"simple", "1,2,3", []float64{1, 2, 3}, false},
		{"with_spaces", " 1.5 , 2.5 ", []float64{1.5, 2.5}, false},
		{"negative", "-0.5,0.5", []float64{-0.5, 0.5}, false},
		{"empty", "", nil, false},
		{"bad_value", "1,x,3", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCSVFloat64s(tc.input)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected error for %q, got none", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.input, err)
			}
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestParseParamList(t *testing.T) {
	// A colon selects range syntax, otherwise the value is a CSV list.
	got, err := ParseParamList("1:2:0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 values from range spec, got %v", got)
	}

	got, err = ParseParamList("0.8,1.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []float64{0.8, 1.2}) {
		t.Errorf("expected [0.8 1.2], got %v", got)
	}

	got, err = ParseParamList("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for empty list, got %v", got)
	}
}

func TestExpandRanges(t *testing.T) {
	rows, err := ExpandRanges("1,2", "0.1:0.3:0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected 6 combinations, got %d", len(rows))
	}
	// The last dimension cycles fastest.
	first := []float64{1, 0.1}
	last := []float64{2, 0.3}
	for i := range first {
		if math.Abs(rows[0][i]-first[i]) > 1e-9 {
			t.Errorf("first row dim %d: expected %v, got %v", i, first[i], rows[0][i])
		}
		if math.Abs(rows[5][i]-last[i]) > 1e-9 {
			t.Errorf("last row dim %d: expected %v, got %v", i, last[i], rows[5][i])
		}
	}
}

func TestExpandRangesEmptySpecDefaultsToZero(t *testing.T) {
	rows, err := ExpandRanges("1,2", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 combinations, got %d", len(rows))
	}
	for i, row := range rows {
		if row[1] != 0 {
			t.Errorf("row %d: expected empty dimension to default to 0, got %v", i, row[1])
		}
	}
}

func TestExpandRangesTooManyCombos(t *testing.T) {
	// 91 * 20 * 10 combinations exceeds the safety limit.
	_, err := ExpandRanges("1:10:0.1", "0.01:0.2:0.01", "0.1:1:0.1")
	if err == nil {
		t.Error("expected error for oversized combination space, got none")
	}
}

func TestExpandRangesBadSpec(t *testing.T) {
	_, err := ExpandRanges("1:2:bad")
	if err == nil {
		t.Error("expected error for malformed spec, got none")
	}
}
