package whisper

import (
	"errors"
	"testing"
)

func Test_Aggregate_Computes_Each_Method(t *testing.T) {
	t.Parallel()

	known := []Point{
		{Timestamp: 60, Value: 10},
		{Timestamp: 120, Value: -20},
		{Timestamp: 180, Value: 15},
	}

	tests := []struct {
		method AggregationMethod
		want   float64
	}{
		{method: Average, want: 5.0 / 3.0},
		{method: Sum, want: 5},
		{method: Last, want: 15},
		{method: Max, want: 15},
		{method: Min, want: -20},
		{method: AvgZero, want: 1}, // 5 / expected(5)
		{method: AbsMax, want: -20},
		{method: AbsMin, want: 10},
	}

	for _, tt := range tests {
		if got := aggregate(tt.method, known, 5); got != tt.want {
			t.Errorf("aggregate(%s) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func Test_Aggregate_AbsMax_And_AbsMin_Keep_The_First_On_Magnitude_Ties(t *testing.T) {
	t.Parallel()

	known := []Point{
		{Timestamp: 60, Value: -7},
		{Timestamp: 120, Value: 7},
	}

	if got := aggregate(AbsMax, known, 2); got != -7 {
		t.Errorf("AbsMax tie = %v, want -7 (first seen)", got)
	}

	if got := aggregate(AbsMin, known, 2); got != -7 {
		t.Errorf("AbsMin tie = %v, want -7 (first seen)", got)
	}
}

func Test_ParseAggregationMethod_Roundtrips_All_Tokens(t *testing.T) {
	t.Parallel()

	methods := []AggregationMethod{Average, Sum, Last, Max, Min, AvgZero, AbsMax, AbsMin}

	for _, m := range methods {
		got, err := ParseAggregationMethod(m.String())
		if err != nil {
			t.Errorf("ParseAggregationMethod(%q): %v", m.String(), err)
			continue
		}

		if got != m {
			t.Errorf("ParseAggregationMethod(%q) = %v, want %v", m.String(), got, m)
		}
	}
}

func Test_ParseAggregationMethod_Rejects_Unknown_Tokens(t *testing.T) {
	t.Parallel()

	for _, token := range []string{"", "avg", "AVERAGE", "median", "unknown(3)"} {
		_, err := ParseAggregationMethod(token)
		if err == nil {
			t.Errorf("ParseAggregationMethod(%q) succeeded, want error", token)
			continue
		}

		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("error %v is not ErrInvalidConfig", err)
		}
	}
}

func Test_AggregationMethod_Codes_Match_The_File_Format(t *testing.T) {
	t.Parallel()

	// The on-disk codes 1..8 are part of the format contract.
	codes := map[AggregationMethod]uint32{
		Average: 1, Sum: 2, Last: 3, Max: 4,
		Min: 5, AvgZero: 6, AbsMax: 7, AbsMin: 8,
	}

	for m, code := range codes {
		if uint32(m) != code {
			t.Errorf("%s has code %d, want %d", m, uint32(m), code)
		}
	}
}
