package whisper

import (
	"fmt"
	"math"
)

// AggregationMethod selects the reduction applied when fine-archive points
// are propagated into a coarser archive. Stored as a small integer code in
// the file header; unknown codes are rejected on open.
type AggregationMethod uint32

const (
	// Average is the arithmetic mean of the known values.
	Average AggregationMethod = 1 + iota
	// Sum adds the known values.
	Sum
	// Last keeps the known value with the greatest timestamp.
	Last
	// Max keeps the largest known value.
	Max
	// Min keeps the smallest known value.
	Min
	// AvgZero averages over the expected slot count, treating gaps as zero.
	AvgZero
	// AbsMax keeps the known value with the greatest magnitude,
	// preserving its sign.
	AbsMax
	// AbsMin keeps the known value with the smallest magnitude,
	// preserving its sign.
	AbsMin
)

var aggregationNames = map[AggregationMethod]string{
	Average: "average",
	Sum:     "sum",
	Last:    "last",
	Max:     "max",
	Min:     "min",
	AvgZero: "avg_zero",
	AbsMax:  "absmax",
	AbsMin:  "absmin",
}

func (m AggregationMethod) valid() bool {
	_, ok := aggregationNames[m]
	return ok
}

// String returns the canonical token for the method, or "unknown(N)".
func (m AggregationMethod) String() string {
	if name, ok := aggregationNames[m]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%d)", uint32(m))
}

// ParseAggregationMethod maps a token like "average" or "absmax" to its
// method. Returns [ErrInvalidConfig] for unrecognized tokens.
func ParseAggregationMethod(token string) (AggregationMethod, error) {
	for m, name := range aggregationNames {
		if name == token {
			return m, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown aggregation method %q", ErrInvalidConfig, token)
}

// aggregate reduces the known points of one coarse interval.
//
// known holds only slots whose stored timestamp matched the expected slot
// timestamp, in ascending timestamp order. expected is the total slot count
// of the interval. known is never empty: propagation aborts earlier when the
// interval has no data.
func aggregate(method AggregationMethod, known []Point, expected int) float64 {
	switch method {
	case Average:
		return sumValues(known) / float64(len(known))

	case Sum:
		return sumValues(known)

	case Last:
		return known[len(known)-1].Value

	case Max:
		best := known[0].Value
		for _, p := range known[1:] {
			if p.Value > best {
				best = p.Value
			}
		}

		return best

	case Min:
		best := known[0].Value
		for _, p := range known[1:] {
			if p.Value < best {
				best = p.Value
			}
		}

		return best

	case AvgZero:
		return sumValues(known) / float64(expected)

	case AbsMax:
		// Ties keep the earliest point.
		best := known[0].Value
		for _, p := range known[1:] {
			if math.Abs(p.Value) > math.Abs(best) {
				best = p.Value
			}
		}

		return best

	case AbsMin:
		best := known[0].Value
		for _, p := range known[1:] {
			if math.Abs(p.Value) < math.Abs(best) {
				best = p.Value
			}
		}

		return best
	}

	// Unreachable: method codes are validated on open and create.
	panic(fmt.Sprintf("whisper: aggregate called with invalid method %d", uint32(method)))
}

func sumValues(points []Point) float64 {
	var sum float64
	for _, p := range points {
		sum += p.Value
	}

	return sum
}
