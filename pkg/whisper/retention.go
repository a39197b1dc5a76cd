package whisper

import (
	"fmt"
	"strconv"
	"strings"
)

// Retention describes one archive as (step, capacity).
type Retention struct {
	SecondsPerPoint uint32
	Points          uint32
}

// Span returns the retention period in seconds.
func (r Retention) Span() uint32 {
	return r.SecondsPerPoint * r.Points
}

// String renders the retention in step:span form using the largest unit
// that divides each value evenly, e.g. "1m:1d" for a 60s step over a day.
func (r Retention) String() string {
	return formatDuration(r.SecondsPerPoint) + ":" + formatDuration(r.Span())
}

var unitSeconds = map[byte]uint32{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
	'y': 31536000,
}

// unitOrder lists units largest-first for display.
var unitOrder = []byte{'y', 'w', 'd', 'h', 'm', 's'}

func formatDuration(seconds uint32) string {
	for _, u := range unitOrder {
		mult := unitSeconds[u]
		if seconds >= mult && seconds%mult == 0 {
			return fmt.Sprintf("%d%c", seconds/mult, u)
		}
	}

	return fmt.Sprintf("%ds", seconds)
}

// parseDuration parses "N" (plain seconds) or "N<unit>" where unit is one of
// s, m, h, d, w, y. Returns the value in seconds and whether a unit suffix
// was present.
func parseDuration(s string) (seconds uint32, hadUnit bool, err error) {
	if s == "" {
		return 0, false, fmt.Errorf("%w: empty duration", ErrInvalidConfig)
	}

	digits := s
	mult := uint32(1)

	last := s[len(s)-1]
	if last < '0' || last > '9' {
		m, ok := unitSeconds[last|0x20]
		if !ok {
			return 0, false, fmt.Errorf("%w: unknown time unit %q", ErrInvalidConfig, string(last))
		}

		digits = s[:len(s)-1]
		mult = m
		hadUnit = true
	}

	n, parseErr := strconv.ParseUint(digits, 10, 32)
	if parseErr != nil || n == 0 {
		return 0, false, fmt.Errorf("%w: invalid duration %q", ErrInvalidConfig, s)
	}

	v := uint64(n) * uint64(mult)
	if v > 0xFFFFFFFF {
		return 0, false, fmt.Errorf("%w: duration %q overflows", ErrInvalidConfig, s)
	}

	return uint32(v), hadUnit, nil
}

// ParseRetention parses one "step:span" definition.
//
// The first field is the step size ("60s", "5m", plain "60" meaning
// seconds). The second field is either a span with a unit ("1d", "4w") which
// yields span/step points, or a bare integer which is taken as a raw point
// count.
func ParseRetention(def string) (Retention, error) {
	stepStr, spanStr, ok := strings.Cut(def, ":")
	if !ok {
		return Retention{}, fmt.Errorf("%w: retention %q is not step:span", ErrInvalidConfig, def)
	}

	step, _, err := parseDuration(stepStr)
	if err != nil {
		return Retention{}, fmt.Errorf("retention %q: %w", def, err)
	}

	span, hadUnit, err := parseDuration(spanStr)
	if err != nil {
		return Retention{}, fmt.Errorf("retention %q: %w", def, err)
	}

	points := span
	if hadUnit {
		if span%step != 0 {
			return Retention{}, fmt.Errorf("%w: retention %q span is not a multiple of step", ErrInvalidConfig, def)
		}

		points = span / step
	}

	return Retention{SecondsPerPoint: step, Points: points}, nil
}

// ParseRetentions parses a comma-separated list of retention definitions
// and validates them as an archive set.
func ParseRetentions(defs string) ([]Retention, error) {
	parts := strings.Split(defs, ",")
	retentions := make([]Retention, 0, len(parts))

	for _, part := range parts {
		r, err := ParseRetention(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}

		retentions = append(retentions, r)
	}

	if err := ValidateRetentions(retentions); err != nil {
		return nil, err
	}

	return retentions, nil
}

// ValidateRetentions checks an archive set for the layout invariants:
//
//  1. At least one archive.
//  2. Steps strictly ascending (no duplicates).
//  3. Each coarser step is an exact multiple of the next finer step.
//  4. Coarser archives retain strictly longer than finer ones.
//  5. Each finer archive holds at least enough points to fill one coarser
//     slot, so propagation always has a full window to read.
func ValidateRetentions(retentions []Retention) error {
	if len(retentions) == 0 {
		return fmt.Errorf("%w: no archives", ErrInvalidConfig)
	}

	for i, r := range retentions {
		if r.SecondsPerPoint == 0 {
			return fmt.Errorf("%w: archive %d has zero step", ErrInvalidConfig, i)
		}

		if r.Points == 0 {
			return fmt.Errorf("%w: archive %d has zero points", ErrInvalidConfig, i)
		}

		if i == 0 {
			continue
		}

		fine, coarse := retentions[i-1], r

		if coarse.SecondsPerPoint <= fine.SecondsPerPoint {
			return fmt.Errorf("%w: archive %d step %d not coarser than %d",
				ErrInvalidConfig, i, coarse.SecondsPerPoint, fine.SecondsPerPoint)
		}

		if coarse.SecondsPerPoint%fine.SecondsPerPoint != 0 {
			return fmt.Errorf("%w: archive %d step %d not a multiple of %d",
				ErrInvalidConfig, i, coarse.SecondsPerPoint, fine.SecondsPerPoint)
		}

		if coarse.Span() <= fine.Span() {
			return fmt.Errorf("%w: archive %d does not retain longer than archive %d",
				ErrInvalidConfig, i, i-1)
		}

		if fine.Points < coarse.SecondsPerPoint/fine.SecondsPerPoint {
			return fmt.Errorf("%w: archive %d too small to fill one slot of archive %d",
				ErrInvalidConfig, i-1, i)
		}
	}

	return nil
}
