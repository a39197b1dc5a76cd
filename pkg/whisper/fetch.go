package whisper

import (
	"fmt"
	"math"

	"github.com/calvinalkan/whisper/pkg/fs"
)

// Series is the result of a fetch: a fixed-step window of values.
//
// Values[i] is the value at Until-exclusive timestamp From + i*Step; slots
// with no data hold NaN. len(Values) == (Until-From)/Step.
type Series struct {
	From  uint32
	Until uint32
	Step  uint32

	Values []float64
}

// Points returns the known points of the series.
func (s *Series) Points() []Point {
	points := make([]Point, 0, len(s.Values))

	for i, v := range s.Values {
		if !math.IsNaN(v) {
			points = append(points, Point{Timestamp: s.From + uint32(i)*s.Step, Value: v})
		}
	}

	return points
}

// Fetch reads the interval [from, until] against the current time.
// An until of 0 means "now".
//
// The finest archive whose retention covers the window is chosen, both
// bounds are aligned down to its step, and the window is read as one
// wrap-aware scan. See [Whisper.FetchNow] for the exact rules.
func (w *Whisper) Fetch(from, until uint32) (*Series, error) {
	return w.FetchNow(from, until, w.now())
}

// FetchNow is [Whisper.Fetch] with an explicit current time, for callers
// that replay history or need deterministic behavior.
//
// Rules:
//   - until of 0 means now; an until beyond now is clamped to now.
//   - from must be before until and not in the future, else
//     [ErrInvalidTimeRange].
//   - from is clamped to now - maxRetention; if the whole window is older
//     than that, [ErrInvalidTimeRange].
//   - The chosen archive is the finest one with retention >= now - from.
//   - Both bounds align down to the archive step; an empty aligned window
//     is widened to one step.
//
// Slots whose stored timestamp does not match their expected slot time are
// returned as NaN. Data timestamped after now that is still present in the
// ring reads as a gap the same way.
func (w *Whisper) FetchNow(from, until, now uint32) (*Series, error) {
	if w.closed {
		return nil, ErrClosed
	}

	release, err := w.lockOp(fs.LockShared)
	if err != nil {
		return nil, err
	}
	defer release()

	if until == 0 || until > now {
		until = now
	}

	if from >= until {
		return nil, fmt.Errorf("%w: from %d is not before until %d", ErrInvalidTimeRange, from, until)
	}

	if from > now {
		return nil, fmt.Errorf("%w: from %d is in the future", ErrInvalidTimeRange, from)
	}

	oldest := now - w.header.Metadata.MaxRetention
	if now < w.header.Metadata.MaxRetention {
		oldest = 0
	}

	if until < oldest {
		return nil, fmt.Errorf("%w: window ends before the oldest retained point", ErrInvalidTimeRange)
	}

	if from < oldest {
		from = oldest
	}

	archive := w.planArchive(now - from)

	step := archive.SecondsPerPoint
	fromInterval := alignDown(from, step)
	untilInterval := alignDown(until, step)

	if untilInterval == fromInterval {
		untilInterval += step
	}

	n := int((untilInterval - fromInterval) / step)

	slots, err := w.readSlots(archive, fromInterval, n)
	if err != nil {
		return nil, err
	}

	values := make([]float64, n)

	for i, p := range slots {
		expected := fromInterval + uint32(i)*step
		// A zero timestamp always marks an empty slot, even where the
		// expected slot time is the epoch itself.
		if p.Timestamp != 0 && p.Timestamp == expected {
			values[i] = p.Value
		} else {
			values[i] = math.NaN()
		}
	}

	return &Series{
		From:   fromInterval,
		Until:  untilInterval,
		Step:   step,
		Values: values,
	}, nil
}

// planArchive picks the finest archive whose retention covers a window of
// the given age. Falls back to the coarsest archive.
func (w *Whisper) planArchive(age uint32) ArchiveInfo {
	for _, a := range w.header.Archives {
		if a.Retention() >= age {
			return a
		}
	}

	return w.header.Archives[len(w.header.Archives)-1]
}
