package whisper

import (
	"fmt"

	"github.com/calvinalkan/whisper/pkg/fs"
)

// Ring addressing.
//
// An archive has no head pointer. The timestamp stored in slot 0 is the
// ring's anchor: the slot for an aligned interval t lives at
//
//	offset + ((t - anchor) / secondsPerPoint mod points) * pointSize
//
// An entirely empty archive (anchor slot timestamp 0) anchors itself at the
// first write, which lands in slot 0.

// alignDown snaps ts to the archive grid.
func alignDown(ts, step uint32) uint32 {
	return ts - ts%step
}

// baseInterval returns the anchor timestamp of the archive, 0 if the
// archive has never been written.
func (w *Whisper) baseInterval(a ArchiveInfo) (uint32, error) {
	buf := make([]byte, pointSize)

	err := w.readAt(buf, int64(a.Offset))
	if err != nil {
		return 0, err
	}

	return decodePoint(buf).Timestamp, nil
}

// slotOffset returns the absolute byte offset of the slot holding interval,
// given the archive's anchor timestamp. interval must be aligned to the
// archive step.
func slotOffset(a ArchiveInfo, interval, base uint32) uint32 {
	if base == 0 {
		return a.Offset
	}

	dist := (int64(interval) - int64(base)) / int64(a.SecondsPerPoint)

	slot := dist % int64(a.Points)
	if slot < 0 {
		slot += int64(a.Points)
	}

	return a.Offset + uint32(slot)*pointSize
}

// readSlots reads n consecutive slots starting at the slot for start,
// wrapping around the ring. start must be aligned to the archive step.
// If the archive is empty, n zero points are returned without touching
// the data region.
func (w *Whisper) readSlots(a ArchiveInfo, start uint32, n int) ([]Point, error) {
	if n <= 0 || uint32(n) > a.Points {
		return nil, fmt.Errorf("whisper: readSlots: %d slots of %d requested", n, a.Points)
	}

	base, err := w.baseInterval(a)
	if err != nil {
		return nil, err
	}

	if base == 0 {
		return make([]Point, n), nil
	}

	off := slotOffset(a, start, base)

	untilEnd := int(a.end()-off) / pointSize
	if n <= untilEnd {
		buf := make([]byte, n*pointSize)
		if err := w.readAt(buf, int64(off)); err != nil {
			return nil, err
		}

		return decodePoints(buf), nil
	}

	// The run wraps over the end of the ring.
	buf := make([]byte, n*pointSize)

	headLen := untilEnd * pointSize
	if err := w.readAt(buf[:headLen], int64(off)); err != nil {
		return nil, err
	}

	if err := w.readAt(buf[headLen:], int64(a.Offset)); err != nil {
		return nil, err
	}

	return decodePoints(buf), nil
}

// readArchive reads every slot of the archive in ring order starting at
// slot 0 (not anchor order).
func (w *Whisper) readArchive(a ArchiveInfo) ([]Point, error) {
	buf := make([]byte, a.size())

	err := w.readAt(buf, int64(a.Offset))
	if err != nil {
		return nil, err
	}

	return decodePoints(buf), nil
}

// DumpArchive returns every slot of the archive at index in ring order,
// empty slots included (timestamp 0). Intended for inspection tooling.
func (w *Whisper) DumpArchive(index int) ([]Point, error) {
	if w.closed {
		return nil, ErrClosed
	}

	if index < 0 || index >= len(w.header.Archives) {
		return nil, fmt.Errorf("%w: archive index %d of %d", ErrInvalidConfig, index, len(w.header.Archives))
	}

	release, err := w.lockOp(fs.LockShared)
	if err != nil {
		return nil, err
	}
	defer release()

	return w.readArchive(w.header.Archives[index])
}

// writePoints writes a contiguous run of aligned points in ascending
// timestamp order, wrapping around the ring. The run's position is
// determined by its first point; an empty archive anchors at slot 0.
func (w *Whisper) writePoints(a ArchiveInfo, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	if uint32(len(points)) > a.Points {
		return fmt.Errorf("whisper: archive holds %d points, %d supplied", a.Points, len(points))
	}

	base, err := w.baseInterval(a)
	if err != nil {
		return err
	}

	off := slotOffset(a, points[0].Timestamp, base)
	buf := encodePoints(points)

	untilEnd := int(a.end() - off)
	if len(buf) <= untilEnd {
		return w.writeAt(buf, int64(off))
	}

	// The run wraps over the end of the ring.
	if err := w.writeAt(buf[:untilEnd], int64(off)); err != nil {
		return err
	}

	return w.writeAt(buf[untilEnd:], int64(a.Offset))
}

// writePoint writes a single aligned point.
func (w *Whisper) writePoint(a ArchiveInfo, p Point) error {
	return w.writePoints(a, []Point{p})
}

// splitRuns groups aligned, strictly ascending points into runs of
// step-contiguous slots so each run can be written in one positioned write.
func splitRuns(points []Point, step uint32) [][]Point {
	var runs [][]Point

	start := 0
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp != points[i-1].Timestamp+step {
			runs = append(runs, points[start:i])
			start = i
		}
	}

	if start < len(points) {
		runs = append(runs, points[start:])
	}

	return runs
}
