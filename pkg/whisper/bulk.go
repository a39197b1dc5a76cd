package whisper

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/whisper/pkg/fs"
)

// Merge copies data from the whisper file at src into dst, restricted to
// the interval [from, until]. A zero until means "now"; a zero from means
// the start of src's retention. Colliding destination points are
// overwritten, and merged points propagate into dst's coarser archives the
// same way live updates do.
//
// Each time region is taken from the finest src archive that covers it:
// the finest archive contributes the most recent span, the next coarser
// archive the span before that, and so on.
func Merge(src, dst string, from, until uint32, opts Options) error {
	srcOpts := opts
	srcOpts.ReadOnly = true

	srcW, err := Open(src, srcOpts)
	if err != nil {
		return err
	}
	defer srcW.Close()

	dstW, err := Open(dst, opts)
	if err != nil {
		return err
	}
	defer dstW.Close()

	release, err := dstW.lockOp(fs.LockExclusive)
	if err != nil {
		return err
	}
	defer release()

	if err := merge(srcW, dstW, from, until, srcW.now()); err != nil {
		return err
	}

	return dstW.flush()
}

func merge(srcW, dstW *Whisper, from, until, now uint32) error {
	maxRetention := srcW.header.Metadata.MaxRetention

	if until == 0 || until > now {
		until = now
	}

	if from == 0 {
		if now > maxRetention {
			from = now - maxRetention
		}
	}

	if from > until {
		return fmt.Errorf("%w: merge from %d after until %d", ErrInvalidTimeRange, from, until)
	}

	upper := until

	for _, archive := range srcW.header.Archives {
		archiveFrom := from

		if ret := archive.Retention(); now > ret && now-ret > archiveFrom {
			archiveFrom = now - ret
		}

		if archiveFrom >= upper {
			continue
		}

		series, err := srcW.FetchNow(archiveFrom, upper, now)
		if err != nil {
			if errors.Is(err, ErrInvalidTimeRange) {
				continue
			}

			return err
		}

		if err := dstW.updateMany(series.Points(), now); err != nil {
			return err
		}

		// Coarser archives only contribute the older remainder.
		upper = archiveFrom

		if upper <= from {
			break
		}
	}

	return nil
}

// Fill copies data from src into dst like [Merge], but never overwrites a
// destination slot that already holds data. Each destination archive is
// filled independently (no propagation), and every filled slot takes its
// value from the finest source archive that has data covering it.
func Fill(src, dst string, opts Options) error {
	srcOpts := opts
	srcOpts.ReadOnly = true

	srcW, err := Open(src, srcOpts)
	if err != nil {
		return err
	}
	defer srcW.Close()

	dstW, err := Open(dst, opts)
	if err != nil {
		return err
	}
	defer dstW.Close()

	release, err := dstW.lockOp(fs.LockExclusive)
	if err != nil {
		return err
	}
	defer release()

	if err := fill(srcW, dstW, srcW.now()); err != nil {
		return err
	}

	return dstW.flush()
}

func fill(srcW, dstW *Whisper, now uint32) error {
	for _, archive := range dstW.header.Archives {
		step := archive.SecondsPerPoint

		untilInterval := alignDown(now, step)

		fromInterval := uint32(0)
		if span := (archive.Points - 1) * step; untilInterval > span {
			fromInterval = untilInterval - span
		}

		n := int((untilInterval-fromInterval)/step) + 1

		slots, err := dstW.readSlots(archive, fromInterval, n)
		if err != nil {
			return err
		}

		for i, slot := range slots {
			interval := fromInterval + uint32(i)*step
			if interval == 0 || slot.Timestamp == interval {
				// Occupied (or the unrepresentable epoch slot); leave it.
				continue
			}

			value, ok, err := srcW.coveringValue(interval, step, now)
			if err != nil {
				return err
			}

			if !ok {
				continue
			}

			if err := dstW.writePoint(archive, Point{Timestamp: interval, Value: value}); err != nil {
				return err
			}
		}
	}

	return nil
}

// coveringValue resolves a value for the slot [interval, interval+step)
// from the finest archive that has data for it. A finer archive
// contributes an aggregate of its covering slots (using the file's own
// aggregation method and x-files-factor); a same-step archive contributes
// its slot directly; a coarser archive contributes the enclosing slot.
func (w *Whisper) coveringValue(interval, step, now uint32) (float64, bool, error) {
	for _, a := range w.header.Archives {
		ret := a.Retention()
		if now > ret && interval < now-ret {
			continue
		}

		if a.SecondsPerPoint <= step && step%a.SecondsPerPoint == 0 {
			n := int(step / a.SecondsPerPoint)

			slots, err := w.readSlots(a, interval, n)
			if err != nil {
				return 0, false, err
			}

			known := make([]Point, 0, n)

			for i, p := range slots {
				expected := interval + uint32(i)*a.SecondsPerPoint
				if p.Timestamp == expected {
					known = append(known, p)
				}
			}

			if len(known) == 0 {
				continue
			}

			if float32(len(known))/float32(n) < w.header.Metadata.XFilesFactor {
				continue
			}

			return aggregate(w.header.Metadata.Aggregation, known, n), true, nil
		}

		enclosing := alignDown(interval, a.SecondsPerPoint)

		slots, err := w.readSlots(a, enclosing, 1)
		if err != nil {
			return 0, false, err
		}

		if slots[0].Timestamp == enclosing {
			return slots[0].Value, true, nil
		}
	}

	return 0, false, nil
}

// DiffPoint is one slot where two files disagree. A NaN side means that
// file has no data for the slot.
type DiffPoint struct {
	Timestamp uint32
	A         float64
	B         float64
}

// ArchiveDiff collects the differing slots of one archive pair.
type ArchiveDiff struct {
	Archive         int
	SecondsPerPoint uint32
	TotalSlots      int
	Diffs           []DiffPoint
}

// Diff compares two whisper files archive by archive.
//
// The files must share the same archive layout (steps and capacities);
// otherwise [ErrInvalidConfig] is returned. When ignoreEmpty is true,
// slots where either side has no data are skipped; otherwise a point
// present on only one side is reported with NaN on the empty side.
func Diff(pathA, pathB string, ignoreEmpty bool, opts Options) ([]ArchiveDiff, error) {
	opts.ReadOnly = true

	a, err := Open(pathA, opts)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	b, err := Open(pathB, opts)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	releaseA, err := a.lockOp(fs.LockShared)
	if err != nil {
		return nil, err
	}
	defer releaseA()

	releaseB, err := b.lockOp(fs.LockShared)
	if err != nil {
		return nil, err
	}
	defer releaseB()

	return diff(a, b, ignoreEmpty)
}

func diff(a, b *Whisper, ignoreEmpty bool) ([]ArchiveDiff, error) {
	if !sameLayout(a.header.Archives, b.header.Archives) {
		return nil, fmt.Errorf("%w: archive layouts differ", ErrInvalidConfig)
	}

	result := make([]ArchiveDiff, 0, len(a.header.Archives))

	for i, archive := range a.header.Archives {
		slotsA, err := a.readArchive(archive)
		if err != nil {
			return nil, err
		}

		slotsB, err := b.readArchive(archive)
		if err != nil {
			return nil, err
		}

		byTS := func(slots []Point) map[uint32]float64 {
			m := make(map[uint32]float64, len(slots))
			for _, p := range slots {
				if p.Timestamp != 0 {
					m[p.Timestamp] = p.Value
				}
			}

			return m
		}

		mapA, mapB := byTS(slotsA), byTS(slotsB)

		union := make(map[uint32]bool, len(mapA)+len(mapB))
		for ts := range mapA {
			union[ts] = true
		}
		for ts := range mapB {
			union[ts] = true
		}

		ad := ArchiveDiff{
			Archive:         i,
			SecondsPerPoint: archive.SecondsPerPoint,
			TotalSlots:      int(archive.Points),
		}

		for ts := range union {
			va, okA := mapA[ts]
			vb, okB := mapB[ts]

			if ignoreEmpty && (!okA || !okB) {
				continue
			}

			if okA && okB && va == vb {
				continue
			}

			dp := DiffPoint{Timestamp: ts, A: math.NaN(), B: math.NaN()}
			if okA {
				dp.A = va
			}
			if okB {
				dp.B = vb
			}

			ad.Diffs = append(ad.Diffs, dp)
		}

		sort.Slice(ad.Diffs, func(x, y int) bool { return ad.Diffs[x].Timestamp < ad.Diffs[y].Timestamp })

		result = append(result, ad)
	}

	return result, nil
}

func sameLayout(a, b []ArchiveInfo) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].SecondsPerPoint != b[i].SecondsPerPoint || a[i].Points != b[i].Points {
			return false
		}
	}

	return true
}

// ResizeConfig describes a resize request.
type ResizeConfig struct {
	// Retentions is the new archive set. Required.
	Retentions []Retention

	// XFilesFactor replaces the stored x-files-factor when non-nil.
	XFilesFactor *float32

	// Aggregation replaces the stored method when non-nil.
	Aggregation *AggregationMethod

	// Aggregate replays existing data through update propagation instead
	// of copying archives one-to-one. Slower, but coarse archives are
	// recomputed consistently with the (possibly new) method.
	Aggregate bool

	// Force permits destructive resizes: any loss of total retention or
	// finest resolution.
	Force bool

	// NewFile, when set, writes the resized database there and leaves the
	// original untouched (no rename, no backup).
	NewFile string

	// NoBackup suppresses the .bak copy of the original.
	NoBackup bool
}

// Resize rebuilds the file at path with a new archive set.
//
// The new database is built at a temporary path and the original is only
// replaced by an atomic rename after the rebuild fully succeeds, so a
// failed resize leaves the original byte-identical. Unless
// [ResizeConfig.NoBackup] is set, the original is kept at path+".bak".
func Resize(path string, cfg ResizeConfig, opts Options) error {
	sorted := make([]Retention, len(cfg.Retentions))
	copy(sorted, cfg.Retentions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SecondsPerPoint < sorted[j].SecondsPerPoint
	})

	if err := ValidateRetentions(sorted); err != nil {
		return err
	}

	oldOpts := opts
	oldOpts.ReadOnly = true

	oldW, err := Open(path, oldOpts)
	if err != nil {
		return err
	}
	defer oldW.Close()

	release, err := oldW.lockOp(fs.LockShared)
	if err != nil {
		return err
	}
	defer release()

	oldMeta := oldW.header.Metadata

	method := oldMeta.Aggregation
	if cfg.Aggregation != nil {
		method = *cfg.Aggregation
	}

	xff := oldMeta.XFilesFactor
	if cfg.XFilesFactor != nil {
		xff = *cfg.XFilesFactor
	}

	if destructiveResize(oldW.header.Archives, sorted) && !cfg.Force {
		return fmt.Errorf("%w: resize loses data, pass force", ErrInvalidConfig)
	}

	newPath := cfg.NewFile
	replacing := newPath == ""

	if replacing {
		newPath = path + ".tmp"

		// A stale temp file from an earlier crashed resize is abandoned
		// state, not data.
		if err := oldW.fsys.Remove(newPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale %q: %w", newPath, err)
		}
	}

	if err := buildResized(oldW, newPath, sorted, method, xff, cfg.Aggregate, opts); err != nil {
		if replacing {
			_ = oldW.fsys.Remove(newPath)
		}

		return err
	}

	if !replacing {
		return nil
	}

	if !cfg.NoBackup {
		if err := backupFile(oldW.fsys, path, path+".bak"); err != nil {
			_ = oldW.fsys.Remove(newPath)
			return err
		}
	}

	// The rename is the commit point.
	if err := oldW.fsys.Rename(newPath, path); err != nil {
		_ = oldW.fsys.Remove(newPath)
		return fmt.Errorf("rename %q over %q: %w", newPath, path, err)
	}

	return nil
}

// destructiveResize reports whether the new layout loses total retention
// or finest resolution. Both lists are sorted by step.
func destructiveResize(old []ArchiveInfo, updated []Retention) bool {
	oldMax := uint32(0)
	for _, a := range old {
		if a.Retention() > oldMax {
			oldMax = a.Retention()
		}
	}

	newMax := uint32(0)
	for _, r := range updated {
		if r.Span() > newMax {
			newMax = r.Span()
		}
	}

	if newMax < oldMax {
		return true
	}

	return updated[0].SecondsPerPoint > old[0].SecondsPerPoint
}

func buildResized(oldW *Whisper, newPath string, retentions []Retention, method AggregationMethod, xff float32, reaggregate bool, opts Options) error {
	createOpts := opts
	createOpts.Locking = false

	if err := Create(newPath, retentions, method, xff, false, createOpts); err != nil {
		return err
	}

	newW, err := Open(newPath, createOpts)
	if err != nil {
		return err
	}
	defer newW.Close()

	now := oldW.now()
	newW.now = oldW.now

	if reaggregate {
		if err := replayAggregated(oldW, newW, now); err != nil {
			return err
		}
	} else {
		if err := copyNearest(oldW, newW, now); err != nil {
			return err
		}
	}

	if err := newW.file.Sync(); err != nil {
		return fmt.Errorf("sync %q: %w", newPath, err)
	}

	return nil
}

// replayAggregated feeds the old file's points through the new file's
// update path, coarsest archive first so finer data overwrites aggregates
// where both exist and propagation recomputes every coarse slot.
func replayAggregated(oldW, newW *Whisper, now uint32) error {
	archives := oldW.header.Archives

	for i := len(archives) - 1; i >= 0; i-- {
		slots, err := oldW.readArchive(archives[i])
		if err != nil {
			return err
		}

		points := make([]Point, 0, len(slots))
		for _, p := range slots {
			if p.Timestamp != 0 {
				points = append(points, p)
			}
		}

		if err := newW.updateMany(points, now); err != nil {
			return err
		}
	}

	return nil
}

// copyNearest populates each new archive from the old archive with the
// nearest step (preferring the finer on ties), writing slots directly with
// no propagation.
func copyNearest(oldW, newW *Whisper, now uint32) error {
	for _, na := range newW.header.Archives {
		src := nearestArchive(oldW.header.Archives, na.SecondsPerPoint)

		slots, err := oldW.readArchive(src)
		if err != nil {
			return err
		}

		aligned := make(map[uint32]Point, len(slots))

		for _, p := range slots {
			if p.Timestamp == 0 {
				continue
			}

			if age := int64(now) - int64(p.Timestamp); age < 0 || age >= int64(na.Retention()) {
				continue
			}

			ts := alignDown(p.Timestamp, na.SecondsPerPoint)

			// Within one new slot the latest source point wins.
			if prev, ok := aligned[ts]; !ok || p.Timestamp >= prev.Timestamp {
				aligned[ts] = Point{Timestamp: ts, Value: p.Value}
			}
		}

		points := make([]Point, 0, len(aligned))
		for _, p := range aligned {
			points = append(points, p)
		}

		sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })

		for _, run := range splitRuns(points, na.SecondsPerPoint) {
			if err := newW.writePoints(na, run); err != nil {
				return err
			}
		}
	}

	return nil
}

func nearestArchive(archives []ArchiveInfo, step uint32) ArchiveInfo {
	best := archives[0]
	bestDist := stepDistance(best.SecondsPerPoint, step)

	for _, a := range archives[1:] {
		dist := stepDistance(a.SecondsPerPoint, step)
		if dist < bestDist {
			best = a
			bestDist = dist
		}
	}

	return best
}

func stepDistance(a, b uint32) uint64 {
	if a > b {
		return uint64(a-b)*2 + 1 // coarser than wanted loses resolution; prefer finer on ties
	}

	return uint64(b-a) * 2
}

// backupFile snapshots src at dst with an atomic temp-file+rename write.
func backupFile(fsys fs.FS, src, dst string) error {
	f, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("open %q for backup: %w", src, err)
	}
	defer f.Close()

	if err := atomic.WriteFile(dst, f); err != nil {
		return fmt.Errorf("backup to %q: %w", dst, err)
	}

	return nil
}
