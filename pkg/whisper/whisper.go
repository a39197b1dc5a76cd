// Package whisper implements a fixed-size, file-backed time-series
// database. A single file stores one metric as a sequence of round-robin
// archives at progressively coarser resolutions; writes to the finest
// archive are downsampled into each coarser archive subject to the file's
// x-files-factor. The file's total size is determined at creation and
// never grows.
//
// # Basic Usage
//
//	retentions, _ := whisper.ParseRetentions("60s:1d,5m:30d,1h:2y")
//	err := whisper.Create("cpu.wsp", retentions, whisper.Average, 0.5, false, whisper.Options{})
//
//	db, err := whisper.Open("cpu.wsp", whisper.Options{Locking: true})
//	defer db.Close()
//
//	err = db.Update(42.0, 0) // timestamp 0 means "now"
//	series, err = db.Fetch(from, until)
//
// # Concurrency
//
// A handle performs one operation at a time; callers may open the same file
// from many processes. With [Options.Locking] enabled every operation holds
// an advisory flock for its whole duration - shared for reads, exclusive
// for writes. Without locking, concurrent writers race benignly at the
// slot level: each 12-byte slot is self-describing by its timestamp, so the
// last writer wins and readers never see a slot from a mix of operations
// larger than one point write.
//
// # Error Handling
//
// Operations return wrapped sentinel errors; classify with [errors.Is].
// [ErrCorrupt] means the file's self-description is inconsistent - restore
// it from a backup or recreate it. [ErrInvalidConfig],
// [ErrTimestampNotCovered] and [ErrInvalidTimeRange] are caller errors and
// leave the file untouched.
package whisper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/calvinalkan/whisper/pkg/fs"
)

// Options configures how files are opened and how operations behave.
// The zero value is ready to use.
type Options struct {
	// FS is the filesystem seam. Defaults to the real filesystem.
	FS fs.FS

	// Locking enables a per-operation advisory flock on the data file:
	// shared for read operations, exclusive for mutations. Off by default;
	// enable it when several processes share one file and torn multi-point
	// writes matter.
	Locking bool

	// Flush issues an fsync after every mutating operation.
	Flush bool

	// MMap serves reads from a read-only memory mapping of the file
	// instead of positioned reads. Useful for large scans (diff, dump,
	// resize). Mutating operations still write through the descriptor.
	MMap bool

	// ReadOnly opens the file for reading only. Mutations return
	// [ErrReadOnly].
	ReadOnly bool
}

func (o Options) fsys() fs.FS {
	if o.FS == nil {
		return fs.NewReal()
	}

	return o.FS
}

// Whisper is a handle to one open whisper file.
//
// Methods are not safe for concurrent use of a single handle; open one
// handle per goroutine or process. Cross-process coordination is covered
// by [Options.Locking].
type Whisper struct {
	path   string
	fsys   fs.FS
	file   fs.File
	opts   Options
	header Header
	mapped []byte
	closed bool

	// now is the clock used for retention decisions. Overridden in tests.
	now func() uint32
}

const (
	filePerm = 0o644

	// createChunkSize is the zero-fill write granularity for dense create.
	createChunkSize = 16384
)

func realNow() uint32 {
	return uint32(time.Now().Unix())
}

// Create builds a new whisper file at path.
//
// retentions must satisfy [ValidateRetentions]; they are sorted by step
// before layout. xff is the minimum fraction of covered fine slots required
// to propagate an aggregate, in [0,1]. When sparse is true the data region
// is allocated with a truncate instead of being zero-filled, relying on the
// filesystem to materialize holes as zeros.
//
// Returns [ErrFileExists] if path is already occupied, [ErrInvalidConfig]
// for a bad archive set, method, or xff.
func Create(path string, retentions []Retention, method AggregationMethod, xff float32, sparse bool, opts Options) error {
	if !method.valid() {
		return fmt.Errorf("%w: aggregation code %d", ErrInvalidConfig, uint32(method))
	}

	if xff < 0 || xff > 1 || xff != xff {
		return fmt.Errorf("%w: x-files-factor %v outside [0,1]", ErrInvalidConfig, xff)
	}

	sorted := make([]Retention, len(retentions))
	copy(sorted, retentions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SecondsPerPoint < sorted[j].SecondsPerPoint
	})

	if err := ValidateRetentions(sorted); err != nil {
		return err
	}

	fsys := opts.fsys()

	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}

		return fmt.Errorf("create %q: %w", path, err)
	}
	defer file.Close()

	if opts.Locking {
		lock, lockErr := fs.LockFile(file, fs.LockExclusive)
		if lockErr != nil {
			return fmt.Errorf("create %q: %w", path, lockErr)
		}
		defer lock.Unlock()
	}

	archives := layoutArchives(sorted)

	maxRetention := uint32(0)
	for _, a := range archives {
		if a.Retention() > maxRetention {
			maxRetention = a.Retention()
		}
	}

	header := Header{
		Metadata: Metadata{
			Aggregation:  method,
			MaxRetention: maxRetention,
			XFilesFactor: xff,
			ArchiveCount: uint32(len(archives)),
		},
		Archives: archives,
	}

	buf := encodeMetadata(header.Metadata)
	for _, a := range archives {
		buf = append(buf, encodeArchiveInfo(a)...)
	}

	if _, err := file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("create %q: write header: %w", path, err)
	}

	total := header.fileSize()

	if sparse {
		if err := file.Truncate(total); err != nil {
			return fmt.Errorf("create %q: truncate: %w", path, err)
		}
	} else {
		if err := zeroFill(file, int64(len(buf)), total); err != nil {
			return fmt.Errorf("create %q: %w", path, err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("create %q: sync: %w", path, err)
	}

	return nil
}

func zeroFill(file fs.File, from, until int64) error {
	chunk := make([]byte, createChunkSize)

	for off := from; off < until; {
		n := until - off
		if n > createChunkSize {
			n = createChunkSize
		}

		if _, err := file.WriteAt(chunk[:n], off); err != nil {
			return fmt.Errorf("zero fill: %w", err)
		}

		off += n
	}

	return nil
}

// Open opens an existing whisper file and validates its header.
//
// Returns [ErrCorrupt] when the file's self-description is inconsistent
// with its actual size or internally contradictory.
func Open(path string, opts Options) (*Whisper, error) {
	fsys := opts.fsys()

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}

	file, err := fsys.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	w := &Whisper{
		path: path,
		fsys: fsys,
		file: file,
		opts: opts,
		now:  realNow,
	}

	header, err := readHeader(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	w.header = header

	if opts.MMap {
		if err := w.mapFile(); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("open %q: %w", path, err)
		}
	}

	return w, nil
}

// readHeader reads and validates the metadata and archive-info table.
func readHeader(file fs.File) (Header, error) {
	info, err := file.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("stat: %w", err)
	}

	actualSize := info.Size()
	if actualSize < metadataSize {
		return Header{}, fmt.Errorf("%w: %d bytes is smaller than the metadata block", ErrCorrupt, actualSize)
	}

	buf := make([]byte, metadataSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("read metadata: %w", err)
	}

	meta := decodeMetadata(buf)

	if meta.ArchiveCount == 0 {
		return Header{}, fmt.Errorf("%w: archive count is zero", ErrCorrupt)
	}

	tableSize := int64(meta.ArchiveCount) * archiveInfoSize
	if metadataSize+tableSize > actualSize {
		return Header{}, fmt.Errorf("%w: archive table escapes file", ErrCorrupt)
	}

	table := make([]byte, tableSize)
	if _, err := file.ReadAt(table, metadataSize); err != nil {
		return Header{}, fmt.Errorf("read archive table: %w", err)
	}

	header := Header{
		Metadata: meta,
		Archives: make([]ArchiveInfo, meta.ArchiveCount),
	}

	for i := range header.Archives {
		header.Archives[i] = decodeArchiveInfo(table[i*archiveInfoSize:])
	}

	if err := validateHeader(header, actualSize); err != nil {
		return Header{}, err
	}

	return header, nil
}

// Close releases the handle. Idempotent.
func (w *Whisper) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	unmapErr := w.unmapFile()
	closeErr := w.file.Close()

	return errors.Join(unmapErr, closeErr)
}

// Header returns a copy of the file's parsed header.
func (w *Whisper) Header() Header {
	archives := make([]ArchiveInfo, len(w.header.Archives))
	copy(archives, w.header.Archives)

	return Header{Metadata: w.header.Metadata, Archives: archives}
}

// Path returns the path the handle was opened with.
func (w *Whisper) Path() string {
	return w.path
}

func (w *Whisper) readAt(buf []byte, off int64) error {
	if w.mapped != nil {
		if off < 0 || off+int64(len(buf)) > int64(len(w.mapped)) {
			return fmt.Errorf("%w: read beyond mapped file", ErrCorrupt)
		}

		copy(buf, w.mapped[off:])

		return nil
	}

	_, err := w.file.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read at %d: %w", off, err)
	}

	return nil
}

func (w *Whisper) writeAt(buf []byte, off int64) error {
	_, err := w.file.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("write at %d: %w", off, err)
	}

	return nil
}

// lockOp takes the per-operation advisory lock when locking is enabled.
// The returned release func is a no-op otherwise.
func (w *Whisper) lockOp(mode fs.LockMode) (func(), error) {
	if !w.opts.Locking {
		return func() {}, nil
	}

	lock, err := fs.LockFile(w.file, mode)
	if err != nil {
		return nil, err
	}

	return func() { _ = lock.Unlock() }, nil
}

func (w *Whisper) flush() error {
	if !w.opts.Flush {
		return nil
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

func (w *Whisper) checkWritable() error {
	if w.closed {
		return ErrClosed
	}

	if w.opts.ReadOnly {
		return ErrReadOnly
	}

	return nil
}

// Update writes one value at the given timestamp. A timestamp of 0 means
// the current time.
//
// The point lands in the finest archive whose retention covers the
// timestamp and is then propagated into each coarser archive while
// coverage stays at or above the x-files-factor.
//
// Returns [ErrTimestampNotCovered] when the timestamp is in the future or
// older than the longest retention.
func (w *Whisper) Update(value float64, ts uint32) error {
	if err := w.checkWritable(); err != nil {
		return err
	}

	release, err := w.lockOp(fs.LockExclusive)
	if err != nil {
		return err
	}
	defer release()

	if err := w.update(value, ts, w.now()); err != nil {
		return err
	}

	return w.flush()
}

func (w *Whisper) update(value float64, ts, now uint32) error {
	if ts == 0 {
		ts = now
	}

	age := int64(now) - int64(ts)
	if age < 0 || age >= int64(w.header.Metadata.MaxRetention) {
		return fmt.Errorf("%w: timestamp %d with now %d", ErrTimestampNotCovered, ts, now)
	}

	idx := w.coveringArchive(age)
	archive := w.header.Archives[idx]

	interval := alignDown(ts, archive.SecondsPerPoint)

	if err := w.writePoint(archive, Point{Timestamp: interval, Value: value}); err != nil {
		return err
	}

	return w.propagateChain(idx, []uint32{interval})
}

// coveringArchive returns the index of the finest archive whose retention
// covers a point of the given age. The caller has already checked the age
// against MaxRetention, so a covering archive exists.
func (w *Whisper) coveringArchive(age int64) int {
	for i, a := range w.header.Archives {
		if int64(a.Retention()) > age {
			return i
		}
	}

	return len(w.header.Archives) - 1
}

// propagateChain refreshes coarser archives below archive idx for the given
// aligned intervals of archive idx. Each level aggregates from its finer
// neighbor, so intermediate aggregates feed the next level down. A level
// where no interval clears the coverage threshold stops the chain.
func (w *Whisper) propagateChain(idx int, intervals []uint32) error {
	higher := w.header.Archives[idx]

	for _, lower := range w.header.Archives[idx+1:] {
		seen := make(map[uint32]bool, len(intervals))
		lowerIntervals := make([]uint32, 0, len(intervals))

		for _, ts := range intervals {
			aligned := alignDown(ts, lower.SecondsPerPoint)
			if !seen[aligned] {
				seen[aligned] = true
				lowerIntervals = append(lowerIntervals, aligned)
			}
		}

		sort.Slice(lowerIntervals, func(i, j int) bool { return lowerIntervals[i] < lowerIntervals[j] })

		any := false

		for _, interval := range lowerIntervals {
			propagated, err := w.propagate(interval, higher, lower)
			if err != nil {
				return err
			}

			if propagated {
				any = true
			}
		}

		if !any {
			break
		}

		higher = lower
		intervals = lowerIntervals
	}

	return nil
}

// propagate recomputes the single slot of lower covering interval from the
// corresponding slots of higher. Reports whether the slot was written;
// false means coverage stayed below the x-files-factor, which is not an
// error and stops propagation to coarser archives.
func (w *Whisper) propagate(interval uint32, higher, lower ArchiveInfo) (bool, error) {
	intervalStart := alignDown(interval, lower.SecondsPerPoint)
	n := int(lower.SecondsPerPoint / higher.SecondsPerPoint)

	slots, err := w.readSlots(higher, intervalStart, n)
	if err != nil {
		return false, err
	}

	known := make([]Point, 0, n)

	for i, p := range slots {
		expected := intervalStart + uint32(i)*higher.SecondsPerPoint
		if p.Timestamp == expected {
			known = append(known, p)
		}
	}

	if len(known) == 0 {
		return false, nil
	}

	if float32(len(known))/float32(n) < w.header.Metadata.XFilesFactor {
		return false, nil
	}

	value := aggregate(w.header.Metadata.Aggregation, known, n)

	if err := w.writePoint(lower, Point{Timestamp: intervalStart, Value: value}); err != nil {
		return false, err
	}

	return true, nil
}

// UpdateMany writes a batch of points in one pass.
//
// Points are applied in ascending timestamp order; for duplicate slots the
// point with the greatest timestamp wins. Runs of adjacent slots are
// written with single positioned writes, and propagation runs once per
// affected coarse slot after all finest-archive writes. Points outside
// every archive's retention (too old or in the future) are skipped
// silently.
func (w *Whisper) UpdateMany(points []Point) error {
	if err := w.checkWritable(); err != nil {
		return err
	}

	release, err := w.lockOp(fs.LockExclusive)
	if err != nil {
		return err
	}
	defer release()

	if err := w.updateMany(points, w.now()); err != nil {
		return err
	}

	return w.flush()
}

func (w *Whisper) updateMany(points []Point, now uint32) error {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	// Partition by finest covering archive.
	perArchive := make([][]Point, len(w.header.Archives))

	for _, p := range sorted {
		age := int64(now) - int64(p.Timestamp)
		if age < 0 || age >= int64(w.header.Metadata.MaxRetention) {
			continue
		}

		idx := w.coveringArchive(age)
		perArchive[idx] = append(perArchive[idx], p)
	}

	for idx, batch := range perArchive {
		if len(batch) == 0 {
			continue
		}

		if err := w.archiveUpdateMany(idx, batch); err != nil {
			return err
		}
	}

	return nil
}

// archiveUpdateMany aligns a batch to one archive's grid, writes it as
// contiguous runs, then propagates each affected coarse slot once.
func (w *Whisper) archiveUpdateMany(idx int, batch []Point) error {
	archive := w.header.Archives[idx]

	// Later points win within one slot; batch is sorted ascending, so a
	// plain overwrite keeps the greatest timestamp.
	aligned := make(map[uint32]float64, len(batch))
	for _, p := range batch {
		aligned[alignDown(p.Timestamp, archive.SecondsPerPoint)] = p.Value
	}

	slots := make([]Point, 0, len(aligned))
	for ts, v := range aligned {
		slots = append(slots, Point{Timestamp: ts, Value: v})
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Timestamp < slots[j].Timestamp })

	for _, run := range splitRuns(slots, archive.SecondsPerPoint) {
		if err := w.writePoints(archive, run); err != nil {
			return err
		}
	}

	intervals := make([]uint32, len(slots))
	for i, p := range slots {
		intervals[i] = p.Timestamp
	}

	return w.propagateChain(idx, intervals)
}

// SetAggregation rewrites the header's aggregation method and, when xff is
// non-nil, the x-files-factor. Archive data is left unchanged. Returns the
// previous method.
func (w *Whisper) SetAggregation(method AggregationMethod, xff *float32) (AggregationMethod, error) {
	if err := w.checkWritable(); err != nil {
		return 0, err
	}

	if !method.valid() {
		return 0, fmt.Errorf("%w: aggregation code %d", ErrInvalidConfig, uint32(method))
	}

	if xff != nil && (*xff < 0 || *xff > 1 || *xff != *xff) {
		return 0, fmt.Errorf("%w: x-files-factor %v outside [0,1]", ErrInvalidConfig, *xff)
	}

	release, err := w.lockOp(fs.LockExclusive)
	if err != nil {
		return 0, err
	}
	defer release()

	prevMeta := w.header.Metadata

	w.header.Metadata.Aggregation = method
	if xff != nil {
		w.header.Metadata.XFilesFactor = *xff
	}

	if err := w.writeAt(encodeMetadata(w.header.Metadata), 0); err != nil {
		w.header.Metadata = prevMeta
		return 0, err
	}

	if err := w.flush(); err != nil {
		return 0, err
	}

	return prevMeta.Aggregation, nil
}
