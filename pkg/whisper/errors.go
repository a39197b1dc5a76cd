package whisper

import "errors"

// Sentinel errors returned by whisper operations.
//
// Callers should use [errors.Is] to classify failures:
//
//	if errors.Is(err, whisper.ErrCorrupt) {
//	    // file is damaged; restore from backup or recreate
//	}
var (
	// ErrInvalidConfig indicates a bad archive set, an unknown aggregation
	// method, an x-files-factor outside [0,1], or a malformed retention
	// string. Returned before any file is touched.
	ErrInvalidConfig = errors.New("whisper: invalid configuration")

	// ErrCorrupt indicates the file on disk does not describe itself
	// consistently: size mismatch, archive offsets escaping the file,
	// or an invalid aggregation code.
	ErrCorrupt = errors.New("whisper: corrupt file")

	// ErrTimestampNotCovered indicates an update whose timestamp falls
	// outside every archive's retention window.
	ErrTimestampNotCovered = errors.New("whisper: timestamp not covered by any archive")

	// ErrInvalidTimeRange indicates a fetch whose interval is empty,
	// entirely in the future, or entirely outside retention.
	ErrInvalidTimeRange = errors.New("whisper: invalid time range")

	// ErrFileExists indicates create was asked to build a database at a
	// path that is already occupied.
	ErrFileExists = errors.New("whisper: file already exists")

	// ErrReadOnly indicates a mutating operation on a handle opened with
	// Options.ReadOnly.
	ErrReadOnly = errors.New("whisper: read-only handle")

	// ErrClosed indicates an operation on a closed handle.
	//
	// This is a programming error.
	ErrClosed = errors.New("whisper: closed")
)
