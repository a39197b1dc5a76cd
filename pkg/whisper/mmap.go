package whisper

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapFile maps the whole file read-only. Reads are then served from the
// mapping; writes keep going through the descriptor and stay coherent with
// the mapping via the shared page cache.
func (w *Whisper) mapFile() error {
	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("stat for mmap: %w", err)
	}

	size := int(info.Size())
	if size == 0 {
		return fmt.Errorf("%w: empty file", ErrCorrupt)
	}

	data, err := unix.Mmap(int(w.file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	w.mapped = data

	return nil
}

// unmapFile releases the mapping if one exists. Safe to call when not
// mapped.
func (w *Whisper) unmapFile() error {
	if w.mapped == nil {
		return nil
	}

	data := w.mapped
	w.mapped = nil

	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}
