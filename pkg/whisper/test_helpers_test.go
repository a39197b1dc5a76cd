package whisper

import (
	"os"
	"path/filepath"
	"testing"
)

// fixedNow pins the engine clock so retention math is deterministic.
func fixedNow(ts uint32) func() uint32 {
	return func() uint32 { return ts }
}

// newTestDB creates a fresh file from a retention string and opens it with
// the clock pinned to now.
func newTestDB(t *testing.T, retentions string, method AggregationMethod, xff float32, now uint32) *Whisper {
	t.Helper()

	path := filepath.Join(t.TempDir(), "metric.wsp")

	rets, err := ParseRetentions(retentions)
	if err != nil {
		t.Fatalf("ParseRetentions(%q): %v", retentions, err)
	}

	if err := Create(path, rets, method, xff, false, Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	db := openTestDB(t, path, now)

	return db
}

// openTestDB opens an existing file with the clock pinned to now.
func openTestDB(t *testing.T, path string, now uint32) *Whisper {
	t.Helper()

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}

	t.Cleanup(func() { _ = db.Close() })

	db.now = fixedNow(now)

	return db
}

// knownPoints reads the non-empty slots of one archive as a ts->value map.
func knownPoints(t *testing.T, db *Whisper, archiveIndex int) map[uint32]float64 {
	t.Helper()

	slots, err := db.DumpArchive(archiveIndex)
	if err != nil {
		t.Fatalf("DumpArchive(%d): %v", archiveIndex, err)
	}

	m := make(map[uint32]float64)

	for _, p := range slots {
		if p.Timestamp != 0 {
			m[p.Timestamp] = p.Value
		}
	}

	return m
}

func readFileBytes(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%q): %v", path, err)
	}

	return data
}
