package whisper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_Create_Then_Open_Roundtrips_The_Header(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metric.wsp")

	retentions := []Retention{{60, 1440}, {300, 576}, {3600, 168}}

	if err := Create(path, retentions, Average, 0.5, false, Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	// 16 + 3*12 + (1440+576+168)*12
	if info.Size() != 26260 {
		t.Fatalf("file size = %d, want 26260", info.Size())
	}

	db := openTestDB(t, path, 0)
	header := db.Header()

	wantMeta := Metadata{
		Aggregation:  Average,
		MaxRetention: 3600 * 168,
		XFilesFactor: 0.5,
		ArchiveCount: 3,
	}

	if header.Metadata != wantMeta {
		t.Errorf("metadata = %+v, want %+v", header.Metadata, wantMeta)
	}

	wantArchives := layoutArchives(retentions)
	if diff := cmp.Diff(wantArchives, header.Archives); diff != "" {
		t.Errorf("archives mismatch (-want +got):\n%s", diff)
	}
}

func Test_Create_Sparse_Produces_The_Same_Size_And_Semantics(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dense := filepath.Join(dir, "dense.wsp")
	sparse := filepath.Join(dir, "sparse.wsp")

	retentions := []Retention{{60, 10}, {300, 10}}

	if err := Create(dense, retentions, Sum, 0.5, false, Options{}); err != nil {
		t.Fatalf("Create dense: %v", err)
	}

	if err := Create(sparse, retentions, Sum, 0.5, true, Options{}); err != nil {
		t.Fatalf("Create sparse: %v", err)
	}

	denseBytes := readFileBytes(t, dense)
	sparseBytes := readFileBytes(t, sparse)

	if diff := cmp.Diff(denseBytes, sparseBytes); diff != "" {
		t.Errorf("sparse file differs from dense (-dense +sparse):\n%s", diff)
	}
}

func Test_Create_Rejects_Existing_Files_And_Bad_Configuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metric.wsp")
	retentions := []Retention{{60, 10}, {300, 10}}

	if err := Create(path, retentions, Average, 0.5, false, Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := Create(path, retentions, Average, 0.5, false, Options{})
	if !errors.Is(err, ErrFileExists) {
		t.Errorf("second Create error = %v, want ErrFileExists", err)
	}

	fresh := filepath.Join(t.TempDir(), "fresh.wsp")

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "unknown method",
			call: func() error { return Create(fresh, retentions, 42, 0.5, false, Options{}) },
		},
		{
			name: "xff out of range",
			call: func() error { return Create(fresh, retentions, Average, 1.5, false, Options{}) },
		},
		{
			name: "no archives",
			call: func() error { return Create(fresh, nil, Average, 0.5, false, Options{}) },
		},
		{
			name: "duplicate steps",
			call: func() error {
				return Create(fresh, []Retention{{60, 10}, {60, 20}}, Average, 0.5, false, Options{})
			},
		},
	}

	for _, tt := range tests {
		err := tt.call()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: error = %v, want ErrInvalidConfig", tt.name, err)
		}

		if _, statErr := os.Stat(fresh); !os.IsNotExist(statErr) {
			t.Errorf("%s: invalid create left a file behind", tt.name)
		}
	}
}

func Test_Update_Writes_The_Aligned_Slot_And_Fetch_Returns_It(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 1500)

	if err := db.Update(42.5, 1234); err != nil {
		t.Fatalf("Update: %v", err)
	}

	fine := knownPoints(t, db, 0)

	want := map[uint32]float64{1200: 42.5}
	if diff := cmp.Diff(want, fine); diff != "" {
		t.Errorf("fine archive mismatch (-want +got):\n%s", diff)
	}

	series, err := db.FetchNow(1190, 1290, 1500)
	if err != nil {
		t.Fatalf("FetchNow: %v", err)
	}

	if series.Step != 60 || series.From != 1140 {
		t.Fatalf("series window = (%d,%d,%d)", series.From, series.Until, series.Step)
	}

	// Slots: 1140 (empty), 1200 (the update).
	if len(series.Values) != 2 {
		t.Fatalf("got %d values, want 2", len(series.Values))
	}

	if series.Values[1] != 42.5 {
		t.Errorf("value at 1200 = %v, want 42.5", series.Values[1])
	}

	if !isNaN(series.Values[0]) {
		t.Errorf("value at 1140 = %v, want gap", series.Values[0])
	}
}

func Test_Update_Propagates_Only_When_Coverage_Clears_The_XFilesFactor(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 1500)

	updates := []Point{
		{Timestamp: 1000, Value: 10},
		{Timestamp: 1060, Value: 20},
		{Timestamp: 1120, Value: 30},
		{Timestamp: 1180, Value: 40},
		{Timestamp: 1240, Value: 50},
	}

	for _, p := range updates {
		if err := db.Update(p.Value, p.Timestamp); err != nil {
			t.Fatalf("Update(%d): %v", p.Timestamp, err)
		}
	}

	fine := knownPoints(t, db, 0)

	wantFine := map[uint32]float64{960: 10, 1020: 20, 1080: 30, 1140: 40, 1200: 50}
	if diff := cmp.Diff(wantFine, fine); diff != "" {
		t.Errorf("fine archive mismatch (-want +got):\n%s", diff)
	}

	// The coarse slot at 900 covers fine slots 900..1140: four known of
	// five (80% >= 50%), aggregated from the final fine state.
	// The slot at 1200 covers 1200..1440: one known of five (20% < 50%),
	// so it is never written.
	coarse := knownPoints(t, db, 1)

	wantCoarse := map[uint32]float64{900: 25}
	if diff := cmp.Diff(wantCoarse, coarse); diff != "" {
		t.Errorf("coarse archive mismatch (-want +got):\n%s", diff)
	}
}

func Test_Update_Aggregates_A_Coarse_Slot_That_Clears_The_XFilesFactor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     AggregationMethod
		values     []float64
		wantCoarse float64
	}{
		{
			name:       "average over five of five",
			method:     Average,
			values:     []float64{10, 20, 30, 40, 50},
			wantCoarse: 30,
		},
		{
			name:       "avg_zero over three of five",
			method:     AvgZero,
			values:     []float64{10, 20, 30},
			wantCoarse: 12,
		},
		{
			name:       "sum over five of five",
			method:     Sum,
			values:     []float64{10, 20, 30, 40, 50},
			wantCoarse: 150,
		},
		{
			name:       "last over five of five",
			method:     Last,
			values:     []float64{10, 20, 30, 40, 50},
			wantCoarse: 50,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db := newTestDB(t, "60:10,300:10", tt.method, 0.5, 1500)

			for i, v := range tt.values {
				ts := 1200 + uint32(i)*60
				if err := db.Update(v, ts); err != nil {
					t.Fatalf("Update(%d): %v", ts, err)
				}
			}

			coarse := knownPoints(t, db, 1)

			want := map[uint32]float64{1200: tt.wantCoarse}
			if diff := cmp.Diff(want, coarse); diff != "" {
				t.Errorf("coarse archive mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Update_Outside_Retention_Fails_Without_Mutating_The_File(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 10000)

	if err := db.Update(1, 9000); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	before := readFileBytes(t, db.Path())

	tests := []struct {
		name string
		ts   uint32
	}{
		{name: "older than max retention", ts: 6999},
		{name: "exactly max retention old", ts: 7000},
		{name: "in the future", ts: 10060},
	}

	for _, tt := range tests {
		err := db.Update(5, tt.ts)
		if !errors.Is(err, ErrTimestampNotCovered) {
			t.Errorf("%s: error = %v, want ErrTimestampNotCovered", tt.name, err)
		}
	}

	after := readFileBytes(t, db.Path())

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("rejected updates mutated the file:\n%s", diff)
	}
}

func Test_Update_Falls_Back_To_A_Coarser_Archive_For_Old_Points(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 10000)

	// Age 2000s exceeds the fine archive's 600s retention but fits the
	// coarse archive's 3000s.
	if err := db.Update(5, 8000); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if got := knownPoints(t, db, 0); len(got) != 0 {
		t.Errorf("fine archive unexpectedly written: %v", got)
	}

	coarse := knownPoints(t, db, 1)

	want := map[uint32]float64{7800: 5}
	if diff := cmp.Diff(want, coarse); diff != "" {
		t.Errorf("coarse archive mismatch (-want +got):\n%s", diff)
	}
}

func Test_UpdateMany_Matches_Sorted_Single_Updates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	batchPath := filepath.Join(dir, "batch.wsp")
	singlePath := filepath.Join(dir, "single.wsp")

	retentions := []Retention{{60, 10}, {300, 10}}

	for _, path := range []string{batchPath, singlePath} {
		if err := Create(path, retentions, Average, 0.5, false, Options{}); err != nil {
			t.Fatalf("Create(%q): %v", path, err)
		}
	}

	batch := openTestDB(t, batchPath, 1500)
	single := openTestDB(t, singlePath, 1500)

	// Deliberately unsorted, with a duplicate slot (1234 and 1250 share
	// slot 1200; the later timestamp must win).
	points := []Point{
		{Timestamp: 1250, Value: 7},
		{Timestamp: 1000, Value: 10},
		{Timestamp: 1180, Value: 40},
		{Timestamp: 1060, Value: 20},
		{Timestamp: 1234, Value: 99},
		{Timestamp: 1120, Value: 30},
	}

	if err := batch.UpdateMany(points); err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}

	sorted := []Point{
		{Timestamp: 1000, Value: 10},
		{Timestamp: 1060, Value: 20},
		{Timestamp: 1120, Value: 30},
		{Timestamp: 1180, Value: 40},
		{Timestamp: 1234, Value: 99},
		{Timestamp: 1250, Value: 7},
	}

	for _, p := range sorted {
		if err := single.Update(p.Value, p.Timestamp); err != nil {
			t.Fatalf("Update(%d): %v", p.Timestamp, err)
		}
	}

	batchBytes := readFileBytes(t, batchPath)
	singleBytes := readFileBytes(t, singlePath)

	if diff := cmp.Diff(singleBytes, batchBytes); diff != "" {
		t.Errorf("batch and single update files differ (-single +batch):\n%s", diff)
	}
}

func Test_UpdateMany_Skips_Points_Outside_Retention(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 10000)

	points := []Point{
		{Timestamp: 5000, Value: 1},  // too old
		{Timestamp: 11000, Value: 2}, // future
		{Timestamp: 9800, Value: 3},  // in range
	}

	if err := db.UpdateMany(points); err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}

	fine := knownPoints(t, db, 0)

	want := map[uint32]float64{9780: 3}
	if diff := cmp.Diff(want, fine); diff != "" {
		t.Errorf("fine archive mismatch (-want +got):\n%s", diff)
	}
}

func Test_UpdateMany_Writes_Runs_That_Wrap_The_Ring(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:30", Average, 0.5, 1500)

	// Anchor the ring at 1200 (slot 0); slots cover 1200..1740.
	if err := db.Update(1, 1200); err != nil {
		t.Fatalf("anchor update: %v", err)
	}

	// Five minutes later: 1680 and 1740 land in slots 8 and 9; 1800 wraps
	// to slot 0, overwriting the anchor.
	db.now = fixedNow(1800)

	if err := db.UpdateMany([]Point{
		{Timestamp: 1680, Value: 8},
		{Timestamp: 1740, Value: 9},
		{Timestamp: 1800, Value: 10},
	}); err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}

	slots, err := db.DumpArchive(0)
	if err != nil {
		t.Fatalf("DumpArchive: %v", err)
	}

	if slots[8].Timestamp != 1680 || slots[9].Timestamp != 1740 {
		t.Errorf("tail slots = %v, %v; want 1680, 1740", slots[8], slots[9])
	}

	if slots[0].Timestamp != 1800 || slots[0].Value != 10 {
		t.Errorf("wrapped slot 0 = %v, want (1800, 10)", slots[0])
	}
}

func Test_Propagate_Is_Idempotent_On_An_Unchanged_File(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 1500)

	for i, v := range []float64{10, 20, 30, 40, 50} {
		if err := db.Update(v, 1200+uint32(i)*60); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	before := readFileBytes(t, db.Path())

	archives := db.Header().Archives

	propagated, err := db.propagate(1200, archives[0], archives[1])
	if err != nil {
		t.Fatalf("propagate: %v", err)
	}

	if !propagated {
		t.Fatal("propagate reported no write on a covered slot")
	}

	after := readFileBytes(t, db.Path())

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("re-propagation changed the file:\n%s", diff)
	}
}

func Test_Open_Rejects_Files_Whose_Size_Disagrees_With_The_Header(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metric.wsp")

	if err := Create(path, []Retention{{60, 10}, {300, 10}}, Average, 0.5, false, Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := readFileBytes(t, path)

	if err := os.WriteFile(path, data[:len(data)-1], 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	_, err := Open(path, Options{})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open error = %v, want ErrCorrupt", err)
	}
}

func Test_Open_Rejects_Invalid_Aggregation_Codes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metric.wsp")

	if err := Create(path, []Retention{{60, 10}, {300, 10}}, Average, 0.5, false, Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := readFileBytes(t, path)
	data[3] = 99 // aggregation code low byte

	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	_, err := Open(path, Options{})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open error = %v, want ErrCorrupt", err)
	}
}

func Test_SetAggregation_Rewrites_Only_The_Header(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 1500)

	for i, v := range []float64{10, 20, 30, 40, 50} {
		if err := db.Update(v, 1200+uint32(i)*60); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	before := readFileBytes(t, db.Path())

	xff := float32(0.25)

	previous, err := db.SetAggregation(AbsMax, &xff)
	if err != nil {
		t.Fatalf("SetAggregation: %v", err)
	}

	if previous != Average {
		t.Errorf("previous method = %v, want Average", previous)
	}

	after := readFileBytes(t, db.Path())

	if diff := cmp.Diff(before[metadataSize:], after[metadataSize:]); diff != "" {
		t.Errorf("data changed beyond the metadata block:\n%s", diff)
	}

	reopened := openTestDB(t, db.Path(), 1500)
	meta := reopened.Header().Metadata

	if meta.Aggregation != AbsMax || meta.XFilesFactor != 0.25 {
		t.Errorf("reopened metadata = %+v", meta)
	}
}

func Test_ReadOnly_Handles_Reject_Mutations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metric.wsp")

	if err := Create(path, []Retention{{60, 10}, {300, 10}}, Average, 0.5, false, Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	db, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	if err := db.Update(1, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Update error = %v, want ErrReadOnly", err)
	}

	if _, err := db.SetAggregation(Sum, nil); !errors.Is(err, ErrReadOnly) {
		t.Errorf("SetAggregation error = %v, want ErrReadOnly", err)
	}
}

func Test_Closed_Handles_Reject_All_Operations(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "60:10,300:10", Average, 0.5, 1500)

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := db.Update(1, 1200); !errors.Is(err, ErrClosed) {
		t.Errorf("Update error = %v, want ErrClosed", err)
	}

	if _, err := db.FetchNow(1200, 1400, 1500); !errors.Is(err, ErrClosed) {
		t.Errorf("FetchNow error = %v, want ErrClosed", err)
	}
}

func Test_MMap_Handles_Serve_Reads_From_The_Mapping(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metric.wsp")

	if err := Create(path, []Retention{{60, 10}, {300, 10}}, Average, 0.5, false, Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	writer := openTestDB(t, path, 1500)

	for i, v := range []float64{10, 20, 30, 40, 50} {
		if err := writer.Update(v, 1200+uint32(i)*60); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	reader, err := Open(path, Options{MMap: true, ReadOnly: true})
	if err != nil {
		t.Fatalf("Open mmap: %v", err)
	}

	t.Cleanup(func() { _ = reader.Close() })

	reader.now = fixedNow(1500)

	series, err := reader.FetchNow(1200, 1500, 1500)
	if err != nil {
		t.Fatalf("FetchNow: %v", err)
	}

	want := []float64{10, 20, 30, 40, 50}
	if diff := cmp.Diff(want, series.Values); diff != "" {
		t.Errorf("mmap fetch mismatch (-want +got):\n%s", diff)
	}

	if err := reader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func isNaN(v float64) bool {
	return v != v
}
