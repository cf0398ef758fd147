package recovery

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

// eofMarkerBytes mirrors xlog's unexported eofMarker constant (0xd510aded),
// little-endian on disk, so this test can locate the tail of a segment
// without needing package-internal access.
func eofMarkerBytes() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 0xd510aded)
	return b
}

// corruptOneFrame flips a byte inside the payload of the last content frame
// (just ahead of the EOF marker), simulating spec §8 S3's single-frame
// corruption scenario.
func corruptOneFrame(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	idx := bytes.LastIndex(data, eofMarkerBytes())
	if idx < 10 {
		t.Fatalf("could not locate eof marker in %s", path)
	}
	data[idx-3] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func writeRows(t *testing.T, dir *xlog.Directory, sig int64, rows []record.Row) {
	t.Helper()
	vc := vclock.New()
	w, err := xlog.Create(dir, sig, uuid.New(), vc, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		w.AdvanceVClock(r.ServerID, r.LSN)
		if err := w.WriteRow(record.Encode(nil, r)); err != nil {
			t.Fatal(err)
		}
		// One frame per row, so corrupting one frame leaves the others intact.
		if err := w.FlushFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFinalRecoveryAppliesRowsInOrder(t *testing.T) {
	walDir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	rows := []record.Row{
		{Type: record.Insert, ServerID: 1, LSN: 1},
		{Type: record.Insert, ServerID: 1, LSN: 2},
		{Type: record.Insert, ServerID: 1, LSN: 3},
	}
	writeRows(t, walDir, 0, rows)

	var applied []int64
	vc := vclock.New()
	d := New(xlog.NewDirectory(t.TempDir(), xlog.TypeSnap), walDir, vc, func(r record.Row) error {
		applied = append(applied, r.LSN)
		return nil
	}, nil)

	if err := d.FinalRecovery(true); err != nil {
		t.Fatal(err)
	}
	if len(applied) != 3 || applied[0] != 1 || applied[2] != 3 {
		t.Fatalf("unexpected apply sequence: %v", applied)
	}
	lsn, _ := vc.Get(1)
	if lsn != 3 {
		t.Fatalf("expected frontier 3, got %d", lsn)
	}
}

func TestApplyRowSkipsDuplicates(t *testing.T) {
	walDir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	rows := []record.Row{
		{Type: record.Insert, ServerID: 1, LSN: 1},
		{Type: record.Insert, ServerID: 1, LSN: 2},
	}
	writeRows(t, walDir, 0, rows)

	applyCount := 0
	vc := vclock.New()
	vc.Set(1, 1) // already caught up to LSN 1
	d := New(xlog.NewDirectory(t.TempDir(), xlog.TypeSnap), walDir, vc, func(r record.Row) error {
		applyCount++
		return nil
	}, nil)

	if err := d.FinalRecovery(false); err != nil {
		t.Fatal(err)
	}
	if applyCount != 1 {
		t.Fatalf("expected exactly 1 new row applied, got %d", applyCount)
	}
}

func TestBootstrapSeedsPlaceholderAndAssignsNodeID(t *testing.T) {
	vc := vclock.New()
	d := New(xlog.NewDirectory(t.TempDir(), xlog.TypeSnap), xlog.NewDirectory(t.TempDir(), xlog.TypeXlog), vc, func(record.Row) error { return nil }, nil)

	seeded := false
	if err := d.Bootstrap(uuid.New(), func() error { seeded = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !seeded {
		t.Fatal("expected seedSystemTables to be called")
	}
	if l, ok := vc.Get(0); !ok || l != 0 {
		t.Fatalf("expected placeholder present at 0, got %d,%v", l, ok)
	}

	d.AssignNodeID(3)
	if _, ok := vc.Get(0); ok {
		t.Fatal("expected placeholder id 0 to be cleared after reassignment")
	}
	if l, ok := vc.Get(3); !ok || l != 0 {
		t.Fatalf("expected node 3 to carry the former placeholder value, got %d,%v", l, ok)
	}
}

func TestForceRecoverySkipsCorruptFrame(t *testing.T) {
	dirPath := t.TempDir()
	walDir := xlog.NewDirectory(dirPath, xlog.TypeXlog)
	rows := []record.Row{
		{Type: record.Insert, ServerID: 1, LSN: 1},
		{Type: record.Insert, ServerID: 1, LSN: 2},
		{Type: record.Insert, ServerID: 1, LSN: 3},
	}
	writeRows(t, walDir, 0, rows)

	entry, ok := walDir.Last()
	if !ok {
		t.Fatal("expected a segment")
	}
	corruptOneFrame(t, entry.Path)

	var applied []int64
	vc := vclock.New()
	d := New(xlog.NewDirectory(t.TempDir(), xlog.TypeSnap), walDir, vc, func(r record.Row) error {
		applied = append(applied, r.LSN)
		return nil
	}, nil)
	d.ForceRecovery = true

	if err := d.FinalRecovery(false); err != nil {
		t.Fatalf("force_recovery should not abort: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected at least one row applied despite corruption")
	}
}
