package xlog

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
)

func TestWriteThenCursorReadRoundTrip(t *testing.T) {
	dirPath := t.TempDir()
	dir := NewDirectory(dirPath, TypeXlog)

	vc := vclock.New()
	w, err := Create(dir, 0, uuid.New(), vc, nil)
	if err != nil {
		t.Fatal(err)
	}

	rows := []record.Row{
		{Type: record.Insert, ServerID: 1, LSN: 1},
		{Type: record.Insert, ServerID: 1, LSN: 2},
		{Type: record.Delete, ServerID: 1, LSN: 3},
	}
	for _, r := range rows {
		w.AdvanceVClock(r.ServerID, r.LSN)
		if err := w.WriteRow(record.Encode(nil, r)); err != nil {
			t.Fatalf("write row lsn=%d: %v", r.LSN, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	entry, ok := dir.Last()
	if !ok {
		t.Fatal("expected a finalized entry")
	}

	c, err := OpenCursor(entry.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for i, want := range rows {
		got, err := c.NextRow()
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if got.LSN != want.LSN || got.Type != want.Type {
			t.Fatalf("row %d mismatch: got %+v want %+v", i, got, want)
		}
	}
	_, err = c.NextRow()
	if err != ErrEOFMarker {
		t.Fatalf("expected ErrEOFMarker, got %v", err)
	}
}

func TestWriteCompressesLargeRows(t *testing.T) {
	dirPath := t.TempDir()
	dir := NewDirectory(dirPath, TypeXlog)
	w, err := Create(dir, 0, uuid.New(), vclock.New(), nil)
	if err != nil {
		t.Fatal(err)
	}

	big := record.Row{Type: record.Insert, ServerID: 1, LSN: 1, Body: [][]byte{bytes.Repeat([]byte("x"), 4096)}}
	w.AdvanceVClock(1, 1)
	if err := w.WriteRow(record.Encode(nil, big)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	entry, _ := dir.Last()
	c, err := OpenCursor(entry.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	got, err := c.NextRow()
	if err != nil {
		t.Fatal(err)
	}
	if got.LSN != 1 || len(got.Body) != 1 || len(got.Body[0]) != len(big.Body[0]) {
		t.Fatalf("compressed row round-trip mismatch: %+v", got)
	}
}
