package xlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/corewal/corewal/vclock"
)

func writeSegment(t *testing.T, dir *Directory, sig int64, vc *vclock.VClock) {
	t.Helper()
	w, err := Create(dir, sig, uuid.New(), vc, nil)
	if err != nil {
		t.Fatalf("create %d: %v", sig, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %d: %v", sig, err)
	}
}

func TestDirectoryScanAndMatch(t *testing.T) {
	dirPath := t.TempDir()
	dir := NewDirectory(dirPath, TypeXlog)

	vc1 := vclock.New()
	vc1.Set(0, 5)
	writeSegment(t, dir, vc1.Signature(), vc1)

	vc2 := vclock.New()
	vc2.Set(0, 15)
	writeSegment(t, dir, vc2.Signature(), vc2)

	fresh := NewDirectory(dirPath, TypeXlog)
	if err := fresh.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	entries := fresh.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	key := vclock.New()
	key.Set(0, 12)
	match, ok := fresh.Match(key)
	if !ok {
		t.Fatal("expected a match")
	}
	if match.Signature != vc1.Signature() {
		t.Fatalf("expected match on first segment (sig %d), got %d", vc1.Signature(), match.Signature)
	}

	next, ok := fresh.Next(vc1.Signature())
	if !ok || next.Signature != vc2.Signature() {
		t.Fatalf("expected next segment %d, got %+v (ok=%v)", vc2.Signature(), next, ok)
	}

	last, ok := fresh.Last()
	if !ok || last.Signature != vc2.Signature() {
		t.Fatalf("expected last segment %d, got %+v", vc2.Signature(), last)
	}
}

func TestDirectoryFilenameFormat(t *testing.T) {
	dir := NewDirectory("/tmp/unused", TypeSnap)
	got := dir.Filename(42, false)
	want := filepath.Join("/tmp/unused", "00000000000000000042.snap")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	inprog := dir.Filename(42, true)
	if inprog != want+".inprogress" {
		t.Fatalf("got %q", inprog)
	}
}

func TestDirectoryScanMissingDirIsNotError(t *testing.T) {
	dir := NewDirectory(filepath.Join(os.TempDir(), "corewal-does-not-exist-xyz"), TypeXlog)
	if err := dir.Scan(); err != nil {
		t.Fatalf("expected no error scanning a missing directory, got %v", err)
	}
}
