package wal

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

func TestEnqueueAssignsGapFreeLSNs(t *testing.T) {
	dir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	vc := vclock.New()
	w := NewWriter(dir, uuid.New(), 1, ModeWriteback, 1000, vc)
	go w.Run()
	defer w.Shutdown()

	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		lsn, err := w.Enqueue(ctx, record.Row{Type: record.Insert, ServerID: 0})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if lsn != i {
			t.Fatalf("expected lsn %d, got %d", i, lsn)
		}
	}
}

func TestEnqueueConcurrentProducers(t *testing.T) {
	dir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	vc := vclock.New()
	w := NewWriter(dir, uuid.New(), 1, ModeWriteback, 1000, vc)
	go w.Run()
	defer w.Shutdown()

	const n = 50
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := w.Enqueue(context.Background(), record.Row{Type: record.Insert, ServerID: 0})
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("producer %d: %v", i, err)
		}
	}
	lsn, _ := vc.Get(1)
	if lsn != n {
		t.Fatalf("expected frontier lsn %d, got %d", n, lsn)
	}
}

func TestModeNoneSkipsWriter(t *testing.T) {
	dir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	vc := vclock.New()
	w := NewWriter(dir, uuid.New(), 1, ModeNone, 1000, vc)
	// Deliberately do not start Run: ModeNone must never touch the input
	// queue, so Enqueue should still return immediately.
	lsn, err := w.Enqueue(context.Background(), record.Row{Type: record.Insert, ServerID: 0})
	if err != nil {
		t.Fatal(err)
	}
	if lsn != 1 {
		t.Fatalf("expected lsn 1, got %d", lsn)
	}
}

func TestShutdownWithNoWritesCreatesNoSegment(t *testing.T) {
	dir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	vc := vclock.New()
	w := NewWriter(dir, uuid.New(), 1, ModeWriteback, 1000, vc)
	go w.Run()
	w.Shutdown()
	if w.cur != nil {
		t.Fatal("no segment should have been created with no writes")
	}
}
