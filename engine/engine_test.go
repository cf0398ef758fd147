package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/corewal/corewal/config"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/xlog"
)

func newTestEngine(t *testing.T) (*Engine, *[]record.Row, *sync.Mutex) {
	t.Helper()
	cfg := config.Default()
	cfg.SnapDir = t.TempDir()
	cfg.WalDir = t.TempDir()
	cfg.RowsPerWAL = 10

	var mu sync.Mutex
	var applied []record.Row
	apply := func(r record.Row) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, r)
		return nil
	}

	e, err := New(cfg, apply, nil)
	require.NoError(t, err)
	return e, &applied, &mu
}

func TestEngineBootstrapsAndEnqueues(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx, nil, nil))
	defer e.Shutdown()

	require.NotEqual(t, 0, e.NodeID)
	require.NotEqual(t, "", e.InstanceUUID.String())

	lsn, err := e.Enqueue(ctx, record.Row{Type: record.Insert})
	require.NoError(t, err)
	require.Equal(t, int64(1), lsn)

	lsn2, err := e.Enqueue(ctx, record.Row{Type: record.Insert})
	require.NoError(t, err)
	require.Equal(t, int64(2), lsn2)
}

func TestEngineNodeIDSidecarRoundTrips(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.NodeID = 7
	require.NoError(t, e.persistNodeID())

	got, ok := e.loadNodeID()
	require.True(t, ok)
	require.Equal(t, 7, got)
}

func TestEngineLoadNodeIDMissingFile(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, ok := e.loadNodeID()
	require.False(t, ok)
}

func TestEngineClusterUUIDSidecarRoundTrips(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.ClusterUUID = uuid.New()
	require.NoError(t, e.persistClusterUUID())

	got, ok := e.loadClusterUUID()
	require.True(t, ok)
	require.Equal(t, e.ClusterUUID, got)
}

func TestEngineLoadClusterUUIDMissingFile(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, ok := e.loadClusterUUID()
	require.False(t, ok)
}

func TestEngineSetClusterUUIDPersists(t *testing.T) {
	e, _, _ := newTestEngine(t)
	id := uuid.New()
	e.setClusterUUID(id)
	require.Equal(t, id, e.ClusterUUID)

	got, ok := e.loadClusterUUID()
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestEngineAssignNodeIDIsStableAndLookupable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	peer := uuid.New()

	id1, err := e.assignNodeID(peer)
	require.NoError(t, err)

	id2, err := e.assignNodeID(peer)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "re-joining the same peer must return the id already allocated to it")

	got, ok := e.lookupNodeID(peer)
	require.True(t, ok)
	require.Equal(t, id1, got)

	_, ok = e.lookupNodeID(uuid.New())
	require.False(t, ok, "an unassigned peer must not resolve")
}

func TestEngineTakeSnapshotWritesReadableEntry(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx, nil, nil))
	defer e.Shutdown()

	rows := []record.Row{
		{Type: record.Insert, ServerID: e.NodeID, LSN: 1},
		{Type: record.Insert, ServerID: e.NodeID, LSN: 2},
	}
	err := e.TakeSnapshot(func(yield func(record.Row) error) error {
		for _, r := range rows {
			if err := yield(r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	entry, ok := e.SnapDir.Last()
	require.True(t, ok)

	c, err := xlog.OpenCursor(entry.Path)
	require.NoError(t, err)
	defer c.Close()

	var got []record.Row
	for {
		row, err := c.NextRow()
		if errors.Is(err, xlog.ErrEOFMarker) {
			break
		}
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, 1) // one SnapshotBatch row wrapping both rows
}

func TestEngineShutdownIsIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx, nil, nil))

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	e.Shutdown() // second call must not hang or panic
}
