package replication

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

func writeSegmentRows(t *testing.T, dir *xlog.Directory, sig int64, rows []record.Row) {
	t.Helper()
	w, err := xlog.Create(dir, sig, uuid.New(), vclock.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		w.AdvanceVClock(r.ServerID, r.LSN)
		if err := w.WriteRow(record.Encode(nil, r)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestStreamSegmentFiltersOwnRows exercises the no-replication-loop rule
// directly against an in-memory pipe: a subscriber with node-id 2 must not
// receive the row it originated, but must receive a row from node-id 1.
func TestStreamSegmentFiltersOwnRows(t *testing.T) {
	walDir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	rows := []record.Row{
		{Type: record.Insert, ServerID: 1, LSN: 1},
		{Type: record.Insert, ServerID: 2, LSN: 1},
		{Type: record.Insert, ServerID: 1, LSN: 2},
	}
	writeSegmentRows(t, walDir, 0, rows)
	entry, ok := walDir.Last()
	if !ok {
		t.Fatal("expected segment")
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	relay := &Relay{Conn: serverConn, WalDir: walDir, pollInterval: 10 * time.Millisecond}
	relayVC := vclock.New()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay.streamSegment(ctx, entry, 2, relayVC) }()

	var got []record.Row
	for i := 0; i < 2; i++ {
		payload, err := xlog.ReadWireFrame(clientConn)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		row, _, err := record.Decode(payload)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, row)
	}
	cancel()
	<-done

	if len(got) != 2 {
		t.Fatalf("expected 2 forwarded rows, got %d", len(got))
	}
	for _, r := range got {
		if r.ServerID == 2 {
			t.Fatalf("subscriber's own row must not be relayed back: %+v", r)
		}
	}
}

// TestServeSubscribeParsesWireBody exercises serveSubscribe over the real
// three-chunk {cluster_uuid, node_uuid, vclock} body applier.subscribe()
// actually sends, rather than calling streamSegment directly: it verifies
// the vclock is read from Body[2] (not Body[0]) by confirming a subscriber
// whose vclock already covers lsn 1 only receives lsn 2 and 3.
func TestServeSubscribeParsesWireBody(t *testing.T) {
	walDir := xlog.NewDirectory(t.TempDir(), xlog.TypeXlog)
	writeSegmentRows(t, walDir, 0, []record.Row{
		{Type: record.Insert, ServerID: 1, LSN: 1},
		{Type: record.Insert, ServerID: 1, LSN: 2},
		{Type: record.Insert, ServerID: 1, LSN: 3},
	})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clusterUUID := uuid.New()
	nodeUUID := uuid.New()
	relay := &Relay{
		Conn:         serverConn,
		WalDir:       walDir,
		ClusterUUID:  clusterUUID,
		LookupNodeID: func(u uuid.UUID) (int, bool) { return 5, u == nodeUUID },
		pollInterval: 10 * time.Millisecond,
	}

	startVC := vclock.New()
	startVC.Set(1, 1)
	sub := record.Row{Type: record.Subscribe, Body: [][]byte{
		encodeUUIDBody(clusterUUID),
		encodeUUIDBody(nodeUUID),
		encodeVClockBody(startVC),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay.serveSubscribe(ctx, sub) }()

	// First frame is the initial OK, then the two rows past lsn 1.
	payload, err := xlog.ReadWireFrame(clientConn)
	if err != nil {
		t.Fatalf("read OK: %v", err)
	}
	okRow, _, err := record.Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	if okRow.Type != record.OK {
		t.Fatalf("expected OK, got %v", okRow.Type)
	}

	var got []record.Row
	for i := 0; i < 2; i++ {
		payload, err := xlog.ReadWireFrame(clientConn)
		if err != nil {
			t.Fatalf("read row %d: %v", i, err)
		}
		row, _, err := record.Decode(payload)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, row)
	}
	cancel()
	<-done

	if len(got) != 2 || got[0].LSN != 2 || got[1].LSN != 3 {
		t.Fatalf("expected lsn 2 and 3 only, got %+v", got)
	}
}

// TestServeSubscribeRejectsClusterMismatch verifies spec §4.6 step 1's
// mandatory rejection of a SUBSCRIBE whose cluster_uuid doesn't match this
// relay's own, without ever touching the connection.
func TestServeSubscribeRejectsClusterMismatch(t *testing.T) {
	relay := &Relay{
		ClusterUUID:  uuid.New(),
		LookupNodeID: func(uuid.UUID) (int, bool) { return 1, true },
	}
	sub := record.Row{Type: record.Subscribe, Body: [][]byte{
		encodeUUIDBody(uuid.New()), // different cluster
		encodeUUIDBody(uuid.New()),
		encodeVClockBody(vclock.New()),
	}}
	err := relay.serveSubscribe(context.Background(), sub)
	if !errors.Is(err, ErrClusterMismatch) {
		t.Fatalf("expected ErrClusterMismatch, got %v", err)
	}
}

// TestServeSubscribeRejectsUnknownNodeUUID verifies spec §4.6 step 1's
// mandatory rejection of a SUBSCRIBE from a node uuid nobody ever JOINed.
func TestServeSubscribeRejectsUnknownNodeUUID(t *testing.T) {
	clusterUUID := uuid.New()
	relay := &Relay{
		ClusterUUID:  clusterUUID,
		LookupNodeID: func(uuid.UUID) (int, bool) { return 0, false },
	}
	sub := record.Row{Type: record.Subscribe, Body: [][]byte{
		encodeUUIDBody(clusterUUID),
		encodeUUIDBody(uuid.New()),
		encodeVClockBody(vclock.New()),
	}}
	err := relay.serveSubscribe(context.Background(), sub)
	if !errors.Is(err, ErrUnknownNodeUUID) {
		t.Fatalf("expected ErrUnknownNodeUUID, got %v", err)
	}
}
