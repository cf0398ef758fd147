/*
Copyright (C) 2026  corewal contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

// ErrClusterMismatch is fatal to a SUBSCRIBE connection.
var ErrClusterMismatch = errors.New("replication: cluster uuid mismatch")

// ErrUnknownNodeUUID is fatal to a SUBSCRIBE connection: the subscriber
// presented a node uuid this instance never assigned a node id to.
var ErrUnknownNodeUUID = errors.New("replication: unknown node uuid")

// Relay serves one subscriber connection: it is the mirror of Applier, and
// is always run in its own goroutine (spec §5: "one child process per
// relay" maps here to "one goroutine per relay" — see DESIGN.md).
type Relay struct {
	Conn         net.Conn
	SnapDir      *xlog.Directory
	WalDir       *xlog.Directory
	ClusterUUID  uuid.UUID
	InstanceUUID uuid.UUID

	// AssignNodeID is called on JOIN with the joining node's UUID and must
	// return its allocated node-id, registering it with cluster membership.
	AssignNodeID func(uuid.UUID) (int, error)

	// LookupNodeID resolves a SUBSCRIBE's node uuid to the node id already
	// assigned to it by a prior JOIN; ok is false for a uuid this instance
	// has never seen (spec §4.6 step 1: "reject ... unknown node UUID").
	LookupNodeID func(uuid.UUID) (id int, ok bool)

	Logger *log.Logger

	// pollInterval governs the tail-for-growth fallback once a relay has
	// caught up to the tail of the current xlog (same mechanism as
	// recovery.Driver.TailLocal's ticker fallback).
	pollInterval time.Duration
}

func (r *Relay) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Relay) interval() time.Duration {
	if r.pollInterval > 0 {
		return r.pollInterval
	}
	return 200 * time.Millisecond
}

// Serve reads exactly one leading row (JOIN or SUBSCRIBE) and dispatches.
func (r *Relay) Serve(ctx context.Context) error {
	payload, err := xlog.ReadWireFrame(r.Conn)
	if err != nil {
		return fmt.Errorf("replication: relay: reading request: %w", err)
	}
	row, _, err := record.Decode(payload)
	if err != nil {
		return fmt.Errorf("replication: relay: decoding request: %w", err)
	}

	switch row.Type {
	case record.Join:
		return r.serveJoin(ctx, row)
	case record.Subscribe:
		return r.serveSubscribe(ctx, row)
	default:
		return fmt.Errorf("replication: relay: unexpected leading request type %v", row.Type)
	}
}

// serveJoin streams the most recent snapshot, then hands off to
// runSubscribe starting at the snapshot's vclock (spec §4.6 JOIN path).
func (r *Relay) serveJoin(ctx context.Context, join record.Row) error {
	if len(join.Body) == 0 {
		return fmt.Errorf("replication: relay: JOIN missing node uuid body")
	}
	nodeUUID, err := parseUUIDBody(join.Body[0])
	if err != nil {
		return fmt.Errorf("replication: relay: JOIN: %w", err)
	}
	nodeID, err := r.AssignNodeID(nodeUUID)
	if err != nil {
		return fmt.Errorf("replication: relay: assigning node id: %w", err)
	}

	entry, ok := r.SnapDir.Last()
	if !ok {
		return fmt.Errorf("replication: relay: no snapshot available to serve JOIN")
	}
	cur, err := xlog.OpenCursor(entry.Path)
	if err != nil {
		return fmt.Errorf("replication: relay: open snapshot: %w", err)
	}

	for {
		row, err := cur.NextRow()
		if errors.Is(err, xlog.ErrEOFMarker) {
			break
		}
		if err != nil {
			cur.Close()
			return fmt.Errorf("replication: relay: streaming snapshot: %w", err)
		}
		if err := r.sendRow(row); err != nil {
			cur.Close()
			return err
		}
	}
	snapVC := cur.Meta.VClock
	cur.Close()

	if err := r.sendJoinOK(snapVC); err != nil {
		return err
	}

	// JOIN already knows the subscriber's node id and starting vclock
	// directly (they were just derived above); hand off straight to the
	// streaming core rather than round-tripping them through a synthetic
	// wire body shaped like a real SUBSCRIBE request.
	return r.runSubscribe(ctx, nodeID, snapVC)
}

// serveSubscribe parses a wire SUBSCRIBE request's body as
// {cluster_uuid, node_uuid, local_vclock} (spec §4.7), rejecting a mismatched
// cluster or an unrecognized node before handing off to the streaming core.
// This is the direct-reconnect path (spec §4.6 step 1): applier.subscribe
// always sends all three chunks, including after the first JOIN.
func (r *Relay) serveSubscribe(ctx context.Context, sub record.Row) error {
	if len(sub.Body) < 3 {
		return fmt.Errorf("replication: relay: SUBSCRIBE missing cluster_uuid/node_uuid/vclock body")
	}
	clusterUUID, err := parseUUIDBody(sub.Body[0])
	if err != nil {
		return fmt.Errorf("replication: relay: SUBSCRIBE cluster uuid: %w", err)
	}
	if r.ClusterUUID != (uuid.UUID{}) && clusterUUID != r.ClusterUUID {
		return ErrClusterMismatch
	}
	nodeUUID, err := parseUUIDBody(sub.Body[1])
	if err != nil {
		return fmt.Errorf("replication: relay: SUBSCRIBE node uuid: %w", err)
	}
	if r.LookupNodeID == nil {
		return fmt.Errorf("replication: relay: no node uuid registry configured")
	}
	subscriberNodeID, ok := r.LookupNodeID(nodeUUID)
	if !ok {
		return ErrUnknownNodeUUID
	}
	startVC := vclock.New()
	if parsed, err := decodeVClockBody(sub.Body[2]); err == nil {
		vclock.Copy(startVC, parsed)
	}
	return r.runSubscribe(ctx, subscriberNodeID, startVC)
}

// runSubscribe streams every row with server_id != subscriberNodeID and
// lsn > the subscriber's recorded frontier for that origin, tailing the
// WAL directory for growth once caught up (spec §4.6 SUBSCRIBE path). It is
// the shared core behind both serveJoin's handoff and serveSubscribe.
func (r *Relay) runSubscribe(ctx context.Context, subscriberNodeID int, startVC *vclock.VClock) error {
	masterVC := startVC.Clone()
	if err := r.WalDir.Scan(); err != nil {
		r.logger().Printf("relay: scan wal dir: %v", err)
	}
	if last, ok := r.WalDir.Last(); ok && last.VClock != nil {
		vclock.Copy(masterVC, last.VClock)
	}
	if err := r.sendOK(masterVC); err != nil {
		return err
	}

	entry, ok := r.WalDir.Match(startVC)
	if !ok {
		if first, any := r.firstWal(); any {
			entry, ok = first, true
		}
	}

	relayVC := startVC.Clone()
	for ok {
		if err := r.streamSegment(ctx, entry, subscriberNodeID, relayVC); err != nil {
			return err
		}
		next, hasNext := r.WalDir.Next(entry.Signature)
		if !hasNext {
			if err := r.waitForGrowth(ctx); err != nil {
				return err
			}
			r.WalDir.Scan()
			next, hasNext = r.WalDir.Next(entry.Signature)
			if !hasNext {
				continue
			}
		}
		entry = next
	}
	return nil
}

func (r *Relay) firstWal() (xlog.DirEntry, bool) {
	all := r.WalDir.Entries()
	if len(all) == 0 {
		return xlog.DirEntry{}, false
	}
	return all[0], true
}

func (r *Relay) streamSegment(ctx context.Context, entry xlog.DirEntry, subscriberNodeID int, relayVC *vclock.VClock) error {
	cur, err := xlog.OpenCursor(entry.Path)
	if err != nil {
		return fmt.Errorf("replication: relay: open %s: %w", entry.Path, err)
	}
	defer cur.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		row, err := cur.NextRow()
		if errors.Is(err, xlog.ErrEOFMarker) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replication: relay: reading %s: %w", entry.Path, err)
		}
		if row.ServerID == subscriberNodeID {
			continue // never echo a subscriber's own rows back: no replication loops
		}
		if curLSN, ok := relayVC.Get(row.ServerID); ok && row.LSN <= curLSN {
			continue
		}
		if err := r.sendRow(row); err != nil {
			return err
		}
		relayVC.Advance(row.ServerID, row.LSN)
	}
}

// waitForGrowth blocks until the WAL directory might have new content,
// using a simple poll (same mechanism as recovery.Driver.TailLocal's
// ticker fallback; a relay is a short-lived per-connection goroutine, so a
// dedicated fsnotify watcher per relay is not worth the fd overhead —
// the engine's single recovery.Driver watcher already does that job for
// local recovery, and relays share its directory scans).
func (r *Relay) waitForGrowth(ctx context.Context) error {
	t := time.NewTimer(r.interval())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Relay) sendRow(row record.Row) error {
	frame, err := xlog.EncodeWireFrame(record.Encode(nil, row), true)
	if err != nil {
		return fmt.Errorf("replication: relay: encode row: %w", err)
	}
	_, err = r.Conn.Write(frame)
	return err
}

func (r *Relay) sendOK(vc *vclock.VClock) error {
	row := record.Row{Type: record.OK, Body: [][]byte{encodeVClockBody(vc)}}
	return r.sendRow(row)
}

// sendJoinOK answers a JOIN with this instance's cluster uuid alongside the
// snapshot's vclock, so a first-time joiner learns the cluster identity it
// must echo back on every later SUBSCRIBE (spec §4.6/§4.7).
func (r *Relay) sendJoinOK(vc *vclock.VClock) error {
	row := record.Row{Type: record.OK, Body: [][]byte{encodeUUIDBody(r.ClusterUUID), encodeVClockBody(vc)}}
	return r.sendRow(row)
}
