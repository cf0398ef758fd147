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

// Package recovery drives the OFFLINE -> INITIAL_RECOVERY -> FINAL_RECOVERY
// -> ONLINE/LOCAL_STANDBY state machine: bootstrapping a fresh instance,
// replaying a snapshot plus the WAL segments that follow it, and tailing
// the WAL directory for further growth once caught up.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/snapshot"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

// State is one node in the recovery state machine.
type State int

const (
	Offline State = iota
	InitialRecovery
	FinalRecovery
	Online
	LocalStandby
)

func (s State) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case InitialRecovery:
		return "INITIAL_RECOVERY"
	case FinalRecovery:
		return "FINAL_RECOVERY"
	case Online:
		return "ONLINE"
	case LocalStandby:
		return "LOCAL_STANDBY"
	default:
		return "UNKNOWN"
	}
}

// ApplyFunc applies one already-admitted row to in-memory state. Recovery
// never calls it for a row it has already filtered out as a duplicate.
type ApplyFunc func(record.Row) error

// Driver owns the state machine for one node's startup and ongoing local
// tailing. It does not itself know about replication; applier/relay sit on
// top of the same ApplyFunc and VClock.
type Driver struct {
	SnapDir *xlog.Directory
	WalDir  *xlog.Directory

	VClock        *vclock.VClock
	ForceRecovery bool
	Apply         ApplyFunc
	Logger        *log.Logger

	InstanceUUID uuid.UUID
	NodeID       int

	state State
}

// New constructs a Driver. logger may be nil, in which case a stderr
// logger with the "recovery: " prefix is used.
func New(snapDir, walDir *xlog.Directory, vc *vclock.VClock, apply ApplyFunc, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.New(os.Stderr, "recovery: ", log.LstdFlags)
	}
	return &Driver{SnapDir: snapDir, WalDir: walDir, VClock: vc, Apply: apply, Logger: logger, state: Offline}
}

func (d *Driver) State() State { return d.state }

// applyRow is idempotent w.r.t. LSN: a row whose lsn does not exceed the
// frontier already recorded for its origin is silently skipped, matching
// spec §4.5 step 2.
func (d *Driver) applyRow(r record.Row) error {
	if cur, ok := d.VClock.Get(r.ServerID); ok && r.LSN <= cur {
		return nil
	}
	if err := d.Apply(r); err != nil {
		return err
	}
	d.VClock.Advance(r.ServerID, r.LSN)
	return nil
}

// Bootstrap handles INITIAL_RECOVERY when no snapshot, no WALs, and no
// replication source exist: a fresh instance UUID, a placeholder vclock
// entry at node-id 0, and (conceptually) replay of an embedded minimal
// snapshot to populate system tables — this package has no system catalog
// of its own, so seedSystemTables is supplied by the caller (the engine).
func (d *Driver) Bootstrap(instanceUUID uuid.UUID, seedSystemTables func() error) error {
	d.state = InitialRecovery
	d.InstanceUUID = instanceUUID
	// Placeholder entry: created present with value 0 (Open Question #1 —
	// see vclock.Reassign's doc comment for the reasoning), so that
	// vclock.Match treats node 0 as "has made progress to LSN 0" rather
	// than "absent", consistent with how AssignNodeID relabels it below.
	d.VClock.Set(0, 0)
	if seedSystemTables != nil {
		if err := seedSystemTables(); err != nil {
			return fmt.Errorf("recovery: bootstrap seed: %w", err)
		}
	}
	return nil
}

// AssignNodeID replaces the bootstrap placeholder (node-id 0) with the
// node-id the cluster membership service allocated.
func (d *Driver) AssignNodeID(id int) {
	if id != 0 {
		d.VClock.Reassign(0, id)
	}
	d.NodeID = id
}

// ReplaySnapshot opens the snapshot matching signature, replays every row
// through applyRow, and adopts its preamble vclock as the starting frontier.
func (d *Driver) ReplaySnapshot(signature int64) error {
	d.state = InitialRecovery
	e, found := d.findSnap(signature)
	if !found {
		return fmt.Errorf("recovery: no snapshot with signature %d", signature)
	}
	c, err := xlog.OpenCursor(e.Path)
	if err != nil {
		return fmt.Errorf("recovery: open snapshot %s: %w", e.Path, err)
	}
	defer c.Close()

	d.InstanceUUID = c.Meta.InstanceUUID
	vclock.Copy(d.VClock, c.Meta.VClock)

	for {
		row, err := c.NextRow()
		if errors.Is(err, xlog.ErrEOFMarker) {
			break
		}
		if err != nil {
			return fmt.Errorf("recovery: replay snapshot %s: %w", e.Path, err)
		}
		rows, err := snapshot.ExpandRow(row)
		if err != nil {
			return fmt.Errorf("recovery: expand snapshot row: %w", err)
		}
		for _, rr := range rows {
			if err := d.applyRow(rr); err != nil {
				return fmt.Errorf("recovery: apply snapshot row: %w", err)
			}
		}
	}
	return nil
}

func (d *Driver) findSnap(signature int64) (xlog.DirEntry, bool) {
	for _, e := range d.SnapDir.Entries() {
		if e.Signature == signature {
			return e, true
		}
	}
	return xlog.DirEntry{}, false
}

// FinalRecovery scans the WAL directory and replays every xlog segment
// whose vclock is reachable by directory.Match starting from the current
// frontier, in signature order, until the directory is exhausted.
func (d *Driver) FinalRecovery(finalize bool) error {
	d.state = FinalRecovery
	if err := d.WalDir.Scan(); err != nil {
		d.Logger.Printf("scan wal dir: %v", err)
	}

	entry, ok := d.WalDir.Match(d.VClock)
	if !ok {
		if first, any := d.firstEntry(); any {
			entry, ok = first, true
		}
	}

	for ok {
		rows, endedClean, err := d.replaySegment(entry)
		if err != nil {
			return err
		}
		if !endedClean && finalize {
			if err := d.finalizeIncomplete(entry, rows); err != nil {
				return err
			}
		}
		entry, ok = d.WalDir.Next(entry.Signature)
	}
	return nil
}

func (d *Driver) firstEntry() (xlog.DirEntry, bool) {
	all := d.WalDir.Entries()
	if len(all) == 0 {
		return xlog.DirEntry{}, false
	}
	return all[0], true
}

// replaySegment plays every row of one segment through applyRow. It
// returns the number of rows successfully read and whether the file ended
// with a clean EOF marker.
func (d *Driver) replaySegment(e xlog.DirEntry) (rows int, endedClean bool, err error) {
	c, err := xlog.OpenCursor(e.Path)
	if err != nil {
		return 0, false, fmt.Errorf("recovery: open %s: %w", e.Path, err)
	}
	defer c.Close()

	for {
		row, rerr := c.NextRow()
		if errors.Is(rerr, xlog.ErrEOFMarker) {
			return rows, true, nil
		}
		if rerr == io.EOF {
			// The file ends without an EOF marker; FinalRecovery decides
			// (via finalizeIncomplete) what happens to it.
			return rows, false, nil
		}
		if rerr != nil {
			if d.ForceRecovery {
				d.Logger.Printf("force_recovery: skipping corrupt frame in %s: %v", e.Path, rerr)
				continue
			}
			return rows, false, fmt.Errorf("recovery: %s: %w", e.Path, rerr)
		}
		if err := d.applyRow(row); err != nil {
			return rows, false, fmt.Errorf("recovery: apply row in %s: %w", e.Path, err)
		}
		rows++
	}
}

// finalizeIncomplete handles a segment that ended without an EOF marker:
// delete it if empty, rename .inprogress to final if exactly one row was
// read, otherwise abort (ambiguous partial write spanning more than one
// row is not safely auto-recoverable).
func (d *Driver) finalizeIncomplete(e xlog.DirEntry, rows int) error {
	switch {
	case rows == 0:
		return os.Remove(e.Path)
	case rows == 1 && e.Inprogress:
		finalPath := d.WalDir.Filename(e.Signature, false)
		return os.Rename(e.Path, finalPath)
	default:
		return fmt.Errorf("recovery: segment %s ended without EOF marker after %d rows: cannot safely finalize", e.Path, rows)
	}
}

// TailLocal starts a background watch of the WAL directory: whenever the
// current file grows or a new higher-signature file appears, the relevant
// rows are replayed through applyRow. It runs until ctx is canceled.
func (d *Driver) TailLocal(ctx context.Context, pollInterval time.Duration) error {
	d.state = LocalStandby
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("recovery: fsnotify: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.WalDir.Dirname); err != nil {
		return fmt.Errorf("recovery: watch %s: %w", d.WalDir.Dirname, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := d.FinalRecovery(false); err != nil {
					d.Logger.Printf("tail: %v", err)
				}
			}
		case <-ticker.C:
			// fsnotify does not reliably report size-only growth of the
			// currently-open file on every platform (spec §3's "growth is
			// polled" ownership note); the ticker is the fallback for that
			// specific sub-case.
			if err := d.FinalRecovery(false); err != nil {
				d.Logger.Printf("tail poll: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.Logger.Printf("watch error: %v", err)
		}
	}
}
