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

// Package engine wires together the durability core: the recovery driver,
// WAL writer, replication server/appliers, and archive tier behind one
// owned handle, replacing the tarantool globals (SERVER_UUID, CLUSTER_UUID,
// recovery_state) this core was distilled from (SPEC_FULL.md §3.1).
package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dc0d/onexit"
	"github.com/google/uuid"
	"github.com/corewal/corewal/archive"
	"github.com/corewal/corewal/config"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/recovery"
	"github.com/corewal/corewal/replication"
	"github.com/corewal/corewal/snapshot"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/wal"
	"github.com/corewal/corewal/xlog"
)

// Engine is one node's entire durability/replication core: identity,
// frontier, WAL writer, recovery driver, and the optional replication
// server/appliers and archive tier layered on top of them.
type Engine struct {
	Config config.Config

	InstanceUUID uuid.UUID
	ClusterUUID  uuid.UUID
	NodeID       int
	VClock       *vclock.VClock

	SnapDir *xlog.Directory
	WalDir  *xlog.Directory

	Writer   *wal.Writer
	Recovery *recovery.Driver

	Server   *replication.Server
	Registry *replication.Registry
	Appliers []*replication.Applier

	Archiver *archive.Archiver

	Logger *log.Logger

	mu        sync.Mutex
	nodeUUIDs map[uuid.UUID]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine around cfg. apply is called for every row
// admitted by recovery, replication follow, or a local Enqueue once it
// reaches the frontier; assignNodeID (used only when Server is started
// later) allocates a node-id for an incoming JOIN.
func New(cfg config.Config, apply recovery.ApplyFunc, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	vc := vclock.New()

	snapDir := xlog.NewDirectory(cfg.SnapDir, xlog.TypeSnap)
	walDir := xlog.NewDirectory(cfg.WalDir, xlog.TypeXlog)
	if err := snapDir.Scan(); err != nil {
		return nil, fmt.Errorf("engine: scan snap dir: %w", err)
	}
	if err := walDir.Scan(); err != nil {
		return nil, fmt.Errorf("engine: scan wal dir: %w", err)
	}

	e := &Engine{
		Config:    cfg,
		VClock:    vc,
		SnapDir:   snapDir,
		WalDir:    walDir,
		Registry:  replication.NewRegistry(),
		Logger:    logger,
		nodeUUIDs: make(map[uuid.UUID]int),
	}
	e.Recovery = recovery.New(snapDir, walDir, vc, apply, logger)
	e.Recovery.ForceRecovery = cfg.ForceRecovery

	if cfg.Archive != nil {
		a, err := archive.New(context.Background(), archive.Config{
			Bucket:                 cfg.Archive.Bucket,
			Prefix:                 cfg.Archive.Prefix,
			Region:                 cfg.Archive.Region,
			Endpoint:               cfg.Archive.Endpoint,
			AccessKeyID:            cfg.Archive.AccessKeyID,
			SecretAccessKey:        cfg.Archive.SecretAccessKey,
			ForcePathStyle:         cfg.Archive.ForcePathStyle,
			DeleteLocalAfterUpload: cfg.Archive.DeleteLocalAfterUpload,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("engine: archive tier: %w", err)
		}
		e.Archiver = a
	}

	// A process-exit safety net alongside the explicit Shutdown call: if
	// the program terminates via a registered exit path without the
	// caller tearing the engine down first, the WAL writer still gets a
	// chance to drain rather than leaving an in-progress segment behind.
	onexit.Register(func() { e.Shutdown() })

	return e, nil
}

// Start brings the node online: runs INITIAL_RECOVERY/FINAL_RECOVERY (or
// bootstraps a fresh instance if nothing exists yet and no replication
// source is configured), then starts the WAL writer, any replication
// appliers, the replication server (if listen is non-nil), and the archive
// sweeper (if configured). It returns once the node has reached ONLINE or
// LOCAL_STANDBY; replication/recovery/archiving continue in the
// background until ctx is canceled or Shutdown is called.
func (e *Engine) Start(ctx context.Context, listen net.Listener, seedSystemTables func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.recoverOrBootstrap(seedSystemTables); err != nil {
		return err
	}

	e.Writer = wal.NewWriter(e.WalDir, e.InstanceUUID, e.NodeID, e.Config.WalMode, e.Config.RowsPerWAL, e.VClock)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Writer.Run()
	}()

	for _, uri := range e.Config.ReplicationSource {
		ap := &replication.Applier{
			URI:           uri,
			LocalUUID:     e.InstanceUUID,
			ClusterUUID:   e.ClusterUUID,
			VClock:        e.VClock,
			Apply:         e.Recovery.Apply,
			OnClusterUUID: e.setClusterUUID,
			Logger:        log.New(os.Stderr, fmt.Sprintf("applier[%s]: ", uri), log.LstdFlags),
		}
		e.Appliers = append(e.Appliers, ap)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ap.Run(ctx)
		}()
	}

	if listen != nil {
		e.Server = &replication.Server{
			Listener:     listen,
			Version:      xlog.Version(),
			InstanceUUID: e.InstanceUUID,
			ClusterUUID:  e.ClusterUUID,
			SnapDir:      e.SnapDir,
			WalDir:       e.WalDir,
			AssignNodeID: e.assignNodeID,
			LookupNodeID: e.lookupNodeID,
			Registry:     e.Registry,
			Logger:       log.New(os.Stderr, "relay-server: ", log.LstdFlags),
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.Server.Serve(ctx); err != nil {
				e.Logger.Printf("replication server: %v", err)
			}
		}()
	}

	if e.Archiver != nil {
		interval := e.Config.Archive.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		// A finalized file is eligible once the live frontier has advanced
		// past the vclock it was written at: nothing still needs it for
		// local recovery, so it is safe to ship to cold storage (and,
		// separately, to delete locally if configured).
		eligible := func(entry xlog.DirEntry) bool {
			return entry.Signature <= e.VClock.Signature()
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Archiver.Run(ctx, e.WalDir, eligible, interval)
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Archiver.Run(ctx, e.SnapDir, eligible, interval)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Recovery.TailLocal(ctx, 200*time.Millisecond); err != nil {
			e.Logger.Printf("tail local: %v", err)
		}
	}()

	return nil
}

func (e *Engine) recoverOrBootstrap(seedSystemTables func() error) error {
	if entry, ok := e.SnapDir.Last(); ok {
		if err := e.Recovery.ReplaySnapshot(entry.Signature); err != nil {
			return fmt.Errorf("engine: replay snapshot: %w", err)
		}
		e.InstanceUUID = e.Recovery.InstanceUUID
		if id, ok := e.loadNodeID(); ok {
			e.NodeID = id
			e.Recovery.NodeID = id
		}
		if id, ok := e.loadClusterUUID(); ok {
			e.ClusterUUID = id
		}
	} else if len(e.Config.ReplicationSource) == 0 {
		e.InstanceUUID = uuid.New()
		if err := e.Recovery.Bootstrap(e.InstanceUUID, seedSystemTables); err != nil {
			return fmt.Errorf("engine: bootstrap: %w", err)
		}
		e.NodeID = 1
		e.Recovery.AssignNodeID(e.NodeID)
		if err := e.persistNodeID(); err != nil {
			return fmt.Errorf("engine: persist node id: %w", err)
		}
		e.ClusterUUID = uuid.New()
		if err := e.persistClusterUUID(); err != nil {
			return fmt.Errorf("engine: persist cluster uuid: %w", err)
		}
	}
	// else: an empty replica with a configured replication source skips
	// local bootstrap entirely; its applier's JOIN populates InstanceUUID/
	// NodeID/ClusterUUID once connected (spec §9 scenario S4) — ClusterUUID
	// arrives via Applier.OnClusterUUID (see setClusterUUID).

	if err := e.Recovery.FinalRecovery(true); err != nil {
		return fmt.Errorf("engine: final recovery: %w", err)
	}
	return nil
}

// nodeIDFile is a small sidecar next to the snapshot directory recording
// this instance's node-id across restarts. The durability core this was
// distilled from persists instance_id in a system-table row (box.space.
// _cluster); this module has no catalog of its own (spec §1's explicit
// exclusion of system tables as an external collaborator), so a flat file
// fills the same narrow role.
func (e *Engine) nodeIDFile() string { return filepath.Join(e.SnapDir.Dirname, "NODE_ID") }

func (e *Engine) persistNodeID() error {
	return os.WriteFile(e.nodeIDFile(), []byte(strconv.Itoa(e.NodeID)), 0644)
}

func (e *Engine) loadNodeID() (int, bool) {
	data, err := os.ReadFile(e.nodeIDFile())
	if err != nil {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return id, true
}

// clusterUUIDFile mirrors nodeIDFile: a small sidecar recording this
// cluster's identity across restarts, in place of a box.space._cluster row.
func (e *Engine) clusterUUIDFile() string { return filepath.Join(e.SnapDir.Dirname, "CLUSTER_UUID") }

func (e *Engine) persistClusterUUID() error {
	return os.WriteFile(e.clusterUUIDFile(), []byte(e.ClusterUUID.String()), 0644)
}

func (e *Engine) loadClusterUUID() (uuid.UUID, bool) {
	data, err := os.ReadFile(e.clusterUUIDFile())
	if err != nil {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// setClusterUUID records the cluster identity learned from a JOIN response
// (the path for a fresh replica with a configured replication source, spec
// §9 scenario S4) and persists it so a later restart doesn't need to rejoin
// to rediscover it. Wired as Applier.OnClusterUUID.
func (e *Engine) setClusterUUID(id uuid.UUID) {
	e.mu.Lock()
	e.ClusterUUID = id
	if e.Server != nil {
		e.Server.ClusterUUID = id
	}
	e.mu.Unlock()
	if err := e.persistClusterUUID(); err != nil {
		e.Logger.Printf("persist cluster uuid: %v", err)
	}
}

// assignNodeID allocates the next unused node-id for an incoming JOIN, or
// returns the id already allocated to peer if it has joined before.
// Single-process, so it only needs to be monotonic, not coordinated.
func (e *Engine) assignNodeID(peer uuid.UUID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.nodeUUIDs[peer]; ok {
		return id, nil
	}
	id := e.NodeID + 1
	for n := 1; n < vclock.Max; n++ {
		if _, ok := e.VClock.Get(n); !ok {
			id = n
			break
		}
	}
	if id == 0 {
		id = 1
	}
	e.VClock.Set(id, 0)
	e.nodeUUIDs[peer] = id
	return id, nil
}

// lookupNodeID resolves a uuid already assigned by assignNodeID, used to
// validate a SUBSCRIBE request's node uuid (spec §4.6 step 1: "reject ...
// unknown node UUID").
func (e *Engine) lookupNodeID(peer uuid.UUID) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.nodeUUIDs[peer]
	return id, ok
}

// Enqueue hands row to the WAL writer, assigning it an LSN if local.
func (e *Engine) Enqueue(ctx context.Context, row record.Row) (int64, error) {
	return e.Writer.Enqueue(ctx, row)
}

// TakeSnapshot writes a new snapshot segment at the current frontier,
// triggered externally (spec.md's "Snapshot. Triggered externally" note:
// this core has no internal scheduler for it). source is called once with a
// yield func to push every row of the caller's in-memory state through,
// mirroring the seedSystemTables callback Bootstrap already uses for the
// same "state lives outside this package" boundary. The dump is compressed
// in xz batches and, if Config.SnapIoRateLimitBytes is set, paced to avoid
// starving foreground WAL I/O on the same disk.
func (e *Engine) TakeSnapshot(source func(yield func(record.Row) error) error) error {
	sig := e.VClock.Signature()
	d, err := snapshot.NewDumper(e.SnapDir, sig, e.InstanceUUID, e.VClock, e.Config.SnapIoRateLimitBytes)
	if err != nil {
		return fmt.Errorf("engine: new snapshot dumper: %w", err)
	}
	if err := source(d.WriteRow); err != nil {
		d.Abort()
		return fmt.Errorf("engine: snapshot source: %w", err)
	}
	if err := d.Close(); err != nil {
		return fmt.Errorf("engine: close snapshot: %w", err)
	}
	return e.SnapDir.Scan()
}

// Shutdown cancels all background work and drains the WAL writer. It is
// safe to call more than once.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.Writer != nil {
		e.Writer.Shutdown()
	}
	e.wg.Wait()
}
