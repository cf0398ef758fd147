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

// corewald starts one node of the durability/replication core: it opens (or
// bootstraps) the snapshot and WAL directories, optionally listens for
// replication subscribers, and optionally connects out to replication
// sources, then blocks until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/corewal/corewal/config"
	"github.com/corewal/corewal/engine"
	"github.com/corewal/corewal/record"
)

func main() {
	var (
		snapDir         = flag.String("snap-dir", "./snap", "directory for snapshot files")
		walDir          = flag.String("wal-dir", "./wal", "directory for WAL segment files")
		walMode         = flag.String("wal-mode", "write", "durability mode: none, write, fsync")
		rowsPerWAL      = flag.Int("rows-per-wal", 500000, "rows per WAL segment before rotation")
		listenAddr      = flag.String("listen", "", "address to accept replication subscribers on, empty to disable")
		replicaSource   = flag.String("replication-source", "", "comma-separated host:port peers to replicate from")
		forceRecovery   = flag.Bool("force-recovery", false, "skip corrupt WAL frames instead of aborting recovery")
		archiveBucket   = flag.String("archive-bucket", "", "S3 bucket for cold storage, empty to disable")
		archivePrefix   = flag.String("archive-prefix", "", "key prefix within the archive bucket")
		snapIoRateLimit = flag.String("snap-io-rate-limit", "", "throttle snapshot writer I/O (e.g. 10MB), empty for unlimited")
	)
	flag.Parse()

	mode, err := config.ParseWalMode(*walMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	rateLimitBytes, err := config.ParseRateLimit(*snapIoRateLimit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.SnapDir = *snapDir
	cfg.WalDir = *walDir
	cfg.WalMode = mode
	cfg.RowsPerWAL = *rowsPerWAL
	cfg.ForceRecovery = *forceRecovery
	cfg.SnapIoRateLimitBytes = rateLimitBytes
	if *replicaSource != "" {
		cfg.ReplicationSource = strings.Split(*replicaSource, ",")
	}
	if *archiveBucket != "" {
		cfg.Archive = &config.ArchiveConfig{Bucket: *archiveBucket, Prefix: *archivePrefix}
	}

	logger := log.New(os.Stderr, "corewald: ", log.LstdFlags)

	// A from-scratch durability core has no storage engine of its own to
	// apply rows into; logging the row is the whole "apply" step until a
	// caller wires in a real in-memory store.
	apply := func(r record.Row) error {
		logger.Printf("apply server_id=%d lsn=%d type=%v", r.ServerID, r.LSN, r.Type)
		return nil
	}

	e, err := engine.New(cfg, apply, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}

	var listener net.Listener
	if *listenAddr != "" {
		listener, err = net.Listen("tcp", *listenAddr)
		if err != nil {
			logger.Fatalf("listen %s: %v", *listenAddr, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx, listener, nil); err != nil {
		logger.Fatalf("start: %v", err)
	}
	logger.Printf("online: instance=%s node_id=%d", e.InstanceUUID, e.NodeID)

	<-ctx.Done()
	logger.Printf("shutting down")
	e.Shutdown()
}
