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

// Package config holds the settings needed to start an engine.Engine:
// where to put snapshots and WAL segments, durability mode, replication
// sources, and the optional S3 archive tier.
package config

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/corewal/corewal/wal"
)

// ArchiveConfig configures the optional cold-storage archive tier (§4.8).
type ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // non-empty for S3-compatible stores other than AWS
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool // required by most non-AWS S3-compatible stores
	// DeleteLocalAfterUpload removes a segment/snapshot's local copy once
	// the archive upload is acknowledged. Off by default: local retention
	// policy is a separate, explicit decision from "is it archived".
	DeleteLocalAfterUpload bool
	// SweepInterval is how often the archiver scans for newly eligible
	// files. Zero selects a one-minute default.
	SweepInterval time.Duration
}

// Config is the full set of knobs for one engine instance.
type Config struct {
	SnapDir string
	WalDir  string

	WalMode    wal.Mode
	RowsPerWAL int

	// SnapIoRateLimitBytes throttles snapshot writer I/O, 0 = unlimited.
	SnapIoRateLimitBytes int64

	ReplicationSource []string
	VClockMax         int
	ForceRecovery     bool

	Archive *ArchiveConfig
}

// Default returns a Config with the same defaults tarantool documents for
// the equivalent knobs (rows_per_wal=500000, wal_mode=write); VClockMax is
// 32, the same bound as vclock.Max.
func Default() Config {
	return Config{
		SnapDir:    "./snap",
		WalDir:     "./wal",
		WalMode:    wal.ModeWriteback,
		RowsPerWAL: 500000,
		VClockMax:  32,
	}
}

// ParseRateLimit parses a human byte-size string ("10MB", "512Ki", ...) via
// go-units, returning 0 (unlimited) for an empty string.
func ParseRateLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: parsing rate limit %q: %w", s, err)
	}
	return n, nil
}

// ParseWalMode maps the on-the-wire mode names to wal.Mode.
func ParseWalMode(s string) (wal.Mode, error) {
	switch s {
	case "none":
		return wal.ModeNone, nil
	case "write":
		return wal.ModeWriteback, nil
	case "fsync":
		return wal.ModeFsync, nil
	default:
		return 0, fmt.Errorf("config: unknown wal_mode %q", s)
	}
}
