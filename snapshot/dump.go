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

// Package snapshot writes and reads full in-memory state dumps. It reuses
// the xlog segment container (same preamble, frame, EOF-marker format) but
// batches rows into xz-compressed chunks rather than writing them as
// individual lz4-or-plain xlog frames: a snapshot's whole-database dump
// profile compresses substantially better in bulk than per-row lz4 does,
// which per-row framing cannot exploit.
package snapshot

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tinylib/msgp/msgp"
	"github.com/ulikunitz/xz"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

// batchFlushBytes is the uncompressed buffer size at which a dump flushes
// its accumulated rows into one xz-compressed batch frame.
const batchFlushBytes = 256 * 1024

// byteRateLimiter paces a dump's writes to at most limitBytes per second, so
// a full snapshot doesn't starve foreground WAL I/O sharing the same disk
// (config.SnapIoRateLimitBytes). A nil *byteRateLimiter is a valid no-limit
// limiter; every method is a no-op on it.
type byteRateLimiter struct {
	limitBytes  int64
	windowStart time.Time
	used        int64
}

func newByteRateLimiter(limitBytes int64) *byteRateLimiter {
	if limitBytes <= 0 {
		return nil
	}
	return &byteRateLimiter{limitBytes: limitBytes}
}

// sleepFor accounts n more bytes against the current one-second window
// (rolling it over if it has elapsed) and returns how long to pause before
// admitting them, given now. Split from wait so the pacing math is testable
// without a real clock.
func (l *byteRateLimiter) sleepFor(n int, now time.Time) time.Duration {
	if now.Sub(l.windowStart) >= time.Second {
		l.windowStart = now
		l.used = 0
	}
	l.used += int64(n)
	if l.used <= l.limitBytes {
		return 0
	}
	return l.windowStart.Add(time.Second).Sub(now)
}

func (l *byteRateLimiter) wait(n int) {
	if l == nil {
		return
	}
	if d := l.sleepFor(n, time.Now()); d > 0 {
		time.Sleep(d)
	}
}

// Dumper writes a snapshot file: one xlog segment whose frames are
// SnapshotBatch rows, each carrying many table rows compressed together.
type Dumper struct {
	w       *xlog.Writer
	buf     []byte
	limiter *byteRateLimiter
}

// NewDumper opens a new snapshot segment at signature for writing.
// rateLimitBytes throttles the writer to that many bytes/sec, 0 = unlimited
// (config.SnapIoRateLimitBytes).
func NewDumper(dir *xlog.Directory, signature int64, instanceUUID uuid.UUID, vc *vclock.VClock, rateLimitBytes int64) (*Dumper, error) {
	w, err := xlog.Create(dir, signature, instanceUUID, vc, nil)
	if err != nil {
		return nil, err
	}
	return &Dumper{w: w, limiter: newByteRateLimiter(rateLimitBytes)}, nil
}

// WriteRow buffers one table row, flushing the current batch once it grows
// past batchFlushBytes.
func (d *Dumper) WriteRow(r record.Row) error {
	d.buf = record.Encode(d.buf, r)
	d.w.AdvanceVClock(r.ServerID, r.LSN)
	if len(d.buf) >= batchFlushBytes {
		return d.flush()
	}
	return nil
}

func (d *Dumper) flush() error {
	if len(d.buf) == 0 {
		return nil
	}
	var compressed bytes.Buffer
	xw, err := xz.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("snapshot: xz writer: %w", err)
	}
	if _, err := xw.Write(d.buf); err != nil {
		return fmt.Errorf("snapshot: xz write: %w", err)
	}
	if err := xw.Close(); err != nil {
		return fmt.Errorf("snapshot: xz close: %w", err)
	}

	chunk := msgp.AppendBytes(nil, compressed.Bytes())
	encoded := record.Encode(nil, record.Row{Type: record.SnapshotBatch, Body: [][]byte{chunk}})
	d.limiter.wait(len(encoded))
	if err := d.w.WriteRow(encoded); err != nil {
		return err
	}
	d.buf = d.buf[:0]
	return nil
}

// Close flushes any buffered rows and finalizes the segment file.
func (d *Dumper) Close() error {
	if err := d.flush(); err != nil {
		d.w.Abort()
		return err
	}
	return d.w.Close()
}

// Abort discards the in-progress dump without finalizing it.
func (d *Dumper) Abort() error { return d.w.Abort() }

// ExpandRow unwraps a SnapshotBatch row into its constituent table rows.
// Any other row type is returned as a single-element slice unchanged, so a
// reader can treat every row uniformly whether or not the snapshot it is
// replaying was ever batched.
func ExpandRow(r record.Row) ([]record.Row, error) {
	if r.Type != record.SnapshotBatch {
		return []record.Row{r}, nil
	}
	if len(r.Body) != 1 {
		return nil, fmt.Errorf("snapshot: batch row with %d body chunks, want 1", len(r.Body))
	}
	compressed, _, err := msgp.ReadBytesBytes(r.Body[0], nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: batch body: %w", err)
	}

	xr, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("snapshot: xz reader: %w", err)
	}
	var plain bytes.Buffer
	if _, err := plain.ReadFrom(xr); err != nil {
		return nil, fmt.Errorf("snapshot: xz decompress: %w", err)
	}

	var rows []record.Row
	rest := plain.Bytes()
	for len(rest) > 0 {
		var row record.Row
		row, rest, err = record.Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode batched row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
