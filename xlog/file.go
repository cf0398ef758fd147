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

package xlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/corewal/corewal/vclock"
)

// compressThreshold is the smallest uncompressed payload size eligible for
// lz4 framing (zrowMarker); below it the overhead of a second buffer isn't
// worth it, per spec §4.3's "small transactions stay uncompressed" note.
const compressThreshold = 2048

// autocommitBytes is the in-memory buffer size at which the writer flushes
// outstanding frames to disk even if rows_per_wal hasn't been reached yet.
const autocommitBytes = 128 * 1024

// Writer appends rows to one segment file, handling the preamble, frame
// encoding/compression, rotation threshold bookkeeping and the
// inprogress-rename finalization dance. It is not safe for concurrent use;
// the wal package serializes all writes through a single goroutine.
//
// Rows are not written as their own frame: they accumulate in frameBuf and
// are only cut into an actual on-disk frame by FlushFrame, called either
// once frameBuf crosses autocommitBytes or explicitly by the caller at a
// commit boundary (spec §4.3.1 "Framing", §4.4 "Writer loop" step 3).
type Writer struct {
	f            *os.File
	path         string
	finalPath    string
	dir          *Directory
	instanceUUID uuid.UUID
	vc           *vclock.VClock
	rowsWritten  int
	frameBuf     []byte
	closed       bool
}

// Create opens a new .inprogress segment file for signature, writes its
// preamble, and returns a Writer ready to accept frames.
func Create(dir *Directory, signature int64, instanceUUID uuid.UUID, vc, prevVC *vclock.VClock) (*Writer, error) {
	path := dir.Filename(signature, true)
	finalPath := dir.Filename(signature, false)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("xlog: create %s: %w", path, err)
	}

	preamble := formatPreamble(Meta{
		FileType:     dir.FileType,
		InstanceUUID: instanceUUID,
		VClock:       vc,
		PrevVClock:   prevVC,
	})
	if _, err := f.WriteString(preamble); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("xlog: write preamble %s: %w", path, err)
	}

	return &Writer{
		f:            f,
		path:         path,
		finalPath:    finalPath,
		dir:          dir,
		instanceUUID: instanceUUID,
		vc:           vc.Clone(),
	}, nil
}

// WriteRow appends one already-encoded row to the current frame buffer.
// Nothing reaches disk until the buffer crosses autocommitBytes or the
// caller explicitly calls FlushFrame — multiple rows queued in the same
// writer-loop pass land in one frame, matching spec §4.3.1/§4.4.
func (w *Writer) WriteRow(encodedRow []byte) error {
	if w.closed {
		return fmt.Errorf("xlog: write to closed segment %s", w.path)
	}
	w.frameBuf = append(w.frameBuf, encodedRow...)
	w.rowsWritten++
	if len(w.frameBuf) >= autocommitBytes {
		return w.FlushFrame()
	}
	return nil
}

// FlushFrame cuts whatever rows are currently buffered into one on-disk
// frame, lz4-compressing it as a whole when it's at or above
// compressThreshold; the CRC is always computed over the bytes actually
// written (post-compression), matching spec §6. A no-op if nothing is
// buffered.
func (w *Writer) FlushFrame() error {
	if len(w.frameBuf) == 0 {
		return nil
	}
	buf := w.frameBuf

	magic := rowMarker
	payload := buf
	if len(buf) >= compressThreshold {
		compressed := make([]byte, lz4.CompressBlockBound(len(buf)))
		var c lz4.Compressor
		n, err := c.CompressBlock(buf, compressed)
		if err == nil && n > 0 && n < len(buf) {
			magic = zrowMarker
			payload = compressed[:n]
		}
	}

	header, err := buildFixHeader(magic, uint64(len(payload)), crc32c(payload))
	if err != nil {
		return fmt.Errorf("xlog: %s: %w", w.path, err)
	}

	n, err := w.f.Write(append(header, payload...))
	if err != nil {
		// Truncate back to the last good offset: a torn write must not
		// leave a half-frame visible to a future reader.
		if off, serr := w.f.Seek(0, os.SEEK_CUR); serr == nil {
			w.f.Truncate(off - int64(n))
		}
		return fmt.Errorf("xlog: write frame %s: %w", w.path, err)
	}

	w.frameBuf = w.frameBuf[:0]
	return nil
}

// Sync flushes any buffered rows into a frame, then forces the file to
// stable storage.
func (w *Writer) Sync() error {
	if err := w.FlushFrame(); err != nil {
		return err
	}
	return w.f.Sync()
}

// RowsWritten returns the number of rows appended so far (frame boundaries
// don't count: a single frame may hold many rows), used by the wal package
// to decide when rows_per_wal has been reached. Rotation only happens once
// the current frame buffer is empty, never mid-frame.
func (w *Writer) RowsWritten() int { return w.rowsWritten }

// FramePending reports whether any rows are buffered but not yet cut into
// an on-disk frame.
func (w *Writer) FramePending() bool { return len(w.frameBuf) > 0 }

// AdvanceVClock updates the writer's running vclock, which becomes the
// VClock recorded for this segment in the directory once finalized.
func (w *Writer) AdvanceVClock(id int, lsn int64) { w.vc.Set(id, lsn) }

// Close writes the EOF marker, syncs, renames .inprogress to the final
// name, and registers the finalized segment in the owning directory.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.FlushFrame(); err != nil {
		return fmt.Errorf("xlog: final flush %s: %w", w.path, err)
	}

	eofHeader, err := buildFixHeader(eofMarker, 0, crc32c(nil))
	if err != nil {
		return fmt.Errorf("xlog: eof header %s: %w", w.path, err)
	}
	if _, err := w.f.Write(eofHeader); err != nil {
		return fmt.Errorf("xlog: write eof marker %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("xlog: final sync %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("xlog: close %s: %w", w.path, err)
	}
	if err := os.Rename(w.path, w.finalPath); err != nil {
		return fmt.Errorf("xlog: rename %s -> %s: %w", w.path, w.finalPath, err)
	}

	sig, _, _ := w.dir.parseFilename(filepath.Base(w.finalPath))
	w.dir.Insert(DirEntry{
		Signature:    sig,
		FileType:     w.dir.FileType,
		InstanceUUID: w.instanceUUID,
		VClock:       w.vc,
		Inprogress:   false,
		Path:         w.finalPath,
	})
	return nil
}

// Abort discards an in-progress segment without finalizing it, closing and
// removing the .inprogress file; snapshot.Dumper uses it to drop a dump
// that did not complete.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.path)
}
