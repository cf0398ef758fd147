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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"github.com/corewal/corewal/record"
)

// ErrEOFMarker is returned by NextRow once the file's eofMarker frame has
// been consumed: a clean, expected end, distinct from a truncated file.
var ErrEOFMarker = errors.New("xlog: eof marker reached")

const (
	readAheadMin = 128 * 1024
	readAheadMax = 8 * 1024 * 1024
)

// Cursor reads rows forward from one segment file. Its read-ahead size
// starts at readAheadMin and doubles (up to readAheadMax) on every full read
// that follows another full read; a partial read resets the size to the
// minimum. A grown buffer is layered over the previous reader, and buffers
// already allocated are not released when the size resets.
type Cursor struct {
	f        *os.File
	r        *bufio.Reader
	Meta     Meta
	readSize int
	lastFull bool

	// framePending holds the not-yet-decoded tail of the current frame's
	// payload: a frame may carry many rows (see xlog.Writer.FlushFrame),
	// so NextRow only requests a new frame once this drains to empty.
	framePending []byte
}

// OpenCursor opens path, parses its preamble and positions the cursor at
// the first frame.
func OpenCursor(path string) (*Cursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, readAheadMin)
	meta, err := parsePreamble(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("xlog: open cursor %s: %w", path, err)
	}
	return &Cursor{f: f, r: br, Meta: meta, readSize: readAheadMin}, nil
}

func (c *Cursor) Close() error { return c.f.Close() }

// nextFrame reads and validates the next frame header+payload, decompressing
// it if needed, and returns the raw (decoded) payload bytes.
func (c *Cursor) nextFrame() ([]byte, error) {
	header := make([]byte, fixedHeaderSize)
	n, err := io.ReadFull(c.r, header)
	c.trackReadSize(n, fixedHeaderSize)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("xlog: short header: %w", err)
	}

	ph, err := parseFixHeader(header)
	if err != nil {
		return nil, c.resync(err)
	}

	switch ph.Magic {
	case eofMarker:
		return nil, ErrEOFMarker
	case rowMarker, zrowMarker:
		// fall through
	default:
		return nil, c.resync(fmt.Errorf("xlog: bad frame magic 0x%08x", ph.Magic))
	}

	payload := make([]byte, ph.PayloadLen)
	n, err = io.ReadFull(c.r, payload)
	c.trackReadSize(n, int(ph.PayloadLen))
	if err != nil {
		return nil, fmt.Errorf("xlog: short payload: %w", err)
	}
	if crc32c(payload) != ph.CRC {
		return nil, c.resync(fmt.Errorf("xlog: crc mismatch"))
	}

	if ph.Magic == zrowMarker {
		decompressed, err := decompressLZ4(payload)
		if err != nil {
			return nil, c.resync(fmt.Errorf("xlog: lz4 decompress: %w", err))
		}
		return decompressed, nil
	}
	return payload, nil
}

// trackReadSize implements the read-ahead sizing policy: a read that filled
// the requested amount is "full"; a full read right after another full read
// doubles the read-ahead size and layers a buffer of that size over the
// current reader, so bytes it has already buffered are still read first. A
// short read (partial, due to the writer not having produced more bytes
// yet) resets the size to the minimum at once; it does not shrink buffers
// that are already allocated.
func (c *Cursor) trackReadSize(got, want int) {
	full := got >= want
	if c.lastFull && full && c.readSize < readAheadMax {
		c.readSize *= 2
		c.r = bufio.NewReaderSize(c.r, c.readSize)
	} else if !full {
		c.readSize = readAheadMin
	}
	c.lastFull = full
}

// resync scans forward byte-by-byte for the next rowMarker/zrowMarker magic,
// so that a caller tolerating a single corrupted frame (spec §8 S3) can skip
// it and keep reading rather than aborting the whole segment.
func (c *Cursor) resync(cause error) error {
	window := make([]byte, 4)
	if _, err := io.ReadFull(c.r, window[:3]); err != nil {
		return fmt.Errorf("xlog: resync after %w: %w", cause, err)
	}
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return fmt.Errorf("xlog: resync after %w: no further magic found: %w", cause, err)
		}
		copy(window, window[1:])
		window[3] = b
		magic := leUint32(window)
		if magic == rowMarker || magic == zrowMarker || magic == eofMarker {
			// Un-read nothing: the magic's 4 bytes are already consumed;
			// reconstruct a reader that starts from here by prefixing them
			// back onto the stream.
			c.r = bufio.NewReaderSize(io.MultiReader(bytes.NewReader(append([]byte(nil), window...)), c.r), c.readSize)
			return errResynced{cause}
		}
	}
}

// errResynced wraps the original corruption cause but is not itself treated
// as fatal by callers that choose to continue past a corrupt frame.
type errResynced struct{ cause error }

func (e errResynced) Error() string { return fmt.Sprintf("xlog: resynced past corruption: %v", e.cause) }
func (e errResynced) Unwrap() error { return e.cause }

// NextRow decodes and returns the next row, looping over however many rows
// the current frame carries before reading the next one. Returns
// ErrEOFMarker at a clean end of file, or io.EOF if the file ends without
// one (truncated). A corrupted frame is returned as an error after the
// cursor has resynced to the next frame magic, and a row that fails to
// decode drops the rest of its frame, so a caller that chooses to go on past
// the damage can simply call NextRow again.
func (c *Cursor) NextRow() (record.Row, error) {
	for {
		if len(c.framePending) == 0 {
			payload, err := c.nextFrame()
			if err != nil {
				return record.Row{}, err
			}
			c.framePending = payload
		}
		row, rest, err := record.Decode(c.framePending)
		if err != nil {
			c.framePending = nil
			return record.Row{}, fmt.Errorf("xlog: decode row: %w", err)
		}
		c.framePending = rest
		return row, nil
	}
}

func decompressLZ4(compressed []byte) ([]byte, error) {
	// lz4 block format carries no uncompressed-size header of its own in
	// this framing (the xlog frame header already has payloadLen for the
	// compressed form); grow the destination buffer until it fits.
	dst := make([]byte, len(compressed)*4+64)
	for {
		n, err := lz4.UncompressBlock(compressed, dst)
		if err == nil {
			return dst[:n], nil
		}
		if len(dst) >= readAheadMax {
			return nil, err
		}
		dst = make([]byte, len(dst)*2)
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
