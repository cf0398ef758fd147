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
	"io"

	"github.com/pierrec/lz4/v4"
)

// EncodeWireFrame frames one already-encoded row exactly like a segment
// file frame (magic + fixheader + payload), for the replication wire
// protocol, which spec §6 defines as "Same MsgPack row framing as xlog".
// compress controls whether the lz4 (zrow_marker) branch is attempted.
func EncodeWireFrame(row []byte, compress bool) ([]byte, error) {
	magic := rowMarker
	payload := row
	if compress && len(row) >= compressThreshold {
		dst := make([]byte, lz4.CompressBlockBound(len(row)))
		var c lz4.Compressor
		n, err := c.CompressBlock(row, dst)
		if err == nil && n > 0 && n < len(row) {
			magic = zrowMarker
			payload = dst[:n]
		}
	}
	header, err := buildFixHeader(magic, uint64(len(payload)), crc32c(payload))
	if err != nil {
		return nil, err
	}
	return append(header, payload...), nil
}

// ReadWireFrame reads and decodes one frame from r, returning the decoded
// row bytes. Returns ErrEOFMarker if the frame is an EOF marker frame (the
// frame WriteEOFMarker writes).
func ReadWireFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("xlog: wire: short header: %w", err)
	}
	ph, err := parseFixHeader(header)
	if err != nil {
		return nil, fmt.Errorf("xlog: wire: %w", err)
	}
	if ph.Magic == eofMarker {
		return nil, ErrEOFMarker
	}
	if ph.Magic != rowMarker && ph.Magic != zrowMarker {
		return nil, fmt.Errorf("xlog: wire: bad frame magic 0x%08x", ph.Magic)
	}
	payload := make([]byte, ph.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("xlog: wire: short payload: %w", err)
	}
	if crc32c(payload) != ph.CRC {
		return nil, fmt.Errorf("xlog: wire: crc mismatch")
	}
	if ph.Magic == zrowMarker {
		return decompressLZ4(payload)
	}
	return payload, nil
}

// WriteEOFMarker writes an EOF marker frame, byte-identical to the one that
// ends a segment file.
func WriteEOFMarker(w io.Writer) error {
	h, err := buildFixHeader(eofMarker, 0, crc32c(nil))
	if err != nil {
		return err
	}
	_, err = w.Write(h)
	return err
}
