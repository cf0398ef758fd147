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
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic values, little-endian on disk. rowMarker tags a plain payload,
// zrowMarker a compressed one, eofMarker the end-of-file sentinel. Bit-exact
// with spec §6 (these are tarantool's historical row_marker/zrow_marker/
// eof_marker values; only the compression algorithm behind zrowMarker
// differs — lz4 here, see DESIGN.md).
const (
	rowMarker  uint32 = 0xd5ba0bab
	zrowMarker uint32 = 0xd5ba0bba
	eofMarker  uint32 = 0xd510aded
)

// fixedHeaderSize is the total on-disk size of one frame header, magic
// included. mp_encode_uint fields are variable width; the remainder is
// padded with a MsgPack string of zero bytes so every header is exactly
// this many bytes, which is what makes the header parseable without first
// knowing its own length.
const fixedHeaderSize = 19

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// appendMPUint appends v using the narrowest MsgPack unsigned-int encoding
// that represents it exactly, matching tarantool's mp_encode_uint. Hand
// rolled (not the msgp package) because the fixed 19-byte frame header
// depends on controlling the exact byte width chosen for each field.
func appendMPUint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<7:
		return append(b, byte(v))
	case v < 1<<8:
		return append(b, 0xcc, byte(v))
	case v < 1<<16:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v))
		return append(append(b, 0xcd), buf...)
	case v < 1<<32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v))
		return append(append(b, 0xce), buf...)
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return append(append(b, 0xcf), buf...)
	}
}

// readMPUint decodes one MsgPack unsigned int from the front of b.
func readMPUint(b []byte) (uint64, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("xlog: empty buffer reading uint")
	}
	tag := b[0]
	switch {
	case tag < 0x80:
		return uint64(tag), b[1:], nil
	case tag == 0xcc:
		if len(b) < 2 {
			return 0, nil, fmt.Errorf("xlog: truncated uint8")
		}
		return uint64(b[1]), b[2:], nil
	case tag == 0xcd:
		if len(b) < 3 {
			return 0, nil, fmt.Errorf("xlog: truncated uint16")
		}
		return uint64(binary.BigEndian.Uint16(b[1:3])), b[3:], nil
	case tag == 0xce:
		if len(b) < 5 {
			return 0, nil, fmt.Errorf("xlog: truncated uint32")
		}
		return uint64(binary.BigEndian.Uint32(b[1:5])), b[5:], nil
	case tag == 0xcf:
		if len(b) < 9 {
			return 0, nil, fmt.Errorf("xlog: truncated uint64")
		}
		return binary.BigEndian.Uint64(b[1:9]), b[9:], nil
	default:
		return 0, nil, fmt.Errorf("xlog: not a msgpack uint (tag 0x%02x)", tag)
	}
}

// buildFixHeader produces the 19-byte frame header for a payload of the
// given (on-disk, i.e. possibly compressed) length and CRC32C. prevCrc is
// always encoded as 0, per spec §3 ("previous-frame checksum placeholder").
func buildFixHeader(magic uint32, payloadLen uint64, crc uint32) ([]byte, error) {
	h := make([]byte, 4, fixedHeaderSize)
	binary.LittleEndian.PutUint32(h, magic)
	h = appendMPUint(h, payloadLen)
	h = appendMPUint(h, 0) // prev_crc placeholder
	h = appendMPUint(h, uint32ToUint64(crc))

	padding := fixedHeaderSize - len(h)
	if padding < 0 {
		return nil, fmt.Errorf("xlog: frame header overflowed fixed size (got %d bytes)", len(h))
	}
	if padding > 0 {
		// MsgPack string header for a (padding-1)-byte filler, fixstr
		// format (length < 32) matching mp_encode_strl for small lengths.
		h = append(h, 0xa0|byte(padding-1))
		for i := 0; i < padding-1; i++ {
			h = append(h, 0)
		}
	}
	return h, nil
}

func uint32ToUint64(v uint32) uint64 { return uint64(v) }

// parsedHeader is the decoded form of a fixed frame header.
type parsedHeader struct {
	Magic      uint32
	PayloadLen uint64
	PrevCRC    uint64
	CRC        uint32
}

// parseFixHeader decodes the 19-byte header at the front of b. The trailing
// padding bytes are not interpreted; their only job is to pad the header to
// fixedHeaderSize.
func parseFixHeader(b []byte) (parsedHeader, error) {
	if len(b) < fixedHeaderSize {
		return parsedHeader{}, fmt.Errorf("xlog: short frame header (%d bytes)", len(b))
	}
	var ph parsedHeader
	ph.Magic = binary.LittleEndian.Uint32(b[:4])
	rest := b[4:fixedHeaderSize]

	payloadLen, rest, err := readMPUint(rest)
	if err != nil {
		return parsedHeader{}, fmt.Errorf("xlog: payload_len: %w", err)
	}
	ph.PayloadLen = payloadLen

	prevCRC, rest, err := readMPUint(rest)
	if err != nil {
		return parsedHeader{}, fmt.Errorf("xlog: prev_crc: %w", err)
	}
	ph.PrevCRC = prevCRC

	crc, _, err := readMPUint(rest)
	if err != nil {
		return parsedHeader{}, fmt.Errorf("xlog: crc32c: %w", err)
	}
	ph.CRC = uint32(crc)

	return ph, nil
}

// crc32c computes the CRC32C (Castagnoli) checksum of b, matching spec §6's
// "CRC is CRC32C over the uncompressed-or-compressed payload as written".
func crc32c(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}
