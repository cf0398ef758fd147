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

// Package record implements the on-disk/on-wire record (row) codec: a
// MsgPack map of small-integer keys carrying the header, followed by 0..N
// opaque MsgPack body chunks.
package record

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Type is the request/record type tag.
type Type uint8

const (
	Insert Type = iota
	Replace
	Update
	Delete
	Upsert
	Call
	Auth
	Ping
	Join
	Subscribe
	OK
	ErrorType
	// SnapshotBatch wraps a batch of other rows in a single compressed body
	// chunk; only a snapshot dump writer/reader ever produces or consumes it.
	SnapshotBatch
)

// Header map keys, small non-negative integers per spec §4.2. bodyCount is
// an explicit addition: the original wire protocol infers body shape from
// the request type out of band. A from-scratch codec needs a self-describing
// boundary between one row's body chunks and the next row's header, so we
// encode the chunk count explicitly rather than relying on a side table of
// per-type arities (documented in DESIGN.md).
const (
	keyRequestType = 0x00
	keySync        = 0x01
	keyServerID    = 0x02
	keyLSN         = 0x03
	keyTimestamp   = 0x04
	keyBodyCount   = 0x05
)

// ErrInvalidMsgpack is returned for any malformed record: bad MsgPack, a
// header value typed incorrectly, or a length mismatch. Per spec §4.2 this
// aborts the current cursor advance; callers may retry via resync.
var ErrInvalidMsgpack = fmt.Errorf("record: invalid msgpack")

// Row is one logical mutation or protocol message.
type Row struct {
	Type      Type
	Sync      uint64
	ServerID  int   // origin node-id; 0 means "local, assign on enqueue"
	LSN       int64 // per-origin monotonic sequence number
	Timestamp float64
	Body      [][]byte // opaque, already-encoded MsgPack values (typically one map)
}

// Encode appends the MsgPack encoding of r to b and returns the result.
func Encode(b []byte, r Row) []byte {
	b = msgp.AppendMapHeader(b, 6)

	b = msgp.AppendInt(b, keyRequestType)
	b = msgp.AppendUint8(b, uint8(r.Type))

	b = msgp.AppendInt(b, keySync)
	b = msgp.AppendUint64(b, r.Sync)

	b = msgp.AppendInt(b, keyServerID)
	b = msgp.AppendInt(b, r.ServerID)

	b = msgp.AppendInt(b, keyLSN)
	b = msgp.AppendInt64(b, r.LSN)

	b = msgp.AppendInt(b, keyTimestamp)
	b = msgp.AppendFloat64(b, r.Timestamp)

	b = msgp.AppendInt(b, keyBodyCount)
	b = msgp.AppendInt(b, len(r.Body))

	for _, chunk := range r.Body {
		b = append(b, chunk...)
	}
	return b
}

// Decode parses one Row from the front of b, returning the row and the
// remaining bytes. Unknown header keys are skipped. A malformed record
// returns ErrInvalidMsgpack wrapped with more context.
func Decode(b []byte) (Row, []byte, error) {
	var r Row
	sz, rest, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return r, nil, fmt.Errorf("%w: header: %w", ErrInvalidMsgpack, err)
	}

	var bodyCount int
	haveBodyCount := false

	for i := uint32(0); i < sz; i++ {
		var key int64
		key, rest, err = msgp.ReadInt64Bytes(rest)
		if err != nil {
			return r, nil, fmt.Errorf("%w: key %d: %w", ErrInvalidMsgpack, i, err)
		}
		switch key {
		case keyRequestType:
			var v uint8
			v, rest, err = msgp.ReadUint8Bytes(rest)
			r.Type = Type(v)
		case keySync:
			r.Sync, rest, err = msgp.ReadUint64Bytes(rest)
		case keyServerID:
			var v int64
			v, rest, err = msgp.ReadInt64Bytes(rest)
			r.ServerID = int(v)
		case keyLSN:
			r.LSN, rest, err = msgp.ReadInt64Bytes(rest)
		case keyTimestamp:
			r.Timestamp, rest, err = msgp.ReadFloat64Bytes(rest)
		case keyBodyCount:
			var v int64
			v, rest, err = msgp.ReadInt64Bytes(rest)
			bodyCount = int(v)
			haveBodyCount = true
		default:
			// unknown header key: skip its value and move on
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return r, nil, fmt.Errorf("%w: value for key %d: %w", ErrInvalidMsgpack, key, err)
		}
	}

	if !haveBodyCount {
		return r, nil, fmt.Errorf("%w: missing body count", ErrInvalidMsgpack)
	}

	if bodyCount > 0 {
		r.Body = make([][]byte, bodyCount)
	}
	for i := 0; i < bodyCount; i++ {
		start := rest
		rest, err = msgp.Skip(rest)
		if err != nil {
			return r, nil, fmt.Errorf("%w: body chunk %d: %w", ErrInvalidMsgpack, i, err)
		}
		r.Body[i] = start[:len(start)-len(rest)]
	}

	return r, rest, nil
}

// IsLocal reports whether the row still needs origin/LSN assignment at
// WAL-enqueue time (spec §3: "a record with server_id=0 is local").
func (r Row) IsLocal() bool { return r.ServerID == 0 }
