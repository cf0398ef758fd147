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

package replication

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
	"github.com/google/uuid"
	"github.com/corewal/corewal/vclock"
)

// encodeVClockBody/decodeVClockBody carry a vclock as a single MsgPack
// string body chunk (the compact {id: lsn, ...} text form, reused as-is
// from the preamble codec rather than inventing a second binary layout).
func encodeVClockBody(vc *vclock.VClock) []byte {
	return msgp.AppendString(nil, vc.String())
}

func decodeVClockBody(b []byte) (*vclock.VClock, error) {
	s, _, err := msgp.ReadStringBytes(b)
	if err != nil {
		return nil, fmt.Errorf("replication: decoding vclock body: %w", err)
	}
	return vclock.Parse(s)
}

func encodeUUIDBody(id uuid.UUID) []byte {
	return msgp.AppendString(nil, id.String())
}

func parseUUIDBody(b []byte) (uuid.UUID, error) {
	s, _, err := msgp.ReadStringBytes(b)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("replication: decoding uuid body: %w", err)
	}
	return uuid.Parse(s)
}
