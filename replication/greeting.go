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

// Package replication implements the server-side relay (one goroutine per
// subscriber, streaming JOIN/SUBSCRIBE) and the client-side applier
// (CONNECT/AUTH/JOIN/SUBSCRIBE/FOLLOW state machine) on top of the xlog
// wire framing.
package replication

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// GreetingSize is the fixed size of the binary greeting exchanged at the
// start of every connection, per spec §6.
const GreetingSize = 128

const protocolTag = "Binary"

// ErrBadGreeting is returned for a malformed or unrecognized greeting.
var ErrBadGreeting = errors.New("replication: malformed greeting")

// Greeting is the 128-byte blob a server sends immediately after accept.
type Greeting struct {
	Version      string
	InstanceUUID uuid.UUID
	Salt         [32]byte
}

// NewGreeting builds a greeting with a fresh random salt.
func NewGreeting(version string, instanceUUID uuid.UUID) (Greeting, error) {
	var g Greeting
	g.Version = version
	g.InstanceUUID = instanceUUID
	if _, err := rand.Read(g.Salt[:]); err != nil {
		return Greeting{}, fmt.Errorf("replication: generating salt: %w", err)
	}
	return g, nil
}

// WriteGreeting writes the fixed-size greeting: a first 64-byte line
// "<tag> <version> <uuid>\n" space-padded, then a second 64-byte line
// carrying the base64 salt, space-padded.
func WriteGreeting(w io.Writer, g Greeting) error {
	line1 := fmt.Sprintf("%s %s %s", protocolTag, g.Version, g.InstanceUUID.String())
	line2 := base64.StdEncoding.EncodeToString(g.Salt[:])

	buf := make([]byte, GreetingSize)
	copy(buf, padLine(line1, GreetingSize/2))
	copy(buf[GreetingSize/2:], padLine(line2, GreetingSize/2))
	_, err := w.Write(buf)
	return err
}

func padLine(s string, width int) []byte {
	if len(s) > width-1 {
		s = s[:width-1]
	}
	b := make([]byte, width)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	b[width-1] = '\n'
	return b
}

// ReadGreeting parses a 128-byte greeting, verifying the protocol tag.
func ReadGreeting(r io.Reader) (Greeting, error) {
	buf := make([]byte, GreetingSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Greeting{}, fmt.Errorf("%w: %v", ErrBadGreeting, err)
	}
	line1 := strings.TrimSpace(string(buf[:GreetingSize/2]))
	line2 := strings.TrimSpace(string(buf[GreetingSize/2:]))

	fields := strings.Fields(line1)
	if len(fields) < 3 || fields[0] != protocolTag {
		return Greeting{}, fmt.Errorf("%w: unexpected protocol line %q", ErrBadGreeting, line1)
	}
	id, err := uuid.Parse(fields[2])
	if err != nil {
		return Greeting{}, fmt.Errorf("%w: bad instance uuid: %v", ErrBadGreeting, err)
	}
	salt, err := base64.StdEncoding.DecodeString(line2)
	if err != nil || len(salt) < 32 {
		return Greeting{}, fmt.Errorf("%w: bad salt: %v", ErrBadGreeting, err)
	}
	g := Greeting{Version: fields[1], InstanceUUID: id}
	copy(g.Salt[:], salt)
	return g, nil
}
