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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/corewal/corewal/vclock"
)

// version is the preamble version tag this implementation writes. "0.12" is
// still accepted on read, per spec §4.3.1/§6.
const version = "0.13"

// Version returns the preamble version tag, reused as the replication
// greeting's version field so both surfaces stay in lockstep.
func Version() string { return version }

// Meta is the parsed text preamble of one segment file.
type Meta struct {
	FileType     FileType
	Version      string
	InstanceUUID uuid.UUID
	VClock       *vclock.VClock
	PrevVClock   *vclock.VClock // nil if absent
}

// formatPreamble renders the ASCII preamble terminated by a blank line, per
// spec §6.
func formatPreamble(m Meta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", m.FileType)
	fmt.Fprintf(&b, "%s\n", version)
	fmt.Fprintf(&b, "Instance: %s\n", m.InstanceUUID.String())
	if m.VClock != nil {
		fmt.Fprintf(&b, "VClock: %s\n", m.VClock.String())
	}
	if m.PrevVClock != nil {
		fmt.Fprintf(&b, "PrevVClock: %s\n", m.PrevVClock.String())
	}
	b.WriteString("\n")
	return b.String()
}

// parsePreamble reads the text preamble from r, stopping right after the
// blank-line terminator. Returns the parsed Meta; r is left positioned at
// the first byte after the preamble (the first frame).
func parsePreamble(r *bufio.Reader) (Meta, error) {
	var m Meta
	lines := make([]string, 0, 6)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return m, fmt.Errorf("xlog: truncated preamble")
			}
			if err != io.EOF {
				return m, fmt.Errorf("xlog: reading preamble: %w", err)
			}
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
		if err == io.EOF {
			break
		}
	}
	if len(lines) < 3 {
		return m, fmt.Errorf("xlog: preamble too short")
	}
	m.FileType = FileType(lines[0])
	if m.FileType != TypeXlog && m.FileType != TypeSnap {
		return m, fmt.Errorf("xlog: unknown filetype %q", lines[0])
	}
	m.Version = lines[1]
	if m.Version != "0.13" && m.Version != "0.12" {
		return m, fmt.Errorf("xlog: unsupported version %q", m.Version)
	}
	for _, line := range lines[2:] {
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return m, fmt.Errorf("xlog: malformed preamble line %q", line)
		}
		switch key {
		case "Instance":
			id, err := uuid.Parse(val)
			if err != nil {
				return m, fmt.Errorf("xlog: bad instance uuid: %w", err)
			}
			m.InstanceUUID = id
		case "VClock":
			vc, err := vclock.Parse(val)
			if err != nil {
				return m, fmt.Errorf("xlog: bad vclock: %w", err)
			}
			m.VClock = vc
		case "PrevVClock":
			vc, err := vclock.Parse(val)
			if err != nil {
				return m, fmt.Errorf("xlog: bad prev vclock: %w", err)
			}
			m.PrevVClock = vc
		default:
			// unknown preamble key: forward compatible, ignore
		}
	}
	return m, nil
}

// readPreambleFile reads only the text preamble of the file at path,
// without requiring the caller to manage a cursor.
func readPreambleFile(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()
	return parsePreamble(bufio.NewReader(f))
}
