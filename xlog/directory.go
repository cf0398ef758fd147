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

// Package xlog implements the on-disk segment file format: framed,
// checksummed transactions inside one append-only file per signature, the
// directory that indexes a set of such files, the forward-reading cursor,
// and the writer that produces them.
package xlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/corewal/corewal/vclock"
)

// FileType distinguishes a WAL segment from a snapshot.
type FileType string

const (
	TypeXlog FileType = "XLOG"
	TypeSnap FileType = "SNAP"
)

func (t FileType) ext() string {
	if t == TypeSnap {
		return ".snap"
	}
	return ".xlog"
}

// DirEntry describes one on-disk segment file as recorded in the directory
// index. Value-receiver methods so it can be used directly (not *DirEntry)
// as the NonLockingReadMap element type.
type DirEntry struct {
	Signature    int64
	FileType     FileType
	InstanceUUID uuid.UUID
	VClock       *vclock.VClock
	Inprogress   bool
	Path         string
}

// GetKey implements NonLockingReadMap.KeyGetter[int64].
func (e DirEntry) GetKey() int64 { return e.Signature }

// ComputeSize implements NonLockingReadMap.Sizable with a coarse estimate;
// the directory index never holds enough entries for precision to matter.
func (e DirEntry) ComputeSize() uint { return 64 }

// Directory indexes the segment files of one type (xlog or snap) living in
// one directory. Its in-memory index is mutated only by the TX-side owner
// (recovery/WAL rotation); concurrent readers (the writer thread reporting
// "current file", replication relays) read a lock-free snapshot via
// Entries, matching §5's ownership rule.
type Directory struct {
	Dirname  string
	FileType FileType
	index    nonLockingDirIndex
}

// NewDirectory opens (but does not yet scan) a directory for one file type.
func NewDirectory(dirname string, ft FileType) *Directory {
	return &Directory{Dirname: dirname, FileType: ft, index: newDirIndex()}
}

// Filename returns the canonical <20-digit signature><ext>[.inprogress] name
// for a given signature, per spec §6.
func (d *Directory) Filename(signature int64, inprogress bool) string {
	name := fmt.Sprintf("%020d%s", signature, d.FileType.ext())
	if inprogress {
		name += ".inprogress"
	}
	return filepath.Join(d.Dirname, name)
}

// parseFilename extracts the signature, inprogress flag from a base name
// matching this directory's file type, or ok=false if it doesn't match.
func (d *Directory) parseFilename(base string) (signature int64, inprogress bool, ok bool) {
	rest := base
	if strings.HasSuffix(rest, ".inprogress") {
		inprogress = true
		rest = strings.TrimSuffix(rest, ".inprogress")
	}
	ext := d.FileType.ext()
	if !strings.HasSuffix(rest, ext) {
		return 0, false, false
	}
	rest = strings.TrimSuffix(rest, ext)
	if len(rest) != 20 {
		return 0, false, false
	}
	sig, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return sig, inprogress, true
}

// Scan (re)populates the directory index by reading every matching file's
// preamble. Files failing to parse a preamble are skipped with an error
// returned in the aggregate (scan continues past individual bad files so one
// corrupt preamble does not hide the rest of the directory).
func (d *Directory) Scan() error {
	entries, err := os.ReadDir(d.Dirname)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("xlog: scan %s: %w", d.Dirname, err)
	}

	var firstErr error
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		sig, inprogress, ok := d.parseFilename(de.Name())
		if !ok {
			continue
		}
		path := filepath.Join(d.Dirname, de.Name())
		meta, err := readPreambleFile(path)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("xlog: preamble %s: %w", path, err)
			}
			continue
		}
		entry := DirEntry{
			Signature:    sig,
			FileType:     d.FileType,
			InstanceUUID: meta.InstanceUUID,
			VClock:       meta.VClock,
			Inprogress:   inprogress,
			Path:         path,
		}
		d.index.Set(entry)
	}
	return firstErr
}

// Insert adds (or replaces) one entry directly, used by the writer when it
// finalizes a new segment without a full rescan.
func (d *Directory) Insert(e DirEntry) { d.index.Set(e) }

// Remove drops signature from the index (e.g. after GC deletes the file).
func (d *Directory) Remove(signature int64) { d.index.Remove(signature) }

// Entries returns all known entries ordered by ascending signature.
func (d *Directory) Entries() []DirEntry { return d.index.SortedValues() }

// Last returns the entry with the greatest signature, or ok=false if empty.
func (d *Directory) Last() (DirEntry, bool) {
	all := d.Entries()
	if len(all) == 0 {
		return DirEntry{}, false
	}
	return all[len(all)-1], true
}

// Match finds the directory entry whose vclock is the best starting point
// for a reader already at key: the greatest signature not overshooting key
// on any component (spec §4.1 vclock.match, applied to a directory).
func (d *Directory) Match(key *vclock.VClock) (DirEntry, bool) {
	all := d.Entries()
	clocks := make([]*vclock.VClock, len(all))
	for i, e := range all {
		clocks[i] = e.VClock
	}
	best := vclock.Match(clocks, key)
	if best == nil {
		return DirEntry{}, false
	}
	for _, e := range all {
		if e.VClock == best {
			return e, true
		}
	}
	return DirEntry{}, false
}

// Next returns the entry with the smallest signature strictly greater than
// the given one, used to advance a cursor from one finalized segment to the
// next (spec §4.5 FINAL_RECOVERY step 1).
func (d *Directory) Next(afterSignature int64) (DirEntry, bool) {
	all := d.Entries()
	idx := sort.Search(len(all), func(i int) bool { return all[i].Signature > afterSignature })
	if idx >= len(all) {
		return DirEntry{}, false
	}
	return all[idx], true
}
