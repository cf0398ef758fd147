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

import "github.com/launix-de/NonLockingReadMap"

// nonLockingDirIndex wraps the generic lock-free ordered map for DirEntry,
// keyed by signature. Reads never block the single mutator (the TX fiber
// owning recovery/rotation), matching §5's ownership rule for the directory
// index.
type nonLockingDirIndex struct {
	m NonLockingReadMap.NonLockingReadMap[DirEntry, int64]
}

func newDirIndex() nonLockingDirIndex {
	return nonLockingDirIndex{m: NonLockingReadMap.New[DirEntry, int64]()}
}

func (idx *nonLockingDirIndex) Set(e DirEntry) { idx.m.Set(&e) }

func (idx *nonLockingDirIndex) Remove(sig int64) { idx.m.Remove(sig) }

func (idx *nonLockingDirIndex) Get(sig int64) (DirEntry, bool) {
	if p := idx.m.Get(sig); p != nil {
		return *p, true
	}
	return DirEntry{}, false
}

// SortedValues returns all entries ascending by signature. The backing map
// always keeps its slice sorted by key (see NonLockingReadMap.Set), so no
// extra sort is needed here.
func (idx *nonLockingDirIndex) SortedValues() []DirEntry {
	all := idx.m.GetAll()
	out := make([]DirEntry, len(all))
	for i, p := range all {
		out[i] = *p
	}
	return out
}
