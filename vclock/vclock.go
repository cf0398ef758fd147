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

// Package vclock implements the per-node vector clock used to order and
// select segment files: a sparse mapping from node-id to the highest LSN
// observed from that node.
package vclock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/launix-de/NonLockingReadMap"
)

// Max bounds the node-ids a VClock can track: ids run from 0 to Max-1
// (mirrors tarantool's VCLOCK_MAX). Node-ids are small integers assigned by cluster membership,
// never user data, so a fixed bound keeps the hot path allocation-free.
const Max = 32

// Order is the result of comparing two vector clocks componentwise.
type Order int

const (
	Equal Order = iota
	Less
	Greater
	Incomparable
)

// VClock is a partial function node-id -> LSN. An absent entry is -1,
// distinct from a present entry holding 0.
type VClock struct {
	lsn    [Max]int64
	lsnSet NonLockingReadMap.NonBlockingBitMap // lock-free presence mirror for concurrent readers
}

// New returns an empty vector clock (every node-id absent).
func New() *VClock {
	v := &VClock{lsnSet: NonLockingReadMap.NewBitMap()}
	for i := range v.lsn {
		v.lsn[i] = -1
	}
	return v
}

// Get returns the LSN for id and whether it is present.
func (v *VClock) Get(id int) (int64, bool) {
	if id < 0 || id >= Max {
		return 0, false
	}
	l := v.lsn[id]
	if l < 0 {
		return 0, false
	}
	return l, true
}

// Has reports presence via the lock-free bitmap mirror, for concurrent
// readers that only need a yes/no answer.
func (v *VClock) Has(id int) bool {
	if id < 0 || id >= Max {
		return false
	}
	return v.lsnSet.Get(uint32(id))
}

// Set assigns lsn to id. lsn must be strictly greater than
// the current value (or the entry must be absent); violating this is a
// programming error, exactly as in tarantool's vclock_follow, and panics
// rather than silently corrupting the ordering invariant relied on by every
// other component.
func (v *VClock) Set(id int, lsn int64) {
	if id < 0 || id >= Max {
		panic(fmt.Sprintf("vclock: node-id %d out of range [0,%d)", id, Max))
	}
	if lsn <= v.lsn[id] {
		panic(fmt.Sprintf("vclock: LSN for node %d used twice or out of order: confirmed %d, new %d", id, v.lsn[id], lsn))
	}
	v.lsn[id] = lsn
	v.lsnSet.Set(uint32(id), true)
}

// Advance is an alias for Set, named to match the spec's vocabulary
// (monotonic-advance-only).
func (v *VClock) Advance(id int, lsn int64) { v.Set(id, lsn) }

// Reassign moves the entry at oldID to newID, clearing oldID. Used once,
// during bootstrap, to replace the placeholder id=0 entry with the node-id
// the cluster membership service actually allocates (spec §4.5
// INITIAL_RECOVERY, Open Question #1 in spec.md §9 — resolved here by
// creating the placeholder as a present entry with value 0, so moving it is
// just a relabel rather than a presence change).
func (v *VClock) Reassign(oldID, newID int) {
	if oldID < 0 || oldID >= Max || newID < 0 || newID >= Max {
		panic(fmt.Sprintf("vclock: node-id out of range [0,%d): old=%d new=%d", Max, oldID, newID))
	}
	if v.lsn[newID] >= 0 {
		panic(fmt.Sprintf("vclock: Reassign target %d already present", newID))
	}
	v.lsn[newID] = v.lsn[oldID]
	v.lsnSet.Set(uint32(newID), v.lsn[oldID] >= 0)
	v.lsn[oldID] = -1
	v.lsnSet.Set(uint32(oldID), false)
}

// Copy merges src into dst: an entry present in src replaces dst's only
// when src's LSN is greater, so each component ends at the larger of the
// two; entries only in dst are left untouched (matches tarantool's
// vclock_merge semantics used when following along after a snapshot).
func Copy(dst, src *VClock) {
	for id := 0; id < Max; id++ {
		if l, ok := src.Get(id); ok && l > dst.lsn[id] {
			dst.lsn[id] = l
			dst.lsnSet.Set(uint32(id), true)
		}
	}
}

// Clone returns an independent copy of v. Call this while the owning
// TX fiber is not running if a consistent snapshot is required — the
// vclock itself offers no atomic whole-object read.
func (v *VClock) Clone() *VClock {
	c := New()
	for id := 0; id < Max; id++ {
		if l, ok := v.Get(id); ok {
			c.lsn[id] = l
			c.lsnSet.Set(uint32(id), true)
		}
	}
	return c
}

// Compare performs a componentwise comparison of a and b.
func Compare(a, b *VClock) Order {
	less, greater := false, false
	for id := 0; id < Max; id++ {
		al, aok := a.Get(id)
		bl, bok := b.Get(id)
		switch {
		case aok && !bok:
			greater = true
		case !aok && bok:
			less = true
		case aok && bok && al < bl:
			less = true
		case aok && bok && al > bl:
			greater = true
		}
	}
	switch {
	case less && greater:
		return Incomparable
	case less:
		return Less
	case greater:
		return Greater
	default:
		return Equal
	}
}

// Signature returns sum(lsn) over all present entries: the dense total
// order used as a segment filename and as the sort/selection key for
// xdir.Match.
func (v *VClock) Signature() int64 {
	var sum int64
	for id := 0; id < Max; id++ {
		if l, ok := v.Get(id); ok {
			sum += l
		}
	}
	return sum
}

// String renders the compact {id: lsn, ...} form used in segment preambles.
func (v *VClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	sep := ""
	for id := 0; id < Max; id++ {
		if l, ok := v.Get(id); ok {
			fmt.Fprintf(&b, "%s%d: %d", sep, id, l)
			sep = ", "
		}
	}
	b.WriteByte('}')
	return b.String()
}

// Parse parses the compact {id: lsn, ...} form back into a VClock.
func Parse(s string) (*VClock, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("vclock: malformed vclock string %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	v := New()
	if inner == "" {
		return v, nil
	}
	for _, part := range strings.Split(inner, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("vclock: malformed entry %q in %q", part, s)
		}
		id, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, fmt.Errorf("vclock: bad node-id in %q: %w", part, err)
		}
		lsn, err := strconv.ParseInt(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("vclock: bad lsn in %q: %w", part, err)
		}
		if id < 0 || id >= Max {
			return nil, fmt.Errorf("vclock: node-id %d out of range in %q", id, s)
		}
		v.lsn[id] = lsn
		v.lsnSet.Set(uint32(id), true)
	}
	return v, nil
}

// ids returns the present node-ids in ascending order. Used by Match.
func (v *VClock) ids() []int {
	out := make([]int, 0, 4)
	for id := 0; id < Max; id++ {
		if _, ok := v.Get(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// Match returns the vclock in set whose signature is the greatest among
// those that do not exceed key on any component — i.e. the most advanced
// segment file that a reader starting at key can safely skip straight to.
// Returns nil if no candidate qualifies (the reader must start from the
// first file in the directory).
func Match(set []*VClock, key *VClock) *VClock {
	var best *VClock
	var bestSig int64
	for _, candidate := range set {
		overshoots := false
		for _, id := range candidate.ids() {
			cl, _ := candidate.Get(id)
			kl, ok := key.Get(id)
			if !ok || cl > kl {
				overshoots = true
				break
			}
		}
		if overshoots {
			continue
		}
		sig := candidate.Signature()
		if best == nil || sig > bestSig {
			best = candidate
			bestSig = sig
		}
	}
	return best
}

// SortBySignature sorts vclocks ascending by signature, matching filename
// lexicographic == numeric ordering in the segment directory.
func SortBySignature(set []*VClock) {
	sort.Slice(set, func(i, j int) bool { return set[i].Signature() < set[j].Signature() })
}
