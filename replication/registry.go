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
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/corewal/corewal/vclock"
)

// Subscriber is one connected relay's bookkeeping entry, ordered by
// connection id. Server fills in only ID and Cancel; NodeID, NodeUUID and
// VClock are left unset, and no replication lag is recorded.
type Subscriber struct {
	ID       uint64
	NodeID   int
	NodeUUID uuid.UUID
	VClock   *vclock.VClock
	Cancel   func()
}

func subscriberLess(a, b *Subscriber) bool { return a.ID < b.ID }

// Registry tracks every connection the Server is currently serving, JOIN
// and SUBSCRIBE alike, from accept until the relay returns. Ordered
// by connection id via a B-tree so an operator's "list replicas" query
// returns a stable, cheap-to-produce ordering without sorting a map on
// every call.
type Registry struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Subscriber]
}

// NewRegistry returns an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{tree: btree.NewG(32, subscriberLess)}
}

func (r *Registry) Add(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.ReplaceOrInsert(s)
}

func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Delete(&Subscriber{ID: id})
}

// Each calls fn for every subscriber in ascending connection-id order,
// stopping early if fn returns false.
func (r *Registry) Each(fn func(*Subscriber) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Ascend(func(s *Subscriber) bool { return fn(s) })
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}
