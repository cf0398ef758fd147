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

// Package wal implements the WAL writer concurrency core: one goroutine
// owns all disk writes, fed by producer goroutines through an input FIFO
// protected by a single mutex/condition-variable pair.
package wal

import "github.com/corewal/corewal/record"

// Mode is the durability mode requested for a WAL instance.
type Mode int

const (
	// ModeNone disables the WAL: Enqueue returns immediately without
	// waiting for the writer, and no bytes are ever written to disk.
	ModeNone Mode = iota
	// ModeWriteback writes every batch out as frames without calling Sync,
	// relying on the OS's own writeback for eventual durability.
	ModeWriteback
	// ModeFsync calls Sync after every flush, trading latency for the
	// strongest per-request durability guarantee.
	ModeFsync
)

// request is one producer's enqueued row. It waits in the Writer's input
// slice, under the Writer's single mutex, until the writer goroutine takes
// it; its commit or rollback is then delivered on resultCh.
type request struct {
	row        record.Row
	encoded    []byte
	producerID string     // goroutine-local id, see producer.go; empty if unset
	resultCh   chan int64 // receives the assigned LSN on commit, -1 on rollback
}
