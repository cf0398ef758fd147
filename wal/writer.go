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

package wal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/corewal/corewal/record"
	"github.com/corewal/corewal/vclock"
	"github.com/corewal/corewal/xlog"
)

// ErrShutdown is the error returned to a producer whose request is still
// queued when Shutdown is called.
var ErrShutdown = errors.New("wal: writer shut down")

// ErrRolledBack is returned by Enqueue when the writer reports the request
// failed to reach stable storage.
var ErrRolledBack = errors.New("wal: request rolled back")

// Writer owns exactly one goroutine performing all disk I/O for one WAL
// instance. Producers call Enqueue from any goroutine; the single writer
// goroutine is the only one that ever touches the underlying xlog.Writer.
type Writer struct {
	mu   sync.Mutex
	cond *sync.Cond

	input    []*request
	shutdown bool
	inRollbackMode bool // set after a write failure, cleared once input drains

	dir          *xlog.Directory
	cur          *xlog.Writer
	instanceUUID uuid.UUID
	localID      int
	mode         Mode
	rowsPerWAL   int

	vc *vclock.VClock // shared frontier; advanced under mu before enqueue returns

	logger *log.Logger
	doneCh chan struct{}
}

// NewWriter constructs a Writer. vc is the live frontier vector clock;
// Enqueue advances it as part of LSN assignment, matching spec §4.4 step 1.
func NewWriter(dir *xlog.Directory, instanceUUID uuid.UUID, localID int, mode Mode, rowsPerWAL int, vc *vclock.VClock) *Writer {
	w := &Writer{
		dir:          dir,
		instanceUUID: instanceUUID,
		localID:      localID,
		mode:         mode,
		rowsPerWAL:   rowsPerWAL,
		vc:           vc,
		logger:       log.New(os.Stderr, "wal: ", log.LstdFlags),
		doneCh:       make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// SetLogger overrides the writer's default stderr logger.
func (w *Writer) SetLogger(l *log.Logger) { w.logger = l }

// Run is the writer goroutine's body; callers start it with `go w.Run()`.
// It returns once Shutdown has been called and every queued request has
// been delivered.
func (w *Writer) Run() {
	defer close(w.doneCh)
	for {
		w.mu.Lock()
		for len(w.input) == 0 && !w.shutdown {
			w.cond.Wait()
		}
		if len(w.input) == 0 && w.shutdown {
			w.mu.Unlock()
			return
		}
		toWrite := w.input
		w.input = nil
		shuttingDown := w.shutdown
		w.mu.Unlock()

		failedAt := -1
		if shuttingDown {
			// Shutdown drains any remaining input as rollback rather than
			// attempting to write it, per spec §4.4 "Cancellation".
			failedAt = 0
		} else if err := w.writeBatch(toWrite); err != nil {
			// The whole batch lands in one frame (see writeBatch), so a
			// failure partway through leaves nothing partial to salvage:
			// every request in this pass rolls back together.
			w.logger.Printf("write batch: %v", err)
			failedAt = 0
		}

		var committed, rolledBack []*request
		if failedAt < 0 {
			committed = toWrite
		} else {
			committed = toWrite[:failedAt]
			rolledBack = toWrite[failedAt:]
		}

		if len(rolledBack) > 0 {
			w.mu.Lock()
			// Splice whatever arrived while we were writing into the
			// rollback set too: the failed write leaves the segment file
			// in an unknown state, so nothing queued behind it can be
			// trusted until a fresh segment is opened.
			rolledBack = append(rolledBack, w.input...)
			w.input = nil
			w.inRollbackMode = true
			w.mu.Unlock()
		}

		// Deliver commit in FIFO order.
		for _, req := range committed {
			req.resultCh <- req.row.LSN
		}
		// Deliver rollback in reverse order so a producer sees its own
		// abort only after any dependency's abort has already posted.
		for i := len(rolledBack) - 1; i >= 0; i-- {
			req := rolledBack[i]
			if req.producerID != "" {
				w.logger.Printf("rollback producer=%s server_id=%d lsn=%d", req.producerID, req.row.ServerID, req.row.LSN)
			}
			req.resultCh <- -1
		}

		if failedAt >= 0 {
			w.mu.Lock()
			w.inRollbackMode = false
			w.mu.Unlock()
		}
	}
}

// writeBatch rotates the segment if needed, then encodes every request
// queued this pass into the current frame buffer and cuts what remains into
// a frame at the end (WriteRow cuts a frame earlier whenever the buffer
// crosses the autocommit threshold), matching spec §4.4 step 3 ("encode [requests] into the
// current frame buffer"). The rotation check only ever runs here, between
// batches, with no frame pending — never mid-batch — so rows_per_wal is
// enforced strictly at frame boundaries.
func (w *Writer) writeBatch(reqs []*request) error {
	if w.cur == nil || w.cur.RowsWritten() >= w.rowsPerWAL {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	for _, req := range reqs {
		w.cur.AdvanceVClock(req.row.ServerID, req.row.LSN)
		if err := w.cur.WriteRow(req.encoded); err != nil {
			return err
		}
	}
	if err := w.cur.FlushFrame(); err != nil {
		return err
	}
	if w.mode == ModeFsync {
		return w.cur.Sync()
	}
	return nil
}

func (w *Writer) rotate() error {
	if w.cur != nil {
		if err := w.cur.Close(); err != nil {
			return fmt.Errorf("wal: close segment during rotation: %w", err)
		}
	}
	vc := w.vc.Clone()
	next, err := xlog.Create(w.dir, vc.Signature(), w.instanceUUID, vc, nil)
	if err != nil {
		return fmt.Errorf("wal: create segment: %w", err)
	}
	w.cur = next
	return nil
}

// Enqueue assigns an LSN to row (if row.ServerID == 0 it is treated as
// local and assigned the next LSN for localID), then waits for the writer
// to commit or roll it back. In ModeNone it returns immediately after LSN
// assignment without waiting for the writer at all (spec §4.4 step 2).
func (w *Writer) Enqueue(ctx context.Context, row record.Row) (int64, error) {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return 0, ErrShutdown
	}
	if row.IsLocal() {
		row.ServerID = w.localID
		cur, _ := w.vc.Get(w.localID)
		row.LSN = cur + 1
	}
	w.vc.Advance(row.ServerID, row.LSN)

	if w.mode == ModeNone {
		w.mu.Unlock()
		return row.LSN, nil
	}

	req := &request{row: row, encoded: record.Encode(nil, row), producerID: currentProducerID(), resultCh: make(chan int64, 1)}
	w.input = append(w.input, req)
	w.cond.Signal()
	w.mu.Unlock()

	select {
	case lsn := <-req.resultCh:
		if lsn < 0 {
			return 0, ErrRolledBack
		}
		return lsn, nil
	case <-ctx.Done():
		// Per spec §4.4 "Cancellation": the producer may not abandon a
		// request the writer still references. We keep waiting for the
		// writer's verdict rather than returning on ctx.Done(), and only
		// surface the context error once a verdict has already arrived.
		lsn := <-req.resultCh
		if lsn < 0 {
			return 0, ErrRolledBack
		}
		return lsn, ctx.Err()
	}
}

// Shutdown signals the writer goroutine to drain its queue (delivering
// every still-queued request as rollback) and exit, then waits for it.
func (w *Writer) Shutdown() {
	w.mu.Lock()
	w.shutdown = true
	w.cond.Signal()
	w.mu.Unlock()
	<-w.doneCh

	if w.cur != nil {
		w.cur.Close()
	}
}
