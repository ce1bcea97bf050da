// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deltawriter

import (
	"context"

	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

//go:generate mockgen -package mock -destination mock/tablet_writer_mock.go github.com/pingcap/streamload/pkg/streamload/deltawriter TabletWriter

// TabletWriter persists the blocks of one tablet. Implementations are
// provided by the storage side: a local segment store or a remote writer
// that ships blocks to the replicas of the tablet.
type TabletWriter interface {
	Open(ctx context.Context) error
	// Write takes ownership of blk.
	Write(ctx context.Context, blk *chunk.Chunk) error
	Close(ctx context.Context) error
	Cancel()
}

// WriterFactory creates the TabletWriter of a tablet.
type WriterFactory func(key common.TabletKey) (TabletWriter, error)

// Storage creates the tablet writers of each transaction.
type Storage interface {
	WriterFactory(txnID int64) WriterFactory
}

type state int

const (
	stateInit state = iota
	stateOpened
	stateClosed
	stateCanceled
)

// DeltaWriter buffers the rows of one tablet in a memtable and hands the
// memtable to its TabletWriter once it grows beyond the flush size. A
// DeltaWriter is not safe for concurrent use; the scheduler runs at most one
// task per tablet at a time.
type DeltaWriter struct {
	key       common.TabletKey
	writer    TabletWriter
	flushSize int64
	flying    *atomic.Int64

	state    state
	err      error
	memtable *chunk.Chunk
	// buffered is set while the memtable holds rows not yet handed to writer.
	buffered bool
	rows     int64
	flushes  int

	exclusive    atomic.Int32
	maxExclusive atomic.Int32
}

func newDeltaWriter(key common.TabletKey, writer TabletWriter, flushSize int64, flying *atomic.Int64) *DeltaWriter {
	return &DeltaWriter{key: key, writer: writer, flushSize: flushSize, flying: flying}
}

// Key returns the tablet of w.
func (w *DeltaWriter) Key() common.TabletKey {
	return w.key
}

// Enter marks the start of an exclusive section and returns the number of
// callers inside it, which is 1 unless the writer is shared concurrently.
func (w *DeltaWriter) Enter() int32 {
	n := w.exclusive.Inc()
	for {
		old := w.maxExclusive.Load()
		if n <= old || w.maxExclusive.CompareAndSwap(old, n) {
			return n
		}
	}
}

// Leave ends an exclusive section.
func (w *DeltaWriter) Leave() {
	w.exclusive.Dec()
}

// MaxExclusive returns the highest value ever returned by Enter.
func (w *DeltaWriter) MaxExclusive() int32 {
	return w.maxExclusive.Load()
}

// Rows returns the number of rows appended.
func (w *DeltaWriter) Rows() int64 {
	return w.rows
}

// Flushes returns the number of memtables handed to the TabletWriter.
func (w *DeltaWriter) Flushes() int {
	return w.flushes
}

// Err returns the first error met by w.
func (w *DeltaWriter) Err() error {
	return w.err
}

func (w *DeltaWriter) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return w.err
}

// Append copies rows of src to the memtable, opening the TabletWriter on
// the first call. Once Append fails the writer keeps returning that error.
func (w *DeltaWriter) Append(ctx context.Context, src *chunk.Chunk, rows []int32) error {
	if w.err != nil {
		return w.err
	}
	switch w.state {
	case stateInit:
		if err := w.writer.Open(ctx); err != nil {
			return w.fail(common.ErrWriteTablet.Wrap(err).GenWithStackByArgs(w.key))
		}
		w.state = stateOpened
	case stateClosed, stateCanceled:
		return common.ErrWriterClosed.GenWithStackByArgs(w.key)
	}
	if w.memtable == nil {
		w.memtable = src.NewEmptyLike(len(rows))
	} else if err := types.CheckLayout(w.memtable.Fields(), src.Fields()); err != nil {
		return common.ErrInvalidWriteRequest.Wrap(err).GenWithStackByArgs("block layout differs from tablet " + w.key.String())
	}
	if len(rows) == 0 {
		return nil
	}
	w.memtable.AppendRows(src, rows)
	w.rows += int64(len(rows))
	w.setBuffered(true)
	if w.memtable.MemoryUsage() >= w.flushSize {
		return w.flush(ctx)
	}
	return nil
}

// setBuffered keeps the flying memtable counters in step with whether the
// memtable holds unflushed rows.
func (w *DeltaWriter) setBuffered(buffered bool) {
	if w.buffered == buffered {
		return
	}
	w.buffered = buffered
	if buffered {
		w.flying.Inc()
		metrics.FlyingMemtablesGauge.Inc()
	} else {
		w.flying.Dec()
		metrics.FlyingMemtablesGauge.Dec()
	}
}

func (w *DeltaWriter) flush(ctx context.Context) error {
	if w.memtable == nil || w.memtable.NumRows() == 0 {
		return nil
	}
	blk := w.memtable
	w.memtable = blk.NewEmptyLike(0)
	err := w.writer.Write(ctx, blk)
	w.setBuffered(false)
	if err != nil {
		return w.fail(common.ErrWriteTablet.Wrap(err).GenWithStackByArgs(w.key))
	}
	w.flushes++
	return nil
}

// Flush hands the buffered rows to the TabletWriter without closing it.
// It is a no-op on a writer that was never opened, is finished, or failed.
func (w *DeltaWriter) Flush(ctx context.Context) error {
	if w.state != stateOpened || w.err != nil {
		return w.err
	}
	return w.flush(ctx)
}

// Close flushes the memtable and closes the TabletWriter. A tablet that got
// no rows is still opened and closed so that it commits empty. A writer that
// failed earlier is canceled and its error returned.
func (w *DeltaWriter) Close(ctx context.Context) error {
	switch w.state {
	case stateClosed:
		return w.err
	case stateCanceled:
		if w.err != nil {
			return w.err
		}
		return common.ErrWriterClosed.GenWithStackByArgs(w.key)
	}
	if w.err == nil && w.state == stateInit {
		if err := w.writer.Open(ctx); err != nil {
			_ = w.fail(common.ErrWriteTablet.Wrap(err).GenWithStackByArgs(w.key))
		} else {
			w.state = stateOpened
		}
	}
	if w.err == nil {
		_ = w.flush(ctx)
	}
	if w.err != nil {
		w.cancel()
		return w.err
	}
	w.state = stateClosed
	w.memtable = nil
	w.setBuffered(false)
	if err := w.writer.Close(ctx); err != nil {
		return w.fail(common.ErrWriteTablet.Wrap(err).GenWithStackByArgs(w.key))
	}
	logutil.Logger(ctx).Debug("delta writer closed",
		zap.Stringer("tablet", w.key), zap.Int64("rows", w.rows), zap.Int("flushes", w.flushes))
	return nil
}

// Cancel discards the memtable and cancels the TabletWriter.
func (w *DeltaWriter) Cancel() {
	if w.state == stateClosed || w.state == stateCanceled {
		return
	}
	w.cancel()
}

func (w *DeltaWriter) cancel() {
	w.memtable = nil
	w.setBuffered(false)
	if w.state == stateOpened {
		w.writer.Cancel()
	}
	w.state = stateCanceled
}
