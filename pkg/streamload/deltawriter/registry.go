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
	"sort"
	"sync"

	"github.com/pingcap/streamload/pkg/streamload/common"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Registry owns the delta writers of one sink, keyed by tablet. The lock
// only guards the map; a writer is used outside of it.
type Registry struct {
	factory   WriterFactory
	flushSize int64

	mu      sync.Mutex
	writers map[common.TabletKey]*DeltaWriter

	flyingMemtables atomic.Int64
}

// NewRegistry creates a Registry. Writers flush their memtable once it holds
// flushSize bytes.
func NewRegistry(factory WriterFactory, flushSize int64) *Registry {
	if flushSize <= 0 {
		flushSize = 1
	}
	return &Registry{
		factory:   factory,
		flushSize: flushSize,
		writers:   make(map[common.TabletKey]*DeltaWriter),
	}
}

// GetOrCreate returns the writer of key, creating it on first use.
func (r *Registry) GetOrCreate(key common.TabletKey) (*DeltaWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[key]; ok {
		return w, nil
	}
	tw, err := r.factory(key)
	if err != nil {
		return nil, common.ErrWriterCreate.Wrap(err).GenWithStackByArgs(key)
	}
	w := newDeltaWriter(key, tw, r.flushSize, &r.flyingMemtables)
	r.writers[key] = w
	return w, nil
}

// Get returns the writer of key if it exists.
func (r *Registry) Get(key common.TabletKey) (*DeltaWriter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[key]
	return w, ok
}

// Len returns the number of writers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writers)
}

// FlyingMemtables returns the number of writers holding unflushed rows.
func (r *Registry) FlyingMemtables() int64 {
	return r.flyingMemtables.Load()
}

func (r *Registry) snapshot() []*DeltaWriter {
	r.mu.Lock()
	ws := make([]*DeltaWriter, 0, len(r.writers))
	for _, w := range r.writers {
		ws = append(ws, w)
	}
	r.mu.Unlock()
	sort.Slice(ws, func(i, j int) bool { return ws[i].key.Compare(ws[j].key) < 0 })
	return ws
}

// Range calls fn on every writer in tablet order until fn returns false.
func (r *Registry) Range(fn func(w *DeltaWriter) bool) {
	for _, w := range r.snapshot() {
		if !fn(w) {
			return
		}
	}
}

// CloseAll closes every writer, at most parallelism at a time, and reports
// each result to fn. fn may be called concurrently. The writers must be idle.
func (r *Registry) CloseAll(ctx context.Context, parallelism int, fn func(key common.TabletKey, err error)) {
	var eg errgroup.Group
	if parallelism > 0 {
		eg.SetLimit(parallelism)
	}
	for _, w := range r.snapshot() {
		eg.Go(func() error {
			fn(w.key, w.Close(ctx))
			return nil
		})
	}
	_ = eg.Wait()
}

// FlushAll hands the buffered rows of every writer to its TabletWriter
// without committing. Errors are ignored.
func (r *Registry) FlushAll(ctx context.Context) {
	for _, w := range r.snapshot() {
		_ = w.Flush(ctx)
	}
}

// CancelAll cancels every writer. The writers must be idle.
func (r *Registry) CancelAll() {
	for _, w := range r.snapshot() {
		w.Cancel()
	}
}
