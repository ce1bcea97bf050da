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
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/util/chunk"
)

// MemStore keeps the committed blocks of every tablet in memory. It backs
// servers started without a data directory and tests.
type MemStore struct {
	mu        sync.Mutex
	committed map[common.TabletKey][]*chunk.Chunk
	canceled  map[common.TabletKey]int
	// rows handed to writers, committed or not
	written map[common.TabletKey]int
	// failures injected per tablet, consumed by Open
	failures map[common.TabletKey]error
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		committed: make(map[common.TabletKey][]*chunk.Chunk),
		canceled:  make(map[common.TabletKey]int),
		written:   make(map[common.TabletKey]int),
		failures:  make(map[common.TabletKey]error),
	}
}

// FailTablet makes the next writer of key fail to open with err.
func (s *MemStore) FailTablet(key common.TabletKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = err
}

// Factory returns a WriterFactory creating writers of s.
func (s *MemStore) Factory() WriterFactory {
	return func(key common.TabletKey) (TabletWriter, error) {
		return &memWriter{store: s, key: key}, nil
	}
}

// WriterFactory implements Storage. Blocks of every transaction go to the
// same tablet.
func (s *MemStore) WriterFactory(int64) WriterFactory {
	return s.Factory()
}

// Blocks returns the committed blocks of key.
func (s *MemStore) Blocks(key common.TabletKey) []*chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[key]
}

// Committed reports whether key has been committed.
func (s *MemStore) Committed(key common.TabletKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.committed[key]
	return ok
}

// WrittenRows returns the number of rows handed to the writers of key,
// including writers canceled afterwards.
func (s *MemStore) WrittenRows(key common.TabletKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[key]
}

// Canceled returns how many writers of key were canceled.
func (s *MemStore) Canceled(key common.TabletKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled[key]
}

type memWriter struct {
	store  *MemStore
	key    common.TabletKey
	blocks []*chunk.Chunk
	closed bool
}

func (w *memWriter) Open(context.Context) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if err, ok := w.store.failures[w.key]; ok {
		delete(w.store.failures, w.key)
		return err
	}
	return nil
}

func (w *memWriter) Write(_ context.Context, blk *chunk.Chunk) error {
	if w.closed {
		return errors.Errorf("tablet %s is closed", w.key)
	}
	w.blocks = append(w.blocks, blk)
	w.store.mu.Lock()
	w.store.written[w.key] += blk.NumRows()
	w.store.mu.Unlock()
	return nil
}

func (w *memWriter) Close(context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.committed[w.key] = append(w.store.committed[w.key], w.blocks...)
	return nil
}

func (w *memWriter) Cancel() {
	w.closed = true
	w.blocks = nil
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.canceled[w.key]++
}
