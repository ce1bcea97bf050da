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

// Package segment persists the segments of the tablets received by a server.
package segment

import (
	"context"
	"encoding/binary"
	goerrors "errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/util/chunk"
)

// Keys:
//
//	t/<tablet>/<txn>/<segment> -> encoded block
//	c/<tablet>/<txn>           -> number of segments, written by Close
const (
	segmentPrefix = 't'
	commitPrefix  = 'c'
)

func appendInt(b []byte, v int64) []byte {
	b = append(b, '/')
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

func tabletPrefix(prefix byte, tablet, txn int64) []byte {
	b := make([]byte, 0, 20)
	b = append(b, prefix)
	b = appendInt(b, tablet)
	return appendInt(b, txn)
}

func segmentKey(tablet, txn, segment int64) []byte {
	return appendInt(tabletPrefix(segmentPrefix, tablet, txn), segment)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Store keeps segments in a pebble database.
type Store struct {
	db *pebble.DB
}

var _ deltawriter.Storage = (*Store)(nil)

// Open opens the store in dir. A nil fs uses the OS file system.
func Open(dir string, fs vfs.FS) (*Store, error) {
	opts := &pebble.Options{FS: fs}
	opts = opts.EnsureDefaults()
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open segment store in %s", dir)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}

// WriterFactory implements deltawriter.Storage.
func (s *Store) WriterFactory(txnID int64) deltawriter.WriterFactory {
	return func(key common.TabletKey) (deltawriter.TabletWriter, error) {
		return &tabletWriter{db: s.db, tablet: key.TabletID, txn: txnID}, nil
	}
}

// Segments returns the blocks written to tablet in txn in segment order.
func (s *Store) Segments(tablet, txn int64) ([]*chunk.Chunk, error) {
	prefix := tabletPrefix(segmentPrefix, tablet, txn)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var blocks []*chunk.Chunk
	for valid := iter.First(); valid; valid = iter.Next() {
		blk, err := chunk.Decode(iter.Value())
		if err != nil {
			_ = iter.Close()
			return nil, errors.Annotatef(err, "decode segment of tablet %d", tablet)
		}
		blocks = append(blocks, blk)
	}
	return blocks, errors.Trace(iter.Close())
}

// Committed returns the number of segments of tablet in txn and whether the
// tablet was committed.
func (s *Store) Committed(tablet, txn int64) (int64, bool, error) {
	val, closer, err := s.db.Get(tabletPrefix(commitPrefix, tablet, txn))
	if goerrors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, errors.Errorf("corrupted commit record of tablet %d, txn %d", tablet, txn)
	}
	return int64(binary.BigEndian.Uint64(val)), true, nil
}

type tabletWriter struct {
	db       *pebble.DB
	tablet   int64
	txn      int64
	segments int64
}

func (*tabletWriter) Open(context.Context) error {
	return nil
}

func (w *tabletWriter) Write(_ context.Context, blk *chunk.Chunk) error {
	// pebble compresses its blocks itself
	err := w.db.Set(segmentKey(w.tablet, w.txn, w.segments), chunk.Encode(blk, false), pebble.NoSync)
	if err != nil {
		return errors.Annotatef(err, "write segment %d of tablet %d", w.segments, w.tablet)
	}
	w.segments++
	return nil
}

func (w *tabletWriter) Close(context.Context) error {
	val := binary.BigEndian.AppendUint64(nil, uint64(w.segments))
	if err := w.db.Set(tabletPrefix(commitPrefix, w.tablet, w.txn), val, pebble.Sync); err != nil {
		return errors.Annotatef(err, "commit tablet %d", w.tablet)
	}
	return nil
}

func (w *tabletWriter) Cancel() {
	prefix := tabletPrefix(segmentPrefix, w.tablet, w.txn)
	_ = w.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync)
}
