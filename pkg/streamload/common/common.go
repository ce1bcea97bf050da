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

package common

import (
	"cmp"
	"fmt"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// LoadID identifies one load across the sending and the receiving side.
type LoadID uuid.UUID

// NewLoadID creates a random LoadID.
func NewLoadID() LoadID {
	return LoadID(uuid.New())
}

// LoadIDFromBytes decodes a 16 byte LoadID.
func LoadIDFromBytes(b []byte) (LoadID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return LoadID{}, errors.Annotatef(err, "decode load id of %d bytes", len(b))
	}
	return LoadID(id), nil
}

// Bytes returns the 16 byte encoding.
func (id LoadID) Bytes() []byte {
	b := uuid.UUID(id)
	return b[:]
}

// IsZero reports whether id is unset.
func (id LoadID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// String implements fmt.Stringer.
func (id LoadID) String() string {
	return uuid.UUID(id).String()
}

// TabletKey identifies the destination of a row: one tablet of one index of
// one partition. It is a comparable value and can be used as a map key.
type TabletKey struct {
	PartitionID int64
	IndexID     int64
	TabletID    int64
}

// String implements fmt.Stringer.
func (k TabletKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.PartitionID, k.IndexID, k.TabletID)
}

// Compare orders tablet keys by partition, index and tablet id.
func (k TabletKey) Compare(o TabletKey) int {
	if c := cmp.Compare(k.PartitionID, o.PartitionID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.IndexID, o.IndexID); c != 0 {
		return c
	}
	return cmp.Compare(k.TabletID, o.TabletID)
}

// RowsForTablet groups the row indexes of one batch by destination. Row
// indexes inside each slice keep the order of the batch.
type RowsForTablet map[TabletKey][]int32

// Add appends row to the rows of key.
func (r RowsForTablet) Add(key TabletKey, row int32) {
	r[key] = append(r[key], row)
}

// NumRows returns the number of (row, tablet) pairs.
func (r RowsForTablet) NumRows() int {
	n := 0
	for _, rows := range r {
		n += len(rows)
	}
	return n
}
