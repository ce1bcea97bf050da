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

package partition

import (
	"fmt"
	"sort"

	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/types"
)

// Type is the partitioning scheme of the destination table.
type Type int

// Partitioning schemes.
const (
	Unpartitioned Type = iota
	Range
	List
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Unpartitioned:
		return "unpartitioned"
	case Range:
		return "range"
	case List:
		return "list"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Distribution is how rows of one partition are spread over its tablets.
type Distribution int

// Distributions.
const (
	// Hash distribution hashes the distribution columns.
	Hash Distribution = iota
	// Random distribution may send a row to any tablet of its partition.
	Random
)

// String implements fmt.Stringer.
func (d Distribution) String() string {
	switch d {
	case Hash:
		return "hash"
	case Random:
		return "random"
	}
	return fmt.Sprintf("unknown(%d)", int(d))
}

// Index lists the tablets of one index of a partition. Tablet i of every
// index holds the same rows.
type Index struct {
	ID      int64
	Tablets []int64
}

// Partition is one partition of the destination table.
type Partition struct {
	ID int64
	// Start and End bound a range partition as [Start, End). A nil Start is
	// the lowest bound and a nil End is the highest.
	Start, End []types.Datum
	// InKeys are the values of a list partition.
	InKeys  [][]types.Datum
	Indexes []Index
	// NumBuckets is the number of tablets per index.
	NumBuckets int
	// Immutable partitions accept no new rows; rows routed to them are skipped.
	Immutable bool
}

// TabletKey returns the destination of tablet bucket of index idx.
func (p *Partition) TabletKey(idx, bucket int) common.TabletKey {
	index := &p.Indexes[idx]
	return common.TabletKey{PartitionID: p.ID, IndexID: index.ID, TabletID: index.Tablets[bucket]}
}

func (p *Partition) clone() *Partition {
	cp := *p
	cp.Start = append([]types.Datum(nil), p.Start...)
	cp.End = append([]types.Datum(nil), p.End...)
	cp.InKeys = make([][]types.Datum, 0, len(p.InKeys))
	for _, k := range p.InKeys {
		cp.InKeys = append(cp.InKeys, append([]types.Datum(nil), k...))
	}
	cp.Indexes = make([]Index, 0, len(p.Indexes))
	for _, idx := range p.Indexes {
		cp.Indexes = append(cp.Indexes, Index{ID: idx.ID, Tablets: append([]int64(nil), idx.Tablets...)})
	}
	return &cp
}

// Descriptor describes the partitioning and distribution of the destination table.
type Descriptor struct {
	Type Type
	// PartitionColumns are the batch column offsets of the partition key.
	PartitionColumns []int
	Distribution     Distribution
	// DistributionColumns are the batch column offsets hashed by Hash distribution.
	DistributionColumns []int
	Partitions          []*Partition
}

type listEntry struct {
	key       []types.Datum
	partition *Partition
}

// Info is the validated, immutable form of a Descriptor. It owns copies of
// the partitions so that later changes to the descriptor do not affect it.
type Info struct {
	typ                 Type
	partitionColumns    []int
	distribution        Distribution
	distributionColumns []int
	// range partitions sorted by bound
	partitions []*Partition
	listKeys   []listEntry
}

func invalid(format string, args ...any) error {
	return common.ErrInvalidPartitionInfo.GenWithStackByArgs(fmt.Sprintf(format, args...))
}

// NewInfo validates desc and builds the lookup structures.
func NewInfo(desc Descriptor) (*Info, error) {
	if len(desc.Partitions) == 0 {
		return nil, invalid("no partition")
	}
	if desc.Distribution == Hash && len(desc.DistributionColumns) == 0 {
		return nil, invalid("hash distribution without distribution columns")
	}
	info := &Info{
		typ:                 desc.Type,
		partitionColumns:    append([]int(nil), desc.PartitionColumns...),
		distribution:        desc.Distribution,
		distributionColumns: append([]int(nil), desc.DistributionColumns...),
		partitions:          make([]*Partition, 0, len(desc.Partitions)),
	}
	ids := make(map[int64]struct{}, len(desc.Partitions))
	for _, p := range desc.Partitions {
		if _, dup := ids[p.ID]; dup {
			return nil, invalid("duplicate partition %d", p.ID)
		}
		ids[p.ID] = struct{}{}
		p = p.clone()
		if err := checkTablets(p); err != nil {
			return nil, err
		}
		info.partitions = append(info.partitions, p)
	}

	switch desc.Type {
	case Unpartitioned:
		if len(info.partitions) != 1 {
			return nil, invalid("unpartitioned table with %d partitions", len(info.partitions))
		}
	case Range:
		if err := info.initRange(); err != nil {
			return nil, err
		}
	case List:
		if err := info.initList(); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("unknown partition type %s", desc.Type)
	}
	return info, nil
}

func checkTablets(p *Partition) error {
	if len(p.Indexes) == 0 {
		return invalid("partition %d has no index", p.ID)
	}
	for _, idx := range p.Indexes {
		if len(idx.Tablets) == 0 {
			return invalid("index %d of partition %d has no tablet", idx.ID, p.ID)
		}
		if p.NumBuckets == 0 {
			p.NumBuckets = len(idx.Tablets)
		}
		if len(idx.Tablets) != p.NumBuckets {
			return invalid("index %d of partition %d has %d tablets, expect %d",
				idx.ID, p.ID, len(idx.Tablets), p.NumBuckets)
		}
	}
	return nil
}

func (info *Info) initRange() error {
	if len(info.partitionColumns) == 0 {
		return invalid("range partition without partition columns")
	}
	for _, p := range info.partitions {
		if p.Start != nil && len(p.Start) != len(info.partitionColumns) ||
			p.End != nil && len(p.End) != len(info.partitionColumns) {
			return invalid("partition %d bound does not match %d partition columns", p.ID, len(info.partitionColumns))
		}
		if p.Start != nil && p.End != nil && types.CompareDatums(p.Start, p.End) >= 0 {
			return invalid("partition %d has an empty range", p.ID)
		}
	}
	sort.Slice(info.partitions, func(i, j int) bool {
		return compareUpper(info.partitions[i].End, info.partitions[j].End) < 0
	})
	for i := 1; i < len(info.partitions); i++ {
		prev, cur := info.partitions[i-1], info.partitions[i]
		if prev.End == nil || cur.Start == nil || types.CompareDatums(cur.Start, prev.End) < 0 {
			return invalid("partition %d overlaps partition %d", cur.ID, prev.ID)
		}
	}
	return nil
}

// compareUpper orders upper bounds; nil is the highest.
func compareUpper(a, b []types.Datum) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return types.CompareDatums(a, b)
}

func (info *Info) initList() error {
	if len(info.partitionColumns) == 0 {
		return invalid("list partition without partition columns")
	}
	for _, p := range info.partitions {
		if len(p.InKeys) == 0 {
			return invalid("list partition %d has no value", p.ID)
		}
		for _, k := range p.InKeys {
			if len(k) != len(info.partitionColumns) {
				return invalid("partition %d value does not match %d partition columns", p.ID, len(info.partitionColumns))
			}
			info.listKeys = append(info.listKeys, listEntry{key: k, partition: p})
		}
	}
	sort.Slice(info.listKeys, func(i, j int) bool {
		return types.CompareDatums(info.listKeys[i].key, info.listKeys[j].key) < 0
	})
	for i := 1; i < len(info.listKeys); i++ {
		if types.CompareDatums(info.listKeys[i-1].key, info.listKeys[i].key) == 0 {
			return invalid("partitions %d and %d share a value", info.listKeys[i-1].partition.ID, info.listKeys[i].partition.ID)
		}
	}
	return nil
}

// Type returns the partitioning scheme.
func (info *Info) Type() Type {
	return info.typ
}

// Distribution returns the distribution.
func (info *Info) Distribution() Distribution {
	return info.distribution
}

// Partitions returns the partitions.
func (info *Info) Partitions() []*Partition {
	return info.partitions
}

// TabletKeys returns every tablet of every partition.
func (info *Info) TabletKeys() []common.TabletKey {
	var keys []common.TabletKey
	for _, p := range info.partitions {
		for i := range p.Indexes {
			for b := 0; b < p.NumBuckets; b++ {
				keys = append(keys, p.TabletKey(i, b))
			}
		}
	}
	return keys
}

// Find returns the partition holding key, or nil.
func (info *Info) Find(key []types.Datum) *Partition {
	switch info.typ {
	case Unpartitioned:
		return info.partitions[0]
	case Range:
		i := sort.Search(len(info.partitions), func(i int) bool {
			return compareUpper(key, info.partitions[i].End) < 0
		})
		if i == len(info.partitions) {
			return nil
		}
		p := info.partitions[i]
		if p.Start != nil && types.CompareDatums(key, p.Start) < 0 {
			return nil
		}
		return p
	case List:
		i := sort.Search(len(info.listKeys), func(i int) bool {
			return types.CompareDatums(info.listKeys[i].key, key) >= 0
		})
		if i < len(info.listKeys) && types.CompareDatums(info.listKeys[i].key, key) == 0 {
			return info.listKeys[i].partition
		}
	}
	return nil
}
