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
	"math/rand/v2"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/types"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/twmb/murmur3"
	"go.uber.org/atomic"
)

// FindTabletMode decides how often a random distributed partition draws its
// tablet. It has no effect on hash distribution.
type FindTabletMode int

// Find tablet modes.
const (
	FindTabletEveryRow FindTabletMode = iota
	FindTabletEveryBatch
	FindTabletEverySink
)

// String implements fmt.Stringer.
func (m FindTabletMode) String() string {
	switch m {
	case FindTabletEveryRow:
		return "row"
	case FindTabletEveryBatch:
		return "batch"
	case FindTabletEverySink:
		return "sink"
	}
	return "unknown"
}

// ParseFindTabletMode parses the config form of a FindTabletMode.
func ParseFindTabletMode(s string) (FindTabletMode, error) {
	switch strings.ToLower(s) {
	case "", "row":
		return FindTabletEveryRow, nil
	case "batch":
		return FindTabletEveryBatch, nil
	case "sink":
		return FindTabletEverySink, nil
	}
	return 0, errors.Errorf("unknown find tablet mode %q", s)
}

// MissingPartitionPolicy decides what happens to a row with no partition.
type MissingPartitionPolicy int

// Missing partition policies.
const (
	// MissingPartitionFilter counts the row as filtered.
	MissingPartitionFilter MissingPartitionPolicy = iota
	// MissingPartitionSkip excludes the row without counting it as an error.
	MissingPartitionSkip
	// MissingPartitionFail fails the batch with ErrNoPartitionForRow.
	MissingPartitionFail
)

// String implements fmt.Stringer.
func (p MissingPartitionPolicy) String() string {
	switch p {
	case MissingPartitionFilter:
		return "filter"
	case MissingPartitionSkip:
		return "skip"
	case MissingPartitionFail:
		return "fail"
	}
	return "unknown"
}

// ParseMissingPartitionPolicy parses the config form of a MissingPartitionPolicy.
func ParseMissingPartitionPolicy(s string) (MissingPartitionPolicy, error) {
	switch strings.ToLower(s) {
	case "", "filter":
		return MissingPartitionFilter, nil
	case "skip":
		return MissingPartitionSkip, nil
	case "fail":
		return MissingPartitionFail, nil
	}
	return 0, errors.Errorf("unknown missing partition policy %q", s)
}

// Rand is the random source of random distribution.
type Rand interface {
	IntN(n int) int
}

// Location is where one row goes.
type Location struct {
	Partition *Partition
	// TabletIndex is the bucket used for every index of Partition.
	TabletIndex int
	// Skip is set when the row must be excluded without being an error.
	Skip bool
	// Filter is set when the row must be counted as filtered.
	Filter bool
	// Immutable is set together with Skip when the partition takes no rows.
	Immutable bool
}

// RouteStats counts the rows of one Route call.
type RouteStats struct {
	Routed           int
	Skipped          int
	Filtered         int
	ImmutableSkipped int
}

// Router maps rows to tablets. It is not safe for concurrent use.
type Router struct {
	info   *Info
	mode   FindTabletMode
	policy MissingPartitionPolicy
	rng    Rand

	// cached tablet index per partition for FindTabletEveryBatch and FindTabletEverySink
	chosen  map[int64]int
	key     []types.Datum
	hashBuf []byte
}

// NewRouter creates a Router. A nil rng uses the global source. Hash
// distribution always locates per row.
func NewRouter(info *Info, mode FindTabletMode, policy MissingPartitionPolicy, rng Rand) *Router {
	if info.distribution == Hash {
		mode = FindTabletEveryRow
	}
	if rng == nil {
		rng = globalRand{}
	}
	return &Router{
		info:   info,
		mode:   mode,
		policy: policy,
		rng:    rng,
		chosen: make(map[int64]int),
	}
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Info returns the partition info of r.
func (r *Router) Info() *Info {
	return r.info
}

// Mode returns the effective find tablet mode.
func (r *Router) Mode() FindTabletMode {
	return r.mode
}

// StartBatch forgets the choices made for the previous batch.
func (r *Router) StartBatch() {
	if r.mode == FindTabletEveryBatch {
		clear(r.chosen)
	}
}

func (r *Router) partitionKey(chk *chunk.Chunk, row int) []types.Datum {
	r.key = r.key[:0]
	for _, col := range r.info.partitionColumns {
		r.key = append(r.key, chk.GetDatum(row, col))
	}
	return r.key
}

func keyString(key []types.Datum) string {
	parts := make([]string, 0, len(key))
	for _, d := range key {
		parts = append(parts, d.String())
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Locate returns the destination of one row.
func (r *Router) Locate(chk *chunk.Chunk, row int) (Location, error) {
	var p *Partition
	if r.info.typ == Unpartitioned {
		p = r.info.partitions[0]
	} else {
		key := r.partitionKey(chk, row)
		p = r.info.Find(key)
		if p == nil {
			switch r.policy {
			case MissingPartitionSkip:
				return Location{Skip: true}, nil
			case MissingPartitionFilter:
				return Location{Filter: true}, nil
			case MissingPartitionFail:
				return Location{}, common.ErrNoPartitionForRow.GenWithStackByArgs(keyString(key))
			}
		}
	}
	if p.Immutable {
		return Location{Partition: p, Skip: true, Immutable: true}, nil
	}
	return Location{Partition: p, TabletIndex: r.tabletIndex(chk, row, p)}, nil
}

func (r *Router) tabletIndex(chk *chunk.Chunk, row int, p *Partition) int {
	if r.info.distribution == Hash {
		r.hashBuf = r.hashBuf[:0]
		for _, col := range r.info.distributionColumns {
			r.hashBuf = chk.GetDatum(row, col).AppendHashKey(r.hashBuf)
		}
		return int(murmur3.Sum32(r.hashBuf) % uint32(p.NumBuckets))
	}
	if r.mode == FindTabletEveryRow {
		return r.rng.IntN(p.NumBuckets)
	}
	if idx, ok := r.chosen[p.ID]; ok && idx < p.NumBuckets {
		return idx
	}
	idx := r.rng.IntN(p.NumBuckets)
	r.chosen[p.ID] = idx
	return idx
}

// Route locates every row of chk that is not set in filter and groups the
// rows by tablet. Rows filtered by the missing partition policy are set in
// filter. stop is checked every 1024 rows.
func (r *Router) Route(chk *chunk.Chunk, filter *bitset.BitSet, stop *atomic.Bool) (common.RowsForTablet, RouteStats, error) {
	var stats RouteStats
	result := make(common.RowsForTablet)
	for row := 0; row < chk.NumRows(); row++ {
		if row%1024 == 0 && stop != nil && stop.Load() {
			return nil, stats, common.ErrLoadCanceled.GenWithStackByArgs()
		}
		if filter != nil && filter.Test(uint(row)) {
			continue
		}
		loc, err := r.Locate(chk, row)
		if err != nil {
			return nil, stats, err
		}
		switch {
		case loc.Filter:
			if filter != nil {
				filter.Set(uint(row))
			}
			stats.Filtered++
		case loc.Immutable:
			stats.ImmutableSkipped++
		case loc.Skip:
			stats.Skipped++
		default:
			p := loc.Partition
			for i := range p.Indexes {
				result.Add(p.TabletKey(i, loc.TabletIndex), int32(row))
			}
			stats.Routed++
		}
	}
	return result, stats, nil
}
