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

// Package commit collects the per replica results of every tablet of a load
// and decides whether the load may commit.
package commit

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type quorumKind int

const (
	quorumAll quorumKind = iota
	quorumMajority
	quorumAtLeast
)

// Quorum is the number of replicas of a tablet that must succeed.
type Quorum struct {
	kind quorumKind
	n    int
}

// QuorumAll requires every requested replica.
func QuorumAll() Quorum { return Quorum{kind: quorumAll} }

// QuorumMajority requires n/2+1 of n replicas.
func QuorumMajority() Quorum { return Quorum{kind: quorumMajority} }

// QuorumAtLeast requires n replicas, or every replica when a tablet has fewer.
func QuorumAtLeast(n int) Quorum { return Quorum{kind: quorumAtLeast, n: n} }

// ParseQuorum parses "all", "majority" or a positive number.
func ParseQuorum(s string) (Quorum, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return QuorumAll(), nil
	case "majority":
		return QuorumMajority(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return Quorum{}, errors.Errorf("invalid write quorum %q", s)
	}
	return QuorumAtLeast(n), nil
}

// Required returns how many of replicas must succeed.
func (q Quorum) Required(replicas int) int {
	switch q.kind {
	case quorumMajority:
		return replicas/2 + 1
	case quorumAtLeast:
		return min(q.n, replicas)
	}
	return replicas
}

// String implements fmt.Stringer.
func (q Quorum) String() string {
	switch q.kind {
	case quorumMajority:
		return "majority"
	case quorumAtLeast:
		return strconv.Itoa(q.n)
	}
	return "all"
}

// ReplicaResult is the final result of one replica of a tablet.
type ReplicaResult struct {
	NodeID  int64
	Success bool
	// Reason is the machine readable reason of a failure.
	Reason  string
	Message string
	Err     error
}

// Outcome is the result of one tablet.
type Outcome struct {
	Key common.TabletKey
	// Results has one entry per requested replica in request order.
	Results   []ReplicaResult
	Succeeded int
	Required  int
}

// OK reports whether enough replicas succeeded.
func (o *Outcome) OK() bool {
	return o.Succeeded >= o.Required
}

// Tracker records replica results. Record methods may be called
// concurrently; Outcomes and Check must be called after every writer has
// finished.
type Tracker struct {
	replicas map[common.TabletKey][]int64
	quorum   Quorum

	successMu sync.Mutex
	success   map[common.TabletKey]map[int64]struct{}

	failureMu sync.Mutex
	failure   map[common.TabletKey]map[int64]error
}

// NewTracker creates a Tracker for the tablets of replicas, each mapped to
// the nodes holding its replicas.
func NewTracker(replicas map[common.TabletKey][]int64, quorum Quorum) *Tracker {
	cp := make(map[common.TabletKey][]int64, len(replicas))
	for k, nodes := range replicas {
		cp[k] = append([]int64(nil), nodes...)
	}
	return &Tracker{
		replicas: cp,
		quorum:   quorum,
		success:  make(map[common.TabletKey]map[int64]struct{}),
		failure:  make(map[common.TabletKey]map[int64]error),
	}
}

// Quorum returns the quorum of t.
func (t *Tracker) Quorum() Quorum {
	return t.quorum
}

// Replicas returns the nodes of key.
func (t *Tracker) Replicas(key common.TabletKey) []int64 {
	return t.replicas[key]
}

// RecordSuccess records that node committed key.
func (t *Tracker) RecordSuccess(key common.TabletKey, node int64) {
	t.successMu.Lock()
	defer t.successMu.Unlock()
	nodes, ok := t.success[key]
	if !ok {
		nodes = make(map[int64]struct{})
		t.success[key] = nodes
	}
	nodes[node] = struct{}{}
}

// RecordFailure records that node failed key. Only the first failure of a
// replica is kept.
func (t *Tracker) RecordFailure(key common.TabletKey, node int64, err error) {
	t.failureMu.Lock()
	defer t.failureMu.Unlock()
	nodes, ok := t.failure[key]
	if !ok {
		nodes = make(map[int64]error)
		t.failure[key] = nodes
	}
	if err == nil {
		err = errors.Errorf("replica on node %d failed", node)
	}
	if _, ok := nodes[node]; !ok {
		nodes[node] = err
	}
}

// RecordTabletFailure fails every replica of key.
func (t *Tracker) RecordTabletFailure(key common.TabletKey, err error) {
	for _, node := range t.replicas[key] {
		t.RecordFailure(key, node, err)
	}
}

// RecordNodeFailure fails every tablet replica on node that has not
// succeeded yet.
func (t *Tracker) RecordNodeFailure(node int64, err error) {
	for key, nodes := range t.replicas {
		for _, n := range nodes {
			if n == node && !t.succeeded(key, node) {
				t.RecordFailure(key, node, err)
			}
		}
	}
}

func (t *Tracker) succeeded(key common.TabletKey, node int64) bool {
	t.successMu.Lock()
	defer t.successMu.Unlock()
	_, ok := t.success[key][node]
	return ok
}

func (t *Tracker) failureOf(key common.TabletKey, node int64) error {
	t.failureMu.Lock()
	defer t.failureMu.Unlock()
	return t.failure[key][node]
}

// Outcomes returns the outcome of every tablet in tablet order.
func (t *Tracker) Outcomes() []Outcome {
	keys := make([]common.TabletKey, 0, len(t.replicas))
	for k := range t.replicas {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, common.TabletKey.Compare)

	outcomes := make([]Outcome, 0, len(keys))
	for _, key := range keys {
		nodes := t.replicas[key]
		o := Outcome{Key: key, Required: t.quorum.Required(len(nodes))}
		for _, node := range nodes {
			r := ReplicaResult{NodeID: node}
			switch err := t.failureOf(key, node); {
			case t.succeeded(key, node):
				r.Success = true
				o.Succeeded++
			case err != nil:
				r.Err = err
			default:
				r.Err = common.ErrMissingReplicaResult.GenWithStackByArgs(node)
			}
			if r.Err != nil {
				r.Reason = common.ReasonOf(r.Err)
				r.Message = r.Err.Error()
			}
			o.Results = append(o.Results, r)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// Check returns nil if every tablet reached the quorum. Otherwise it returns
// one ErrReplicaQuorum per failing tablet, combined.
func (t *Tracker) Check() error {
	var errs []error
	for _, o := range t.Outcomes() {
		if o.OK() {
			metrics.TabletOutcomeCounter.WithLabelValues(metrics.LblOK).Inc()
			continue
		}
		metrics.TabletOutcomeCounter.WithLabelValues(metrics.LblError).Inc()
		var causes []error
		for _, r := range o.Results {
			if !r.Success {
				causes = append(causes, errors.Annotate(r.Err, fmt.Sprintf("node %d", r.NodeID)))
			}
		}
		err := common.ErrReplicaQuorum.Wrap(multierr.Combine(causes...)).
			GenWithStackByArgs(o.Key, o.Succeeded, len(o.Results), o.Required)
		logutil.BgLogger().Warn("tablet failed to reach write quorum",
			zap.Stringer("tablet", o.Key), zap.Int("succeeded", o.Succeeded),
			zap.Int("required", o.Required), zap.Error(err))
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}
