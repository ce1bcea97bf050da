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

package commit

import (
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

var (
	t1 = common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 100}
	t2 = common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 200}
	t3 = common.TabletKey{PartitionID: 1, IndexID: 1, TabletID: 300}
)

func TestQuorum(t *testing.T) {
	require.Equal(t, 3, QuorumAll().Required(3))
	require.Equal(t, 2, QuorumMajority().Required(3))
	require.Equal(t, 3, QuorumMajority().Required(4))
	require.Equal(t, 1, QuorumMajority().Required(1))
	require.Equal(t, 2, QuorumAtLeast(2).Required(3))
	require.Equal(t, 1, QuorumAtLeast(2).Required(1))

	for s, want := range map[string]Quorum{"all": QuorumAll(), "": QuorumAll(), "Majority": QuorumMajority(), "2": QuorumAtLeast(2)} {
		q, err := ParseQuorum(s)
		require.NoError(t, err)
		require.Equal(t, want, q)
	}
	for _, s := range []string{"0", "-1", "most"} {
		_, err := ParseQuorum(s)
		require.Error(t, err, s)
	}
	require.Equal(t, "majority", QuorumMajority().String())
}

func TestAllReplicasSucceed(t *testing.T) {
	tr := NewTracker(map[common.TabletKey][]int64{t1: {1, 2, 3}, t2: {2, 3, 4}}, QuorumAll())
	var wg sync.WaitGroup
	for _, key := range []common.TabletKey{t1, t2} {
		for _, node := range tr.Replicas(key) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr.RecordSuccess(key, node)
			}()
		}
	}
	wg.Wait()
	require.NoError(t, tr.Check())
	outcomes := tr.Outcomes()
	require.Len(t, outcomes, 2)
	require.Equal(t, t1, outcomes[0].Key)
	require.Equal(t, t2, outcomes[1].Key)
	for _, o := range outcomes {
		require.True(t, o.OK())
		require.Equal(t, 3, o.Succeeded)
	}
}

func TestFailureThenSuccessCountsOnce(t *testing.T) {
	tr := NewTracker(map[common.TabletKey][]int64{t1: {1, 2}}, QuorumAll())
	tr.RecordFailure(t1, 1, errors.New("stream reset"))
	tr.RecordSuccess(t1, 1)
	tr.RecordSuccess(t1, 1)
	tr.RecordSuccess(t1, 2)
	require.NoError(t, tr.Check())
	o := tr.Outcomes()[0]
	require.Equal(t, 2, o.Succeeded)
	require.True(t, o.Results[0].Success)
	require.NoError(t, o.Results[0].Err)
}

func TestQuorumNotMet(t *testing.T) {
	tr := NewTracker(map[common.TabletKey][]int64{t1: {1, 2, 3}, t2: {1, 2, 3}, t3: {1, 2, 4}}, QuorumMajority())
	tr.RecordSuccess(t1, 1)
	tr.RecordSuccess(t1, 2)
	tr.RecordSuccess(t2, 1)
	tr.RecordFailure(t2, 2, common.ErrWriteTablet.GenWithStackByArgs(t2))
	tr.RecordSuccess(t3, 1)
	tr.RecordFailure(t3, 2, common.ErrWriteTablet.GenWithStackByArgs(t3))
	// node 3 fails every replica it has not reported, node 4 never answers
	tr.RecordNodeFailure(3, common.ErrNodeUnavailable.GenWithStackByArgs(3))

	err := tr.Check()
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrReplicaQuorum)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	msg := errs[0].Error()
	require.Contains(t, msg, "tablet 1/1/200: 1 of 3 replicas succeeded, need 2")
	require.Contains(t, msg, "node 2")
	require.Contains(t, msg, "node 3 is unavailable")
	msg = errs[1].Error()
	require.Contains(t, msg, "tablet 1/1/300: 1 of 3 replicas succeeded, need 2")
	require.Contains(t, msg, "no result from node 4")

	outcomes := tr.Outcomes()
	require.Len(t, outcomes, 3)
	require.True(t, outcomes[0].OK())
	require.Equal(t, "StreamLoad:NodeUnavailable", outcomes[0].Results[2].Reason)
	require.False(t, outcomes[1].OK())
	require.Equal(t, "StreamLoad:WriteTablet", outcomes[1].Results[1].Reason)
	require.Equal(t, "StreamLoad:NodeUnavailable", outcomes[1].Results[2].Reason)
	require.False(t, outcomes[2].OK())
	require.Equal(t, "StreamLoad:WriteTablet", outcomes[2].Results[1].Reason)
	require.Equal(t, "StreamLoad:MissingReplicaResult", outcomes[2].Results[2].Reason)
}

func TestTabletFailure(t *testing.T) {
	tr := NewTracker(map[common.TabletKey][]int64{t1: {7}, t2: {7}}, QuorumAll())
	tr.RecordTabletFailure(t1, errors.New("out of memory"))
	tr.RecordSuccess(t2, 7)
	// the node failing afterwards does not undo a success
	tr.RecordNodeFailure(7, errors.New("node down"))
	err := tr.Check()
	require.Len(t, multierr.Errors(err), 1)
	require.Contains(t, err.Error(), "out of memory")
	require.NotContains(t, err.Error(), "node down")
}
