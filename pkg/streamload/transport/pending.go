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

package transport

import (
	"cmp"
	"slices"

	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/loadpb"
)

type pendingKey struct {
	tablet common.TabletKey
	seq    int64
}

type pendingMsg struct {
	req *loadpb.WriteRequest
	// stream is the index of the stream the message was last queued on, -1
	// before the first dispatch.
	stream int
}

// pendingCache keeps the write requests sent to one node until the node
// acknowledges them, so that they can be sent again on another stream.
type pendingCache struct {
	msgs  map[pendingKey]*pendingMsg
	bytes int64
}

func newPendingCache() *pendingCache {
	return &pendingCache{msgs: make(map[pendingKey]*pendingMsg)}
}

func (c *pendingCache) put(req *loadpb.WriteRequest) {
	key := pendingKey{tablet: req.Tablet, seq: req.Seq}
	if _, ok := c.msgs[key]; ok {
		return
	}
	c.msgs[key] = &pendingMsg{req: req, stream: -1}
	c.bytes += int64(len(req.Data))
}

// assign records that the message is queued on stream. It returns false if
// the message is no longer pending.
func (c *pendingCache) assign(req *loadpb.WriteRequest, stream int) bool {
	m, ok := c.msgs[pendingKey{tablet: req.Tablet, seq: req.Seq}]
	if !ok {
		return false
	}
	m.stream = stream
	return true
}

func (c *pendingCache) remove(tablet common.TabletKey, seq int64) bool {
	key := pendingKey{tablet: tablet, seq: seq}
	m, ok := c.msgs[key]
	if !ok {
		return false
	}
	delete(c.msgs, key)
	c.bytes -= int64(len(m.req.Data))
	return true
}

// ofStream returns the requests queued on stream ordered by tablet and seq.
func (c *pendingCache) ofStream(stream int) []*loadpb.WriteRequest {
	var reqs []*loadpb.WriteRequest
	for _, m := range c.msgs {
		if m.stream == stream {
			reqs = append(reqs, m.req)
		}
	}
	slices.SortFunc(reqs, func(a, b *loadpb.WriteRequest) int {
		if c := a.Tablet.Compare(b.Tablet); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return reqs
}

func (c *pendingCache) len() int {
	return len(c.msgs)
}

func (c *pendingCache) clear() {
	clear(c.msgs)
	c.bytes = 0
}
