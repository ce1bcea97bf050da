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

package queue

import (
	"container/list"
	"sync"
)

// Result is the outcome of a queue operation.
type Result int

const (
	// OK means that Push or Pop is successful.
	OK Result = iota
	// Closed means the queue has been closed.
	Closed
)

// DefaultLimit is the default number of items a queue holds.
const DefaultLimit = 100

// MPMCQueue is a bounded multi producer multi consumer queue. Push blocks
// while the queue is full and Pop blocks while it is empty.
type MPMCQueue[T any] struct {
	lock  sync.Mutex
	cond  *sync.Cond
	queue list.List

	// Maximum number of items the queue could store.
	limitNum int

	closed bool
}

// NewMPMCQueue creates a new MPMCQueue. A non-positive limit uses DefaultLimit.
func NewMPMCQueue[T any](limit int) *MPMCQueue[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m := &MPMCQueue[T]{limitNum: limit}
	m.cond = sync.NewCond(&m.lock)
	return m
}

// Push pushes an item into the queue.
func (m *MPMCQueue[T]) Push(item T) Result {
	m.lock.Lock()
	defer m.lock.Unlock()

	for m.queue.Len() >= m.limitNum && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return Closed
	}

	m.queue.PushBack(item)
	m.cond.Broadcast()
	return OK
}

// Pop pops an item from the queue. Items left in a closed queue are not
// returned; use Drain to collect them.
func (m *MPMCQueue[T]) Pop() (T, Result) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for m.queue.Len() == 0 && !m.closed {
		m.cond.Wait()
	}
	var zero T
	if m.closed {
		return zero, Closed
	}

	elem := m.queue.Front()
	m.queue.Remove(elem)
	m.cond.Broadcast()
	return elem.Value.(T), OK
}

// Close closes the queue and wakes up every waiter.
func (m *MPMCQueue[T]) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.closed = true
	m.cond.Broadcast()
}

// Drain removes and returns every queued item.
func (m *MPMCQueue[T]) Drain() []T {
	m.lock.Lock()
	defer m.lock.Unlock()

	items := make([]T, 0, m.queue.Len())
	for e := m.queue.Front(); e != nil; e = e.Next() {
		items = append(items, e.Value.(T))
	}
	m.queue.Init()
	m.cond.Broadcast()
	return items
}

// Len returns the number of queued items.
func (m *MPMCQueue[T]) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.queue.Len()
}

// IsClosed reports whether Close has been called.
func (m *MPMCQueue[T]) IsClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}
