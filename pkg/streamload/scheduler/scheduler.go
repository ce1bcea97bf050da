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

// Package scheduler runs the write tasks of a sink. Tasks of one tablet run
// in submission order and never concurrently; tasks of different tablets run
// in parallel on a bounded set of workers.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/streamload/deltawriter"
	"github.com/pingcap/streamload/pkg/util"
	"github.com/pingcap/streamload/pkg/util/chunk"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"github.com/pingcap/streamload/pkg/util/serialpool"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Task appends Rows of Block to the delta writer of Key. Block is shared by
// the tasks of one batch and must not be modified.
type Task struct {
	Key   common.TabletKey
	Block *chunk.Chunk
	Rows  []int32
}

// FailureFunc receives the failure of a tablet. It is called at most once
// per tablet and may be called concurrently for different tablets.
type FailureFunc func(key common.TabletKey, err error)

// Options configures a Scheduler.
type Options struct {
	Name string
	// Workers is the number of goroutines running tasks.
	Workers int
	// QueueSize bounds the number of submitted but unfinished tasks.
	QueueSize int
	OnFailure FailureFunc
}

// Scheduler dispatches write tasks to the delta writers of a registry.
type Scheduler struct {
	ctx       context.Context
	registry  *deltawriter.Registry
	pool      *serialpool.Pool
	queue     *semaphore.Weighted
	onFailure FailureFunc

	mu     sync.Mutex
	tokens map[common.TabletKey]*serialpool.Token
	failed map[common.TabletKey]error

	wg     sync.WaitGroup
	flying atomic.Int64
	closed atomic.Bool
}

// New creates a Scheduler. ctx is passed to the delta writers.
func New(ctx context.Context, registry *deltawriter.Registry, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers
	}
	if opts.Name == "" {
		opts.Name = "write-task"
	}
	return &Scheduler{
		ctx:       ctx,
		registry:  registry,
		pool:      serialpool.New(opts.Name, opts.Workers),
		queue:     semaphore.NewWeighted(int64(opts.QueueSize)),
		onFailure: opts.OnFailure,
		tokens:    make(map[common.TabletKey]*serialpool.Token),
		failed:    make(map[common.TabletKey]error),
	}
}

func (s *Scheduler) tokenOf(key common.TabletKey) *serialpool.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[key]
	if !ok {
		t = s.pool.NewToken()
		s.tokens[key] = t
	}
	return t
}

// Submit queues task and returns without waiting for it. It blocks while the
// queue is full. Failures of the task are reported to OnFailure, not here.
func (s *Scheduler) Submit(ctx context.Context, task Task) error {
	if s.closed.Load() {
		return serialpool.ErrPoolClosed
	}
	if err := s.queue.Acquire(ctx, 1); err != nil {
		return errors.Trace(err)
	}
	s.wg.Add(1)
	s.flying.Inc()
	metrics.FlyingTasksGauge.Inc()
	err := s.tokenOf(task.Key).Submit(func() {
		defer s.finish()
		s.run(task)
	})
	if err != nil {
		s.finish()
		return errors.Trace(err)
	}
	return nil
}

func (s *Scheduler) finish() {
	metrics.FlyingTasksGauge.Dec()
	s.flying.Dec()
	s.queue.Release(1)
	s.wg.Done()
}

func (s *Scheduler) run(task Task) {
	defer util.Recover(metrics.LabelScheduler, "write task", func(r any) {
		s.fail(task.Key, errors.Annotatef(util.GetRecoverError(r), "write task of tablet %s panicked", task.Key))
	}, false)

	if s.Failed(task.Key) != nil {
		return
	}
	w, err := s.registry.GetOrCreate(task.Key)
	if err != nil {
		s.fail(task.Key, err)
		return
	}
	if n := w.Enter(); n != 1 {
		logutil.Logger(s.ctx).Error("delta writer shared by concurrent tasks",
			zap.Stringer("tablet", task.Key), zap.Int32("holders", n))
	}
	defer w.Leave()

	failpoint.Inject("writeTaskPanic", func() {
		panic(fmt.Sprintf("injected panic for tablet %s", task.Key))
	})
	if err := w.Append(s.ctx, task.Block, task.Rows); err != nil {
		s.fail(task.Key, err)
	}
}

func (s *Scheduler) fail(key common.TabletKey, err error) {
	s.mu.Lock()
	if _, ok := s.failed[key]; ok {
		s.mu.Unlock()
		return
	}
	s.failed[key] = err
	s.mu.Unlock()
	logutil.Logger(s.ctx).Warn("write task failed", zap.Stringer("tablet", key), zap.Error(err))
	if s.onFailure != nil {
		s.onFailure(key, err)
	}
}

// Failed returns the failure of key, or nil.
func (s *Scheduler) Failed(key common.TabletKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[key]
}

// FlyingTasks returns the number of submitted but unfinished tasks.
func (s *Scheduler) FlyingTasks() int64 {
	return s.flying.Load()
}

// FlyingMemtables returns the number of writers holding unflushed rows.
func (s *Scheduler) FlyingMemtables() int64 {
	return s.registry.FlyingMemtables()
}

// Wait blocks until every submitted task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close waits for the submitted tasks and stops the workers.
func (s *Scheduler) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.Wait()
	s.pool.Close()
}
