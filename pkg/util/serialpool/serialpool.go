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

// Package serialpool runs tasks on a shared set of goroutines while keeping
// the tasks submitted through one Token strictly sequential.
package serialpool

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/resourcemanager/pool/workerpool"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/zap"
)

var (
	// ErrTokenShutdown is returned when submitting to a shut down token.
	ErrTokenShutdown = errors.New("serial token has been shut down")
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("serial pool has been closed")
)

const pendingTokenLimit = 1024

// Pool executes the tasks of many tokens on a fixed number of goroutines.
type Pool struct {
	name    string
	wp      *workerpool.WorkerPool[*Token, workerpool.None]
	pending chan *Token

	mu     sync.RWMutex
	closed bool
}

// New creates and starts a pool with the given number of goroutines.
func New(name string, threads int) *Pool {
	p := &Pool{
		name:    name,
		pending: make(chan *Token, pendingTokenLimit),
	}
	p.wp = workerpool.NewWorkerPool[*Token, workerpool.None](name, threads, func() workerpool.Worker[*Token, workerpool.None] {
		return tokenRunner{}
	})
	p.wp.SetTaskReceiver(p.pending)
	p.wp.Start(context.Background())
	return p
}

// NewToken creates a token whose tasks run one at a time in submission order.
func (p *Pool) NewToken() *Token {
	t := &Token{pool: p}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Threads returns the number of goroutines of the pool.
func (p *Pool) Threads() int {
	return int(p.wp.Cap())
}

// Close stops the pool. Tasks that have not started are dropped and their
// tokens are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wp.ReleaseAndWait()
	// wait for the submitters blocked in AddTask to leave
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case t := <-p.pending:
			t.drop()
		default:
			return
		}
	}
}

func (p *Pool) schedule(t *Token) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || !p.wp.AddTask(t) {
		return ErrPoolClosed
	}
	return nil
}

// Token serialises the tasks submitted through it.
type Token struct {
	pool *Pool

	mu        sync.Mutex
	cond      *sync.Cond
	tasks     []func()
	scheduled bool
	pending   int
	shutdown  bool
}

// Submit queues fn behind every task submitted earlier through t.
func (t *Token) Submit(fn func()) error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return ErrTokenShutdown
	}
	t.tasks = append(t.tasks, fn)
	t.pending++
	needSchedule := !t.scheduled
	t.scheduled = true
	t.mu.Unlock()

	if needSchedule {
		if err := t.pool.schedule(t); err != nil {
			t.drop()
			return err
		}
	}
	return nil
}

// Wait blocks until every submitted task has finished.
func (t *Token) Wait() {
	t.mu.Lock()
	for t.pending > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// Shutdown rejects further submissions and waits for the submitted tasks.
func (t *Token) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()
	t.Wait()
}

// Pending returns the number of tasks submitted but not finished.
func (t *Token) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Token) drop() {
	t.mu.Lock()
	t.pending -= len(t.tasks)
	t.tasks = nil
	t.scheduled = false
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Token) next() (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tasks) == 0 {
		t.scheduled = false
		return nil, false
	}
	fn := t.tasks[0]
	t.tasks[0] = nil
	t.tasks = t.tasks[1:]
	return fn, true
}

func (t *Token) done() {
	t.mu.Lock()
	t.pending--
	if t.pending == 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

func (t *Token) run(fn func()) {
	defer t.done()
	defer func() {
		if r := recover(); r != nil {
			logutil.BgLogger().Error("panic in serial task",
				zap.String("pool", t.pool.name), zap.Any("r", r), zap.Stack("stack"))
			metrics.PanicCounter.WithLabelValues(metrics.LabelSerialPool).Inc()
		}
	}()
	fn()
}

type tokenRunner struct{}

// HandleTask runs the queued tasks of a token until it has none left.
func (tokenRunner) HandleTask(t *Token, _ func(workerpool.None)) {
	for {
		fn, ok := t.next()
		if !ok {
			return
		}
		t.run(fn)
	}
}

func (tokenRunner) Close() {}
