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

package workerpool

import (
	"context"
	"sync"

	"github.com/pingcap/streamload/pkg/metrics"
	slutil "github.com/pingcap/streamload/pkg/util"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Worker handles the tasks received by one goroutine of the pool.
type Worker[T, R any] interface {
	// HandleTask consumes a task and reports its results through send.
	HandleTask(task T, send func(R))
	// Close is called once when the goroutine exits.
	Close()
}

// None is the result type of pools that produce no result.
type None struct{}

// Option configures a WorkerPool.
type Option[T, R any] func(p *WorkerPool[T, R])

// WithPanicHandler sets a handler called with the task whose HandleTask
// panicked. The worker keeps running afterwards.
func WithPanicHandler[T, R any](fn func(task T, r any)) Option[T, R] {
	return func(p *WorkerPool[T, R]) { p.onPanic = fn }
}

// WithResultBuffer gives the result channel room for n results.
func WithResultBuffer[T, R any](n int) Option[T, R] {
	return func(p *WorkerPool[T, R]) { p.resultBuf = n }
}

// WorkerPool runs a resizable set of goroutines, each owning one Worker,
// over a shared task channel.
type WorkerPool[T, R any] struct {
	name      string
	newWorker func() Worker[T, R]
	onPanic   func(task T, r any)
	resultBuf int

	ctx     context.Context
	cancel  context.CancelFunc
	tasks   chan T
	results chan R
	retire  chan struct{}
	wg      slutil.WaitGroupWrapper

	mu      sync.Mutex
	workers int32
	running atomic.Int32
}

// NewWorkerPool creates a pool of numWorkers goroutines. It does nothing
// until Start is called.
func NewWorkerPool[T, R any](name string, numWorkers int,
	newWorker func() Worker[T, R], opts ...Option[T, R]) *WorkerPool[T, R] {
	p := &WorkerPool[T, R]{
		name:      name,
		newWorker: newWorker,
		workers:   int32(max(numWorkers, 1)),
		retire:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetTaskReceiver makes the pool consume tasks from ch instead of its own
// unbuffered channel. Closing ch stops the workers.
func (p *WorkerPool[T, R]) SetTaskReceiver(ch chan T) {
	p.tasks = ch
}

func hasResult[R any]() bool {
	var zero R
	_, none := any(zero).(None)
	return !none
}

// Start launches the workers. They exit when ctx is done.
func (p *WorkerPool[T, R]) Start(ctx context.Context) {
	if p.tasks == nil {
		p.tasks = make(chan T)
	}
	if p.results == nil && hasResult[R]() {
		p.results = make(chan R, p.resultBuf)
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	for range p.workers {
		p.spawn()
	}
	logutil.BgLogger().Info("worker pool started", zap.String("name", p.name), zap.Int32("workers", p.workers))
}

func (p *WorkerPool[T, R]) spawn() {
	w := p.newWorker()
	if w == nil {
		return
	}
	p.wg.Run(func() {
		defer w.Close()
		for {
			select {
			case task, ok := <-p.tasks:
				if !ok {
					return
				}
				p.handle(w, task)
			case <-p.retire:
				return
			case <-p.ctx.Done():
				return
			}
		}
	})
}

func (p *WorkerPool[T, R]) send(r R) {
	if p.results == nil {
		return
	}
	select {
	case p.results <- r:
	case <-p.ctx.Done():
	}
}

func (p *WorkerPool[T, R]) handle(w Worker[T, R], task T) {
	gauge := metrics.WorkerPoolRunningGauge.WithLabelValues(p.name)
	gauge.Inc()
	p.running.Inc()
	defer func() {
		p.running.Dec()
		gauge.Dec()
	}()
	defer slutil.Recover(metrics.LabelWorkerPool, p.name, func(r any) {
		if p.onPanic != nil {
			p.onPanic(task, r)
		}
	}, false)
	w.HandleTask(task, p.send)
}

// AddTask hands task to a worker, blocking until one takes it. It returns
// false once the pool is released.
func (p *WorkerPool[T, R]) AddTask(task T) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.tasks <- task:
		return true
	}
}

// GetResultChan returns the channel results are sent to. It is nil for
// pools whose result type is None.
func (p *WorkerPool[T, R]) GetResultChan() <-chan R {
	return p.results
}

// Tune resizes the pool. Retired workers finish their current task first.
func (p *WorkerPool[T, R]) Tune(numWorkers int32) {
	numWorkers = max(numWorkers, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	for ; p.workers < numWorkers; p.workers++ {
		p.spawn()
	}
	for ; p.workers > numWorkers; p.workers-- {
		select {
		case p.retire <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
	}
}

// Cap returns the number of workers.
func (p *WorkerPool[T, R]) Cap() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Running returns the number of tasks being handled.
func (p *WorkerPool[T, R]) Running() int32 {
	return p.running.Load()
}

// Name returns the name of the pool.
func (p *WorkerPool[T, R]) Name() string {
	return p.name
}

// ReleaseAndWait stops the workers and waits for them to exit. Tasks still
// queued in the task channel are dropped.
func (p *WorkerPool[T, R]) ReleaseAndWait() {
	p.Release()
	p.Wait()
}

// Release stops the workers without waiting.
func (p *WorkerPool[T, R]) Release() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait waits for the workers to exit.
func (p *WorkerPool[T, R]) Wait() {
	p.wg.Wait()
}
