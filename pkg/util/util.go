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

package util

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/metrics"
	"github.com/pingcap/streamload/pkg/util/logutil"
	"go.uber.org/zap"
)

// WaitGroupWrapper starts goroutines that are tracked by the embedded
// sync.WaitGroup.
type WaitGroupWrapper struct {
	sync.WaitGroup
}

// Run runs exec in a tracked goroutine. exec must not panic.
func (w *WaitGroupWrapper) Run(exec func()) {
	w.Add(1)
	go func() {
		defer w.Done()
		exec()
	}()
}

// RunWithRecover runs exec in a tracked goroutine and survives its panic.
// recoverFn, if set, is always called with the recovered value, which is
// nil when exec returned normally.
func (w *WaitGroupWrapper) RunWithRecover(exec func(), recoverFn func(r any)) {
	w.Add(1)
	go func() {
		defer w.Done()
		defer func() {
			r := recover()
			if r != nil {
				logPanic(r, zap.String("funcInfo", "RunWithRecover"))
			}
			if recoverFn != nil {
				recoverFn(r)
			}
		}()
		exec()
	}()
}

// Recover must be deferred directly. It logs and counts a panic under
// metricsLabel, calls recoverFn and re-panics when quit is set.
func Recover(metricsLabel, funcInfo string, recoverFn func(r any), quit bool) {
	r := recover()
	if r == nil {
		return
	}
	logPanic(r, zap.String("label", metricsLabel), zap.String("funcInfo", funcInfo))
	metrics.PanicCounter.WithLabelValues(metricsLabel).Inc()
	if recoverFn != nil {
		recoverFn(r)
	}
	if quit {
		panic(r)
	}
}

func logPanic(r any, fields ...zap.Field) {
	fields = append(fields, zap.Any("r", r), zap.Stack("stack"))
	logutil.BgLogger().Error("panic in the recoverable goroutine", fields...)
}

// GetRecoverError turns a recovered value into an error with a stack.
func GetRecoverError(r any) error {
	if err, ok := r.(error); ok {
		return errors.Trace(err)
	}
	return errors.Errorf("%v", r)
}
