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

package serialpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTokenRunsTasksInOrder(t *testing.T) {
	pool := New("test", 4)
	defer pool.Close()
	require.Equal(t, 4, pool.Threads())

	const tokens, tasksPerToken = 8, 200
	results := make([][]int, tokens)
	var running [tokens]atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < tokens; i++ {
		tok := pool.NewToken()
		wg.Add(1)
		go func(i int, tok *Token) {
			defer wg.Done()
			for j := 0; j < tasksPerToken; j++ {
				j := j
				require.NoError(t, tok.Submit(func() {
					require.Equal(t, int32(1), running[i].Inc())
					results[i] = append(results[i], j)
					running[i].Dec()
				}))
			}
			tok.Wait()
			require.Zero(t, tok.Pending())
		}(i, tok)
	}
	wg.Wait()
	for i := 0; i < tokens; i++ {
		require.Len(t, results[i], tasksPerToken)
		for j, v := range results[i] {
			require.Equal(t, j, v)
		}
	}
}

func TestTokenShutdown(t *testing.T) {
	pool := New("test", 2)
	defer pool.Close()

	tok := pool.NewToken()
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, tok.Submit(func() {
			time.Sleep(time.Millisecond)
			count.Inc()
		}))
	}
	tok.Shutdown()
	require.Equal(t, int32(10), count.Load())
	require.ErrorIs(t, tok.Submit(func() {}), ErrTokenShutdown)
}

func TestTaskPanicDoesNotBlockToken(t *testing.T) {
	pool := New("test", 1)
	defer pool.Close()

	tok := pool.NewToken()
	var ran atomic.Bool
	require.NoError(t, tok.Submit(func() { panic("boom") }))
	require.NoError(t, tok.Submit(func() { ran.Store(true) }))
	tok.Wait()
	require.True(t, ran.Load())
}

func TestSubmitAfterClose(t *testing.T) {
	pool := New("test", 1)
	pool.Close()
	pool.Close()

	tok := pool.NewToken()
	require.ErrorIs(t, tok.Submit(func() {}), ErrPoolClosed)
	tok.Wait()
	require.Zero(t, tok.Pending())
}
