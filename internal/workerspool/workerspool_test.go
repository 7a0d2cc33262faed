// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1, -4} {
		pool := New(parallelism)
		if parallelism < 0 {
			assert.Equal(t, runtime.GOMAXPROCS(0), pool.MaxParallelism())
		}
		assert.Equal(t, parallelism != 0, pool.IsEnabled())

		const n = 50
		results := make([]int, n)
		var running, maxRunning atomic.Int32
		pool.Run(n, func(i int) {
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			runtime.Gosched()
			results[i] = i * i
			running.Add(-1)
		})
		for i, v := range results {
			assert.Equal(t, i*i, v)
		}
		if limit := pool.MaxParallelism(); limit > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), limit)
		} else {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}
