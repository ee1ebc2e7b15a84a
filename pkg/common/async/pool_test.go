// Copyright (c) 2024 Kestrel Cloud, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package async

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := NewPool(PoolOptions{MaxWorkers: 4}, nil)
	p.Start()
	defer p.Stop()

	var count atomic.Int64
	for i := 0; i < 100; i++ {
		p.Enqueue(JobFunc(func(ctx context.Context) {
			count.Inc()
		}))
	}
	p.WaitUntilProcessed()

	assert.Equal(t, int64(100), count.Load())
}

func TestPoolConcurrentEnqueue(t *testing.T) {
	p := NewPool(PoolOptions{MaxWorkers: 2}, nil)
	p.Start()
	defer p.Stop()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				p.Enqueue(JobFunc(func(ctx context.Context) {
					count.Inc()
				}))
			}
		}()
	}
	wg.Wait()
	p.WaitUntilProcessed()

	assert.Equal(t, int64(200), count.Load())
}

func TestPoolDefaultWorkers(t *testing.T) {
	p := NewPool(PoolOptions{}, nil)
	assert.Equal(t, DefaultMaxWorkers, p.options.MaxWorkers)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p := NewPool(PoolOptions{MaxWorkers: 2}, nil)
	p.Start()

	var count atomic.Int64
	p.Enqueue(JobFunc(func(ctx context.Context) {
		count.Inc()
	}))
	p.WaitUntilProcessed()

	p.Stop()
	p.Stop()

	assert.Equal(t, int64(1), count.Load())
}
