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
)

const (
	// DefaultMaxWorkers of a Pool. See Pool.SetMaxWorkers for more info.
	DefaultMaxWorkers = 4
)

// PoolOptions for constructing a new Pool.
type PoolOptions struct {
	MaxWorkers int
}

// Pool runs up to a maximum number of jobs concurrently. The pool has an
// internal queue, such that all jobs added will be accepted but not run
// until they reach the front of the queue and a worker is free.
type Pool struct {
	sync.Mutex
	options    PoolOptions
	queue      Queue
	numWorkers int
	jobs       sync.WaitGroup
	stopChan   chan struct{}
}

// NewPool returns a new pool, provided the PoolOptions and the queue. A nil
// queue defaults to the built-in FIFO queue.
func NewPool(o PoolOptions, queue Queue) *Pool {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}

	if queue == nil {
		queue = newQueue()
	}

	return &Pool{
		options:    o,
		queue:      queue,
		numWorkers: o.MaxWorkers,
	}
}

// Enqueue a job in the pool.
func (p *Pool) Enqueue(job Job) {
	p.jobs.Add(1)
	p.queue.Enqueue(job)
}

// WaitUntilProcessed blocks until both the queue is empty and all workers
// are idle. This is useful for per-request pools and in testing.
func (p *Pool) WaitUntilProcessed() {
	p.jobs.Wait()
}

// Start the worker pool by initializing the stop channel and starting all
// the workers.
func (p *Pool) Start() {
	p.Lock()
	if p.stopChan != nil {
		p.Unlock()
		return
	}

	p.stopChan = make(chan struct{})
	p.numWorkers = p.options.MaxWorkers
	p.Unlock()

	for i := 0; i < p.options.MaxWorkers; i++ {
		go p.runWorker()
	}
}

// Stop terminates the running workers and cleans up the stop channel.
func (p *Pool) Stop() {
	p.Lock()
	if p.stopChan == nil {
		p.Unlock()
		return
	}

	maxWorkers := p.options.MaxWorkers
	p.options.MaxWorkers = 0
	p.Unlock()

	p.stopWorkers()

	p.Lock()
	close(p.stopChan)
	p.stopChan = nil
	p.options.MaxWorkers = maxWorkers
	p.Unlock()
}

// stopWorkers stops running workers until the goal state of MaxWorkers is
// reached.
func (p *Pool) stopWorkers() {
	for {
		p.Lock()
		if p.numWorkers <= p.options.MaxWorkers {
			p.Unlock()
			break
		}
		// Best effort send on stopChan; if received, a running worker
		// is terminated.
		select {
		case p.stopChan <- struct{}{}:
			p.numWorkers--
		default:
		}
		p.Unlock()
	}
}

// runWorker processes jobs from the FIFO queue until stopped.
func (p *Pool) runWorker() {
	p.Lock()
	stopChan := p.stopChan
	p.Unlock()

	for {
		job := p.queue.Dequeue(stopChan)
		if job == nil {
			return
		}

		job.Run(context.TODO())
		p.jobs.Done()
	}
}
