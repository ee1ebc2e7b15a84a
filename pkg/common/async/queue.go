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
	"container/list"
	"context"
	"sync"
)

// Job is the interface for a task to be run by the pool.
type Job interface {
	Run(ctx context.Context)
}

// JobFunc is a function type implementing the Job interface.
type JobFunc func(ctx context.Context)

// Run implements Job.
func (f JobFunc) Run(ctx context.Context) {
	f(ctx)
}

// Queue defines the interface of the FIFO queue used by the pool to buffer
// jobs until a worker becomes available.
type Queue interface {
	// Enqueue adds a job; it never blocks.
	Enqueue(job Job)
	// Dequeue fetches the next job, blocking until one is available or
	// the stop channel is signalled, in which case nil is returned.
	Dequeue(stopChan chan struct{}) Job
}

// queue works like an unbounded channel, where jobs are added with Enqueue
// and drained by Dequeue.
type queue struct {
	sync.Mutex
	list *list.List

	// enqueueSignal is written after a successful enqueue. With a buffer
	// size of 1 it is guaranteed that a waiting Dequeue observes the job.
	enqueueSignal chan struct{}
}

func newQueue() *queue {
	return &queue{
		list:          list.New(),
		enqueueSignal: make(chan struct{}, 1),
	}
}

// Enqueue the job. This method returns immediately.
func (q *queue) Enqueue(job Job) {
	q.Lock()
	q.list.PushBack(job)
	q.Unlock()

	select {
	case q.enqueueSignal <- struct{}{}:
	default:
	}
}

// Dequeue the next job, or nil on stop.
func (q *queue) Dequeue(stopChan chan struct{}) Job {
	for {
		q.Lock()
		f := q.list.Front()
		if f == nil {
			q.Unlock()

			select {
			case <-q.enqueueSignal:
				continue
			case <-stopChan:
				return nil
			}
		}

		q.list.Remove(f)
		q.Unlock()
		return f.Value.(Job)
	}
}
