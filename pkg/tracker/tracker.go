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

package tracker

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/uber-go/tally"

	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
	"github.com/kestrelcloud/kestrel/pkg/job"
)

// TaskStatus is the runtime status of one task instance.
type TaskStatus string

const (
	// TaskStatusPending means the task is created but not yet placed.
	TaskStatusPending = TaskStatus("PENDING")

	// TaskStatusRunning means the task is placed and running on a host.
	TaskStatusRunning = TaskStatus("RUNNING")

	// TaskStatusKilled means the task was stopped, usually because a
	// config change replaced it.
	TaskStatusKilled = TaskStatus("KILLED")
)

// TaskRuntime is the authoritative runtime record of one task instance.
type TaskRuntime struct {
	// TaskID uniquely identifies this incarnation of the instance.
	TaskID string

	// JobKey and InstanceID locate the instance within its job.
	JobKey     job.Key
	InstanceID uint32

	// Host is the placement, empty until the task is placed.
	Host string

	// Status is the current runtime status.
	Status TaskStatus

	// AncestorID is the task id this incarnation replaced due to a
	// config change. Empty for a first placement. Never mutated once
	// set.
	AncestorID string

	// Revocable tags which host pool the task consumes.
	Revocable bool

	// Resources is the amount reserved on the host.
	Resources *scalar.Resources
}

// Clone returns a copy of the runtime.
func (r *TaskRuntime) Clone() *TaskRuntime {
	clone := *r
	if r.Resources != nil {
		clone.Resources = r.Resources.Clone()
	}
	return &clone
}

// Tracker holds the current (host, status, ancestor) per live instance.
type Tracker struct {
	sync.RWMutex

	// tasks maps job key -> instance id -> runtime.
	tasks map[string]map[uint32]*TaskRuntime

	metrics *Metrics
}

// NewTracker creates an empty task runtime tracker.
func NewTracker(parent tally.Scope) *Tracker {
	return &Tracker{
		tasks:   make(map[string]map[uint32]*TaskRuntime),
		metrics: NewMetrics(parent.SubScope("tracker")),
	}
}

// Record is the single mutation entry point. It stores a copy of the
// runtime as the current record for (job, instance), replacing any
// previous record.
func (t *Tracker) Record(runtime *TaskRuntime) {
	t.Lock()
	defer t.Unlock()

	key := runtime.JobKey.String()
	instances, ok := t.tasks[key]
	if !ok {
		instances = make(map[uint32]*TaskRuntime)
		t.tasks[key] = instances
	}
	instances[runtime.InstanceID] = runtime.Clone()
	t.metrics.Records.Inc(1)
}

// Get returns the current runtime of one instance.
func (t *Tracker) Get(key job.Key, instanceID uint32) (*TaskRuntime, error) {
	t.RLock()
	defer t.RUnlock()

	instances, ok := t.tasks[key.String()]
	if !ok {
		return nil, errors.Errorf("no tasks tracked for job %s", key)
	}
	runtime, ok := instances[instanceID]
	if !ok {
		return nil, errors.Errorf(
			"no task tracked for job %s instance %d", key, instanceID)
	}
	return runtime.Clone(), nil
}

// Query returns the runtimes of a job's instances, filtered by status
// when statuses is non-empty, ordered by instance id.
func (t *Tracker) Query(key job.Key, statuses ...TaskStatus) []*TaskRuntime {
	t.RLock()
	defer t.RUnlock()

	instances := t.tasks[key.String()]
	result := make([]*TaskRuntime, 0, len(instances))
	for _, runtime := range instances {
		if len(statuses) > 0 && !matchStatus(runtime.Status, statuses) {
			continue
		}
		result = append(result, runtime.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InstanceID < result[j].InstanceID
	})
	return result
}

func matchStatus(status TaskStatus, statuses []TaskStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
