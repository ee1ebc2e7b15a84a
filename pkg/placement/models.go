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

package placement

import (
	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
	"github.com/kestrelcloud/kestrel/pkg/job"
	"github.com/kestrelcloud/kestrel/pkg/respool"
)

// Task is one pending instance to be placed on a host.
type Task struct {
	// JobKey and InstanceID locate the instance.
	JobKey     job.Key
	InstanceID uint32

	// TaskID is the incarnation being placed.
	TaskID string

	// Revocable selects the host pool the task is admitted into.
	Revocable bool

	// Resources is the amount to reserve on the chosen host.
	Resources *scalar.Resources
}

// Pool returns the host pool matching the task's revocable flag.
func (t *Task) Pool() respool.Pool {
	return respool.PoolForRevocable(t.Revocable)
}

// Assignment binds a task to a host. The task's resources are already
// reserved on the host when the assignment is returned.
type Assignment struct {
	Task     *Task
	Hostname string
}
