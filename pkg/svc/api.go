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

package svc

import (
	"github.com/kestrelcloud/kestrel/pkg/job"
)

// StartJobUpdateRequest starts a rollout of a job towards the given
// desired config.
type StartJobUpdateRequest struct {
	JobConfig    *job.Config `json:"jobConfig"`
	Message      string      `json:"message,omitempty"`
	PulseEnabled bool        `json:"pulseEnabled,omitempty"`
}

// StartJobUpdateResponse acknowledges the accepted update.
type StartJobUpdateResponse struct {
	UpdateID string `json:"updateId"`
}

// PulseJobUpdateRequest unblocks a gated rollout.
type PulseJobUpdateRequest struct {
	UpdateID string `json:"updateId"`
}

// PulseJobUpdateResponse acknowledges the pulse.
type PulseJobUpdateResponse struct {
	Status string `json:"status"`
}

// AbortJobUpdateRequest aborts a non-terminal update.
type AbortJobUpdateRequest struct {
	UpdateID string `json:"updateId"`
	Message  string `json:"message,omitempty"`
}

// AbortJobUpdateResponse acknowledges the abort.
type AbortJobUpdateResponse struct{}

// JobUpdateQuery selects updates either by update key or by job key.
// Exactly one selector must be set.
type JobUpdateQuery struct {
	UpdateID string   `json:"updateId,omitempty"`
	JobKey   *job.Key `json:"jobKey,omitempty"`
}

// GetJobUpdateDetailsRequest queries update details with their event
// histories.
type GetJobUpdateDetailsRequest struct {
	Query JobUpdateQuery `json:"query"`
}

// JobUpdateEvent is one job-level event on the wire.
type JobUpdateEvent struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

// JobInstanceEvent is one per-instance event on the wire.
type JobInstanceEvent struct {
	InstanceID  uint32 `json:"instanceId"`
	Status      string `json:"status"`
	TimestampMs int64  `json:"timestampMs"`
}

// JobUpdateDetails is one update summary with its event histories.
type JobUpdateDetails struct {
	UpdateID        string              `json:"updateId"`
	JobKey          job.Key             `json:"jobKey"`
	Status          string              `json:"status"`
	Message         string              `json:"message,omitempty"`
	CreateTimestamp int64               `json:"createTimestampMs"`
	UpdateEvents    []*JobUpdateEvent   `json:"updateEvents"`
	InstanceEvents  []*JobInstanceEvent `json:"instanceEvents"`
}

// GetJobUpdateDetailsResponse lists matching updates. For a by-job
// query the list is ordered most recent first.
type GetJobUpdateDetailsResponse struct {
	DetailsList []*JobUpdateDetails `json:"detailsList"`
}

// GetTasksWithoutConfigsRequest queries task runtimes by job keys and
// optional status filter.
type GetTasksWithoutConfigsRequest struct {
	JobKeys  []job.Key `json:"jobKeys"`
	Statuses []string  `json:"statuses,omitempty"`
}

// TaskInfo is one task runtime on the wire.
type TaskInfo struct {
	JobKey     job.Key `json:"jobKey"`
	InstanceID uint32  `json:"instanceId"`
	TaskID     string  `json:"taskId"`
	Host       string  `json:"host,omitempty"`
	Status     string  `json:"status"`
	AncestorID string  `json:"ancestorId,omitempty"`
}

// GetTasksWithoutConfigsResponse lists matching task runtimes.
type GetTasksWithoutConfigsResponse struct {
	Tasks []*TaskInfo `json:"tasks"`
}
