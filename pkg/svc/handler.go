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
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/yarpc/api/transport"
	"go.uber.org/yarpc/encoding/json"
	"go.uber.org/yarpc/yarpcerrors"

	"github.com/kestrelcloud/kestrel/pkg/history"
	"github.com/kestrelcloud/kestrel/pkg/tracker"
	"github.com/kestrelcloud/kestrel/pkg/update"
)

// ServiceHandler implements the external job update API.
type ServiceHandler struct {
	metrics    *Metrics
	controller *update.Controller
	tracker    *tracker.Tracker
}

// NewServiceHandler creates the API handler.
func NewServiceHandler(
	parent tally.Scope,
	controller *update.Controller,
	taskTracker *tracker.Tracker,
) *ServiceHandler {
	return &ServiceHandler{
		metrics:    NewMetrics(parent.SubScope("api")),
		controller: controller,
		tracker:    taskTracker,
	}
}

// Procedures returns the YARPC JSON procedures served by the handler.
func (h *ServiceHandler) Procedures() []transport.Procedure {
	var procedures []transport.Procedure
	procedures = append(procedures,
		json.Procedure("startJobUpdate", h.StartJobUpdate)...)
	procedures = append(procedures,
		json.Procedure("pulseJobUpdate", h.PulseJobUpdate)...)
	procedures = append(procedures,
		json.Procedure("abortJobUpdate", h.AbortJobUpdate)...)
	procedures = append(procedures,
		json.Procedure("getJobUpdateDetails", h.GetJobUpdateDetails)...)
	procedures = append(procedures,
		json.Procedure("getTasksWithoutConfigs", h.GetTasksWithoutConfigs)...)
	return procedures
}

// StartJobUpdate accepts a new rollout for a job. The call returns as
// soon as the update is accepted; convergence progress is observable
// through getJobUpdateDetails.
func (h *ServiceHandler) StartJobUpdate(
	ctx context.Context,
	req *StartJobUpdateRequest,
) (resp *StartJobUpdateResponse, err error) {
	defer h.metrics.instrument("startJobUpdate")(&err)

	updateID, err := h.controller.StartUpdate(
		ctx, req.JobConfig, req.Message, req.PulseEnabled)
	if err != nil {
		log.WithError(err).Info("startJobUpdate rejected")
		return nil, err
	}
	return &StartJobUpdateResponse{UpdateID: updateID}, nil
}

// PulseJobUpdate unblocks an update awaiting pulse. Pulsing an update
// in any other state acks without effect.
func (h *ServiceHandler) PulseJobUpdate(
	ctx context.Context,
	req *PulseJobUpdateRequest,
) (resp *PulseJobUpdateResponse, err error) {
	defer h.metrics.instrument("pulseJobUpdate")(&err)

	if err := h.controller.Pulse(ctx, req.UpdateID); err != nil {
		return nil, err
	}
	return &PulseJobUpdateResponse{Status: "OK"}, nil
}

// AbortJobUpdate aborts a non-terminal update.
func (h *ServiceHandler) AbortJobUpdate(
	ctx context.Context,
	req *AbortJobUpdateRequest,
) (resp *AbortJobUpdateResponse, err error) {
	defer h.metrics.instrument("abortJobUpdate")(&err)

	message := req.Message
	if message == "" {
		message = "aborted by client"
	}
	if err := h.controller.AbortUpdate(ctx, req.UpdateID, message); err != nil {
		return nil, err
	}
	return &AbortJobUpdateResponse{}, nil
}

// GetJobUpdateDetails returns update summaries with their event
// histories, selected by update key or job key.
func (h *ServiceHandler) GetJobUpdateDetails(
	ctx context.Context,
	req *GetJobUpdateDetailsRequest,
) (resp *GetJobUpdateDetailsResponse, err error) {
	defer h.metrics.instrument("getJobUpdateDetails")(&err)

	query := req.Query
	switch {
	case query.UpdateID != "" && query.JobKey != nil:
		return nil, yarpcerrors.InvalidArgumentErrorf(
			"query must set exactly one of updateId and jobKey")
	case query.UpdateID != "":
		d, err := h.controller.GetDetails(ctx, query.UpdateID)
		if err != nil {
			return nil, err
		}
		return &GetJobUpdateDetailsResponse{
			DetailsList: []*JobUpdateDetails{toWireDetails(d)},
		}, nil
	case query.JobKey != nil:
		details, err := h.controller.GetDetailsByJob(ctx, *query.JobKey)
		if err != nil {
			return nil, err
		}
		list := make([]*JobUpdateDetails, 0, len(details))
		for _, d := range details {
			list = append(list, toWireDetails(d))
		}
		return &GetJobUpdateDetailsResponse{DetailsList: list}, nil
	default:
		return nil, yarpcerrors.InvalidArgumentErrorf(
			"query must set one of updateId and jobKey")
	}
}

// GetTasksWithoutConfigs returns task runtimes for the queried jobs,
// optionally filtered by status.
func (h *ServiceHandler) GetTasksWithoutConfigs(
	ctx context.Context,
	req *GetTasksWithoutConfigsRequest,
) (resp *GetTasksWithoutConfigsResponse, err error) {
	defer h.metrics.instrument("getTasksWithoutConfigs")(&err)

	statuses := make([]tracker.TaskStatus, 0, len(req.Statuses))
	for _, s := range req.Statuses {
		statuses = append(statuses, tracker.TaskStatus(s))
	}

	tasks := make([]*TaskInfo, 0)
	for _, key := range req.JobKeys {
		for _, runtime := range h.tracker.Query(key, statuses...) {
			tasks = append(tasks, &TaskInfo{
				JobKey:     runtime.JobKey,
				InstanceID: runtime.InstanceID,
				TaskID:     runtime.TaskID,
				Host:       runtime.Host,
				Status:     string(runtime.Status),
				AncestorID: runtime.AncestorID,
			})
		}
	}
	return &GetTasksWithoutConfigsResponse{Tasks: tasks}, nil
}

func toWireDetails(d *update.Details) *JobUpdateDetails {
	updateEvents := make([]*JobUpdateEvent, 0, len(d.UpdateEvents))
	for _, e := range d.UpdateEvents {
		updateEvents = append(updateEvents, toWireUpdateEvent(e))
	}
	instanceEvents := make([]*JobInstanceEvent, 0, len(d.InstanceEvents))
	for _, e := range d.InstanceEvents {
		instanceEvents = append(instanceEvents, toWireInstanceEvent(e))
	}
	return &JobUpdateDetails{
		UpdateID:        d.ID,
		JobKey:          d.JobKey,
		Status:          string(d.Status),
		Message:         d.Message,
		CreateTimestamp: d.CreateTime.UnixNano() / int64(1e6),
		UpdateEvents:    updateEvents,
		InstanceEvents:  instanceEvents,
	}
}

func toWireUpdateEvent(e *history.UpdateEvent) *JobUpdateEvent {
	return &JobUpdateEvent{
		Status:      e.Status,
		Message:     e.Message,
		TimestampMs: e.Timestamp.UnixNano() / int64(1e6),
	}
}

func toWireInstanceEvent(e *history.InstanceEvent) *JobInstanceEvent {
	return &JobInstanceEvent{
		InstanceID:  e.InstanceID,
		Status:      e.Status,
		TimestampMs: e.Timestamp.UnixNano() / int64(1e6),
	}
}
