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
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	"go.uber.org/yarpc/yarpcerrors"

	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
	"github.com/kestrelcloud/kestrel/pkg/history"
	"github.com/kestrelcloud/kestrel/pkg/job"
	"github.com/kestrelcloud/kestrel/pkg/placement"
	"github.com/kestrelcloud/kestrel/pkg/respool"
	"github.com/kestrelcloud/kestrel/pkg/tracker"
	"github.com/kestrelcloud/kestrel/pkg/update"
)

type HandlerTestSuite struct {
	suite.Suite

	ctx        context.Context
	resPools   *respool.Manager
	tracker    *tracker.Tracker
	controller *update.Controller
	handler    *ServiceHandler
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.resPools = respool.NewManager(tally.NoopScope)
	s.tracker = tracker.NewTracker(tally.NoopScope)
	store := history.NewMemStore(tally.NoopScope)

	engine := placement.New(
		placement.Config{MaxAttempts: 2, RetryInterval: time.Millisecond},
		tally.NoopScope,
		s.resPools,
	)
	s.controller = update.NewController(
		update.Config{},
		tally.NoopScope,
		s.resPools,
		engine,
		s.tracker,
		store,
	)
	s.controller.Start()
	s.handler = NewServiceHandler(tally.NoopScope, s.controller, s.tracker)

	s.resPools.AddHost(
		"host1",
		&scalar.Resources{CPU: 16.0, MEMORY: 8192.0, DISK: 32768.0},
		&scalar.Resources{CPU: 16.0, MEMORY: 8192.0, DISK: 32768.0},
	)
}

func (s *HandlerTestSuite) TearDownTest() {
	s.controller.Stop()
}

func (s *HandlerTestSuite) jobConfig(name string, instances uint32) *job.Config {
	return &job.Config{
		Key: job.Key{
			Role:        "svc-role",
			Environment: "prod",
			Name:        name,
		},
		InstanceCount: instances,
		Resource:      job.ResourceConfig{CPULimit: 1.0, MemLimitMb: 128.0},
	}
}

// awaitStatus polls getJobUpdateDetails until the update reaches the
// wanted status, and returns the final details.
func (s *HandlerTestSuite) awaitStatus(updateID, status string) *JobUpdateDetails {
	var details *JobUpdateDetails
	s.Eventually(func() bool {
		resp, err := s.handler.GetJobUpdateDetails(s.ctx, &GetJobUpdateDetailsRequest{
			Query: JobUpdateQuery{UpdateID: updateID},
		})
		if err != nil || len(resp.DetailsList) != 1 {
			return false
		}
		details = resp.DetailsList[0]
		return details.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return details
}

func (s *HandlerTestSuite) TestStartJobUpdateRollsForward() {
	resp, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig: s.jobConfig("web", 3),
		Message:   "first rollout",
	})
	s.NoError(err)
	s.NotEmpty(resp.UpdateID)

	details := s.awaitStatus(resp.UpdateID, string(update.StateRolledForward))
	s.Equal("web", details.JobKey.Name)
	s.Len(details.InstanceEvents, 3)
	s.Equal("first rollout", details.UpdateEvents[0].Message)
}

func (s *HandlerTestSuite) TestStartJobUpdateInvalidConfig() {
	_, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig: s.jobConfig("web", 0),
	})
	s.Error(err)
	s.True(yarpcerrors.IsInvalidArgument(err))
}

func (s *HandlerTestSuite) TestPulseJobUpdate() {
	resp, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig:    s.jobConfig("web", 2),
		PulseEnabled: true,
	})
	s.NoError(err)

	details := s.awaitStatus(
		resp.UpdateID, string(update.StateRollForwardAwaitingPulse))
	s.Empty(details.InstanceEvents)

	pulseResp, err := s.handler.PulseJobUpdate(s.ctx, &PulseJobUpdateRequest{
		UpdateID: resp.UpdateID,
	})
	s.NoError(err)
	s.Equal("OK", pulseResp.Status)

	details = s.awaitStatus(resp.UpdateID, string(update.StateRolledForward))
	s.Len(details.InstanceEvents, 2)
}

func (s *HandlerTestSuite) TestPulseJobUpdateUnknown() {
	_, err := s.handler.PulseJobUpdate(s.ctx, &PulseJobUpdateRequest{
		UpdateID: "no-such-update",
	})
	s.Error(err)
	s.True(yarpcerrors.IsNotFound(err))
}

func (s *HandlerTestSuite) TestAbortJobUpdate() {
	resp, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig:    s.jobConfig("web", 2),
		PulseEnabled: true,
	})
	s.NoError(err)
	s.awaitStatus(resp.UpdateID, string(update.StateRollForwardAwaitingPulse))

	_, err = s.handler.AbortJobUpdate(s.ctx, &AbortJobUpdateRequest{
		UpdateID: resp.UpdateID,
	})
	s.NoError(err)

	details := s.awaitStatus(resp.UpdateID, string(update.StateAborted))
	last := details.UpdateEvents[len(details.UpdateEvents)-1]
	s.Equal("aborted by client", last.Message)

	// Aborting a terminal update is a conflict.
	_, err = s.handler.AbortJobUpdate(s.ctx, &AbortJobUpdateRequest{
		UpdateID: resp.UpdateID,
	})
	s.Error(err)
	s.True(yarpcerrors.IsAborted(err))
}

func (s *HandlerTestSuite) TestGetJobUpdateDetailsByJobKey() {
	cfg := s.jobConfig("web", 2)
	first, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig: cfg,
	})
	s.NoError(err)
	s.awaitStatus(first.UpdateID, string(update.StateRolledForward))

	grown := s.jobConfig("web", 3)
	second, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig: grown,
	})
	s.NoError(err)
	s.awaitStatus(second.UpdateID, string(update.StateRolledForward))

	resp, err := s.handler.GetJobUpdateDetails(s.ctx, &GetJobUpdateDetailsRequest{
		Query: JobUpdateQuery{JobKey: &cfg.Key},
	})
	s.NoError(err)
	s.Len(resp.DetailsList, 2)
	// Most recent first.
	s.Equal(second.UpdateID, resp.DetailsList[0].UpdateID)
	s.Equal(first.UpdateID, resp.DetailsList[1].UpdateID)
}

func (s *HandlerTestSuite) TestGetJobUpdateDetailsQueryValidation() {
	key := job.Key{Role: "svc-role", Environment: "prod", Name: "web"}

	_, err := s.handler.GetJobUpdateDetails(s.ctx, &GetJobUpdateDetailsRequest{
		Query: JobUpdateQuery{UpdateID: "u1", JobKey: &key},
	})
	s.Error(err)
	s.True(yarpcerrors.IsInvalidArgument(err))

	_, err = s.handler.GetJobUpdateDetails(s.ctx, &GetJobUpdateDetailsRequest{})
	s.Error(err)
	s.True(yarpcerrors.IsInvalidArgument(err))

	_, err = s.handler.GetJobUpdateDetails(s.ctx, &GetJobUpdateDetailsRequest{
		Query: JobUpdateQuery{UpdateID: "no-such-update"},
	})
	s.Error(err)
	s.True(yarpcerrors.IsNotFound(err))
}

func (s *HandlerTestSuite) TestGetTasksWithoutConfigs() {
	resp, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig: s.jobConfig("web", 2),
	})
	s.NoError(err)
	s.awaitStatus(resp.UpdateID, string(update.StateRolledForward))

	key := job.Key{Role: "svc-role", Environment: "prod", Name: "web"}
	tasksResp, err := s.handler.GetTasksWithoutConfigs(s.ctx, &GetTasksWithoutConfigsRequest{
		JobKeys: []job.Key{key},
	})
	s.NoError(err)
	s.Len(tasksResp.Tasks, 2)
	for i, task := range tasksResp.Tasks {
		s.Equal(uint32(i), task.InstanceID)
		s.Equal("host1", task.Host)
		s.Equal(string(tracker.TaskStatusRunning), task.Status)
		s.Empty(task.AncestorID)
	}

	// Status filter excludes everything when no task matches.
	tasksResp, err = s.handler.GetTasksWithoutConfigs(s.ctx, &GetTasksWithoutConfigsRequest{
		JobKeys:  []job.Key{key},
		Statuses: []string{string(tracker.TaskStatusKilled)},
	})
	s.NoError(err)
	s.Empty(tasksResp.Tasks)
}

func (s *HandlerTestSuite) TestGetTasksWithoutConfigsAncestors() {
	cfg := s.jobConfig("web", 2)
	first, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig: cfg,
	})
	s.NoError(err)
	s.awaitStatus(first.UpdateID, string(update.StateRolledForward))

	key := job.Key{Role: "svc-role", Environment: "prod", Name: "web"}
	firstGen, err := s.handler.GetTasksWithoutConfigs(s.ctx, &GetTasksWithoutConfigsRequest{
		JobKeys: []job.Key{key},
	})
	s.NoError(err)

	changed := s.jobConfig("web", 2)
	changed.Resource.CPULimit = 2.0
	second, err := s.handler.StartJobUpdate(s.ctx, &StartJobUpdateRequest{
		JobConfig: changed,
	})
	s.NoError(err)
	s.awaitStatus(second.UpdateID, string(update.StateRolledForward))

	secondGen, err := s.handler.GetTasksWithoutConfigs(s.ctx, &GetTasksWithoutConfigsRequest{
		JobKeys: []job.Key{key},
	})
	s.NoError(err)
	s.Len(secondGen.Tasks, 2)
	for i, task := range secondGen.Tasks {
		s.Equal(firstGen.Tasks[i].TaskID, task.AncestorID)
	}
}

func (s *HandlerTestSuite) TestServerLeadershipCallbacks() {
	server := NewServer(5292, s.controller)
	s.NotEmpty(server.GetID())
	s.False(server.HasGainedLeadership())

	s.NoError(server.GainedLeadershipCallback())
	s.True(server.HasGainedLeadership())

	s.NoError(server.LostLeadershipCallback())
	s.False(server.HasGainedLeadership())

	s.NoError(server.GainedLeadershipCallback())
	s.NoError(server.ShutDownCallback())
	s.False(server.HasGainedLeadership())
}
