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

package update

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	"go.uber.org/yarpc/yarpcerrors"

	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
	"github.com/kestrelcloud/kestrel/pkg/history"
	"github.com/kestrelcloud/kestrel/pkg/job"
	"github.com/kestrelcloud/kestrel/pkg/placement"
	placementmocks "github.com/kestrelcloud/kestrel/pkg/placement/mocks"
	"github.com/kestrelcloud/kestrel/pkg/respool"
	"github.com/kestrelcloud/kestrel/pkg/tracker"
)

type ControllerTestSuite struct {
	suite.Suite

	ctx        context.Context
	resPools   *respool.Manager
	tracker    *tracker.Tracker
	store      *history.MemStore
	controller *Controller
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}

func (s *ControllerTestSuite) SetupTest() {
	s.setup(Config{})
}

func (s *ControllerTestSuite) TearDownTest() {
	s.controller.Stop()
}

func (s *ControllerTestSuite) setup(config Config) {
	s.ctx = context.Background()
	s.resPools = respool.NewManager(tally.NoopScope)
	s.tracker = tracker.NewTracker(tally.NoopScope)
	s.store = history.NewMemStore(tally.NoopScope)

	engine := placement.New(
		placement.Config{MaxAttempts: 2, RetryInterval: time.Millisecond},
		tally.NoopScope,
		s.resPools,
	)
	s.controller = NewController(
		config,
		tally.NoopScope,
		s.resPools,
		engine,
		s.tracker,
		s.store,
	)
	s.controller.Start()
}

func (s *ControllerTestSuite) addHost(hostname string, cpu float64) {
	s.resPools.AddHost(
		hostname,
		&scalar.Resources{CPU: cpu, MEMORY: 4096.0, DISK: 16384.0},
		&scalar.Resources{CPU: cpu, MEMORY: 4096.0, DISK: 16384.0},
	)
}

func (s *ControllerTestSuite) config(name string, instances uint32, cpu float64) *job.Config {
	return &job.Config{
		Key: job.Key{
			Role:        "test-role",
			Environment: "test-env",
			Name:        name,
		},
		InstanceCount: instances,
		Resource:      job.ResourceConfig{CPULimit: cpu, MemLimitMb: 64.0},
	}
}

// wait blocks until all queued convergence work has run.
func (s *ControllerTestSuite) wait() {
	s.controller.pool.WaitUntilProcessed()
}

func (s *ControllerTestSuite) TestStartUpdateInvalidConfig() {
	cfg := s.config("job1", 0, 1.0)

	_, err := s.controller.StartUpdate(s.ctx, cfg, "msg", false)
	s.Error(err)
	s.True(yarpcerrors.IsInvalidArgument(err))

	// Rejected before any state mutation: the job does not exist.
	_, err = s.controller.GetDetailsByJob(s.ctx, cfg.Key)
	s.True(yarpcerrors.IsNotFound(err))
}

func (s *ControllerTestSuite) TestStartUpdateRollsForward() {
	s.addHost("host1", 8.0)
	cfg := s.config("job1", 3, 1.0)

	id, err := s.controller.StartUpdate(s.ctx, cfg, "initial rollout", false)
	s.NoError(err)
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateRolledForward, d.Status)

	// First event carries the request message, last is terminal.
	s.Require().Len(d.UpdateEvents, 2)
	s.Equal(string(StateRollingForward), d.UpdateEvents[0].Status)
	s.Equal("initial rollout", d.UpdateEvents[0].Message)
	s.Equal(string(StateRolledForward), d.UpdateEvents[1].Status)

	s.Len(d.InstanceEvents, 3)

	// First placement: everything runs, nothing has an ancestor.
	tasks := s.tracker.Query(cfg.Key, tracker.TaskStatusRunning)
	s.Require().Len(tasks, 3)
	for _, t := range tasks {
		s.Equal("host1", t.Host)
		s.Empty(t.AncestorID)
	}
}

func (s *ControllerTestSuite) TestPulseGatesRollout() {
	s.addHost("host1", 8.0)
	cfg := s.config("job1", 2, 1.0)

	id, err := s.controller.StartUpdate(s.ctx, cfg, "gated rollout", true)
	s.NoError(err)
	s.wait()

	// No instance work before the pulse.
	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateRollForwardAwaitingPulse, d.Status)
	s.Require().Len(d.UpdateEvents, 1)
	s.Equal(string(StateRollForwardAwaitingPulse), d.UpdateEvents[0].Status)
	s.Equal("gated rollout", d.UpdateEvents[0].Message)
	s.Empty(d.InstanceEvents)

	s.NoError(s.controller.Pulse(s.ctx, id))
	s.wait()

	d, err = s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateRolledForward, d.Status)

	var statuses []string
	for _, e := range d.UpdateEvents {
		statuses = append(statuses, e.Status)
	}
	s.Equal([]string{
		string(StateRollForwardAwaitingPulse),
		string(StateRollingForward),
		string(StateRolledForward),
	}, statuses)
	s.Len(d.InstanceEvents, 2)
}

func (s *ControllerTestSuite) TestPulseIsIdempotent() {
	s.addHost("host1", 8.0)
	cfg := s.config("job1", 1, 1.0)

	id, err := s.controller.StartUpdate(s.ctx, cfg, "msg", false)
	s.NoError(err)
	s.wait()

	// Speculative pulse on an update not awaiting one is a no-op.
	s.NoError(s.controller.Pulse(s.ctx, id))
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateRolledForward, d.Status)
	s.Len(d.UpdateEvents, 2)
}

func (s *ControllerTestSuite) TestPulseUnknownUpdate() {
	err := s.controller.Pulse(s.ctx, "nope")
	s.True(yarpcerrors.IsNotFound(err))
}

func (s *ControllerTestSuite) TestEmptyDiffSkipsInstanceWork() {
	s.addHost("host1", 8.0)
	cfg := s.config("job1", 2, 1.0)

	_, err := s.controller.StartUpdate(s.ctx, cfg, "first", false)
	s.NoError(err)
	s.wait()

	// Same config again: rolls forward with zero instance events.
	id, err := s.controller.StartUpdate(s.ctx, cfg, "second", false)
	s.NoError(err)
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateRolledForward, d.Status)
	s.NotEmpty(d.UpdateEvents)
	s.Empty(d.InstanceEvents)

	// The original placements are untouched.
	tasks := s.tracker.Query(cfg.Key, tracker.TaskStatusRunning)
	s.Len(tasks, 2)
}

func (s *ControllerTestSuite) TestOverrideAbortsPredecessor() {
	s.addHost("host1", 8.0)
	cfg := s.config("job1", 2, 1.0)

	// U1 stays gated so it is still non-terminal when U2 arrives.
	id1, err := s.controller.StartUpdate(s.ctx, cfg, "first", true)
	s.NoError(err)

	id2, err := s.controller.StartUpdate(s.ctx, cfg, "second", false)
	s.NoError(err)
	s.wait()

	d1, err := s.controller.GetDetails(s.ctx, id1)
	s.NoError(err)
	s.Equal(StateAborted, d1.Status)
	last := d1.UpdateEvents[len(d1.UpdateEvents)-1]
	s.Equal(string(StateAborted), last.Status)
	s.True(strings.Contains(last.Message, id2))

	d2, err := s.controller.GetDetails(s.ctx, id2)
	s.NoError(err)
	s.Equal(StateRolledForward, d2.Status)

	// By-job query returns both, most recent first.
	details, err := s.controller.GetDetailsByJob(s.ctx, cfg.Key)
	s.NoError(err)
	s.Require().Len(details, 2)
	s.Equal(id2, details[0].ID)
	s.Equal(id1, details[1].ID)
}

func (s *ControllerTestSuite) TestConfigChangeSetsAncestors() {
	s.addHost("host1", 16.0)
	cfg := s.config("job1", 2, 1.0)

	_, err := s.controller.StartUpdate(s.ctx, cfg, "first", false)
	s.NoError(err)
	s.wait()

	firstGen := s.tracker.Query(cfg.Key, tracker.TaskStatusRunning)
	s.Require().Len(firstGen, 2)

	resized := s.config("job1", 2, 2.0)
	id, err := s.controller.StartUpdate(s.ctx, resized, "resize", false)
	s.NoError(err)
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateRolledForward, d.Status)

	secondGen := s.tracker.Query(cfg.Key, tracker.TaskStatusRunning)
	s.Require().Len(secondGen, 2)
	for i, t := range secondGen {
		s.Equal(firstGen[i].TaskID, t.AncestorID)
		s.NotEqual(firstGen[i].TaskID, t.TaskID)
		s.Equal(2.0, t.Resources.GetCPU())
	}

	// Replaced reservations were released: 16 - 2*2 = 12 remaining.
	h, err := s.resPools.Host("host1")
	s.NoError(err)
	s.Equal(12.0, h.Remaining(respool.NonRevocable).GetCPU())
}

func (s *ControllerTestSuite) TestUnsatisfiableConfigFails() {
	s.addHost("host1", 2.0)
	cfg := s.config("job1", 1, 100.0)

	id, err := s.controller.StartUpdate(s.ctx, cfg, "too big", false)
	s.NoError(err)
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateFailed, d.Status)

	last := d.UpdateEvents[len(d.UpdateEvents)-1]
	s.Equal(string(StateFailed), last.Status)
	s.NotEmpty(last.Message)
}

func (s *ControllerTestSuite) TestEventTimestampsNonDecreasing() {
	s.addHost("host1", 8.0)
	cfg := s.config("job1", 3, 1.0)

	id, err := s.controller.StartUpdate(s.ctx, cfg, "msg", false)
	s.NoError(err)
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	for i := 1; i < len(d.UpdateEvents); i++ {
		s.False(d.UpdateEvents[i].Timestamp.
			Before(d.UpdateEvents[i-1].Timestamp))
	}
	for i := 1; i < len(d.InstanceEvents); i++ {
		s.False(d.InstanceEvents[i].Timestamp.
			Before(d.InstanceEvents[i-1].Timestamp))
	}
}

func (s *ControllerTestSuite) TestAbortUpdate() {
	s.addHost("host1", 8.0)
	cfg := s.config("job1", 1, 1.0)

	id, err := s.controller.StartUpdate(s.ctx, cfg, "msg", true)
	s.NoError(err)

	s.NoError(s.controller.AbortUpdate(s.ctx, id, "operator abort"))

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateAborted, d.Status)
	last := d.UpdateEvents[len(d.UpdateEvents)-1]
	s.Equal("operator abort", last.Message)

	// Terminal updates cannot be aborted again.
	err = s.controller.AbortUpdate(s.ctx, id, "again")
	s.Error(err)
	s.True(yarpcerrors.IsAborted(err))

	err = s.controller.AbortUpdate(s.ctx, "nope", "msg")
	s.True(yarpcerrors.IsNotFound(err))
}

func (s *ControllerTestSuite) TestShrinkKillsRemovedInstances() {
	s.addHost("host1", 8.0)

	_, err := s.controller.StartUpdate(
		s.ctx, s.config("job1", 3, 1.0), "grow", false)
	s.NoError(err)
	s.wait()

	id, err := s.controller.StartUpdate(
		s.ctx, s.config("job1", 1, 1.0), "shrink", false)
	s.NoError(err)
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateRolledForward, d.Status)
	s.Len(d.InstanceEvents, 2)

	key := s.config("job1", 1, 1.0).Key
	s.Len(s.tracker.Query(key, tracker.TaskStatusRunning), 1)
	s.Len(s.tracker.Query(key, tracker.TaskStatusKilled), 2)

	// Reservations of killed instances were released.
	h, err := s.resPools.Host("host1")
	s.NoError(err)
	s.Equal(7.0, h.Remaining(respool.NonRevocable).GetCPU())
}

func (s *ControllerTestSuite) TestRevocableAndGuaranteedCoexist() {
	s.resPools.AddHost(
		"host1",
		&scalar.Resources{CPU: 12.0, MEMORY: 4096.0, DISK: 16384.0},
		&scalar.Resources{CPU: 12.0, MEMORY: 4096.0, DISK: 16384.0},
	)

	guaranteed := s.config("job1", 3, 3.0)
	id1, err := s.controller.StartUpdate(s.ctx, guaranteed, "guaranteed", false)
	s.NoError(err)

	opportunistic := s.config("job2", 1, 4.0)
	opportunistic.Revocable = true
	id2, err := s.controller.StartUpdate(s.ctx, opportunistic, "revocable", false)
	s.NoError(err)
	s.wait()

	d1, err := s.controller.GetDetails(s.ctx, id1)
	s.NoError(err)
	s.Equal(StateRolledForward, d1.Status)

	d2, err := s.controller.GetDetails(s.ctx, id2)
	s.NoError(err)
	s.Equal(StateRolledForward, d2.Status)

	s.Len(s.tracker.Query(guaranteed.Key, tracker.TaskStatusRunning), 3)
	s.Len(s.tracker.Query(opportunistic.Key, tracker.TaskStatusRunning), 1)
}

func (s *ControllerTestSuite) TestDistinctJobsProceedIndependently() {
	s.addHost("host1", 16.0)

	var ids []string
	for _, name := range []string{"job1", "job2", "job3"} {
		id, err := s.controller.StartUpdate(
			s.ctx, s.config(name, 2, 1.0), "msg", false)
		s.NoError(err)
		ids = append(ids, id)
	}
	s.wait()

	for _, id := range ids {
		d, err := s.controller.GetDetails(s.ctx, id)
		s.NoError(err)
		s.Equal(StateRolledForward, d.Status)
	}
}

func (s *ControllerTestSuite) TestPulseTimeoutAbortsUpdate() {
	s.controller.Stop()
	s.setup(Config{PulseTimeout: 20 * time.Millisecond})
	s.addHost("host1", 8.0)

	id, err := s.controller.StartUpdate(
		s.ctx, s.config("job1", 1, 1.0), "gated", true)
	s.NoError(err)

	s.Eventually(func() bool {
		d, err := s.controller.GetDetails(s.ctx, id)
		return err == nil && d.Status == StateAborted
	}, 5*time.Second, 10*time.Millisecond)

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	last := d.UpdateEvents[len(d.UpdateEvents)-1]
	s.Equal(string(StateAborted), last.Status)

	// A new update for the job is accepted after the timeout abort.
	_, err = s.controller.StartUpdate(
		s.ctx, s.config("job1", 1, 1.0), "retry", false)
	s.NoError(err)
	s.wait()
}

// A failed reconfiguration must leave the running instances and their
// reservations exactly as they were, and a later update must release
// each reservation exactly once.
func (s *ControllerTestSuite) TestFailedUpdateRestoresPredecessorReservations() {
	s.addHost("host1", 12.0)
	cfg := s.config("job1", 2, 4.0)

	_, err := s.controller.StartUpdate(s.ctx, cfg, "first", false)
	s.NoError(err)
	s.wait()

	firstGen := s.tracker.Query(cfg.Key, tracker.TaskStatusRunning)
	s.Require().Len(firstGen, 2)

	id, err := s.controller.StartUpdate(
		s.ctx, s.config("job1", 2, 100.0), "too big", false)
	s.NoError(err)
	s.wait()

	d, err := s.controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateFailed, d.Status)

	running := s.tracker.Query(cfg.Key, tracker.TaskStatusRunning)
	s.Require().Len(running, 2)
	for i, t := range running {
		s.Equal(firstGen[i].TaskID, t.TaskID)
		s.Equal("host1", t.Host)
	}

	h, err := s.resPools.Host("host1")
	s.NoError(err)
	s.Equal(4.0, h.Remaining(respool.NonRevocable).GetCPU())

	id2, err := s.controller.StartUpdate(
		s.ctx, s.config("job1", 2, 2.0), "retry", false)
	s.NoError(err)
	s.wait()

	d, err = s.controller.GetDetails(s.ctx, id2)
	s.NoError(err)
	s.Equal(StateRolledForward, d.Status)
	s.Equal(8.0, h.Remaining(respool.NonRevocable).GetCPU())
}

// An override landing while the predecessor is blocked inside
// placement freezes the predecessor's event streams at ABORTED and
// hands its speculative reservations back.
func (s *ControllerTestSuite) TestOverrideDuringPlacementKeepsPredecessorFrozen() {
	ctrl := gomock.NewController(s.T())
	defer ctrl.Finish()

	placing := make(chan struct{})
	proceed := make(chan struct{})
	place := func(hold bool) func(
		context.Context, []*placement.Task, job.PlacementStrategy,
	) ([]*placement.Assignment, error) {
		return func(
			_ context.Context,
			tasks []*placement.Task,
			_ job.PlacementStrategy,
		) ([]*placement.Assignment, error) {
			if hold {
				close(placing)
				<-proceed
			}
			assignments := make([]*placement.Assignment, 0, len(tasks))
			for _, t := range tasks {
				s.Require().True(s.resPools.Reserve("host1", t.Pool(), t.Resources))
				assignments = append(assignments, &placement.Assignment{
					Task:     t,
					Hostname: "host1",
				})
			}
			return assignments, nil
		}
	}

	engine := placementmocks.NewMockEngine(ctrl)
	engine.EXPECT().
		Place(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(place(true))
	engine.EXPECT().
		Place(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(place(false))

	controller := NewController(
		Config{},
		tally.NoopScope,
		s.resPools,
		engine,
		s.tracker,
		s.store,
	)
	controller.Start()
	defer controller.Stop()

	s.addHost("host1", 12.0)
	cfg := s.config("job1", 2, 4.0)
	id1, err := controller.StartUpdate(s.ctx, cfg, "first", false)
	s.NoError(err)
	<-placing

	id2, err := controller.StartUpdate(
		s.ctx, s.config("job1", 2, 2.0), "second", false)
	s.NoError(err)

	d, err := controller.GetDetails(s.ctx, id1)
	s.NoError(err)
	s.Equal(StateAborted, d.Status)
	s.Empty(d.InstanceEvents)
	eventsBefore := len(d.UpdateEvents)

	close(proceed)
	controller.pool.WaitUntilProcessed()

	d, err = controller.GetDetails(s.ctx, id1)
	s.NoError(err)
	s.Equal(StateAborted, d.Status)
	s.Empty(d.InstanceEvents)
	s.Len(d.UpdateEvents, eventsBefore)
	s.Equal(string(StateAborted), d.UpdateEvents[len(d.UpdateEvents)-1].Status)

	d2, err := controller.GetDetails(s.ctx, id2)
	s.NoError(err)
	s.Equal(StateRolledForward, d2.Status)
	s.Len(d2.InstanceEvents, 2)

	running := s.tracker.Query(cfg.Key, tracker.TaskStatusRunning)
	s.Require().Len(running, 2)
	for _, t := range running {
		s.Equal(2.0, t.Resources.GetCPU())
	}

	h, err := s.resPools.Host("host1")
	s.NoError(err)
	s.Equal(8.0, h.Remaining(respool.NonRevocable).GetCPU())
}

func (s *ControllerTestSuite) TestGetDetailsUnknownUpdate() {
	_, err := s.controller.GetDetails(s.ctx, "nope")
	s.True(yarpcerrors.IsNotFound(err))
}

// A placement error that is not a capacity shortfall still fails the
// update and surfaces the cause in the event log.
func (s *ControllerTestSuite) TestPlacementErrorFailsUpdate() {
	ctrl := gomock.NewController(s.T())
	defer ctrl.Finish()

	engine := placementmocks.NewMockEngine(ctrl)
	engine.EXPECT().
		Place(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("host inventory unavailable"))

	controller := NewController(
		Config{},
		tally.NoopScope,
		s.resPools,
		engine,
		s.tracker,
		s.store,
	)
	controller.Start()
	defer controller.Stop()

	s.addHost("host1", 12.0)
	id, err := controller.StartUpdate(
		s.ctx, s.config("job1", 2, 1.0), "", false)
	s.NoError(err)
	controller.pool.WaitUntilProcessed()

	d, err := controller.GetDetails(s.ctx, id)
	s.NoError(err)
	s.Equal(StateFailed, d.Status)
	last := d.UpdateEvents[len(d.UpdateEvents)-1]
	s.Contains(last.Message, "host inventory unavailable")
}
