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
	"fmt"
	"sync"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/yarpc/yarpcerrors"
	"golang.org/x/time/rate"

	"github.com/kestrelcloud/kestrel/pkg/common/async"
	"github.com/kestrelcloud/kestrel/pkg/common/statemachine"
	"github.com/kestrelcloud/kestrel/pkg/history"
	"github.com/kestrelcloud/kestrel/pkg/job"
	"github.com/kestrelcloud/kestrel/pkg/placement"
	"github.com/kestrelcloud/kestrel/pkg/respool"
	"github.com/kestrelcloud/kestrel/pkg/tracker"
)

// Config holds the controller's tunables.
type Config struct {
	// PulseTimeout aborts an update stuck awaiting pulse after this
	// duration. Zero disables the timeout and updates wait
	// indefinitely.
	PulseTimeout time.Duration `yaml:"pulse_timeout"`

	// MaxParallelConvergence bounds how many updates converge
	// concurrently.
	MaxParallelConvergence int `yaml:"max_parallel_convergence"`

	// ConvergenceRateLimit throttles convergence starts per second.
	// Zero means unlimited.
	ConvergenceRateLimit float64 `yaml:"convergence_rate_limit"`
	ConvergenceRateBurst int     `yaml:"convergence_rate_burst"`
}

// Details is one update summary with its event histories, as returned
// by the details queries.
type Details struct {
	ID             string
	JobKey         job.Key
	Status         statemachine.State
	Message        string
	CreateTime     time.Time
	UpdateEvents   []*history.UpdateEvent
	InstanceEvents []*history.InstanceEvent
}

// jobEntry serializes all update lifecycle operations of one job.
// Entries for distinct jobs proceed fully in parallel.
type jobEntry struct {
	sync.Mutex

	// convergeMu serializes tracker and pool mutations of one job's
	// convergence runs, so a successor's convergence never interleaves
	// with its aborted predecessor's cleanup. Never acquired while
	// holding the entry mutex.
	convergeMu sync.Mutex

	key job.Key

	// current is the job's current effective config, nil before the
	// first rolled-forward update.
	current *job.Config

	// active is the job's single non-terminal update, nil when none.
	active *Update

	// updates lists every update of the job in creation order.
	updates []*Update
}

// Controller owns the lifecycle of update objects: diffing, pulse
// gating, override aborts and instance convergence.
type Controller struct {
	config Config

	resPools *respool.Manager
	engine   placement.Engine
	tracker  *tracker.Tracker
	history  history.Store

	pool    *async.Pool
	limiter *rate.Limiter
	metrics *Metrics

	sync.RWMutex
	jobs    map[string]*jobEntry
	updates map[string]*Update
}

// NewController creates the update controller.
func NewController(
	config Config,
	parent tally.Scope,
	resPools *respool.Manager,
	engine placement.Engine,
	taskTracker *tracker.Tracker,
	store history.Store,
) *Controller {
	limit := rate.Inf
	burst := 1
	if config.ConvergenceRateLimit > 0 {
		limit = rate.Limit(config.ConvergenceRateLimit)
		burst = config.ConvergenceRateBurst
		if burst <= 0 {
			burst = 1
		}
	}

	return &Controller{
		config:   config,
		resPools: resPools,
		engine:   engine,
		tracker:  taskTracker,
		history:  store,
		pool: async.NewPool(async.PoolOptions{
			MaxWorkers: config.MaxParallelConvergence,
		}, nil),
		limiter: rate.NewLimiter(limit, burst),
		metrics: NewMetrics(parent.SubScope("update")),
		jobs:    make(map[string]*jobEntry),
		updates: make(map[string]*Update),
	}
}

// Start launches the convergence workers.
func (c *Controller) Start() {
	c.pool.Start()
	log.Info("update controller started")
}

// Stop drains the convergence workers.
func (c *Controller) Stop() {
	c.pool.Stop()
	log.Info("update controller stopped")
}

// StartUpdate validates the desired config and creates a new update
// for the job. A non-terminal update for the same job is aborted
// first; abort and create happen atomically under the job's entry so
// an observer never sees two live updates.
func (c *Controller) StartUpdate(
	ctx context.Context,
	config *job.Config,
	message string,
	pulseEnabled bool,
) (string, error) {
	if config == nil {
		return "", yarpcerrors.InvalidArgumentErrorf("job config is required")
	}
	if err := config.Validate(); err != nil {
		c.metrics.StartFail.Inc(1)
		return "", yarpcerrors.InvalidArgumentErrorf("invalid job config: %s", err)
	}

	entry := c.entry(config.Key)
	entry.Lock()
	defer entry.Unlock()

	id := uuid.New()

	if prev := entry.active; prev != nil {
		if err := c.abortLocked(ctx, entry, prev,
			fmt.Sprintf("superseded by update %s", id)); err != nil {
			return "", err
		}
		c.metrics.Overrides.Inc(1)
	}

	u := c.newUpdate(id, config.Clone(), message, pulseEnabled)
	u.instancesToUpdate, u.instancesToRemove = computeDiff(entry.current, config)

	c.Lock()
	c.updates[id] = u
	c.Unlock()
	entry.updates = append(entry.updates, u)
	entry.active = u

	initial := StateRollingForward
	if pulseEnabled {
		initial = StateRollForwardAwaitingPulse
	}
	if err := u.sm.TransitTo(initial, message); err != nil {
		// Cannot happen: the update is freshly created.
		return "", yarpcerrors.InternalErrorf("update %s: %s", id, err)
	}
	c.appendUpdateEvent(ctx, id, initial, message)

	log.WithFields(log.Fields{
		"job_key":             config.Key.String(),
		"update_id":           id,
		"pulse_enabled":       pulseEnabled,
		"instances_to_update": len(u.instancesToUpdate),
		"instances_to_remove": len(u.instancesToRemove),
	}).Info("update started")
	c.metrics.StartSuccess.Inc(1)

	if !pulseEnabled {
		c.enqueueConvergence(u)
	}
	return id, nil
}

// Pulse unblocks an update awaiting pulse. Pulsing an update in any
// other state is an idempotent no-op so clients may pulse
// speculatively, including racing convergence completion.
func (c *Controller) Pulse(ctx context.Context, updateID string) error {
	u := c.update(updateID)
	if u == nil {
		return yarpcerrors.NotFoundErrorf("unknown update %s", updateID)
	}

	if u.State() != StateRollForwardAwaitingPulse {
		return nil
	}
	if err := u.sm.TransitTo(StateRollingForward, "pulse received"); err != nil {
		// Lost a race with an abort or another pulse; still a no-op.
		return nil
	}
	c.appendUpdateEvent(ctx, updateID, StateRollingForward, "pulse received")
	c.metrics.Pulses.Inc(1)
	c.enqueueConvergence(u)
	return nil
}

// AbortUpdate explicitly aborts a non-terminal update.
func (c *Controller) AbortUpdate(ctx context.Context, updateID, message string) error {
	u := c.update(updateID)
	if u == nil {
		return yarpcerrors.NotFoundErrorf("unknown update %s", updateID)
	}

	entry := c.entry(u.JobKey)
	entry.Lock()
	defer entry.Unlock()

	if IsTerminal(u.State()) {
		return yarpcerrors.AbortedErrorf(
			"update %s already reached terminal state %s",
			updateID, u.State())
	}
	return c.abortLocked(ctx, entry, u, message)
}

// abortLocked transitions an update to ABORTED and records the event.
// The caller holds the job entry lock.
func (c *Controller) abortLocked(
	ctx context.Context,
	entry *jobEntry,
	u *Update,
	message string,
) error {
	if err := u.sm.TransitTo(StateAborted, message); err != nil {
		if IsTerminal(u.State()) {
			// The update finished while we were acquiring the entry;
			// there is nothing left to abort.
			if entry.active == u {
				entry.active = nil
			}
			return nil
		}
		return yarpcerrors.AbortedErrorf("update %s: %s", u.ID, err)
	}
	c.appendUpdateEvent(ctx, u.ID, StateAborted, message)
	if entry.active == u {
		entry.active = nil
	}
	log.WithFields(log.Fields{
		"job_key":   u.JobKey.String(),
		"update_id": u.ID,
		"message":   message,
	}).Info("update aborted")
	c.metrics.Aborts.Inc(1)
	return nil
}

// GetDetails returns the details of one update by its key.
func (c *Controller) GetDetails(ctx context.Context, updateID string) (*Details, error) {
	u := c.update(updateID)
	if u == nil {
		return nil, yarpcerrors.NotFoundErrorf("unknown update %s", updateID)
	}
	return c.details(ctx, u)
}

// GetDetailsByJob returns the details of every update of a job,
// most recent first. After an override the aborted predecessor appears
// alongside its successor.
func (c *Controller) GetDetailsByJob(ctx context.Context, key job.Key) ([]*Details, error) {
	c.RLock()
	entry, ok := c.jobs[key.String()]
	c.RUnlock()
	if !ok {
		return nil, yarpcerrors.NotFoundErrorf("unknown job %s", key)
	}

	entry.Lock()
	updates := make([]*Update, len(entry.updates))
	copy(updates, entry.updates)
	entry.Unlock()

	details := make([]*Details, 0, len(updates))
	for i := len(updates) - 1; i >= 0; i-- {
		d, err := c.details(ctx, updates[i])
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

func (c *Controller) details(ctx context.Context, u *Update) (*Details, error) {
	updateEvents, err := c.history.UpdateEvents(ctx, u.ID)
	if err != nil {
		return nil, yarpcerrors.InternalErrorf(
			"failed to read update events: %s", err)
	}
	instanceEvents, err := c.history.InstanceEvents(ctx, u.ID)
	if err != nil {
		return nil, yarpcerrors.InternalErrorf(
			"failed to read instance events: %s", err)
	}
	return &Details{
		ID:             u.ID,
		JobKey:         u.JobKey,
		Status:         u.State(),
		Message:        u.Message,
		CreateTime:     u.CreateTime,
		UpdateEvents:   updateEvents,
		InstanceEvents: instanceEvents,
	}, nil
}

// newUpdate builds the update object around its state machine.
func (c *Controller) newUpdate(
	id string,
	config *job.Config,
	message string,
	pulseEnabled bool,
) *Update {
	u := &Update{
		ID:           id,
		JobKey:       config.Key,
		JobConfig:    config,
		Message:      message,
		PulseEnabled: pulseEnabled,
		CreateTime:   time.Now(),
	}

	builder := statemachine.NewBuilder().
		WithName(id).
		WithCurrentState(StateInitialized).
		AddRule(&statemachine.Rule{
			From: StateInitialized,
			To: []statemachine.State{
				StateRollForwardAwaitingPulse,
				StateRollingForward,
			},
		}).
		AddRule(&statemachine.Rule{
			From: StateRollForwardAwaitingPulse,
			To: []statemachine.State{
				StateRollingForward,
				StateAborted,
			},
		}).
		AddRule(&statemachine.Rule{
			From: StateRollingForward,
			To: []statemachine.State{
				StateRolledForward,
				StateFailed,
				StateAborted,
			},
		})

	if c.config.PulseTimeout > 0 {
		builder.AddTimeoutRule(&statemachine.TimeoutRule{
			From:    StateRollForwardAwaitingPulse,
			To:      StateAborted,
			Timeout: c.config.PulseTimeout,
			Callback: func(t *statemachine.Transition) error {
				c.appendUpdateEvent(
					context.Background(), id, StateAborted,
					"pulse not received within timeout")
				c.metrics.PulseTimeouts.Inc(1)
				// The statemachine lock is held here; clear the
				// job's active slot outside it.
				go c.clearActive(u)
				return nil
			},
		})
	}

	// Build only fails on malformed rules, which are fixed above.
	u.sm, _ = builder.Build()
	return u
}

// entry returns the job's entry, creating it on first use.
func (c *Controller) entry(key job.Key) *jobEntry {
	c.Lock()
	defer c.Unlock()

	entry, ok := c.jobs[key.String()]
	if !ok {
		entry = &jobEntry{key: key}
		c.jobs[key.String()] = entry
	}
	return entry
}

func (c *Controller) update(updateID string) *Update {
	c.RLock()
	defer c.RUnlock()
	return c.updates[updateID]
}

func (c *Controller) clearActive(u *Update) {
	entry := c.entry(u.JobKey)
	entry.Lock()
	defer entry.Unlock()
	if entry.active == u {
		entry.active = nil
	}
}

func (c *Controller) enqueueConvergence(u *Update) {
	c.pool.Enqueue(async.JobFunc(func(ctx context.Context) {
		c.converge(ctx, u)
	}))
}

// converge drives one update's instances to the desired config:
// remove shrunk instances, place the diffed ones, then reach a
// terminal state. Convergence for different updates runs concurrently;
// ordering is only guaranteed within one update's event stream.
func (c *Controller) converge(ctx context.Context, u *Update) {
	stopwatch := c.metrics.ConvergeDuration.Start()
	defer stopwatch.Stop()

	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	entry := c.entry(u.JobKey)
	entry.convergeMu.Lock()
	defer entry.convergeMu.Unlock()

	if u.State() != StateRollingForward {
		// Aborted before convergence began.
		return
	}

	for _, instanceID := range u.instancesToRemove {
		c.removeInstance(ctx, u, instanceID)
	}

	tasks := make([]*placement.Task, 0, len(u.instancesToUpdate))
	ancestors := make(map[uint32]string)
	released := make([]*tracker.TaskRuntime, 0, len(u.instancesToUpdate))
	for _, instanceID := range u.instancesToUpdate {
		if old, err := c.tracker.Get(u.JobKey, instanceID); err == nil &&
			old.Status == tracker.TaskStatusRunning {
			ancestors[instanceID] = old.TaskID
			c.releaseInstance(old)
			released = append(released, old)
		}
		tasks = append(tasks, &placement.Task{
			JobKey:     u.JobKey,
			InstanceID: instanceID,
			TaskID:     uuid.New(),
			Revocable:  u.JobConfig.Revocable,
			Resources:  u.JobConfig.Resource.ToScalar(),
		})
	}

	var assignments []*placement.Assignment
	if len(tasks) > 0 {
		var err error
		assignments, err = c.engine.Place(ctx, tasks, u.JobConfig.Strategy())
		if err != nil {
			c.restoreReleased(ctx, u, released)
			c.failUpdate(ctx, u, err)
			return
		}
	}

	entry.Lock()
	if u.State() != StateRollingForward {
		// Overridden while placing; the successor owns the job now.
		// Hand back the batch's reservations and restore the released
		// ones, and append nothing to the terminal update.
		entry.Unlock()
		c.rollbackAssignments(assignments)
		c.restoreReleased(ctx, u, released)
		return
	}
	for _, a := range assignments {
		c.tracker.Record(&tracker.TaskRuntime{
			TaskID:     a.Task.TaskID,
			JobKey:     u.JobKey,
			InstanceID: a.Task.InstanceID,
			Host:       a.Hostname,
			Status:     tracker.TaskStatusRunning,
			AncestorID: ancestors[a.Task.InstanceID],
			Revocable:  a.Task.Revocable,
			Resources:  a.Task.Resources,
		})
		c.appendInstanceEvent(
			ctx, u.ID, a.Task.InstanceID, tracker.TaskStatusRunning)
	}

	// Cannot fail: aborts take the entry lock, which is held here.
	if err := u.sm.TransitTo(StateRolledForward, "all instances converged"); err != nil {
		entry.Unlock()
		return
	}
	c.appendUpdateEvent(ctx, u.ID, StateRolledForward, "")
	entry.current = u.JobConfig.Clone()
	if entry.active == u {
		entry.active = nil
	}
	entry.Unlock()

	log.WithFields(log.Fields{
		"job_key":   u.JobKey.String(),
		"update_id": u.ID,
	}).Info("update rolled forward")
	c.metrics.RolledForward.Inc(1)
}

// rollbackAssignments releases the reservations of a placed batch
// whose update turned terminal before the batch was recorded.
func (c *Controller) rollbackAssignments(assignments []*placement.Assignment) {
	for _, a := range assignments {
		if err := c.resPools.Release(
			a.Hostname, a.Task.Pool(), a.Task.Resources); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"hostname":    a.Hostname,
				"instance_id": a.Task.InstanceID,
			}).Error("failed to roll back placement reservation")
		}
	}
}

// restoreReleased re-reserves the capacity handed back ahead of a
// placement that did not commit, so the instances it was released
// for stay running with balanced accounting. An instance whose
// capacity was taken by another job in the meantime cannot keep
// running and is recorded KILLED.
func (c *Controller) restoreReleased(
	ctx context.Context,
	u *Update,
	released []*tracker.TaskRuntime,
) {
	for _, old := range released {
		if c.resPools.Reserve(
			old.Host, respool.PoolForRevocable(old.Revocable), old.Resources) {
			continue
		}
		log.WithFields(log.Fields{
			"job_key":     old.JobKey.String(),
			"instance_id": old.InstanceID,
			"hostname":    old.Host,
		}).Warn("lost reservation while placement was in flight")
		old.Status = tracker.TaskStatusKilled
		old.Host = ""
		c.tracker.Record(old)
		if !IsTerminal(u.State()) {
			c.appendInstanceEvent(
				ctx, u.ID, old.InstanceID, tracker.TaskStatusKilled)
		}
	}
}

// failUpdate transitions the update to FAILED with the failure cause.
func (c *Controller) failUpdate(ctx context.Context, u *Update, cause error) {
	if err := u.sm.TransitTo(StateFailed, cause.Error()); err != nil {
		return
	}
	c.appendUpdateEvent(ctx, u.ID, StateFailed, cause.Error())
	c.clearActive(u)
	log.WithError(cause).WithFields(log.Fields{
		"job_key":   u.JobKey.String(),
		"update_id": u.ID,
	}).Info("update failed")
	c.metrics.Failed.Inc(1)
}

// removeInstance kills an instance dropped by a shrink and releases
// its reservation.
func (c *Controller) removeInstance(ctx context.Context, u *Update, instanceID uint32) {
	old, err := c.tracker.Get(u.JobKey, instanceID)
	if err != nil {
		return
	}
	if old.Status == tracker.TaskStatusRunning {
		c.releaseInstance(old)
	}
	old.Status = tracker.TaskStatusKilled
	old.Host = ""
	c.tracker.Record(old)
	c.appendInstanceEvent(ctx, u.ID, instanceID, tracker.TaskStatusKilled)
}

// releaseInstance returns a running instance's reservation to its
// host's pool.
func (c *Controller) releaseInstance(runtime *tracker.TaskRuntime) {
	if runtime.Host == "" || runtime.Resources == nil {
		return
	}
	if err := c.resPools.Release(
		runtime.Host,
		respool.PoolForRevocable(runtime.Revocable),
		runtime.Resources,
	); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"job_key":     runtime.JobKey.String(),
			"instance_id": runtime.InstanceID,
			"hostname":    runtime.Host,
		}).Error("failed to release instance reservation")
	}
}

func (c *Controller) appendUpdateEvent(
	ctx context.Context,
	updateID string,
	status statemachine.State,
	message string,
) {
	if err := c.history.AppendUpdateEvent(ctx, &history.UpdateEvent{
		UpdateID: updateID,
		Status:   string(status),
		Message:  message,
	}); err != nil {
		log.WithError(err).WithField("update_id", updateID).
			Error("failed to append update event")
	}
}

func (c *Controller) appendInstanceEvent(
	ctx context.Context,
	updateID string,
	instanceID uint32,
	status tracker.TaskStatus,
) {
	if err := c.history.AppendInstanceEvent(ctx, &history.InstanceEvent{
		UpdateID:   updateID,
		InstanceID: instanceID,
		Status:     string(status),
	}); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"update_id":   updateID,
			"instance_id": instanceID,
		}).Error("failed to append instance event")
	}
}
