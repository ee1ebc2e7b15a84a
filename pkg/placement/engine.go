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
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"

	"github.com/kestrelcloud/kestrel/pkg/common/backoff"
	"github.com/kestrelcloud/kestrel/pkg/job"
	"github.com/kestrelcloud/kestrel/pkg/respool"
)

// ErrInsufficientCapacity is returned when no host can satisfy a
// task's pool requirement within the retry budget. The update
// controller consumes it and fails the update; it is never surfaced
// as a synchronous RPC error.
var ErrInsufficientCapacity = errors.New("no host satisfies the resource pool requirement")

const (
	_defaultMaxAttempts   = 3
	_defaultRetryInterval = 100 * time.Millisecond
)

// Config holds the engine's retry budget.
type Config struct {
	// MaxAttempts bounds how often a task placement is retried before
	// declaring insufficient capacity.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryInterval is the wait between attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = _defaultMaxAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = _defaultRetryInterval
	}
}

// Engine maps a batch of pending tasks to hosts.
type Engine interface {
	// Place assigns every task in the batch to a host, reserving the
	// task's resources in the matching pool. On failure all
	// reservations made for the batch are released and the returned
	// error wraps ErrInsufficientCapacity.
	Place(ctx context.Context, tasks []*Task, strategy job.PlacementStrategy) ([]*Assignment, error)
}

type engine struct {
	config   Config
	resPools *respool.Manager
	metrics  *Metrics
}

// New creates a placement engine backed by the given pool manager.
func New(config Config, parent tally.Scope, resPools *respool.Manager) Engine {
	config.normalize()
	return &engine{
		config:   config,
		resPools: resPools,
		metrics:  NewMetrics(parent.SubScope("placement")),
	}
}

func (e *engine) Place(
	ctx context.Context,
	tasks []*Task,
	strategy job.PlacementStrategy,
) ([]*Assignment, error) {
	stopwatch := e.metrics.PlaceDuration.Start()
	defer stopwatch.Stop()

	assignments := make([]*Assignment, 0, len(tasks))
	batchUse := make(map[string]int)

	for _, task := range tasks {
		hostname, err := e.placeTask(ctx, task, strategy, batchUse)
		if err != nil {
			e.rollback(assignments)
			e.metrics.PlaceFail.Inc(1)
			return nil, err
		}
		assignments = append(assignments, &Assignment{
			Task:     task,
			Hostname: hostname,
		})
		batchUse[hostname]++
	}

	e.metrics.PlaceSuccess.Inc(1)
	e.metrics.TasksPlaced.Inc(int64(len(assignments)))
	return assignments, nil
}

// placeTask finds and reserves a host for one task, retrying per the
// engine's retry budget.
func (e *engine) placeTask(
	ctx context.Context,
	task *Task,
	strategy job.PlacementStrategy,
	batchUse map[string]int,
) (string, error) {
	retrier := backoff.NewRetrier(
		backoff.NewRetryPolicy(e.config.MaxAttempts, e.config.RetryInterval))

	for {
		if hostname, ok := e.tryPlaceTask(task, strategy, batchUse); ok {
			return hostname, nil
		}

		d := retrier.NextBackOff()
		if d == backoff.Done {
			log.WithFields(log.Fields{
				"job_key":     task.JobKey.String(),
				"instance_id": task.InstanceID,
				"pool":        task.Pool(),
				"resources":   task.Resources,
			}).Info("placement attempts exhausted")
			return "", errors.Wrapf(ErrInsufficientCapacity,
				"instance %d of job %s",
				task.InstanceID, task.JobKey)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d):
		}
	}
}

// tryPlaceTask walks the hosts in strategy order and reserves the
// first one that admits the task.
func (e *engine) tryPlaceTask(
	task *Task,
	strategy job.PlacementStrategy,
	batchUse map[string]int,
) (string, bool) {
	hosts := orderHosts(e.resPools.Hosts(), task, strategy, batchUse)
	for _, h := range hosts {
		if e.resPools.Reserve(h.Hostname(), task.Pool(), task.Resources) {
			return h.Hostname(), true
		}
	}
	return "", false
}

// rollback releases the reservations of every assignment already made
// for a batch that ultimately failed.
func (e *engine) rollback(assignments []*Assignment) {
	var err error
	for _, a := range assignments {
		err = multierr.Append(err, e.resPools.Release(
			a.Hostname, a.Task.Pool(), a.Task.Resources))
	}
	if err != nil {
		log.WithError(err).Error("failed to release batch reservations")
	}
	if len(assignments) > 0 {
		e.metrics.Rollbacks.Inc(1)
	}
}
