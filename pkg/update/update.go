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
	"time"

	"github.com/kestrelcloud/kestrel/pkg/common/statemachine"
	"github.com/kestrelcloud/kestrel/pkg/job"
)

// Update rollout states. The statuses surfaced to callers are every
// state except INITIALIZED, which an update leaves before its creation
// returns.
const (
	// StateInitialized is the creation state.
	StateInitialized = statemachine.State("INITIALIZED")

	// StateRollForwardAwaitingPulse gates the rollout on an external
	// pulse.
	StateRollForwardAwaitingPulse = statemachine.State("ROLL_FORWARD_AWAITING_PULSE")

	// StateRollingForward means instance convergence is in progress.
	StateRollingForward = statemachine.State("ROLLING_FORWARD")

	// StateRolledForward is the successful terminal state.
	StateRolledForward = statemachine.State("ROLLED_FORWARD")

	// StateFailed is the terminal state for updates whose instances
	// could not be placed.
	StateFailed = statemachine.State("FAILED")

	// StateAborted is the terminal state reached via override or
	// explicit abort.
	StateAborted = statemachine.State("ABORTED")
)

// IsTerminal returns whether a state admits no further transitions.
// Terminal states are immutable; no events are appended once reached.
func IsTerminal(state statemachine.State) bool {
	switch state {
	case StateRolledForward, StateFailed, StateAborted:
		return true
	}
	return false
}

// Update is one rollout attempt for a job.
type Update struct {
	// ID uniquely identifies the update.
	ID string

	// JobKey is the job being updated.
	JobKey job.Key

	// JobConfig is the desired configuration.
	JobConfig *job.Config

	// Message is the request message recorded on the first event.
	Message string

	// PulseEnabled gates instance work on an external pulse.
	PulseEnabled bool

	// CreateTime is when the update was accepted.
	CreateTime time.Time

	// instancesToUpdate are the instances requiring placement:
	// replaced by a config change, or newly added. Empty for an
	// idempotent update.
	instancesToUpdate []uint32

	// instancesToRemove are instances killed by a shrink.
	instancesToRemove []uint32

	sm statemachine.StateMachine
}

// State returns the update's current rollout state.
func (u *Update) State() statemachine.State {
	return u.sm.GetCurrentState()
}

// InstancesToUpdate returns the instances the diff requires placing.
func (u *Update) InstancesToUpdate() []uint32 {
	return u.instancesToUpdate
}

// InstancesToRemove returns the instances the diff removes.
func (u *Update) InstancesToRemove() []uint32 {
	return u.instancesToRemove
}

// computeDiff determines which instances a desired config affects,
// given the job's current effective config. A nil current config means
// the job's very first rollout: every instance is placed fresh with no
// ancestor. An unchanged config yields an empty diff apart from
// instance count changes.
func computeDiff(current, desired *job.Config) (toUpdate, toRemove []uint32) {
	if current == nil {
		for i := uint32(0); i < desired.InstanceCount; i++ {
			toUpdate = append(toUpdate, i)
		}
		return toUpdate, nil
	}

	changed := !desired.Equal(current)
	for i := uint32(0); i < desired.InstanceCount; i++ {
		if changed || i >= current.InstanceCount {
			toUpdate = append(toUpdate, i)
		}
	}
	for i := desired.InstanceCount; i < current.InstanceCount; i++ {
		toRemove = append(toRemove, i)
	}
	return toUpdate, toRemove
}
