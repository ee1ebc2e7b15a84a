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

package statemachine

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	runningStateNotStarted = iota
	runningStateRunning
)

// StateTimer is the interface for timing out states
type StateTimer interface {
	// Start starts the state timeout watch
	Start(timeout time.Duration) error
	// Stop stops the state timeout watch
	Stop() error
}

// statetimer drives the timeout rules of a state machine
type statetimer struct {
	// To synchronize timer operations
	sync.Mutex

	// runningState is the current state of the timer thread
	runningState int32

	// stopChan for stopping the timer thread
	stopChan chan struct{}

	// state machine reference
	statemachine *statemachine
}

// NewTimer returns the object for the state timer
func NewTimer(sm *statemachine) StateTimer {
	return &statetimer{
		stopChan:     make(chan struct{}, 1),
		statemachine: sm,
	}
}

// Stop signals the state timeout watch to exit. It is a no-op if the
// timer is not running. Stop only signals and does not wait, since it
// may be called while the state machine lock is held and the timer
// thread needs that lock to exit.
func (st *statetimer) Stop() error {
	if atomic.LoadInt32(&st.runningState) == runningStateNotStarted {
		return nil
	}

	select {
	case st.stopChan <- struct{}{}:
	default:
	}
	log.WithField("update_id", st.statemachine.GetName()).
		Debug("state timer stopped")
	return nil
}

// Start starts the timeout watch for the current state. Once the timeout
// elapses the state machine is moved per its timeout rule.
func (st *statetimer) Start(timeout time.Duration) error {
	st.Lock()
	defer st.Unlock()

	if atomic.LoadInt32(&st.runningState) == runningStateRunning {
		log.WithField("update_id", st.statemachine.GetName()).
			Warn("state timer is already running, no action " +
				"will be performed")
		return nil
	}

	// Drain a stale stop signal from a prior run
	select {
	case <-st.stopChan:
	default:
	}

	started := make(chan struct{}, 1)
	go func() {
		atomic.StoreInt32(&st.runningState, runningStateRunning)
		defer atomic.StoreInt32(&st.runningState, runningStateNotStarted)
		started <- struct{}{}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-st.stopChan:
		case <-timer.C:
			st.statemachine.rollbackState()
		}
	}()
	// Wait until the timer thread is started
	<-started
	return nil
}
