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
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	createStateReasonString = "object created"
)

// Rule is struct to define the transition rules
// Rule is from one source state to multiple destination states
// This can define callback function from 1:1 basis from src->dest state
type Rule struct {
	// From is the source state
	From State
	// To is the list of destination states
	To []State
	// Callback is the transition function invoked after a valid
	// transition out of From
	Callback func(*Transition) error
}

// TimeoutRule is a struct to define the state transition which is
// triggered by the time duration. This is kind of timeout where
// state will automatically move to "to" state after the timeout
type TimeoutRule struct {
	// From is the source state
	From State
	// To is the destination state
	To State
	// Timeout for transition to "to" state
	Timeout time.Duration
	// Callback is the transition function invoked on timeout
	Callback func(*Transition) error
}

// Callback is the type for callback function
type Callback func(*Transition) error

// StateMachine is the interface wrapping around the statemachine object
// Using to not expose full object
type StateMachine interface {

	// TransitTo function transits to desired state
	TransitTo(to State, reason string, args ...interface{}) error

	// GetCurrentState returns the current state of State Machine
	GetCurrentState() State

	// GetReason returns the reason for the last state transition
	GetReason() string

	// GetName returns the Name of the StateMachine object
	GetName() string

	// GetStateTimer returns the statetimer object
	GetStateTimer() StateTimer

	// GetLastUpdateTime returns the last update time of the state machine
	GetLastUpdateTime() time.Time
}

// statemachine is responsible for moving states
// from source to destination and callback from source to destination
type statemachine struct {
	// To synchronize state machine operations
	sync.RWMutex

	// name of the object with which state machine is associated with.
	// This will be used by the clients to determine the call back for
	// the object on which callback is called
	name string

	// current is the current state of the object
	current State

	// map of rules to define the StateMachine Transitions
	// rules are defined as srcState -> [] destStates
	rules map[State]*Rule

	// global transition callback which applies to all state transitions
	transitionCallback func(*Transition) error

	// lastUpdatedTime records the time when last state is transitioned
	lastUpdatedTime time.Time

	// timeoutRules are the rules for transitioning from states which
	// can be timed out
	timeoutRules map[State]*TimeoutRule

	// timer is the object for statetimer
	timer StateTimer

	// reason records the reason for a state transition
	reason string
}

// NewStateMachine creates a new state machine
// which clients can use to do transitions on the object
func NewStateMachine(
	name string,
	current State,
	rules map[State]*Rule,
	timeoutRules map[State]*TimeoutRule,
	transitionCallback Callback,
) (StateMachine, error) {

	sm := &statemachine{
		name:               name,
		current:            current,
		rules:              make(map[State]*Rule),
		timeoutRules:       timeoutRules,
		transitionCallback: transitionCallback,
		lastUpdatedTime:    time.Now(),
		reason:             createStateReasonString,
	}

	sm.timer = NewTimer(sm)

	err := sm.addRules(rules)
	if err != nil {
		return nil, err
	}
	return sm, nil
}

func (sm *statemachine) GetStateTimer() StateTimer {
	return sm.timer
}

// addRules add the rules which defines the transitions
func (sm *statemachine) addRules(rules map[State]*Rule) error {
	for _, r := range rules {
		err := sm.validateRule(r)
		if err != nil {
			return err
		}
	}
	sm.rules = rules
	return nil
}

// validateRule validates the transitions
func (sm *statemachine) validateRule(rule *Rule) error {
	destinations := make(map[State]bool)
	for _, s := range rule.To {
		if destinations[s] {
			log.WithField("destination", s).
				Error("duplicate destination in rule")
			return errors.New("invalid rule to be applied, " +
				"duplicate destinations")
		}
		destinations[s] = true
	}
	return nil
}

// TransitTo is the function which clients will call to transition from one
// state to other. This also calls the callbacks after the valid transition
// is done
func (sm *statemachine) TransitTo(to State, reason string, args ...interface{}) error {
	// Locking the statemachine to synchronize state changes
	sm.Lock()
	defer sm.Unlock()

	// checking if transition is allowed
	err := sm.isValidTransition(to)
	if err != nil {
		return err
	}

	// Creating Transition to pass to callbacks
	t := &Transition{
		StateMachine: sm,
		From:         sm.current,
		To:           to,
		Params:       args,
	}

	curState := sm.current

	// Try to stop state recovery if its transitioning
	// from timeout state
	if _, ok := sm.timeoutRules[curState]; ok {
		log.WithFields(log.Fields{
			"update_id": sm.name,
			"from":      curState,
			"to":        to,
		}).Debug("stopping state timeout recovery")
		sm.timer.Stop()
	}

	// Doing actual transition
	sm.current = to
	sm.lastUpdatedTime = time.Now()
	sm.reason = reason

	// invoking callback function
	if sm.rules[curState].Callback != nil {
		err = sm.rules[curState].Callback(t)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"update_id":     sm.GetName(),
				"current_state": curState,
				"to_state":      to,
			}).Error("callback failed")
			return err
		}
	}

	// Run the transition callback
	if sm.transitionCallback != nil {
		err = sm.transitionCallback(t)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"update_id":     sm.GetName(),
				"current_state": curState,
				"to_state":      to,
			}).Error("transition callback failed")
			return err
		}
	}

	// Checking if the destination is a timeout state
	if rule, ok := sm.timeoutRules[to]; ok {
		if rule.Timeout != 0 {
			log.WithFields(log.Fields{
				"update_id": sm.name,
				"from":      curState,
				"to":        to,
			}).Debug("transitioned to timeout state")
			if err := sm.timer.Start(rule.Timeout); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"update_id": sm.name,
					"state":     to,
				}).Error("timer could not be started")
				return err
			}
		}
	}
	return nil
}

// isValidTransition checks if the transition is allowed
// from source state to destination state
func (sm *statemachine) isValidTransition(to State) error {
	// Checking if the current state is same as destination
	// Then no need to transition and return error
	if sm.current == to {
		return errors.Errorf("already reached state %s no need to "+
			"transition", to)
	}
	if val, ok := sm.rules[sm.current]; ok {
		if val.From != sm.current {
			return errors.Errorf("invalid transition for %s "+
				"[from %s to %s]", sm.name, sm.current, to)
		}
		for _, dest := range val.To {
			if dest == to {
				return nil
			}
		}
	}
	return errors.Errorf("invalid transition for %s [from %s to %s]",
		sm.name, sm.current, to)
}

// GetCurrentState returns the current state of the state machine
func (sm *statemachine) GetCurrentState() State {
	sm.RLock()
	defer sm.RUnlock()
	return sm.current
}

func (sm *statemachine) GetReason() string {
	sm.RLock()
	defer sm.RUnlock()
	return sm.reason
}

func (sm *statemachine) GetLastUpdateTime() time.Time {
	sm.RLock()
	defer sm.RUnlock()
	return sm.lastUpdatedTime
}

// GetName returns the name of the state machine object
func (sm *statemachine) GetName() string {
	return sm.name
}

// rollbackState moves the state machine to the timeout rule destination
// once the timeout for the current state has elapsed.
func (sm *statemachine) rollbackState() error {
	sm.Lock()
	defer sm.Unlock()

	if sm.timeoutRules == nil {
		return nil
	}

	rule, ok := sm.timeoutRules[sm.current]
	if !ok {
		return nil
	}

	if time.Now().Sub(sm.lastUpdatedTime) <= rule.Timeout {
		return nil
	}

	// Creating Transition to pass to callbacks
	t := &Transition{
		StateMachine: sm,
		From:         sm.current,
		To:           rule.To,
		Params:       nil,
	}

	log.WithFields(log.Fields{
		"update_id":     sm.name,
		"rule_from":     rule.From,
		"rule_to":       rule.To,
		"current_state": sm.current,
	}).Debug("transitioning from timeout")

	curState := sm.current

	// Doing actual transition
	sm.current = rule.To
	sm.lastUpdatedTime = time.Now()
	sm.reason = fmt.Sprintf("timed out in state %s, moved to state %s",
		curState, rule.To)

	// invoking callback function
	if rule.Callback != nil {
		err := rule.Callback(t)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"update_id":     sm.name,
				"rule_from":     rule.From,
				"rule_to":       rule.To,
				"current_state": sm.current,
			}).Error("error in timeout callback")
			return err
		}
	}

	// Run the transition callback
	if sm.transitionCallback != nil {
		err := sm.transitionCallback(t)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"update_id":     sm.name,
				"rule_from":     rule.From,
				"rule_to":       rule.To,
				"current_state": sm.current,
			}).Error("error in transition callback")
			return err
		}
	}
	return nil
}
