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
	"github.com/uber-go/tally"
)

// Metrics tracks counters and timers for the update controller.
type Metrics struct {
	StartSuccess  tally.Counter
	StartFail     tally.Counter
	Pulses        tally.Counter
	PulseTimeouts tally.Counter
	Overrides     tally.Counter
	Aborts        tally.Counter
	RolledForward tally.Counter
	Failed        tally.Counter

	ConvergeDuration tally.Timer
}

// NewMetrics returns a new Metrics struct on the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	successScope := scope.Tagged(map[string]string{"result": "success"})
	failScope := scope.Tagged(map[string]string{"result": "fail"})

	return &Metrics{
		StartSuccess:  successScope.Counter("start"),
		StartFail:     failScope.Counter("start"),
		Pulses:        scope.Counter("pulses"),
		PulseTimeouts: scope.Counter("pulse_timeouts"),
		Overrides:     scope.Counter("overrides"),
		Aborts:        scope.Counter("aborts"),
		RolledForward: scope.Counter("rolled_forward"),
		Failed:        scope.Counter("failed"),

		ConvergeDuration: scope.Timer("converge_duration"),
	}
}
