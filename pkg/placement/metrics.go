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
	"github.com/uber-go/tally"
)

// Metrics tracks counters and timers for the placement engine.
type Metrics struct {
	PlaceSuccess  tally.Counter
	PlaceFail     tally.Counter
	TasksPlaced   tally.Counter
	Rollbacks     tally.Counter
	PlaceDuration tally.Timer
}

// NewMetrics returns a new Metrics struct on the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	successScope := scope.Tagged(map[string]string{"result": "success"})
	failScope := scope.Tagged(map[string]string{"result": "fail"})

	return &Metrics{
		PlaceSuccess:  successScope.Counter("place"),
		PlaceFail:     failScope.Counter("place"),
		TasksPlaced:   scope.Counter("tasks_placed"),
		Rollbacks:     scope.Counter("rollbacks"),
		PlaceDuration: scope.Timer("place_duration"),
	}
}
