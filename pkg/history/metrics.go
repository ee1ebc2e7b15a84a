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

package history

import (
	"github.com/uber-go/tally"
)

// Metrics tracks counters for the event log.
type Metrics struct {
	UpdateEventsAppended   tally.Counter
	InstanceEventsAppended tally.Counter
	AppendFail             tally.Counter
	ReadFail               tally.Counter
}

// NewMetrics returns a new Metrics struct on the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		UpdateEventsAppended:   scope.Counter("update_events_appended"),
		InstanceEventsAppended: scope.Counter("instance_events_appended"),
		AppendFail:             scope.Counter("append_fail"),
		ReadFail:               scope.Counter("read_fail"),
	}
}
