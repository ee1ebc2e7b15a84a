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

package tracker

import (
	"github.com/uber-go/tally"
)

// Metrics tracks counters for the task runtime tracker.
type Metrics struct {
	Records tally.Counter
}

// NewMetrics returns a new Metrics struct on the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Records: scope.Counter("records"),
	}
}
