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

package svc

import (
	"sync"

	"github.com/uber-go/tally"
)

// procedureMetrics holds the per-procedure counters and timer.
type procedureMetrics struct {
	success  tally.Counter
	fail     tally.Counter
	duration tally.Timer
}

// Metrics tracks per-procedure API metrics.
type Metrics struct {
	sync.Mutex

	scope      tally.Scope
	procedures map[string]*procedureMetrics
}

// NewMetrics returns a new Metrics struct on the given scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		scope:      scope,
		procedures: make(map[string]*procedureMetrics),
	}
}

func (m *Metrics) procedure(name string) *procedureMetrics {
	m.Lock()
	defer m.Unlock()

	p, ok := m.procedures[name]
	if !ok {
		scope := m.scope.Tagged(map[string]string{"procedure": name})
		p = &procedureMetrics{
			success:  scope.Tagged(map[string]string{"result": "success"}).Counter("calls"),
			fail:     scope.Tagged(map[string]string{"result": "fail"}).Counter("calls"),
			duration: scope.Timer("duration"),
		}
		m.procedures[name] = p
	}
	return p
}

// instrument starts a stopwatch for one call and returns the function
// to invoke on completion with the call's error.
func (m *Metrics) instrument(name string) func(err *error) {
	p := m.procedure(name)
	stopwatch := p.duration.Start()
	return func(err *error) {
		stopwatch.Stop()
		if err != nil && *err != nil {
			p.fail.Inc(1)
			return
		}
		p.success.Inc(1)
	}
}
