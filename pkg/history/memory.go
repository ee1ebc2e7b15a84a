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
	"context"
	"sync"
	"time"

	"github.com/uber-go/tally"
)

// MemStore is the in-memory Store used when no Cassandra cluster is
// configured, and by tests.
type MemStore struct {
	sync.RWMutex

	updateEvents   map[string][]*UpdateEvent
	instanceEvents map[string][]*InstanceEvent

	metrics *Metrics
}

// NewMemStore creates an empty in-memory event log.
func NewMemStore(parent tally.Scope) *MemStore {
	return &MemStore{
		updateEvents:   make(map[string][]*UpdateEvent),
		instanceEvents: make(map[string][]*InstanceEvent),
		metrics:        NewMetrics(parent.SubScope("history")),
	}
}

// AppendUpdateEvent appends a job-level event.
func (s *MemStore) AppendUpdateEvent(_ context.Context, event *UpdateEvent) error {
	s.Lock()
	defer s.Unlock()

	e := *event
	events := s.updateEvents[e.UpdateID]
	var prev time.Time
	if len(events) > 0 {
		prev = events[len(events)-1].Timestamp
	}
	e.Timestamp = clampTimestamp(e.Timestamp, prev)

	s.updateEvents[e.UpdateID] = append(events, &e)
	s.metrics.UpdateEventsAppended.Inc(1)
	return nil
}

// AppendInstanceEvent appends a per-instance event.
func (s *MemStore) AppendInstanceEvent(_ context.Context, event *InstanceEvent) error {
	s.Lock()
	defer s.Unlock()

	e := *event
	events := s.instanceEvents[e.UpdateID]
	var prev time.Time
	if len(events) > 0 {
		prev = events[len(events)-1].Timestamp
	}
	e.Timestamp = clampTimestamp(e.Timestamp, prev)

	s.instanceEvents[e.UpdateID] = append(events, &e)
	s.metrics.InstanceEventsAppended.Inc(1)
	return nil
}

// UpdateEvents returns an update's job-level events ascending by
// timestamp.
func (s *MemStore) UpdateEvents(_ context.Context, updateID string) ([]*UpdateEvent, error) {
	s.RLock()
	defer s.RUnlock()

	events := s.updateEvents[updateID]
	result := make([]*UpdateEvent, 0, len(events))
	for _, e := range events {
		copied := *e
		result = append(result, &copied)
	}
	return result, nil
}

// InstanceEvents returns an update's per-instance events ascending by
// timestamp.
func (s *MemStore) InstanceEvents(_ context.Context, updateID string) ([]*InstanceEvent, error) {
	s.RLock()
	defer s.RUnlock()

	events := s.instanceEvents[updateID]
	result := make([]*InstanceEvent, 0, len(events))
	for _, e := range events {
		copied := *e
		result = append(result, &copied)
	}
	return result, nil
}

// clampTimestamp fills a zero timestamp with now and clamps backwards
// timestamps forward to the previous event so stored sequences stay
// non-decreasing.
func clampTimestamp(ts, prev time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now()
	}
	if ts.Before(prev) {
		return prev
	}
	return ts
}
