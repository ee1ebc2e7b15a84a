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

// Package history holds the append-only per-update event log. Events
// are immutable once written; no update or delete paths exist.
package history

import (
	"context"
	"time"
)

// UpdateEvent is one job-level status change of an update.
type UpdateEvent struct {
	// UpdateID is the update the event belongs to.
	UpdateID string

	// Status is the update status reached.
	Status string

	// Message is optional free-form context, e.g. the request message
	// on the first event or the failure cause on FAILED.
	Message string

	// Timestamp is monotonically non-decreasing within one update's
	// event sequence.
	Timestamp time.Time
}

// InstanceEvent is one per-instance status change within an update.
// Only instances actually affected by the update's diff produce
// instance events.
type InstanceEvent struct {
	// UpdateID is the update the event belongs to.
	UpdateID string

	// InstanceID is the affected instance.
	InstanceID uint32

	// Status is the instance status reached.
	Status string

	// Timestamp is monotonically non-decreasing within one update's
	// instance event sequence.
	Timestamp time.Time
}

// Store is the append-only event log. Reads return events ordered
// ascending by timestamp.
type Store interface {
	// AppendUpdateEvent appends a job-level event. A zero timestamp is
	// filled with the current time; timestamps older than the
	// previous event of the same update are clamped forward so the
	// stored sequence stays non-decreasing.
	AppendUpdateEvent(ctx context.Context, event *UpdateEvent) error

	// AppendInstanceEvent appends a per-instance event under the same
	// timestamp rules.
	AppendInstanceEvent(ctx context.Context, event *InstanceEvent) error

	// UpdateEvents returns the job-level events of an update,
	// ascending by timestamp. An unknown update id yields an empty
	// slice, not an error.
	UpdateEvents(ctx context.Context, updateID string) ([]*UpdateEvent, error)

	// InstanceEvents returns the per-instance events of an update,
	// ascending by timestamp.
	InstanceEvents(ctx context.Context, updateID string) ([]*InstanceEvent, error)
}
