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

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

const (
	_insertUpdateEventStmt = `INSERT INTO update_events ` +
		`(update_id, status, message, create_time) VALUES (?, ?, ?, ?)`

	_insertInstanceEventStmt = `INSERT INTO instance_events ` +
		`(update_id, instance_id, status, create_time) VALUES (?, ?, ?, ?)`

	_selectUpdateEventsStmt = `SELECT status, message, create_time ` +
		`FROM update_events WHERE update_id = ?`

	_selectInstanceEventsStmt = `SELECT instance_id, status, create_time ` +
		`FROM instance_events WHERE update_id = ?`
)

// CassandraConfig is the connection config for the Cassandra-backed
// event log. The schema is applied out of band from schema.cql.
type CassandraConfig struct {
	ContactPoints []string      `yaml:"contact_points"`
	Port          int           `yaml:"port"`
	Keyspace      string        `yaml:"keyspace"`
	Timeout       time.Duration `yaml:"timeout"`
}

// CassandraStore is the Cassandra-backed Store. The event tables
// cluster on (update id, create time) ascending so reads come back in
// timestamp order without sorting.
type CassandraStore struct {
	sync.Mutex

	session *gocql.Session
	metrics *Metrics

	// lastTimestamp remembers the newest stored timestamp per update
	// so appends can keep sequences non-decreasing.
	lastTimestamp map[string]time.Time
}

// NewCassandraStore connects to the cluster and returns the store.
func NewCassandraStore(config CassandraConfig, parent tally.Scope) (*CassandraStore, error) {
	if len(config.ContactPoints) == 0 {
		return nil, errors.New("no cassandra contact points configured")
	}
	if config.Keyspace == "" {
		return nil, errors.New("no cassandra keyspace configured")
	}

	cluster := gocql.NewCluster(config.ContactPoints...)
	cluster.Keyspace = config.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	if config.Port != 0 {
		cluster.Port = config.Port
	}
	if config.Timeout != 0 {
		cluster.Timeout = config.Timeout
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cassandra session")
	}
	log.WithFields(log.Fields{
		"contact_points": config.ContactPoints,
		"keyspace":       config.Keyspace,
	}).Info("connected to cassandra")

	return &CassandraStore{
		session:       session,
		metrics:       NewMetrics(parent.SubScope("history")),
		lastTimestamp: make(map[string]time.Time),
	}, nil
}

// Close tears down the session.
func (s *CassandraStore) Close() {
	s.session.Close()
}

// nextTimestamp fills and clamps the event timestamp under the store
// lock so one update's appends stay non-decreasing.
func (s *CassandraStore) nextTimestamp(updateID string, ts time.Time) time.Time {
	s.Lock()
	defer s.Unlock()

	ts = clampTimestamp(ts, s.lastTimestamp[updateID])
	s.lastTimestamp[updateID] = ts
	return ts
}

// AppendUpdateEvent appends a job-level event.
func (s *CassandraStore) AppendUpdateEvent(ctx context.Context, event *UpdateEvent) error {
	ts := s.nextTimestamp(event.UpdateID, event.Timestamp)
	err := s.session.Query(
		_insertUpdateEventStmt,
		event.UpdateID,
		event.Status,
		event.Message,
		ts,
	).WithContext(ctx).Exec()
	if err != nil {
		s.metrics.AppendFail.Inc(1)
		return errors.Wrap(err, "failed to append update event")
	}
	s.metrics.UpdateEventsAppended.Inc(1)
	return nil
}

// AppendInstanceEvent appends a per-instance event.
func (s *CassandraStore) AppendInstanceEvent(ctx context.Context, event *InstanceEvent) error {
	ts := s.nextTimestamp(event.UpdateID, event.Timestamp)
	err := s.session.Query(
		_insertInstanceEventStmt,
		event.UpdateID,
		int(event.InstanceID),
		event.Status,
		ts,
	).WithContext(ctx).Exec()
	if err != nil {
		s.metrics.AppendFail.Inc(1)
		return errors.Wrap(err, "failed to append instance event")
	}
	s.metrics.InstanceEventsAppended.Inc(1)
	return nil
}

// UpdateEvents returns an update's job-level events ascending by
// timestamp.
func (s *CassandraStore) UpdateEvents(ctx context.Context, updateID string) ([]*UpdateEvent, error) {
	iter := s.session.Query(
		_selectUpdateEventsStmt,
		updateID,
	).WithContext(ctx).Iter()

	var events []*UpdateEvent
	var status, message string
	var createTime time.Time
	for iter.Scan(&status, &message, &createTime) {
		events = append(events, &UpdateEvent{
			UpdateID:  updateID,
			Status:    status,
			Message:   message,
			Timestamp: createTime,
		})
	}
	if err := iter.Close(); err != nil {
		s.metrics.ReadFail.Inc(1)
		return nil, errors.Wrap(err, "failed to read update events")
	}
	return events, nil
}

// InstanceEvents returns an update's per-instance events ascending by
// timestamp.
func (s *CassandraStore) InstanceEvents(ctx context.Context, updateID string) ([]*InstanceEvent, error) {
	iter := s.session.Query(
		_selectInstanceEventsStmt,
		updateID,
	).WithContext(ctx).Iter()

	var events []*InstanceEvent
	var instanceID int
	var status string
	var createTime time.Time
	for iter.Scan(&instanceID, &status, &createTime) {
		events = append(events, &InstanceEvent{
			UpdateID:   updateID,
			InstanceID: uint32(instanceID),
			Status:     status,
			Timestamp:  createTime,
		})
	}
	if err := iter.Close(); err != nil {
		s.metrics.ReadFail.Inc(1)
		return nil, errors.Wrap(err, "failed to read instance events")
	}
	return events, nil
}
