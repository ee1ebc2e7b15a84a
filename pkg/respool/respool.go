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

package respool

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
)

// Pool names one of the two independent capacity pools every host
// exposes. Exhausting one pool never blocks admission into the other.
type Pool string

const (
	// NonRevocable is the guaranteed capacity pool.
	NonRevocable = Pool("NON_REVOCABLE")

	// Revocable is the opportunistic capacity pool, reclaimable by
	// higher-priority work.
	Revocable = Pool("REVOCABLE")
)

// PoolForRevocable maps an instance's revocable flag to the pool it is
// admitted into.
func PoolForRevocable(revocable bool) Pool {
	if revocable {
		return Revocable
	}
	return NonRevocable
}

// Host tracks the capacity and remaining headroom of one host, split
// into the non-revocable and revocable pools.
type Host struct {
	sync.Mutex

	hostname string

	capacity  map[Pool]*scalar.Resources
	remaining map[Pool]*scalar.Resources
}

// NewHost creates a host with the given pool capacities. A nil
// capacity means an empty pool.
func NewHost(hostname string, nonRevocable, revocable *scalar.Resources) *Host {
	if nonRevocable == nil {
		nonRevocable = scalar.ZeroResource
	}
	if revocable == nil {
		revocable = scalar.ZeroResource
	}
	return &Host{
		hostname: hostname,
		capacity: map[Pool]*scalar.Resources{
			NonRevocable: nonRevocable.Clone(),
			Revocable:    revocable.Clone(),
		},
		remaining: map[Pool]*scalar.Resources{
			NonRevocable: nonRevocable.Clone(),
			Revocable:    revocable.Clone(),
		},
	}
}

// Hostname returns the host identifier.
func (h *Host) Hostname() string {
	return h.hostname
}

// Capacity returns a copy of the total capacity of the given pool.
func (h *Host) Capacity(pool Pool) *scalar.Resources {
	h.Lock()
	defer h.Unlock()
	return h.capacity[pool].Clone()
}

// Remaining returns a copy of the remaining headroom of the given pool.
func (h *Host) Remaining(pool Pool) *scalar.Resources {
	h.Lock()
	defer h.Unlock()
	return h.remaining[pool].Clone()
}

// TryReserve atomically checks the pool's headroom against the amount
// and decrements it on success. It returns false when the pool cannot
// fit the amount, leaving the headroom untouched.
func (h *Host) TryReserve(pool Pool, amount *scalar.Resources) bool {
	h.Lock()
	defer h.Unlock()

	remaining := h.remaining[pool]
	if !amount.LessThanOrEqual(remaining) {
		return false
	}
	h.remaining[pool] = remaining.Subtract(amount)
	return true
}

// Release returns previously reserved capacity to the pool. Releasing
// more than was reserved indicates an unbalanced caller and is an
// error; the headroom is clamped at pool capacity.
func (h *Host) Release(pool Pool, amount *scalar.Resources) error {
	h.Lock()
	defer h.Unlock()

	restored := h.remaining[pool].Add(amount)
	if !restored.LessThanOrEqual(h.capacity[pool]) {
		h.remaining[pool] = h.capacity[pool].Clone()
		return errors.Errorf(
			"unbalanced release of %v from pool %s on host %s",
			amount, pool, h.hostname)
	}
	h.remaining[pool] = restored
	return nil
}

// Manager tracks the pools of every known host and answers admission
// queries for the placement engine.
type Manager struct {
	sync.RWMutex

	hosts   map[string]*Host
	metrics *Metrics
}

// NewManager creates an empty pool manager.
func NewManager(parent tally.Scope) *Manager {
	return &Manager{
		hosts:   make(map[string]*Host),
		metrics: NewMetrics(parent.SubScope("respool")),
	}
}

// AddHost registers a host and its pool capacities. Re-adding a
// hostname replaces the previous entry.
func (m *Manager) AddHost(hostname string, nonRevocable, revocable *scalar.Resources) {
	m.Lock()
	defer m.Unlock()

	m.hosts[hostname] = NewHost(hostname, nonRevocable, revocable)
	m.metrics.HostCount.Update(float64(len(m.hosts)))
	log.WithFields(log.Fields{
		"hostname":      hostname,
		"non_revocable": nonRevocable,
		"revocable":     revocable,
	}).Info("host added to pool manager")
}

// Host returns the host entry for the given hostname.
func (m *Manager) Host(hostname string) (*Host, error) {
	m.RLock()
	defer m.RUnlock()

	h, ok := m.hosts[hostname]
	if !ok {
		return nil, errors.Errorf("unknown host %s", hostname)
	}
	return h, nil
}

// Hosts returns all known hosts sorted by hostname for deterministic
// iteration.
func (m *Manager) Hosts() []*Host {
	m.RLock()
	defer m.RUnlock()

	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].hostname < hosts[j].hostname
	})
	return hosts
}

// Reserve atomically reserves the amount from the host's pool.
func (m *Manager) Reserve(hostname string, pool Pool, amount *scalar.Resources) bool {
	h, err := m.Host(hostname)
	if err != nil {
		m.metrics.ReserveFail.Inc(1)
		return false
	}
	if !h.TryReserve(pool, amount) {
		m.metrics.ReserveFail.Inc(1)
		return false
	}
	m.metrics.ReserveSuccess.Inc(1)
	return true
}

// Release returns the amount to the host's pool.
func (m *Manager) Release(hostname string, pool Pool, amount *scalar.Resources) error {
	h, err := m.Host(hostname)
	if err != nil {
		return err
	}
	m.metrics.Release.Inc(1)
	return h.Release(pool, amount)
}
