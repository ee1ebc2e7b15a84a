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
	"sort"

	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
	"github.com/kestrelcloud/kestrel/pkg/job"
	"github.com/kestrelcloud/kestrel/pkg/respool"
)

// orderHosts returns the hosts in the order they should be tried for
// the given task. The order is stable so repeated runs with the same
// pool state are deterministic.
//
// PACK fills the fullest fitting host first: ascending remaining
// headroom in the target pool, then hostname.
//
// SPREAD prefers hosts unused by the current batch, then falls back to
// least-loaded reuse: fewest batch placements first, most remaining
// headroom next, then hostname.
func orderHosts(
	hosts []*respool.Host,
	task *Task,
	strategy job.PlacementStrategy,
	batchUse map[string]int,
) []*respool.Host {
	pool := task.Pool()
	ordered := make([]*respool.Host, len(hosts))
	copy(ordered, hosts)

	remaining := make(map[string]*scalar.Resources, len(hosts))
	for _, h := range ordered {
		remaining[h.Hostname()] = h.Remaining(pool)
	}

	switch strategy {
	case job.PlacementStrategySpread:
		sort.SliceStable(ordered, func(i, j int) bool {
			hi, hj := ordered[i].Hostname(), ordered[j].Hostname()
			if batchUse[hi] != batchUse[hj] {
				return batchUse[hi] < batchUse[hj]
			}
			if c := compareRemaining(remaining[hi], remaining[hj]); c != 0 {
				return c > 0
			}
			return hi < hj
		})
	default:
		sort.SliceStable(ordered, func(i, j int) bool {
			hi, hj := ordered[i].Hostname(), ordered[j].Hostname()
			if c := compareRemaining(remaining[hi], remaining[hj]); c != 0 {
				return c < 0
			}
			return hi < hj
		})
	}
	return ordered
}

// compareRemaining compares headroom dimension by dimension in a fixed
// order so the sort is total.
func compareRemaining(a, b *scalar.Resources) int {
	pairs := [][2]float64{
		{a.GetCPU(), b.GetCPU()},
		{a.GetMem(), b.GetMem()},
		{a.GetDisk(), b.GetDisk()},
		{a.GetGPU(), b.GetGPU()},
	}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}
