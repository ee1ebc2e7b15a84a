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

package job

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
)

// Key identifies a job. All three parts are required.
type Key struct {
	Role        string `json:"role" yaml:"role"`
	Environment string `json:"environment" yaml:"environment"`
	Name        string `json:"name" yaml:"name"`
}

// String returns the canonical role/environment/name form of the key.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Role, k.Environment, k.Name)
}

// Validate checks the key parts are present and free of the separator.
func (k Key) Validate() error {
	for _, part := range []string{k.Role, k.Environment, k.Name} {
		if part == "" {
			return errors.New("job key requires role, environment and name")
		}
		if strings.Contains(part, "/") {
			return errors.Errorf(
				"job key part %q must not contain '/'", part)
		}
	}
	return nil
}

// PlacementStrategy selects the host ordering used when placing a
// job's instances.
type PlacementStrategy string

const (
	// PlacementStrategyPack co-locates instances on as few hosts as
	// possible.
	PlacementStrategyPack = PlacementStrategy("PACK")

	// PlacementStrategySpread distributes instances across distinct
	// hosts.
	PlacementStrategySpread = PlacementStrategy("SPREAD")
)

// ResourceConfig holds the per-instance resource requirement.
type ResourceConfig struct {
	CPULimit    float64 `json:"cpuLimit" yaml:"cpu_limit"`
	MemLimitMb  float64 `json:"memLimitMb" yaml:"mem_limit_mb"`
	DiskLimitMb float64 `json:"diskLimitMb" yaml:"disk_limit_mb"`
	GPULimit    float64 `json:"gpuLimit" yaml:"gpu_limit"`
}

// ToScalar converts the resource config into scalar resources.
func (r *ResourceConfig) ToScalar() *scalar.Resources {
	return &scalar.Resources{
		CPU:    r.CPULimit,
		MEMORY: r.MemLimitMb,
		DISK:   r.DiskLimitMb,
		GPU:    r.GPULimit,
	}
}

// Config is the desired configuration for a job, supplied with every
// update request.
type Config struct {
	// Key identifies the job being configured.
	Key Key `json:"key" yaml:"key"`

	// InstanceCount is the number of instances, indexed 0..N-1.
	InstanceCount uint32 `json:"instanceCount" yaml:"instance_count"`

	// Resource is the per-instance resource requirement.
	Resource ResourceConfig `json:"resource" yaml:"resource"`

	// Revocable marks every instance of the job as opportunistic work
	// admitted only into hosts' revocable pools.
	Revocable bool `json:"revocable" yaml:"revocable"`

	// PlacementStrategy picks PACK or SPREAD placement. Defaults to
	// PACK when unset.
	PlacementStrategy PlacementStrategy `json:"placementStrategy" yaml:"placement_strategy"`

	// Labels are free-form metadata carried on the config. A label
	// change alone is a config change and replaces instances.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// Validate checks the config is well formed. A config failing
// validation is rejected before any state mutation.
func (c *Config) Validate() error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	if c.InstanceCount == 0 {
		return errors.New("instance count must be greater than zero")
	}
	if c.Resource.CPULimit < 0 || c.Resource.MemLimitMb < 0 ||
		c.Resource.DiskLimitMb < 0 || c.Resource.GPULimit < 0 {
		return errors.New("resource limits must be non-negative")
	}
	if c.Resource.CPULimit == 0 && c.Resource.MemLimitMb == 0 &&
		c.Resource.DiskLimitMb == 0 && c.Resource.GPULimit == 0 {
		return errors.New("at least one resource limit must be set")
	}
	switch c.PlacementStrategy {
	case "", PlacementStrategyPack, PlacementStrategySpread:
	default:
		return errors.Errorf("unknown placement strategy %q",
			c.PlacementStrategy)
	}
	return nil
}

// Strategy returns the effective placement strategy, defaulting to PACK.
func (c *Config) Strategy() PlacementStrategy {
	if c.PlacementStrategy == "" {
		return PlacementStrategyPack
	}
	return c.PlacementStrategy
}

// Equal reports whether two configs would produce the same instances.
// The comparison ignores instance count so the diff can distinguish
// resized jobs from reconfigured ones.
func (c *Config) Equal(other *Config) bool {
	if other == nil {
		return false
	}
	if c.Resource != other.Resource {
		return false
	}
	if c.Revocable != other.Revocable {
		return false
	}
	if c.Strategy() != other.Strategy() {
		return false
	}
	if len(c.Labels) != len(other.Labels) {
		return false
	}
	for k, v := range c.Labels {
		if ov, ok := other.Labels[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Labels != nil {
		clone.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			clone.Labels[k] = v
		}
	}
	return &clone
}
