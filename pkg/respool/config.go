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
	"github.com/kestrelcloud/kestrel/pkg/common/scalar"
)

// ResourcesConfig is the YAML shape of a pool capacity.
type ResourcesConfig struct {
	CPU    float64 `yaml:"cpu"`
	Memory float64 `yaml:"memory"`
	Disk   float64 `yaml:"disk"`
	GPU    float64 `yaml:"gpu"`
}

// ToScalar converts the YAML capacity into scalar resources.
func (r *ResourcesConfig) ToScalar() *scalar.Resources {
	return &scalar.Resources{
		CPU:    r.CPU,
		MEMORY: r.Memory,
		DISK:   r.Disk,
		GPU:    r.GPU,
	}
}

// HostConfig is the YAML shape of one host's pools.
type HostConfig struct {
	Hostname     string          `yaml:"hostname" validate:"nonzero"`
	NonRevocable ResourcesConfig `yaml:"non_revocable"`
	Revocable    ResourcesConfig `yaml:"revocable"`
}

// Config holds the static host inventory loaded at startup.
type Config struct {
	Hosts []HostConfig `yaml:"hosts"`
}

// Load registers every configured host with the manager.
func (m *Manager) Load(cfg Config) {
	for _, h := range cfg.Hosts {
		m.AddHost(
			h.Hostname,
			h.NonRevocable.ToScalar(),
			h.Revocable.ToScalar(),
		)
	}
}
