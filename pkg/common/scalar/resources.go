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

package scalar

import (
	"fmt"
	"math"

	"github.com/kestrelcloud/kestrel/pkg/common"
)

// ResourceEpsilon is the minimum difference at which two float resource
// values are considered unequal.
const ResourceEpsilon = 0.000001

// ZeroResource represents the minimum value of a resource.
var ZeroResource = &Resources{
	CPU:    float64(0),
	GPU:    float64(0),
	DISK:   float64(0),
	MEMORY: float64(0),
}

// Resources is a non-thread safe helper struct holding recognized resources.
type Resources struct {
	CPU    float64
	MEMORY float64
	DISK   float64
	GPU    float64
}

// GetCPU returns the CPU resource.
func (r *Resources) GetCPU() float64 {
	return r.CPU
}

// GetDisk returns the disk resource.
func (r *Resources) GetDisk() float64 {
	return r.DISK
}

// GetMem returns the memory resource.
func (r *Resources) GetMem() float64 {
	return r.MEMORY
}

// GetGPU returns the GPU resource.
func (r *Resources) GetGPU() float64 {
	return r.GPU
}

// Get returns the value for the given resource kind.
func (r *Resources) Get(kind string) float64 {
	switch kind {
	case common.CPU:
		return r.GetCPU()
	case common.GPU:
		return r.GetGPU()
	case common.MEMORY:
		return r.GetMem()
	case common.DISK:
		return r.GetDisk()
	}
	return float64(0)
}

// Set sets the value for the given resource kind.
func (r *Resources) Set(kind string, value float64) {
	switch kind {
	case common.CPU:
		r.CPU = value
	case common.GPU:
		r.GPU = value
	case common.MEMORY:
		r.MEMORY = value
	case common.DISK:
		r.DISK = value
	}
}

// Add adds another scalar resources onto the current one and returns a new
// copy of the result.
func (r *Resources) Add(other *Resources) *Resources {
	return &Resources{
		CPU:    r.CPU + other.CPU,
		MEMORY: r.MEMORY + other.MEMORY,
		DISK:   r.DISK + other.DISK,
		GPU:    r.GPU + other.GPU,
	}
}

func lessThanOrEqual(f1, f2 float64) bool {
	v := f1 - f2
	if math.Abs(v) < ResourceEpsilon {
		return true
	}
	return v < 0
}

// LessThanOrEqual determines whether the current Resources is less than or
// equal to the other one.
func (r *Resources) LessThanOrEqual(other *Resources) bool {
	return lessThanOrEqual(r.CPU, other.CPU) &&
		lessThanOrEqual(r.MEMORY, other.MEMORY) &&
		lessThanOrEqual(r.DISK, other.DISK) &&
		lessThanOrEqual(r.GPU, other.GPU)
}

// Equal determines whether the current Resources is equal to the other one.
func (r *Resources) Equal(other *Resources) bool {
	return r.CPU == other.CPU &&
		r.MEMORY == other.MEMORY &&
		r.DISK == other.DISK &&
		r.GPU == other.GPU
}

// Subtract subtracts another scalar resources from the current one,
// flooring each dimension at zero, and returns a new copy of the result.
func (r *Resources) Subtract(other *Resources) *Resources {
	var result Resources
	for _, kind := range []string{common.CPU, common.GPU, common.MEMORY, common.DISK} {
		from := r.Get(kind)
		value := other.Get(kind)
		if from < value {
			result.Set(kind, float64(0))
			continue
		}
		diff := from - value
		if diff < ResourceEpsilon {
			diff = float64(0)
		}
		result.Set(kind, diff)
	}
	return &result
}

// Multiply scales every dimension by the given factor and returns a new
// copy of the result.
func (r *Resources) Multiply(factor float64) *Resources {
	return &Resources{
		CPU:    r.CPU * factor,
		MEMORY: r.MEMORY * factor,
		DISK:   r.DISK * factor,
		GPU:    r.GPU * factor,
	}
}

// Clone returns a new copy of the resources.
func (r *Resources) Clone() *Resources {
	return &Resources{
		CPU:    r.CPU,
		DISK:   r.DISK,
		MEMORY: r.MEMORY,
		GPU:    r.GPU,
	}
}

// Copy copies the values from the passed resource object into the calling
// object.
func (r *Resources) Copy(other *Resources) {
	r.CPU = other.CPU
	r.DISK = other.DISK
	r.MEMORY = other.MEMORY
	r.GPU = other.GPU
}

// Min returns the minimum value for each resource type.
func Min(r1, r2 *Resources) *Resources {
	return &Resources{
		CPU:    math.Min(r1.GetCPU(), r2.GetCPU()),
		MEMORY: math.Min(r1.GetMem(), r2.GetMem()),
		DISK:   math.Min(r1.GetDisk(), r2.GetDisk()),
		GPU:    math.Min(r1.GetGPU(), r2.GetGPU()),
	}
}

func (r *Resources) String() string {
	return fmt.Sprintf("CPU:%.2f MEM:%.2f DISK:%.2f GPU:%.2f",
		r.GetCPU(), r.GetMem(), r.GetDisk(), r.GetGPU())
}
