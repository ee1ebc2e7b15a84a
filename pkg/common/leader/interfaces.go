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

package leader

// Nomination represents the set of callbacks to handle leadership election
type Nomination interface {
	// GainedLeadershipCallback is the callback when the current node
	// becomes the leader
	GainedLeadershipCallback() error
	// ShutDownCallback is the callback to shut down gracefully if possible
	ShutDownCallback() error
	// LostLeadershipCallback is the callback when the leader lost
	// leadership
	LostLeadershipCallback() error
	// GetID returns the host:port of the node running for leadership
	GetID() string
}

// Candidate is an interface representing a candidate campaigning to
// become a leader
type Candidate interface {
	IsLeader() bool
	Start() error
	Stop() error
	Resign()
}
