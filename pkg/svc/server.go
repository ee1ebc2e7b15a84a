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

	log "github.com/sirupsen/logrus"

	"github.com/kestrelcloud/kestrel/pkg/common"
	"github.com/kestrelcloud/kestrel/pkg/common/leader"
	"github.com/kestrelcloud/kestrel/pkg/update"
)

// Server ties the update controller's lifecycle to leadership. It
// implements leader.Nomination so that among multiple instances only
// the elected leader drives convergence.
type Server struct {
	sync.Mutex

	ID   string
	role string

	controller *update.Controller

	// isLeader is set once the leadership callback completes.
	isLeader bool
}

// NewServer creates a Server instance.
func NewServer(httpPort int, controller *update.Controller) *Server {
	return &Server{
		ID:         leader.NewID(httpPort),
		role:       common.KestrelRole,
		controller: controller,
	}
}

// GainedLeadershipCallback is the callback when the current node
// becomes the leader.
func (s *Server) GainedLeadershipCallback() error {
	s.Lock()
	defer s.Unlock()

	log.WithField("role", s.role).Info("Gained leadership")
	s.controller.Start()
	s.isLeader = true
	return nil
}

// LostLeadershipCallback is the callback when the current node lost
// leadership.
func (s *Server) LostLeadershipCallback() error {
	s.Lock()
	defer s.Unlock()

	log.WithField("role", s.role).Info("Lost leadership")
	s.controller.Stop()
	s.isLeader = false
	return nil
}

// ShutDownCallback is the callback to shut down gracefully if
// possible.
func (s *Server) ShutDownCallback() error {
	s.Lock()
	defer s.Unlock()

	log.WithField("role", s.role).Info("Quitting election")
	if s.isLeader {
		s.controller.Stop()
		s.isLeader = false
	}
	return nil
}

// GetID function returns the ID of the server.
func (s *Server) GetID() string {
	return s.ID
}

// HasGainedLeadership returns true iff the leadership callback
// completed.
func (s *Server) HasGainedLeadership() bool {
	s.Lock()
	defer s.Unlock()
	return s.isLeader
}
