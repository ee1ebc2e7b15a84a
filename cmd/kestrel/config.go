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

package main

import (
	"github.com/kestrelcloud/kestrel/pkg/common/leader"
	"github.com/kestrelcloud/kestrel/pkg/common/metrics"
	"github.com/kestrelcloud/kestrel/pkg/history"
	"github.com/kestrelcloud/kestrel/pkg/placement"
	"github.com/kestrelcloud/kestrel/pkg/respool"
	"github.com/kestrelcloud/kestrel/pkg/update"
)

// Config holds the full service configuration, assembled from the
// merged YAML files plus command line overrides.
type Config struct {
	Debug    bool                  `yaml:"debug"`
	HTTPPort int                   `yaml:"http_port"`
	GRPCPort int                   `yaml:"grpc_port"`
	Metrics  metrics.Config        `yaml:"metrics"`
	Election leader.ElectionConfig `yaml:"election"`

	Respool   respool.Config   `yaml:"respool"`
	Placement placement.Config `yaml:"placement"`
	Update    update.Config    `yaml:"update"`

	// History selects the event store backend. When Cassandra is not
	// enabled events are kept in memory and lost on restart.
	History HistoryConfig `yaml:"history"`
}

// HistoryConfig configures the event history backend.
type HistoryConfig struct {
	UseCassandra bool                    `yaml:"use_cassandra"`
	Cassandra    history.CassandraConfig `yaml:"cassandra"`
}
