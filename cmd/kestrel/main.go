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
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/yarpc"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/kestrelcloud/kestrel/pkg/common"
	"github.com/kestrelcloud/kestrel/pkg/common/config"
	"github.com/kestrelcloud/kestrel/pkg/common/leader"
	"github.com/kestrelcloud/kestrel/pkg/common/logging"
	"github.com/kestrelcloud/kestrel/pkg/common/metrics"
	"github.com/kestrelcloud/kestrel/pkg/common/rpc"
	"github.com/kestrelcloud/kestrel/pkg/history"
	"github.com/kestrelcloud/kestrel/pkg/placement"
	"github.com/kestrelcloud/kestrel/pkg/respool"
	"github.com/kestrelcloud/kestrel/pkg/svc"
	"github.com/kestrelcloud/kestrel/pkg/tracker"
	"github.com/kestrelcloud/kestrel/pkg/update"
)

var (
	version string
	app     = kingpin.New(common.KestrelService, "Kestrel job update service")

	debug = app.Flag(
		"debug", "enable debug mode (print full json responses)").
		Short('d').
		Default("false").
		Envar("ENABLE_DEBUG_LOGGING").
		Bool()

	cfgFiles = app.Flag(
		"config",
		"YAML config files (can be provided multiple times to merge configs)").
		Short('c').
		Required().
		ExistingFiles()

	httpPort = app.Flag(
		"http-port", "Kestrel HTTP port (http_port override) "+
			"(set $HTTP_PORT to override)").
		Envar("HTTP_PORT").
		Int()

	grpcPort = app.Flag(
		"grpc-port", "Kestrel gRPC port (grpc_port override) "+
			"(set $GRPC_PORT to override)").
		Envar("GRPC_PORT").
		Int()

	electionZkServers = app.Flag(
		"election-zk-server",
		"Election Zookeeper servers. Specify multiple times for multiple servers "+
			"(election.zk_servers override) (set $ELECTION_ZK_SERVERS to override)").
		Envar("ELECTION_ZK_SERVERS").
		Strings()

	useCassandra = app.Flag(
		"use-cassandra", "Use cassandra for the event history "+
			"(history.use_cassandra override) (set $USE_CASSANDRA to override)").
		Default("false").
		Envar("USE_CASSANDRA").
		Bool()

	cassandraHosts = app.Flag(
		"cassandra-hosts", "Cassandra hosts "+
			"(history.cassandra.contact_points override) "+
			"(set $CASSANDRA_HOSTS to override)").
		Envar("CASSANDRA_HOSTS").
		Strings()
)

func main() {
	app.Version(version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(
		&logging.LogFieldFormatter{
			Formatter: &log.JSONFormatter{},
			Fields: log.Fields{
				common.AppLogField: app.Name,
			},
		},
	)

	var cfg Config
	if err := config.Parse(&cfg, *cfgFiles...); err != nil {
		log.WithField("error", err).Fatal("Cannot parse yaml config")
	}

	if *debug {
		cfg.Debug = true
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if *grpcPort != 0 {
		cfg.GRPCPort = *grpcPort
	}
	if len(*electionZkServers) > 0 {
		cfg.Election.ZKServers = *electionZkServers
	}
	if *useCassandra {
		cfg.History.UseCassandra = true
	}
	if len(*cassandraHosts) > 0 {
		cfg.History.Cassandra.ContactPoints = *cassandraHosts
	}

	initialLevel := log.InfoLevel
	if cfg.Debug {
		initialLevel = log.DebugLevel
	}
	log.SetLevel(initialLevel)

	log.WithField("config", cfg).Info("Loaded kestrel configuration")

	rootScope, scopeCloser, mux := metrics.InitMetricScope(
		&cfg.Metrics,
		common.KestrelService,
		metrics.TallyFlushInterval,
	)
	defer scopeCloser.Close()

	mux.HandleFunc(
		logging.LevelOverwrite,
		logging.LevelOverwriteHandler(initialLevel))

	resPools := respool.NewManager(rootScope)
	resPools.Load(cfg.Respool)

	taskTracker := tracker.NewTracker(rootScope)

	var store history.Store
	if cfg.History.UseCassandra {
		cassandraStore, err := history.NewCassandraStore(
			cfg.History.Cassandra, rootScope)
		if err != nil {
			log.WithField("error", err).Fatal("Cannot connect to cassandra")
		}
		defer cassandraStore.Close()
		store = cassandraStore
	} else {
		store = history.NewMemStore(rootScope)
	}

	engine := placement.New(cfg.Placement, rootScope, resPools)

	controller := update.NewController(
		cfg.Update,
		rootScope,
		resPools,
		engine,
		taskTracker,
		store,
	)

	handler := svc.NewServiceHandler(rootScope, controller, taskTracker)

	dispatcher := yarpc.NewDispatcher(yarpc.Config{
		Name:     common.KestrelService,
		Inbounds: rpc.NewInbounds(cfg.HTTPPort, cfg.GRPCPort, mux),
		Metrics: yarpc.MetricsConfig{
			Tally: rootScope,
		},
	})
	dispatcher.Register(handler.Procedures())

	if err := dispatcher.Start(); err != nil {
		log.WithField("error", err).Fatal("Cannot start rpc server")
	}
	defer dispatcher.Stop()

	server := svc.NewServer(cfg.HTTPPort, controller)

	// Without an election config the process runs standalone and
	// drives convergence itself.
	if len(cfg.Election.ZKServers) > 0 {
		candidate, err := leader.NewCandidate(
			cfg.Election,
			rootScope,
			common.KestrelRole,
			server,
		)
		if err != nil {
			log.WithField("error", err).Fatal("Unable to create leader candidate")
		}
		if err := candidate.Start(); err != nil {
			log.WithField("error", err).Fatal("Unable to start leader candidate")
		}
		defer candidate.Stop()
	} else {
		log.Info("No election config, running standalone")
		if err := server.GainedLeadershipCallback(); err != nil {
			log.WithField("error", err).Fatal("Unable to start update controller")
		}
		defer server.ShutDownCallback()
	}

	log.WithFields(log.Fields{
		"http_port": cfg.HTTPPort,
		"version":   version,
	}).Info("Started kestrel")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.WithField("signal", sig.String()).Info("Shutting down")

	// Give in-flight convergence a moment to finish before the
	// deferred teardown runs.
	time.Sleep(time.Second)
}
