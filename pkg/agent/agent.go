// Copyright (c) 2019 Red Hat and/or its affiliates.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Agent runtime

package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3/model"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flowmgr"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/metrics"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/nimbess/nimbess-ovs-agent/pkg/ports"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
)

// NimbessAgent represents the agent runtime. It owns the policy store, the
// port mapper, the id generator and the flow manager programming the
// switch through Driver.
type NimbessAgent struct {
	ID         uuid.UUID
	Config     *Config
	Driver     drivers.Driver
	Commands   drivers.CommandExecutor
	EtcdClient etcdv3.Client
	Store      *policy.Store
	Ports      *ports.Mapper
	IDs        *idgen.Generator
	Flows      *flowmgr.Manager
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	// LinkWatcher follows host interface removals. Nil disables it.
	LinkWatcher func(ctx context.Context, m *ports.Mapper) error

	wg sync.WaitGroup
}

// NewAgent builds the agent around a switch driver and an etcd client.
// cmds may be nil when multicast subscriptions are not wanted.
func NewAgent(cfg *Config, driver drivers.Driver, cmds drivers.CommandExecutor, etcd etcdv3.Client) *NimbessAgent {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &NimbessAgent{
		ID:          uuid.New(),
		Config:      cfg,
		Driver:      driver,
		Commands:    cmds,
		EtcdClient:  etcd,
		Store:       policy.NewStore(),
		Ports:       ports.NewMapper(),
		Metrics:     metrics.New(reg),
		Registry:    reg,
		LinkWatcher: ports.WatchLinks,
	}
}

// Init opens the id store and creates the flow manager.
func (s *NimbessAgent) Init() error {
	store, err := idgen.NewStore(s.Config.IDStore.Type, s.Config.IDStore.Address)
	if err != nil {
		return err
	}
	s.IDs = idgen.New(store)
	for _, ns := range idgen.Namespaces {
		if err := s.IDs.InitNamespace(ns); err != nil {
			return err
		}
	}

	s.Flows = flowmgr.New(flowmgr.Options{
		SwitchName:         s.Config.SwitchName,
		Config:             s.Config.SynthConfig(),
		SyncDelay:          s.Config.SyncDelay,
		MulticastGroupFile: s.Config.MulticastGroupFile,
	}, s.Store, s.Store, s.Ports, s.IDs, s.Driver, s.Commands, s.Metrics)
	s.Store.RegisterListener(s.Flows)
	s.Ports.RegisterListener(s.Flows)
	log.WithFields(log.Fields{"id": s.ID, "switch": s.Config.SwitchName}).Info("Agent initialized")
	return nil
}

// Run starts the agent and blocks until ctx is cancelled.
func (s *NimbessAgent) Run(ctx context.Context) error {
	if s.Flows == nil {
		return errors.New("agent not initialized")
	}
	log.Info("Starting Nimbess OVS Agent...")

	if s.LinkWatcher != nil {
		if err := s.LinkWatcher(ctx, s.Ports); err != nil {
			log.WithError(err).Warn("Unable to watch host links")
		}
	}

	log.Info("Connecting to switch")
	s.Flows.Start(ctx)

	gazer := &PolicyGazer{
		Prefix: s.Config.EtcdPrefix,
		Client: s.EtcdClient,
		Store:  s.Store,
		Peer:   s.Flows,
	}
	s.goRun(func() { gazer.Run(ctx) })
	s.goRun(func() { s.register(ctx) })

	if s.Config.MetricsAddress != "" {
		s.goRun(func() {
			if err := metrics.Serve(ctx, s.Config.MetricsAddress, s.Registry); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		})
	}

	<-ctx.Done()
	log.Info("Stopping Nimbess OVS Agent")
	s.wg.Wait()
	return s.close()
}

func (s *NimbessAgent) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *NimbessAgent) close() error {
	var first error
	for _, c := range []func() error{s.Driver.Close, s.EtcdClient.Close, s.IDs.Close} {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *NimbessAgent) agentKey() model.AgentKey {
	key, err := model.LocalAgentKey(s.Config.EtcdPrefix)
	if err != nil {
		log.WithError(err).Warn("Machine id unavailable, registering under the agent id")
		return model.AgentKey{Prefix: s.Config.EtcdPrefix, MachineID: s.ID.String()}
	}
	return key
}

// register keeps the agent record alive in etcd for as long as ctx lives.
func (s *NimbessAgent) register(ctx context.Context) {
	hostname, _ := os.Hostname()
	kv := &model.KVPair{
		Key: s.agentKey(),
		Value: model.Agent{
			ID:        s.ID.String(),
			Hostname:  hostname,
			Switch:    s.Config.SwitchName,
			LastStart: time.Now().UTC().Format(time.RFC3339),
		},
	}
	for ctx.Err() == nil {
		alive, err := s.EtcdClient.Register(ctx, kv, DefaultRegistrationTTL)
		if err != nil {
			log.WithError(err).Warn("Agent registration failed")
		} else {
			log.WithField("key", kv.Key.String()).Info("Agent registered")
			for range alive {
			}
			if ctx.Err() == nil {
				log.Warn("Agent registration lease lost")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(DefaultResyncInterval):
		}
	}
}
