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

// Package flowmgr keeps the switch tables in line with the policy graph.
// Every notification is turned into a scope task on a single task queue;
// the scope is synthesized, diffed against the tracked tables and the
// resulting edits are handed to the I/O writer.
package flowmgr

import (
	"context"
	"sync"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/metrics"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/nimbess/nimbess-ovs-agent/pkg/ports"
	"github.com/nimbess/nimbess-ovs-agent/pkg/synth"
	"github.com/nimbess/nimbess-ovs-agent/pkg/taskqueue"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultSyncDelay is the grace period between connecting and reading the
// switch, letting the policy source deliver its initial state.
const DefaultSyncDelay = 5 * time.Second

// DefaultReadBackoff paces retries of failed switch reads.
var DefaultReadBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    6,
	Cap:      30 * time.Second,
}

// Options configures a Manager.
type Options struct {
	SwitchName string
	// Config is the synthesizer configuration. Encapsulation and flood
	// scope are fixed for the life of the manager.
	Config             synth.Config
	SyncDelay          time.Duration
	ReadBackoff        wait.Backoff
	MulticastGroupFile string
}

// Manager is the flow manager.
type Manager struct {
	opts     Options
	graph    policy.Graph
	registry policy.Registry
	ports    *ports.Mapper
	ids      *idgen.Generator
	driver   drivers.Driver
	cmds     drivers.CommandExecutor
	metrics  *metrics.Metrics
	queue    *taskqueue.Queue
	writer   *ioWriter

	// everything below is owned by the task queue
	cfg         *synth.Config
	fsm         *fsm
	peerPresent bool
	syncGen     uint64
	syncTimer   *time.Timer
	backoff     wait.Backoff
	tables      map[flow.TableID]*flow.TableState
	groups      *flow.GroupState
	dirty       map[string]synth.Scope
	dirtyOrder  []string
	epFlood     map[string]string
	mcast       sets.Set[string]
	firstSync   bool

	stateMu sync.RWMutex
	state   State
}

// New returns a manager. cmds and m may be nil.
func New(opts Options, graph policy.Graph, registry policy.Registry, mapper *ports.Mapper,
	ids *idgen.Generator, driver drivers.Driver, cmds drivers.CommandExecutor, m *metrics.Metrics) *Manager {
	if opts.ReadBackoff.Duration == 0 {
		opts.ReadBackoff = DefaultReadBackoff
	}
	if opts.Config.FloodScope == "" {
		opts.Config.FloodScope = synth.FloodScopeFD
	}
	cfg := deepcopy.Copy(opts.Config).(synth.Config)
	mgr := &Manager{
		opts:     opts,
		graph:    graph,
		registry: registry,
		ports:    mapper,
		ids:      ids,
		driver:   driver,
		cmds:     cmds,
		metrics:  m,
		queue:    taskqueue.New(),
		writer:   newIOWriter(),
		cfg:      &cfg,
		tables:   make(map[flow.TableID]*flow.TableState),
		groups:   flow.NewGroupState(),
		dirty:    make(map[string]synth.Scope),
		epFlood:  make(map[string]string),
		mcast:    sets.New[string](),
	}
	for _, t := range flow.Tables() {
		mgr.tables[t] = flow.NewTableState(t)
	}
	mgr.fsm = newFSM([]transition{
		{from: Disconnected, event: evConnected, to: Connecting},
		{from: Connecting, event: evDisconnected, to: Disconnected, callback: mgr.cancelSync},
		{from: SyncInProgress, event: evDisconnected, to: Disconnected, callback: mgr.cancelSync},
		{from: Synced, event: evDisconnected, to: Disconnected, callback: mgr.cancelSync},
		{from: Connecting, event: evSyncStart, to: SyncInProgress, callback: mgr.startRead},
		{from: SyncInProgress, event: evReadFailed, to: SyncInProgress, callback: mgr.retryRead},
		{from: SyncInProgress, event: evSyncDone, to: Synced},
		{from: SyncInProgress, event: evPeerLost, to: Connecting, callback: mgr.cancelSync},
	}, mgr.stateChanged)
	mgr.metrics.SetState(Disconnected.String(), stateNames)
	return mgr
}

// Start runs the task queue, the I/O writer and the switch event loop
// until ctx is cancelled, and connects to the switch.
func (m *Manager) Start(ctx context.Context) {
	go m.queue.Run(ctx)
	go m.writer.run(ctx)
	go m.watchSwitch(ctx)
	if err := m.driver.Connect(ctx); err != nil {
		log.WithError(err).Warn("Switch not reachable yet")
	}
}

func (m *Manager) watchSwitch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.queue.Dispatch("", m.cancelSyncTask)
			return
		case e := <-m.driver.Events():
			switch e.Kind {
			case drivers.EventConnected:
				log.Info("Switch connected")
				m.queue.Dispatch("", func() { m.fire(evConnected) })
			case drivers.EventDisconnected:
				log.WithError(e.Err).Warn("Switch disconnected")
				m.queue.Dispatch("", func() { m.fire(evDisconnected) })
			case drivers.EventPortStatus:
				m.ports.Sync(e.Ports)
			}
		}
	}
}

// State returns the current synchronization state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Wait blocks until the task queue and the I/O writer are both idle.
func (m *Manager) Wait() {
	for {
		m.queue.Wait()
		m.writer.wait()
		if m.queue.Idle() && m.writer.idle() {
			return
		}
	}
}

// PeerStatusUpdate reports whether the policy source is reachable. Changes
// are held back while it is not, and a sync in progress is abandoned.
func (m *Manager) PeerStatusUpdate(present bool) {
	m.queue.Dispatch("", func() {
		if m.peerPresent == present {
			return
		}
		m.peerPresent = present
		log.WithField("present", present).Info("Policy peer status changed")
		switch m.fsm.state {
		case Connecting:
			if present {
				m.armSync()
			} else {
				_ = m.cancelSync()
			}
		case SyncInProgress:
			if !present {
				m.fsm.fire(evPeerLost)
			}
		case Synced:
			if present {
				m.replayDirty()
			}
		}
	})
}

// SetConfig replaces the synthesizer configuration and recomputes every
// scope. Encapsulation and flood scope keep their startup values.
func (m *Manager) SetConfig(cfg synth.Config) {
	m.queue.Dispatch("config", func() {
		c := deepcopy.Copy(cfg).(synth.Config)
		c.Encap = m.opts.Config.Encap
		c.FloodScope = m.opts.Config.FloodScope
		m.cfg = &c
		for _, s := range m.allScopes() {
			m.dispatch(s)
		}
	})
}

func (m *Manager) fire(ev fsmEvent) {
	m.fsm.fire(ev)
	if ev == evConnected && m.fsm.state == Connecting && m.peerPresent {
		m.armSync()
	}
}

func (m *Manager) stateChanged(from, to State) {
	m.stateMu.Lock()
	m.state = to
	m.stateMu.Unlock()
	m.metrics.SetState(to.String(), stateNames)
	if to == Synced && m.peerPresent {
		m.replayDirty()
	}
}

// armSync (re)starts the sync delay timer.
func (m *Manager) armSync() {
	_ = m.cancelSync()
	gen := m.syncGen
	start := func() {
		if gen != m.syncGen {
			return
		}
		m.fsm.fire(evSyncStart)
	}
	if m.opts.SyncDelay <= 0 {
		m.queue.Dispatch("", start)
		return
	}
	log.Infof("Synchronizing switch in %s", m.opts.SyncDelay)
	m.syncTimer = time.AfterFunc(m.opts.SyncDelay, func() { m.queue.Dispatch("", start) })
}

// cancelSync invalidates pending sync timers and reads.
func (m *Manager) cancelSync() error {
	m.syncGen++
	if m.syncTimer != nil {
		m.syncTimer.Stop()
		m.syncTimer = nil
	}
	return nil
}

func (m *Manager) cancelSyncTask() {
	_ = m.cancelSync()
}

func (m *Manager) input() *synth.Input {
	cfg := deepcopy.Copy(*m.cfg).(synth.Config)
	return &synth.Input{
		Graph:    m.graph,
		Registry: m.registry,
		Ports:    m.ports,
		IDs:      m.ids,
		Config:   &cfg,
	}
}

func (m *Manager) live() bool {
	return m.fsm.state == Synced && m.peerPresent
}

// dispatch queues a scope. Pending tasks of the same scope coalesce.
func (m *Manager) dispatch(s synth.Scope) {
	m.queue.Dispatch(s.Key(), func() { m.handleScope(s) })
}

func (m *Manager) handleScope(s synth.Scope) {
	if !m.live() {
		key := s.Key()
		if _, ok := m.dirty[key]; !ok {
			m.dirtyOrder = append(m.dirtyOrder, key)
		}
		m.dirty[key] = s
		return
	}
	m.runScope(s)
}

func (m *Manager) replayDirty() {
	order := m.dirtyOrder
	scopes := m.dirty
	m.dirty = make(map[string]synth.Scope)
	m.dirtyOrder = nil
	if len(order) > 0 {
		log.WithField("scopes", len(order)).Info("Replaying held back changes")
	}
	for _, key := range order {
		m.dispatch(scopes[key])
	}
}

func (m *Manager) clearDirty() {
	m.dirty = make(map[string]synth.Scope)
	m.dirtyOrder = nil
}

// runScope synthesizes one scope and sends the difference to the switch.
func (m *Manager) runScope(s synth.Scope) {
	res := synth.Synthesize(m.input(), s)
	b := &batch{}
	for _, owner := range res.Flows.Owners() {
		for _, t := range flow.Tables() {
			rules, ok := res.Flows[owner][t]
			if !ok {
				continue
			}
			ts := m.tables[t]
			edits := ts.Diff(owner, rules)
			ts.Commit(owner, rules)
			b.addFlows(owner, t, edits)
		}
	}
	owners := sets.New[string]()
	for owner := range res.Groups {
		owners.Insert(owner)
	}
	for _, owner := range sets.List(owners) {
		b.addGroups(owner, m.groups.Apply(owner, res.Groups[owner]))
	}
	if !b.empty() {
		log.WithFields(log.Fields{"scope": s.Key(), "flowEdits": len(b.flowEdits())}).Debug("Scope changed")
	}
	m.send(b)
	m.updateTracked()

	if s.Kind == synth.ScopeMulticast {
		m.applyMulticast(res.Multicast)
	}
	m.afterScope(s)
}

// afterScope follows up on side effects of a scope: flood group membership
// and release of the ids of removed objects.
func (m *Manager) afterScope(s synth.Scope) {
	switch s.Kind {
	case synth.ScopeEndpoint:
		old := m.epFlood[s.ID]
		cur := ""
		if ep, ok := m.registry.Endpoint(s.ID); ok {
			cur = synth.FloodGroupOf(m.graph, m.cfg.FloodScope, ep.Group)
		}
		if cur == "" {
			delete(m.epFlood, s.ID)
		} else {
			m.epFlood[s.ID] = cur
		}
		for _, fg := range sets.List(sets.New(old, cur).Delete("")) {
			m.dispatch(synth.Scope{Kind: synth.ScopeFloodGroup, ID: fg})
		}
	case synth.ScopeRoutingDomain:
		if _, ok := m.graph.RoutingDomain(s.ID); !ok {
			m.ids.Erase(idgen.NSRoutingDomain, s.ID)
		}
	case synth.ScopeBridgeDomain:
		if _, ok := m.graph.BridgeDomain(s.ID); !ok {
			m.ids.Erase(idgen.NSBridgeDomain, s.ID)
		}
	case synth.ScopeFloodDomain:
		if _, ok := m.graph.FloodDomain(s.ID); !ok && m.cfg.FloodScope == synth.FloodScopeFD {
			m.ids.Erase(idgen.NSFloodDomain, s.ID)
		}
	case synth.ScopeGroup:
		if _, ok := m.graph.Group(s.ID); !ok && m.cfg.FloodScope == synth.FloodScopeEPG {
			m.ids.Erase(idgen.NSFloodDomain, s.ID)
		}
	case synth.ScopeContract:
		if _, ok := m.graph.Contract(s.ID); !ok {
			m.ids.Erase(idgen.NSContract, s.ID)
		}
	}
}

func (m *Manager) updateTracked() {
	for _, t := range flow.Tables() {
		m.metrics.SetTrackedRules(t.String(), m.tables[t].Len())
	}
}
