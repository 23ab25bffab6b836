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

package flowmgr

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/synth"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
)

// snapshot is what the switch holds at the start of a sync.
type snapshot struct {
	flows  map[flow.TableID][]*flow.Rule
	groups []*flow.Group
}

// startRead queues a read of every table and group on the I/O writer.
func (m *Manager) startRead() error {
	if m.fsm.state == Connecting {
		m.backoff = m.opts.ReadBackoff
		log.Info("Starting switch synchronization")
	}
	gen := m.syncGen
	m.writer.submit(func(ctx context.Context) {
		snap, err := m.readSwitch(ctx)
		m.queue.Dispatch("", func() {
			if gen != m.syncGen || m.fsm.state != SyncInProgress {
				return
			}
			if err != nil {
				log.WithError(err).Warn("Reading switch state failed")
				m.metrics.SyncRetry()
				m.fsm.fire(evReadFailed)
				return
			}
			m.finishSync(snap)
		})
	})
	return nil
}

func (m *Manager) readSwitch(ctx context.Context) (*snapshot, error) {
	flows, err := m.driver.ReadFlows(ctx, flow.Tables())
	if err != nil {
		return nil, errors.Wrap(err, "reading flows")
	}
	groups, err := m.driver.ReadGroups(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading groups")
	}
	return &snapshot{flows: flows, groups: groups}, nil
}

// retryRead schedules another read after the next backoff step.
func (m *Manager) retryRead() error {
	d := m.backoff.Step()
	gen := m.syncGen
	log.Infof("Retrying switch read in %s", d.Round(time.Millisecond))
	m.syncTimer = time.AfterFunc(d, func() {
		m.queue.Dispatch("", func() {
			if gen != m.syncGen || m.fsm.state != SyncInProgress {
				return
			}
			_ = m.startRead()
		})
	})
	return nil
}

// allScopes lists every scope instance of the current graph.
func (m *Manager) allScopes() []synth.Scope {
	scopes := []synth.Scope{{Kind: synth.ScopeStatic}}
	for _, uuid := range m.registry.Endpoints() {
		scopes = append(scopes, synth.Scope{Kind: synth.ScopeEndpoint, ID: uuid})
	}
	for _, uuid := range m.registry.Services() {
		scopes = append(scopes, synth.Scope{Kind: synth.ScopeService, ID: uuid})
	}
	fgrps := sets.New[string]()
	for _, uri := range m.graph.Groups() {
		scopes = append(scopes, synth.Scope{Kind: synth.ScopeGroup, ID: uri})
		if fg := synth.FloodGroupOf(m.graph, m.cfg.FloodScope, uri); fg != "" {
			fgrps.Insert(fg)
		}
	}
	for _, uri := range m.graph.RoutingDomains() {
		scopes = append(scopes, synth.Scope{Kind: synth.ScopeRoutingDomain, ID: uri})
	}
	for _, uri := range m.graph.Contracts() {
		scopes = append(scopes, synth.Scope{Kind: synth.ScopeContract, ID: uri})
	}
	for _, fg := range sets.List(fgrps) {
		scopes = append(scopes, synth.Scope{Kind: synth.ScopeFloodGroup, ID: fg})
	}
	return append(scopes, synth.Scope{Kind: synth.ScopeMulticast})
}

// warmIDs allocates the ids of every referenced object in a fixed order,
// so that parallel synthesis never allocates. It returns the keys in use
// per namespace.
func (m *Manager) warmIDs() map[string]sets.Set[string] {
	used := make(map[string]sets.Set[string], len(idgen.Namespaces))
	for _, ns := range idgen.Namespaces {
		used[ns] = sets.New[string]()
	}
	get := func(ns, key string) {
		if key == "" {
			return
		}
		m.ids.GetID(ns, key)
		used[ns].Insert(key)
	}
	for _, uri := range m.graph.Groups() {
		gf, ok := m.graph.GroupForwarding(uri)
		if !ok {
			continue
		}
		get(idgen.NSFloodDomain, synth.FloodGroupOf(m.graph, m.cfg.FloodScope, uri))
		get(idgen.NSBridgeDomain, gf.BridgeDomain)
		get(idgen.NSRoutingDomain, gf.RoutingDomain)
	}
	for _, uri := range m.graph.RoutingDomains() {
		get(idgen.NSRoutingDomain, uri)
	}
	for _, uuid := range m.registry.Services() {
		if svc, ok := m.registry.Service(uuid); ok {
			get(idgen.NSRoutingDomain, svc.DomainURI)
		}
	}
	for _, uri := range m.graph.Contracts() {
		get(idgen.NSContract, uri)
	}
	for _, uri := range m.graph.ExternalNetworks() {
		get(idgen.NSExternalNetwork, uri)
	}
	return used
}

// synthesizeAll runs every scope in parallel and merges the results.
func (m *Manager) synthesizeAll(scopes []synth.Scope) (synth.FlowSet, synth.GroupSet, synth.MulticastGroups) {
	in := m.input()
	results := make([]synth.Result, len(scopes))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, s := range scopes {
		i, s := i, s
		g.Go(func() error {
			results[i] = synth.Synthesize(in, s)
			return nil
		})
	}
	_ = g.Wait()

	flows := synth.FlowSet{}
	groups := synth.GroupSet{}
	var mcast synth.MulticastGroups
	for _, res := range results {
		flows.Merge(res.Flows)
		for owner, gs := range res.Groups {
			groups[owner] = append(groups[owner], gs...)
		}
		if res.Multicast != nil {
			mcast = res.Multicast
		}
	}
	return flows, groups, mcast
}

// finishSync recomputes the whole desired state, replaces the tracked
// state with it and sends the difference to what the switch holds.
func (m *Manager) finishSync(snap *snapshot) {
	used := m.warmIDs()
	scopes := m.allScopes()
	flows, groups, mcast := m.synthesizeAll(scopes)

	// every scope was recomputed, so held back changes are covered
	m.clearDirty()

	m.epFlood = make(map[string]string)
	for _, uuid := range m.registry.Endpoints() {
		if ep, ok := m.registry.Endpoint(uuid); ok {
			if fg := synth.FloodGroupOf(m.graph, m.cfg.FloodScope, ep.Group); fg != "" {
				m.epFlood[uuid] = fg
			}
		}
	}

	b := &batch{}
	for _, t := range flow.Tables() {
		ts := m.tables[t]
		for _, owner := range flows.Owners() {
			if rules, ok := flows[owner][t]; ok {
				ts.Commit(owner, rules)
			}
		}
		for _, owner := range ts.Owners() {
			if _, ok := flows[owner][t]; !ok {
				ts.Commit(owner, nil)
			}
		}

		installed := snap.flows[t]
		var stale []*flow.Rule
		if t == flow.LearnTable {
			installed, stale = m.splitLearned(installed)
		}
		edits := ts.DiffSnapshot(installed)
		for _, r := range stale {
			edits = append(edits, flow.FlowEdit{Op: flow.EditDelete, Rule: r})
		}
		if len(stale) > 0 {
			log.WithField("flows", len(stale)).Info("Removing stale learned flows")
			m.metrics.StaleLearnedRemoved(len(stale))
		}
		m.addOwnedEdits(b, ts, edits)
	}

	for _, owner := range m.groups.Owners() {
		if _, ok := groups[owner]; !ok {
			m.groups.Commit(owner, nil)
		}
	}
	for owner, gs := range groups {
		m.groups.Commit(owner, gs)
	}
	for _, e := range m.groups.DiffSnapshot(snap.groups) {
		owner, _ := m.groups.Owner(e.Group.ID)
		b.addGroups(owner, []flow.GroupEdit{e})
	}

	log.WithFields(log.Fields{
		"scopes":     len(scopes),
		"flowEdits":  len(b.flowEdits()),
		"groupEdits": len(groupEdits(b.groups)),
	}).Info("Switch synchronization computed")
	m.send(b)
	m.updateTracked()

	m.applyMulticast(mcast)
	m.writeMulticastFile()

	if !m.firstSync {
		m.firstSync = true
		m.collectGarbage(used)
	}
	m.metrics.SyncDone()
	m.fsm.fire(evSyncDone)
}

// addOwnedEdits attributes snapshot edits to the owners of their keys, so
// that a rejected batch can be reverted.
func (m *Manager) addOwnedEdits(b *batch, ts *flow.TableState, edits []flow.FlowEdit) {
	var run []flow.FlowEdit
	runOwner := ""
	for _, e := range edits {
		owner := ""
		if e.Op != flow.EditDelete {
			owner, _ = ts.Owner(e.Rule.Key())
		}
		if len(run) > 0 && owner != runOwner {
			b.addFlows(runOwner, ts.Table(), run)
			run = nil
		}
		runOwner = owner
		run = append(run, e)
	}
	b.addFlows(runOwner, ts.Table(), run)
}

// splitLearned separates switch learned entries from the rest of the
// learning table, and returns those whose binding no longer matches a
// local endpoint.
func (m *Manager) splitLearned(rules []*flow.Rule) (rest, stale []*flow.Rule) {
	bindings := make(map[string]sets.Set[uint32])
	for _, uuid := range m.registry.Endpoints() {
		ep, ok := m.registry.Endpoint(uuid)
		if !ok || ep.MAC == "" {
			continue
		}
		port := m.ports.FindPort(ep.InterfaceName)
		if port == flow.PortNone {
			continue
		}
		mac := strings.ToLower(ep.MAC)
		if bindings[mac] == nil {
			bindings[mac] = sets.New[uint32]()
		}
		bindings[mac].Insert(port)
	}
	for _, r := range rules {
		if r.Cookie != flow.CookieLearn {
			rest = append(rest, r)
			continue
		}
		mac, _ := r.Match.Field("dl_dst")
		port, ok := r.Actions.OutputPort()
		if !ok || !bindings[strings.ToLower(mac)].Has(port) {
			stale = append(stale, r)
		}
	}
	return rest, stale
}

// collectGarbage releases ids of objects that disappeared while the agent
// was down.
func (m *Manager) collectGarbage(used map[string]sets.Set[string]) {
	exists := map[string]func(string) bool{
		idgen.NSFloodDomain: func(k string) bool {
			_, fd := m.graph.FloodDomain(k)
			_, g := m.graph.Group(k)
			return fd || g
		},
		idgen.NSBridgeDomain: func(k string) bool {
			_, ok := m.graph.BridgeDomain(k)
			return ok
		},
		idgen.NSRoutingDomain: func(k string) bool {
			_, ok := m.graph.RoutingDomain(k)
			return ok
		},
		idgen.NSContract: func(k string) bool {
			_, ok := m.graph.Contract(k)
			return ok
		},
		idgen.NSExternalNetwork: func(k string) bool {
			_, ok := m.graph.ExternalNetwork(k)
			return ok
		},
	}
	for _, ns := range idgen.Namespaces {
		ns := ns
		m.ids.CollectGarbage(ns, func(key string) bool {
			return used[ns].Has(key) || exists[ns](key)
		})
	}
}
