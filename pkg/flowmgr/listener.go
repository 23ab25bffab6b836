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
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/nimbess/nimbess-ovs-agent/pkg/ports"
	"github.com/nimbess/nimbess-ovs-agent/pkg/synth"
	log "github.com/sirupsen/logrus"
)

var (
	_ policy.Listener = &Manager{}
	_ ports.Listener  = &Manager{}
)

func (m *Manager) endpoints(uuids []string) {
	for _, uuid := range uuids {
		m.dispatch(synth.Scope{Kind: synth.ScopeEndpoint, ID: uuid})
	}
}

func (m *Manager) services(uuids []string) {
	for _, uuid := range uuids {
		m.dispatch(synth.Scope{Kind: synth.ScopeService, ID: uuid})
	}
}

func (m *Manager) routingDomains() {
	for _, uri := range m.graph.RoutingDomains() {
		m.dispatch(synth.Scope{Kind: synth.ScopeRoutingDomain, ID: uri})
	}
}

// groupAndMembers queues a group and the endpoints that depend on it.
func (m *Manager) groupAndMembers(uri string) {
	m.dispatch(synth.Scope{Kind: synth.ScopeGroup, ID: uri})
	m.endpoints(m.registry.EndpointsForGroup(uri))
	m.endpoints(m.registry.EndpointsForIPMappingGroup(uri))
	if fg := synth.FloodGroupOf(m.graph, m.opts.Config.FloodScope, uri); fg != "" {
		m.dispatch(synth.Scope{Kind: synth.ScopeFloodGroup, ID: fg})
	}
}

// groupsWhere returns the groups whose forwarding or subnets satisfy pred.
func (m *Manager) groupsWhere(pred func(uri string, gf policy.GroupForwarding, g *policy.EndpointGroup) bool) []string {
	var out []string
	for _, uri := range m.graph.Groups() {
		g, ok := m.graph.Group(uri)
		if !ok {
			continue
		}
		gf, _ := m.graph.GroupForwarding(uri)
		if pred(uri, gf, g) {
			out = append(out, uri)
		}
	}
	return out
}

// EndpointUpdated re-runs the endpoint. Its flood group follows once the
// endpoint has been processed.
func (m *Manager) EndpointUpdated(uuid string) {
	m.dispatch(synth.Scope{Kind: synth.ScopeEndpoint, ID: uuid})
}

func (m *Manager) ServiceUpdated(uuid string) {
	m.dispatch(synth.Scope{Kind: synth.ScopeService, ID: uuid})
}

// GroupUpdated re-runs the group, its endpoints, endpoints holding
// floating IPs in it, its contracts, every routing domain (external
// network NAT groups) and the multicast subscriptions.
func (m *Manager) GroupUpdated(uri string) {
	m.groupAndMembers(uri)
	for _, c := range m.graph.ContractsForGroup(uri) {
		m.dispatch(synth.Scope{Kind: synth.ScopeContract, ID: c})
	}
	m.routingDomains()
	m.dispatch(synth.Scope{Kind: synth.ScopeMulticast})
}

func (m *Manager) DomainUpdated(kind policy.Kind, uri string) {
	log.WithFields(log.Fields{"kind": kind, "uri": uri}).Debug("Domain updated")
	switch kind {
	case policy.KindFloodDomain:
		for _, g := range m.graph.GroupsForFloodDomain(uri) {
			m.groupAndMembers(g)
		}
		if m.opts.Config.FloodScope == synth.FloodScopeFD {
			m.dispatch(synth.Scope{Kind: synth.ScopeFloodGroup, ID: uri})
		}
		m.dispatch(synth.Scope{Kind: synth.ScopeFloodDomain, ID: uri})
		m.dispatch(synth.Scope{Kind: synth.ScopeMulticast})
	case policy.KindBridgeDomain:
		groups := m.groupsWhere(func(_ string, gf policy.GroupForwarding, _ *policy.EndpointGroup) bool {
			return gf.BridgeDomain == uri
		})
		for _, g := range groups {
			m.groupAndMembers(g)
		}
		m.dispatch(synth.Scope{Kind: synth.ScopeBridgeDomain, ID: uri})
	case policy.KindRoutingDomain:
		m.dispatch(synth.Scope{Kind: synth.ScopeRoutingDomain, ID: uri})
		for _, g := range m.graph.GroupsForRoutingDomain(uri) {
			m.groupAndMembers(g)
		}
		m.services(m.registry.ServicesForDomain(uri))
	case policy.KindSubnet:
		groups := m.groupsWhere(func(_ string, _ policy.GroupForwarding, g *policy.EndpointGroup) bool {
			for _, sn := range g.Subnets {
				if sn == uri {
					return true
				}
			}
			return false
		})
		for _, g := range groups {
			m.dispatch(synth.Scope{Kind: synth.ScopeGroup, ID: g})
		}
		m.dispatch(synth.Scope{Kind: synth.ScopeSubnet, ID: uri})
	case policy.KindExternalNetwork:
		m.routingDomains()
		for _, c := range m.graph.Contracts() {
			if con, ok := m.graph.Contract(c); ok && contractNames(con, uri) {
				m.dispatch(synth.Scope{Kind: synth.ScopeContract, ID: c})
			}
		}
		m.queue.Dispatch("release:"+uri, func() {
			if _, ok := m.graph.ExternalNetwork(uri); !ok {
				m.ids.Erase(idgen.NSExternalNetwork, uri)
			}
		})
	}
}

func contractNames(c *policy.Contract, uri string) bool {
	for _, members := range [][]string{c.Providers, c.Consumers} {
		for _, mem := range members {
			if mem == uri {
				return true
			}
		}
	}
	return false
}

func (m *Manager) ContractUpdated(uri string) {
	m.dispatch(synth.Scope{Kind: synth.ScopeContract, ID: uri})
}

// ConfigUpdated re-runs the scopes that read the platform configuration.
func (m *Manager) ConfigUpdated(uri string) {
	m.dispatch(synth.Scope{Kind: synth.ScopeStatic})
	m.dispatch(synth.Scope{Kind: synth.ScopeMulticast})
}

// PortStatusUpdate re-runs everything bound to the interface. A change of
// the uplink port touches every scope that tunnels.
func (m *Manager) PortStatusUpdate(name string, port uint32) {
	log.WithFields(log.Fields{"interface": name, "port": port}).Debug("Port status update")
	m.queue.Dispatch("port:"+name, func() {
		eps := m.registry.EndpointsForInterface(name)
		m.endpoints(eps)
		for _, uuid := range eps {
			if fg, ok := m.epFlood[uuid]; ok {
				m.dispatch(synth.Scope{Kind: synth.ScopeFloodGroup, ID: fg})
			}
		}
		m.endpoints(m.registry.EndpointsForNextHopInterface(name))
		m.services(m.registry.ServicesForInterface(name))

		if name != m.cfg.EncapIface {
			return
		}
		log.WithFields(log.Fields{"interface": name, "port": port}).Info("Uplink port changed")
		m.dispatch(synth.Scope{Kind: synth.ScopeStatic})
		for _, g := range m.graph.Groups() {
			m.dispatch(synth.Scope{Kind: synth.ScopeGroup, ID: g})
			if fg := synth.FloodGroupOf(m.graph, m.cfg.FloodScope, g); fg != "" {
				m.dispatch(synth.Scope{Kind: synth.ScopeFloodGroup, ID: fg})
			}
		}
		m.routingDomains()
		m.dispatch(synth.Scope{Kind: synth.ScopeMulticast})
	})
}
