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

package policy

import (
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

type index map[string]sets.Set[string]

func (ix index) add(key, member string) {
	if key == "" {
		return
	}
	s, ok := ix[key]
	if !ok {
		s = sets.New[string]()
		ix[key] = s
	}
	s.Insert(member)
}

func (ix index) remove(key, member string) {
	s, ok := ix[key]
	if !ok {
		return
	}
	s.Delete(member)
	if s.Len() == 0 {
		delete(ix, key)
	}
}

func (ix index) list(key string) []string {
	return sets.List(ix[key])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store is an in-memory policy graph and endpoint registry. Objects are
// replaced on update and must not be modified after being stored.
type Store struct {
	mu sync.RWMutex

	endpoints    map[string]*Endpoint
	services     map[string]*AnycastService
	groups       map[string]*EndpointGroup
	floodDomains map[string]*FloodDomain
	bridges      map[string]*BridgeDomain
	routings     map[string]*RoutingDomain
	subnets      map[string]*Subnet
	extNets      map[string]*ExternalNetwork
	contracts    map[string]*Contract
	platform     *PlatformConfig

	epByGroup    index
	epByIface    index
	epByNextHop  index
	epByIPMGroup index
	svcByIface   index
	svcByDomain  index

	lmu       sync.RWMutex
	listeners []Listener
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		endpoints:    make(map[string]*Endpoint),
		services:     make(map[string]*AnycastService),
		groups:       make(map[string]*EndpointGroup),
		floodDomains: make(map[string]*FloodDomain),
		bridges:      make(map[string]*BridgeDomain),
		routings:     make(map[string]*RoutingDomain),
		subnets:      make(map[string]*Subnet),
		extNets:      make(map[string]*ExternalNetwork),
		contracts:    make(map[string]*Contract),
		epByGroup:    make(index),
		epByIface:    make(index),
		epByNextHop:  make(index),
		epByIPMGroup: make(index),
		svcByIface:   make(index),
		svcByDomain:  make(index),
	}
}

var (
	_ Graph    = &Store{}
	_ Registry = &Store{}
)

// RegisterListener adds a listener for change notifications.
func (s *Store) RegisterListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(fn func(l Listener)) {
	s.lmu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (s *Store) indexEndpoint(ep *Endpoint, add bool) {
	update := index.remove
	if add {
		update = index.add
	}
	update(s.epByGroup, ep.Group, ep.UUID)
	update(s.epByIface, ep.InterfaceName, ep.UUID)
	for _, m := range ep.IPMappings {
		update(s.epByNextHop, m.NextHopIf, ep.UUID)
		update(s.epByIPMGroup, m.Group, ep.UUID)
	}
}

func (s *Store) indexService(svc *AnycastService, add bool) {
	update := index.remove
	if add {
		update = index.add
	}
	update(s.svcByIface, svc.InterfaceName, svc.UUID)
	update(s.svcByDomain, svc.DomainURI, svc.UUID)
}

// PutEndpoint adds or replaces an endpoint.
func (s *Store) PutEndpoint(ep *Endpoint) {
	s.mu.Lock()
	if old, ok := s.endpoints[ep.UUID]; ok {
		s.indexEndpoint(old, false)
	}
	s.endpoints[ep.UUID] = ep
	s.indexEndpoint(ep, true)
	s.mu.Unlock()
	s.notify(func(l Listener) { l.EndpointUpdated(ep.UUID) })
}

// DeleteEndpoint removes an endpoint.
func (s *Store) DeleteEndpoint(uuid string) {
	s.mu.Lock()
	old, ok := s.endpoints[uuid]
	if ok {
		s.indexEndpoint(old, false)
		delete(s.endpoints, uuid)
	}
	s.mu.Unlock()
	if ok {
		s.notify(func(l Listener) { l.EndpointUpdated(uuid) })
	}
}

// PutService adds or replaces an anycast service.
func (s *Store) PutService(svc *AnycastService) {
	s.mu.Lock()
	if old, ok := s.services[svc.UUID]; ok {
		s.indexService(old, false)
	}
	s.services[svc.UUID] = svc
	s.indexService(svc, true)
	s.mu.Unlock()
	s.notify(func(l Listener) { l.ServiceUpdated(svc.UUID) })
}

// DeleteService removes an anycast service.
func (s *Store) DeleteService(uuid string) {
	s.mu.Lock()
	old, ok := s.services[uuid]
	if ok {
		s.indexService(old, false)
		delete(s.services, uuid)
	}
	s.mu.Unlock()
	if ok {
		s.notify(func(l Listener) { l.ServiceUpdated(uuid) })
	}
}

// PutGroup adds or replaces an endpoint group.
func (s *Store) PutGroup(g *EndpointGroup) {
	s.mu.Lock()
	s.groups[g.URI] = g
	s.mu.Unlock()
	s.notify(func(l Listener) { l.GroupUpdated(g.URI) })
}

// DeleteGroup removes an endpoint group.
func (s *Store) DeleteGroup(uri string) {
	s.mu.Lock()
	delete(s.groups, uri)
	s.mu.Unlock()
	s.notify(func(l Listener) { l.GroupUpdated(uri) })
}

// PutFloodDomain adds or replaces a flood domain.
func (s *Store) PutFloodDomain(fd *FloodDomain) {
	s.mu.Lock()
	s.floodDomains[fd.URI] = fd
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DomainUpdated(KindFloodDomain, fd.URI) })
}

// PutBridgeDomain adds or replaces a bridge domain.
func (s *Store) PutBridgeDomain(bd *BridgeDomain) {
	s.mu.Lock()
	s.bridges[bd.URI] = bd
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DomainUpdated(KindBridgeDomain, bd.URI) })
}

// PutRoutingDomain adds or replaces a routing domain.
func (s *Store) PutRoutingDomain(rd *RoutingDomain) {
	s.mu.Lock()
	s.routings[rd.URI] = rd
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DomainUpdated(KindRoutingDomain, rd.URI) })
}

// PutSubnet adds or replaces a subnet.
func (s *Store) PutSubnet(sn *Subnet) {
	s.mu.Lock()
	s.subnets[sn.URI] = sn
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DomainUpdated(KindSubnet, sn.URI) })
}

// PutExternalNetwork adds or replaces an external network.
func (s *Store) PutExternalNetwork(en *ExternalNetwork) {
	s.mu.Lock()
	s.extNets[en.URI] = en
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DomainUpdated(KindExternalNetwork, en.URI) })
}

// DeleteDomain removes a flood, bridge, routing domain, subnet or
// external network.
func (s *Store) DeleteDomain(kind Kind, uri string) {
	s.mu.Lock()
	switch kind {
	case KindFloodDomain:
		delete(s.floodDomains, uri)
	case KindBridgeDomain:
		delete(s.bridges, uri)
	case KindRoutingDomain:
		delete(s.routings, uri)
	case KindSubnet:
		delete(s.subnets, uri)
	case KindExternalNetwork:
		delete(s.extNets, uri)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DomainUpdated(kind, uri) })
}

// PutContract adds or replaces a contract.
func (s *Store) PutContract(c *Contract) {
	s.mu.Lock()
	s.contracts[c.URI] = c
	s.mu.Unlock()
	s.notify(func(l Listener) { l.ContractUpdated(c.URI) })
}

// DeleteContract removes a contract.
func (s *Store) DeleteContract(uri string) {
	s.mu.Lock()
	delete(s.contracts, uri)
	s.mu.Unlock()
	s.notify(func(l Listener) { l.ContractUpdated(uri) })
}

// PutPlatformConfig replaces the platform configuration. A nil config
// clears it.
func (s *Store) PutPlatformConfig(pc *PlatformConfig) {
	s.mu.Lock()
	uri := ""
	if pc != nil {
		uri = pc.URI
	} else if s.platform != nil {
		uri = s.platform.URI
	}
	s.platform = pc
	s.mu.Unlock()
	s.notify(func(l Listener) { l.ConfigUpdated(uri) })
}

// Endpoint returns the endpoint with the given uuid.
func (s *Store) Endpoint(uuid string) (*Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[uuid]
	return ep, ok
}

// Endpoints returns all endpoint uuids in order.
func (s *Store) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.endpoints)
}

func (s *Store) EndpointsForGroup(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epByGroup.list(uri)
}

func (s *Store) EndpointsForInterface(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epByIface.list(name)
}

func (s *Store) EndpointsForNextHopInterface(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epByNextHop.list(name)
}

func (s *Store) EndpointsForIPMappingGroup(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epByIPMGroup.list(uri)
}

func (s *Store) Service(uuid string) (*AnycastService, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[uuid]
	return svc, ok
}

func (s *Store) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.services)
}

func (s *Store) ServicesForInterface(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svcByIface.list(name)
}

func (s *Store) ServicesForDomain(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svcByDomain.list(uri)
}

func (s *Store) Group(uri string) (*EndpointGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[uri]
	return g, ok
}

func (s *Store) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.groups)
}

func (s *Store) forwarding(g *EndpointGroup) GroupForwarding {
	fwd := GroupForwarding{
		VNID:          g.VNID,
		FloodDomain:   g.FloodDomain,
		BridgeDomain:  g.BridgeDomain,
		RoutingDomain: g.RoutingDomain,
	}
	if fwd.BridgeDomain == "" && fwd.FloodDomain != "" {
		if fd, ok := s.floodDomains[fwd.FloodDomain]; ok {
			fwd.BridgeDomain = fd.BridgeDomain
		}
	}
	if fwd.RoutingDomain == "" && fwd.BridgeDomain != "" {
		if bd, ok := s.bridges[fwd.BridgeDomain]; ok {
			fwd.RoutingDomain = bd.RoutingDomain
		}
	}
	return fwd
}

// GroupForwarding resolves the flood, bridge and routing domain of a group
// through the domain chain.
func (s *Store) GroupForwarding(uri string) (GroupForwarding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[uri]
	if !ok {
		return GroupForwarding{}, false
	}
	return s.forwarding(g), true
}

func (s *Store) GroupsForFloodDomain(fd string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, uri := range sortedKeys(s.groups) {
		if s.forwarding(s.groups[uri]).FloodDomain == fd {
			out = append(out, uri)
		}
	}
	return out
}

func (s *Store) GroupsForRoutingDomain(rd string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, uri := range sortedKeys(s.groups) {
		if s.forwarding(s.groups[uri]).RoutingDomain == rd {
			out = append(out, uri)
		}
	}
	return out
}

func (s *Store) FloodDomain(uri string) (*FloodDomain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fd, ok := s.floodDomains[uri]
	return fd, ok
}

func (s *Store) BridgeDomain(uri string) (*BridgeDomain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.bridges[uri]
	return bd, ok
}

func (s *Store) RoutingDomain(uri string) (*RoutingDomain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rd, ok := s.routings[uri]
	return rd, ok
}

func (s *Store) RoutingDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.routings)
}

func (s *Store) Subnet(uri string) (*Subnet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sn, ok := s.subnets[uri]
	return sn, ok
}

// SubnetsForGroup returns the known subnets of a group in group order.
func (s *Store) SubnetsForGroup(uri string) []*Subnet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[uri]
	if !ok {
		return nil
	}
	var out []*Subnet
	for _, sn := range g.Subnets {
		if subnet, ok := s.subnets[sn]; ok {
			out = append(out, subnet)
		}
	}
	return out
}

func (s *Store) ExternalNetwork(uri string) (*ExternalNetwork, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	en, ok := s.extNets[uri]
	return en, ok
}

func (s *Store) ExternalNetworks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.extNets)
}

func (s *Store) Contract(uri string) (*Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[uri]
	return c, ok
}

func (s *Store) Contracts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.contracts)
}

// ContractsForGroup returns the contracts a group provides or consumes.
func (s *Store) ContractsForGroup(uri string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := sets.New[string]()
	for curi, c := range s.contracts {
		for _, members := range [][]string{c.Providers, c.Consumers} {
			for _, m := range members {
				if m == uri {
					out.Insert(curi)
				}
			}
		}
	}
	return sets.List(out)
}

func (s *Store) PlatformConfig() (*PlatformConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.platform, s.platform != nil
}
