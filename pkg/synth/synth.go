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

// Package synth computes the desired switch rules and groups for each
// policy scope. Every synthesizer is a pure function of its Input.
package synth

import (
	"net"
	"sort"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/pkg/errors"
)

// EncapType selects how traffic toward the uplink is encapsulated.
type EncapType string

const (
	EncapNone  EncapType = "none"
	EncapVLAN  EncapType = "vlan"
	EncapVXLAN EncapType = "vxlan"
)

// ParseEncapType validates an encapsulation name. An empty name means none.
func ParseEncapType(s string) (EncapType, error) {
	switch EncapType(s) {
	case "", EncapNone:
		return EncapNone, nil
	case EncapVLAN, EncapVXLAN:
		return EncapType(s), nil
	}
	return EncapNone, errors.Errorf("unsupported encapsulation type %q", s)
}

// FloodScope selects whether flood groups are per flood domain or per
// endpoint group.
type FloodScope string

const (
	FloodScopeFD  FloodScope = "fd"
	FloodScopeEPG FloodScope = "epg"
)

// Config is the switch level configuration shared by all synthesizers.
// It is copied before being handed to a synthesis pass.
type Config struct {
	Encap         EncapType
	EncapIface    string
	UplinkPeer    net.IP
	VirtualRouter bool
	RouterAdv     bool
	RouterMAC     net.HardwareAddr
	VirtualDHCP   bool
	DHCPMAC       net.HardwareAddr
	FloodScope    FloodScope
}

// DefaultRouterMAC and DefaultDHCPMAC are used when none is configured.
var (
	DefaultRouterMAC = net.HardwareAddr{0x00, 0x22, 0xbd, 0xf8, 0x19, 0xff}
	DefaultDHCPMAC   = net.HardwareAddr{0x00, 0x22, 0xbd, 0xf8, 0x19, 0xff}
)

// PortLookup resolves interface names to switch ports.
type PortLookup interface {
	FindPort(name string) uint32
}

// IDAllocator hands out per namespace identifiers.
type IDAllocator interface {
	GetID(ns, key string) uint32
}

// Input is everything a synthesizer may read.
type Input struct {
	Graph    policy.Graph
	Registry policy.Registry
	Ports    PortLookup
	IDs      IDAllocator
	Config   *Config
}

func (in *Input) findPort(name string) uint32 {
	if name == "" || in.Ports == nil {
		return flow.PortNone
	}
	return in.Ports.FindPort(name)
}

// TunnelPort returns the uplink port, or flow.PortNone.
func (in *Input) TunnelPort() uint32 {
	return in.findPort(in.Config.EncapIface)
}

func (in *Input) uplinkReady() bool {
	return in.Config.Encap != EncapNone && in.TunnelPort() != flow.PortNone
}

func (in *Input) routerMAC() net.HardwareAddr {
	if len(in.Config.RouterMAC) == 0 {
		return DefaultRouterMAC
	}
	return in.Config.RouterMAC
}

func (in *Input) dhcpMAC() net.HardwareAddr {
	if len(in.Config.DHCPMAC) == 0 {
		return DefaultDHCPMAC
	}
	return in.Config.DHCPMAC
}

// FlowSet maps an owning object to its desired rules per table. A table
// present with no rules clears whatever the owner had installed there.
type FlowSet map[string]map[flow.TableID][]*flow.Rule

func (fs FlowSet) tables(objID string) map[flow.TableID][]*flow.Rule {
	t, ok := fs[objID]
	if !ok {
		t = make(map[flow.TableID][]*flow.Rule)
		fs[objID] = t
	}
	return t
}

// Clear marks tables of objID as written, so that they are emptied unless
// rules are added.
func (fs FlowSet) Clear(objID string, tables ...flow.TableID) {
	t := fs.tables(objID)
	for _, id := range tables {
		if _, ok := t[id]; !ok {
			t[id] = nil
		}
	}
}

// Add appends rules owned by objID.
func (fs FlowSet) Add(objID string, rules ...*flow.Rule) {
	t := fs.tables(objID)
	for _, r := range rules {
		t[r.Table] = append(t[r.Table], r)
	}
}

// Merge appends every entry of o.
func (fs FlowSet) Merge(o FlowSet) {
	for objID, tables := range o {
		t := fs.tables(objID)
		for id, rules := range tables {
			t[id] = append(t[id], rules...)
		}
	}
}

// Owners returns the object ids in order.
func (fs FlowSet) Owners() []string {
	owners := make([]string, 0, len(fs))
	for o := range fs {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

// Rules returns the rules of objID in table t.
func (fs FlowSet) Rules(objID string, t flow.TableID) []*flow.Rule {
	return fs[objID][t]
}

// stamp sets cookie on every rule of objID that has none.
func (fs FlowSet) stamp(objID string, cookie uint64) {
	for _, rules := range fs[objID] {
		for _, r := range rules {
			if r.Cookie == 0 {
				r.Cookie = cookie
			}
		}
	}
}

// GroupSet maps an owning object to its desired groups. An owner with no
// groups deletes the groups it had.
type GroupSet map[string][]*flow.Group

// ScopeKind is the closed set of synthesizer variants.
type ScopeKind uint8

const (
	ScopeStatic ScopeKind = iota
	ScopeEndpoint
	ScopeService
	ScopeGroup
	ScopeBridgeDomain
	ScopeRoutingDomain
	ScopeFloodDomain
	ScopeSubnet
	ScopeContract
	ScopeFloodGroup
	ScopeMulticast
)

var scopeNames = map[ScopeKind]string{
	ScopeStatic:        "static",
	ScopeEndpoint:      "endpoint",
	ScopeService:       "service",
	ScopeGroup:         "group",
	ScopeBridgeDomain:  "bridgeDomain",
	ScopeRoutingDomain: "routingDomain",
	ScopeFloodDomain:   "floodDomain",
	ScopeSubnet:        "subnet",
	ScopeContract:      "contract",
	ScopeFloodGroup:    "floodGroup",
	ScopeMulticast:     "multicast",
}

func (k ScopeKind) String() string {
	if n, ok := scopeNames[k]; ok {
		return n
	}
	return "unknown"
}

// Scope is one synthesizer instance.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// Key is the task queue key of the scope.
func (s Scope) Key() string {
	return s.Kind.String() + ":" + s.ID
}

// Result is the output of one scope.
type Result struct {
	Flows  FlowSet
	Groups GroupSet
	// Multicast is the desired multicast group set. It is only set by the
	// multicast scope.
	Multicast MulticastGroups
}

// Synthesize runs the synthesizer selected by s.
func Synthesize(in *Input, s Scope) Result {
	switch s.Kind {
	case ScopeStatic:
		return Result{Flows: Static(in)}
	case ScopeEndpoint:
		return Result{Flows: Endpoint(in, s.ID)}
	case ScopeService:
		return Result{Flows: Service(in, s.ID)}
	case ScopeGroup:
		return Result{Flows: Group(in, s.ID)}
	case ScopeBridgeDomain:
		return Result{Flows: BridgeDomain(in, s.ID)}
	case ScopeRoutingDomain:
		return Result{Flows: RoutingDomain(in, s.ID)}
	case ScopeSubnet:
		return Result{Flows: Subnet(in, s.ID)}
	case ScopeContract:
		return Result{Flows: Contract(in, s.ID)}
	case ScopeFloodGroup:
		flows, groups := FloodGroup(in, s.ID)
		return Result{Flows: flows, Groups: groups}
	case ScopeMulticast:
		return Result{Multicast: Multicast(in)}
	}
	// flood domains own no rules; their removal only releases the id
	return Result{}
}
