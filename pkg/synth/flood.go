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

package synth

import (
	"sort"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	log "github.com/sirupsen/logrus"
)

// FloodGroupTables are the tables a flood group owns rules in.
var FloodGroupTables = []flow.TableID{
	flow.OutTable,
	flow.BridgeTable,
	flow.LearnTable,
}

// FloodGroupOwner returns the owner id of the rules and groups of a flood
// group.
func FloodGroupOwner(fgrpURI string) string {
	return "fd:" + fgrpURI
}

// FloodGroupOf returns the flood group the endpoint group epg floods in,
// or "" when it has no flood domain.
func FloodGroupOf(g policy.Graph, scope FloodScope, epg string) string {
	gf, ok := g.GroupForwarding(epg)
	if !ok || gf.FloodDomain == "" {
		return ""
	}
	if scope == FloodScopeEPG {
		return epg
	}
	return gf.FloodDomain
}

// floodMember is a local port in a flood group.
type floodMember struct {
	port        uint32
	promiscuous bool
}

// floodMembers returns the local ports of the flood group ordered by port.
func floodMembers(in *Input, fgrpURI string) []floodMember {
	var groups []string
	if in.Config.FloodScope == FloodScopeEPG {
		groups = []string{fgrpURI}
	} else {
		groups = in.Graph.GroupsForFloodDomain(fgrpURI)
	}
	ports := make(map[uint32]bool)
	for _, epg := range groups {
		fwd, ok := in.groupForwarding(epg)
		if !ok || fwd.fgrpURI != fgrpURI {
			continue
		}
		for _, uuid := range in.Registry.EndpointsForGroup(epg) {
			ep, ok := in.Registry.Endpoint(uuid)
			if !ok {
				continue
			}
			port := in.findPort(ep.InterfaceName)
			if port == flow.PortNone {
				continue
			}
			ports[port] = ports[port] || ep.Promiscuous
		}
	}
	members := make([]floodMember, 0, len(ports))
	for port, prom := range ports {
		members = append(members, floodMember{port: port, promiscuous: prom})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].port < members[j].port })
	return members
}

// floodGroupModes returns the flood domain modes governing a flood group.
func (in *Input) floodGroupModes(fgrpURI string) floodModes {
	if in.Config.FloodScope != FloodScopeEPG {
		return in.floodModes(fgrpURI)
	}
	if fwd, ok := in.groupForwarding(fgrpURI); ok {
		return in.floodModes(fwd.fdURI)
	}
	return in.floodModes("")
}

func (in *Input) floodBuckets(g *flow.Group, members []floodMember, onlyPromiscuous bool) {
	for _, m := range members {
		if onlyPromiscuous && !m.promiscuous {
			continue
		}
		g.AddBucket(m.port).Output(m.port)
	}
	if in.uplinkReady() {
		tunPort := in.TunnelPort()
		a := g.AddBucket(tunPort)
		actionTunnel(a, in.Config.Encap, nil)
		a.Output(tunPort)
	}
}

// FloodGroup synthesizes the primary and promiscuous groups of a flood
// group with the rules sending flooded traffic to them. A flood group with
// no local member has neither.
func FloodGroup(in *Input, fgrpURI string) (FlowSet, GroupSet) {
	owner := FloodGroupOwner(fgrpURI)
	fs := FlowSet{}
	fs.Clear(owner, FloodGroupTables...)
	gs := GroupSet{owner: nil}

	members := floodMembers(in, fgrpURI)
	if len(members) == 0 {
		log.WithFields(log.Fields{"floodGroup": fgrpURI}).Debug("Flood group has no local members")
		return fs, gs
	}
	fgrp := in.IDs.GetID(idgen.NSFloodDomain, fgrpURI)

	primary := flow.NewGroup(fgrp)
	in.floodBuckets(primary, members, false)
	prom := flow.NewGroup(flow.PromiscuousID(fgrp))
	in.floodBuckets(prom, members, true)
	gs[owner] = []*flow.Group{primary, prom}

	r := flow.NewRule(flow.OutTable, flow.PrioOutAction)
	r.Match.Reg(flow.RegFD, fgrp).Metadata(flow.MetaOutFlood, flow.MetaOutMask)
	r.Actions.Group(fgrp)
	fs.Add(owner, r)

	if in.floodGroupModes(fgrpURI).learning() {
		r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeUnknownLearn)
		matchFd(&r.Match, fgrp, false, nil)
		r.Actions.GotoTable(flow.LearnTable)
		fs.Add(owner, r)

		// unknown destinations go to the controller for reactive learning
		r = flow.NewRule(flow.LearnTable, flow.PrioLearnUnknown).WithCookie(flow.CookieProactiveLearn)
		matchFd(&r.Match, fgrp, false, nil)
		r.Actions.Controller()
		fs.Add(owner, r)
	}
	fs.stamp(owner, flow.CookieFor(flow.KindFloodGroup, fgrpURI))
	return fs, gs
}
