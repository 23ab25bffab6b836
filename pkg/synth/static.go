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
	"github.com/google/gopacket/layers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	log "github.com/sirupsen/logrus"
)

// StaticID owns the rules that do not depend on any policy object.
const StaticID = "static"

// StaticTables are the tables holding static rules.
var StaticTables = []flow.TableID{
	flow.SecTable,
	flow.ServiceRevTable,
	flow.PolicyTable,
	flow.BridgeTable,
	flow.RouteTable,
	flow.OutTable,
}

var revNatICMPErrors = []uint8{
	uint8(layers.ICMPv4TypeDestinationUnreachable),
	uint8(layers.ICMPv4TypeTimeExceeded),
	uint8(layers.ICMPv4TypeParameterProblem),
}

// Static synthesizes the default rules of the pipeline.
func Static(in *Input) FlowSet {
	log.Debug("Writing static flows")
	fs := FlowSet{}
	fs.Clear(StaticID, StaticTables...)
	add := func(r *flow.Rule) { fs.Add(StaticID, r) }

	// drop whatever port security did not allow
	for _, t := range []layers.EthernetType{layers.EthernetTypeARP, layers.EthernetTypeIPv4, layers.EthernetTypeIPv6} {
		r := flow.NewRule(flow.SecTable, flow.PrioSecStaticDrop)
		r.Match.EthType(t)
		add(r)
	}
	// DHCP and router solicitation requests but not replies
	for _, v4 := range []bool{true, false} {
		r := flow.NewRule(flow.SecTable, flow.PrioSecStaticAllow)
		matchDHCPRequest(&r.Match, v4)
		actionSecAllow(&r.Actions)
		add(r)
	}
	r := flow.NewRule(flow.SecTable, flow.PrioSecStaticAllow)
	r.Match.ICMP(true, ndRouterSolicit, 0)
	actionSecAllow(&r.Actions)
	add(r)

	uplink := in.uplinkReady()
	if uplink {
		r := flow.NewRule(flow.SecTable, flow.PrioSecUplink)
		r.Match.InPort(in.TunnelPort())
		actionSecAllow(&r.Actions)
		add(r)
	}

	r = flow.NewRule(flow.ServiceRevTable, flow.PrioServiceRevDefault)
	r.Actions.GotoTable(flow.BridgeTable)
	add(r)

	r = flow.NewRule(flow.PolicyTable, flow.PrioPolicyFromService)
	r.Match.Metadata(flow.MetaFromServiceIface, flow.MetaFromServiceIface)
	r.Actions.GotoTable(flow.OutTable)
	add(r)

	// uplink traffic not allowed by a group rule is dropped
	r = flow.NewRule(flow.PolicyTable, flow.PrioPolicyApplied)
	r.Match.Metadata(flow.MetaPolicyApplied, flow.MetaPolicyApplied)
	add(r)

	r = flow.NewRule(flow.PolicyTable, flow.PrioPolicyDiscovery)
	r.Match.EthType(layers.EthernetTypeARP)
	r.Actions.GotoTable(flow.OutTable)
	add(r)
	for _, t := range []uint8{ndNeighborSolicit, ndNeighborAdvert} {
		r := flow.NewRule(flow.PolicyTable, flow.PrioPolicyDiscovery)
		r.Match.ICMP(true, t, 0)
		r.Actions.GotoTable(flow.OutTable)
		add(r)
	}

	// unknown destinations go to the uplink, bypassing policy
	if uplink {
		r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeUnknownTunnel)
		actionOutputToEPGTunnel(&r.Actions)
		add(r)
		if in.Config.VirtualRouter {
			r := flow.NewRule(flow.RouteTable, flow.PrioRouteUnknownTunnel)
			actionOutputToEPGTunnel(&r.Actions)
			add(r)
		}
	}

	r = flow.NewRule(flow.OutTable, flow.PrioOutDefault)
	r.Match.Metadata(0, flow.MetaOutMask)
	r.Actions.OutputReg(flow.RegOutPort)
	add(r)

	r = flow.NewRule(flow.OutTable, flow.PrioOutDefault)
	r.Match.Metadata(flow.MetaOutRevNat, flow.MetaOutMask)
	r.Actions.OutputReg(flow.RegOutPort)
	add(r)

	for _, t := range revNatICMPErrors {
		r := flow.NewRule(flow.OutTable, flow.PrioOutAction).WithCookie(flow.CookieICMPErrorV4)
		r.Match.Metadata(flow.MetaOutRevNat, flow.MetaOutMask).ICMPType(false, t)
		r.Actions.Controller()
		add(r)
	}
	return fs
}
