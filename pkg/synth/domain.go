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
	log "github.com/sirupsen/logrus"
)

// RoutingDomainTables are the tables a routing domain owns rules in.
var RoutingDomainTables = []flow.TableID{
	flow.NatInTable,
	flow.RouteTable,
	flow.PolicyTable,
}

// RoutingDomain synthesizes subnet routes and external network NAT rules.
func RoutingDomain(in *Input, uri string) FlowSet {
	fs := FlowSet{}
	fs.Clear(uri, RoutingDomainTables...)
	rd, ok := in.Graph.RoutingDomain(uri)
	if !ok {
		log.WithFields(log.Fields{"routingDomain": uri}).Debug("Cleaning up routing domain")
		return fs
	}
	logger := log.WithFields(log.Fields{"routingDomain": uri})
	rdID := in.IDs.GetID(idgen.NSRoutingDomain, uri)
	uplink := in.uplinkReady()

	// internal subnets route to the uplink, below local endpoint routes
	for _, sn := range rd.InternalSubnets {
		ip, plen, err := parsePrefix(sn)
		if err != nil {
			logger.WithError(err).Error("Invalid internal subnet")
			continue
		}
		r := flow.NewRule(flow.RouteTable, flow.SubnetPriority(flow.PrioRouteIntSubnetBase, plen))
		r.Match.Reg(flow.RegRD, rdID).IPDstNet(ip, plen)
		if uplink {
			actionOutputToEPGTunnel(&r.Actions)
		}
		fs.Add(uri, r)
	}

	for _, netURI := range externalNetworks(in, uri, rd.ExternalNetworks) {
		en, ok := in.Graph.ExternalNetwork(netURI)
		if !ok {
			continue
		}
		netVNID := in.extNetVNID(netURI)
		var natVNID uint32
		if en.NatGroup != "" {
			if g, ok := in.Graph.Group(en.NatGroup); ok {
				natVNID = g.VNID
			}
		}
		for _, sn := range en.Subnets {
			ip, plen, err := parsePrefix(sn)
			if err != nil {
				logger.WithFields(log.Fields{"externalNetwork": netURI}).WithError(err).Warn("Invalid external subnet")
				continue
			}
			prio := flow.SubnetPriority(flow.PrioRouteExtNetBase, plen)
			r := flow.NewRule(flow.RouteTable, prio)
			r.Match.Reg(flow.RegRD, rdID).IPDstNet(ip, plen)
			switch {
			case en.NatGroup != "":
				// drop until the NAT group resolves
				if natVNID != 0 {
					r.Actions.Reg(flow.RegDstEPG, netVNID).
						Reg(flow.RegOutPort, natVNID).
						Metadata(flow.MetaOutNat, flow.MetaOutMask).
						GotoTable(flow.PolicyTable)
				}
			case uplink:
				actionOutputToEPGTunnel(&r.Actions)
			}
			fs.Add(uri, r)

			// traffic from the network becomes the external group, with
			// policy applied again on final delivery
			n := flow.NewRule(flow.NatInTable, flow.SubnetPriority(flow.PrioNatExtNetBase, plen))
			n.Match.Reg(flow.RegRD, rdID).IPSrcNet(ip, plen)
			n.Actions.Reg(flow.RegSrcEPG, netVNID).
				Metadata(flow.MetaOutRevNat, flow.MetaOutMask|flow.MetaPolicyApplied).
				GotoTable(flow.PolicyTable)
			fs.Add(uri, n)
		}
	}

	// per domain drop entry, counted for tenant drop statistics
	r := flow.NewRule(flow.PolicyTable, flow.PrioPolicyRDDrop)
	r.Match.Reg(flow.RegRD, rdID)
	fs.Add(uri, r)

	fs.stamp(uri, flow.CookieFor(flow.KindRoutingDomain, uri))
	return fs
}

// externalNetworks lists the networks named by the domain together with
// those that name the domain themselves.
func externalNetworks(in *Input, rdURI string, named []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(uri string) {
		if !seen[uri] {
			seen[uri] = true
			out = append(out, uri)
		}
	}
	for _, uri := range named {
		add(uri)
	}
	for _, uri := range in.Graph.ExternalNetworks() {
		if en, ok := in.Graph.ExternalNetwork(uri); ok && en.RoutingDomain == rdURI {
			add(uri)
		}
	}
	sort.Strings(out)
	return out
}

// BridgeDomain clears the routing rules of a removed bridge domain. While
// it exists its rules are written by the groups in it.
func BridgeDomain(in *Input, uri string) FlowSet {
	fs := FlowSet{}
	if _, ok := in.Graph.BridgeDomain(uri); !ok {
		log.WithFields(log.Fields{"bridgeDomain": uri}).Debug("Cleaning up bridge domain")
		fs.Clear(uri, flow.BridgeTable)
	}
	return fs
}

// Subnet clears the router replies of a removed subnet.
func Subnet(in *Input, uri string) FlowSet {
	fs := FlowSet{}
	if _, ok := in.Graph.Subnet(uri); !ok {
		log.WithFields(log.Fields{"subnet": uri}).Debug("Cleaning up subnet")
		fs.Clear(uri, flow.BridgeTable)
	}
	return fs
}
