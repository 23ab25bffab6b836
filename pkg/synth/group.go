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
	"encoding/binary"
	"net"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	log "github.com/sirupsen/logrus"
)

// GroupTables are the tables an endpoint group owns rules in.
var GroupTables = []flow.TableID{
	flow.SrcTable,
	flow.PolicyTable,
	flow.BridgeTable,
	flow.OutTable,
}

// groupTunnelDst returns the tunnel destination for flooding the group: its
// multicast address when valid, the uplink peer otherwise. Only vxlan
// carries a destination.
func (in *Input) groupTunnelDst(epg string) net.IP {
	if in.Config.Encap != EncapVXLAN {
		return nil
	}
	if g, ok := in.Graph.Group(epg); ok && g.MulticastIP != "" {
		ip, err := parseIP(g.MulticastIP)
		if err == nil && isV4(ip) && ip.IsMulticast() {
			return ip
		}
		log.WithFields(log.Fields{"group": epg, "ip": g.MulticastIP}).
			Warn("Ignoring invalid or unsupported group multicast IP")
	}
	return in.uplinkPeer()
}

func (in *Input) uplinkPeer() net.IP {
	if in.Config.UplinkPeer == nil {
		return nil
	}
	if v4 := in.Config.UplinkPeer.To4(); v4 != nil {
		return v4
	}
	return in.Config.UplinkPeer
}

func ipv4Uint(ip net.IP) uint32 {
	if v4 := ip.To4(); v4 != nil {
		return binary.BigEndian.Uint32(v4)
	}
	return 0
}

// Group synthesizes the rules of an endpoint group, together with the
// routing rules of its bridge domain and the router replies of its subnets.
func Group(in *Input, uri string) FlowSet {
	fs := FlowSet{}
	fs.Clear(uri, GroupTables...)
	g, ok := in.Graph.Group(uri)
	if !ok {
		return fs
	}
	fwd, ok := in.groupForwarding(uri)
	if !ok {
		log.WithFields(log.Fields{"group": uri}).Debug("Group forwarding not resolved")
		return fs
	}
	modes := in.floodModes(fwd.fdURI)
	tunPort := in.TunnelPort()
	encap := in.Config.Encap

	if in.uplinkReady() {
		next := flow.ServiceRevTable
		if modes.learning() {
			next = flow.LearnTable
		}
		r := flow.NewRule(flow.SrcTable, flow.PrioSrcUplink)
		r.Match.InPort(tunPort)
		if encap == EncapVLAN {
			r.Match.VlanVID(uint16(fwd.vnid))
		} else {
			r.Match.TunID(uint64(fwd.vnid))
		}
		actionSource(&r.Actions, fwd.vnid, fwd.bd, fwd.fgrp, fwd.rd, next, encap == EncapVLAN, true)
		fs.Add(uri, r)
	}

	fs.Add(uri, intraGroupRule(g, fwd.vnid))

	if in.Config.VirtualRouter && fwd.rd != 0 && fwd.bd != 0 {
		fs.Merge(groupSubnets(in, uri, fwd))
		fs.Merge(bridgeRouting(in, fwd))
	}

	tunDst := in.groupTunnelDst(uri)
	if fwd.fgrp != 0 {
		r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeFlood)
		matchFd(&r.Match, fwd.fgrp, true, nil).Reg(flow.RegSrcEPG, fwd.vnid)
		if modes.bcast == policy.BcastIsolated {
			// only flood what already had policy applied upstream
			r.Match.Metadata(flow.MetaPolicyApplied, flow.MetaPolicyApplied)
		}
		if encap == EncapVXLAN {
			r.Actions.Reg(flow.RegOutPort, ipv4Uint(tunDst))
		}
		r.Actions.Metadata(flow.MetaOutFlood, flow.MetaOutMask).GotoTable(flow.OutTable)
		fs.Add(uri, r)
	}

	// resubmit to the bridge table as the destination group
	r := flow.NewRule(flow.OutTable, flow.PrioOutAction)
	r.Match.Reg(flow.RegOutPort, fwd.vnid).Metadata(flow.MetaOutResubmitDst, flow.MetaOutMask)
	r.Actions.Reg(flow.RegSrcEPG, fwd.vnid).
		Reg(flow.RegBD, fwd.bd).
		Reg(flow.RegFD, fwd.fgrp).
		Reg(flow.RegRD, fwd.rd).
		Reg(flow.RegOutPort, 0).
		LoadMetadata(flow.MetaRouted).
		Resubmit(flow.BridgeTable)
	fs.Add(uri, r)

	if in.uplinkReady() {
		r := flow.NewRule(flow.OutTable, flow.PrioOutAction)
		r.Match.Reg(flow.RegSrcEPG, fwd.vnid).Metadata(flow.MetaOutTunnel, flow.MetaOutMask)
		actionTunnel(&r.Actions, encap, tunDst)
		r.Actions.Output(tunPort)
		fs.Add(uri, r)

		if encap != EncapVLAN {
			// traffic for the router goes to the unicast peer
			r := flow.NewRule(flow.OutTable, flow.PrioOutRouterTunnel)
			r.Match.Reg(flow.RegSrcEPG, fwd.vnid).
				EthDst(in.routerMAC()).
				Metadata(flow.MetaOutTunnel, flow.MetaOutMask)
			actionTunnel(&r.Actions, encap, in.uplinkPeer())
			r.Actions.Output(tunPort)
			fs.Add(uri, r)
		}
	}

	fs.stamp(uri, flow.CookieFor(flow.KindGroup, uri))
	return fs
}

func intraGroupRule(g *policy.EndpointGroup, vnid uint32) *flow.Rule {
	prio := flow.PrioIntraGroupAllow
	if g.IntraPolicy == policy.IntraDeny {
		prio = flow.PrioIntraGroupDeny
	}
	r := flow.NewRule(flow.PolicyTable, prio)
	r.Match.Reg(flow.RegSrcEPG, vnid).Reg(flow.RegDstEPG, vnid)
	switch g.IntraPolicy {
	case policy.IntraDeny:
	case policy.IntraRequireContract:
		// allowed only when policy was applied on the uplink
		r.Match.Metadata(flow.MetaPolicyApplied, flow.MetaPolicyApplied)
		r.Actions.GotoTable(flow.OutTable)
	default:
		r.Actions.GotoTable(flow.OutTable)
	}
	return r
}

// groupSubnets answers ARP and ND for the virtual router address of each
// subnet of the group, for local endpoints only.
func groupSubnets(in *Input, uri string, fwd forwarding) FlowSet {
	fs := FlowSet{}
	tunPort := in.TunnelPort()
	for _, sn := range in.Graph.SubnetsForGroup(uri) {
		fs.Clear(sn.URI, flow.BridgeTable)
		if sn.VirtualRouterIP == "" {
			fs.stamp(sn.URI, flow.CookieFor(flow.KindSubnet, sn.URI))
			continue
		}
		routerIP, err := parseIP(sn.VirtualRouterIP)
		if err != nil {
			log.WithFields(log.Fields{"subnet": sn.URI}).WithError(err).Warn("Invalid virtual router IP")
			continue
		}
		if isV4(routerIP) {
			if tunPort != flow.PortNone {
				r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeRouterTunnelArp)
				matchDestArp(r.Match.InPort(tunPort), routerIP, fwd.bd, fwd.rd)
				fs.Add(sn.URI, r)
			}
			r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeRouterReply)
			matchDestArp(&r.Match, routerIP, fwd.bd, fwd.rd)
			actionArpReply(&r.Actions, in.routerMAC(), routerIP, EncapNone)
			fs.Add(sn.URI, r)
		} else {
			ll := linkLocalIP(in.routerMAC())
			if tunPort != flow.PortNone {
				r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeRouterTunnelArp).WithCookie(flow.CookieNeighDisc)
				matchDestNd(r.Match.InPort(tunPort), ll, fwd.bd, fwd.rd, ndNeighborSolicit)
				fs.Add(sn.URI, r)
			}
			r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeRouterReply).WithCookie(flow.CookieNeighDisc)
			matchDestNd(&r.Match, ll, fwd.bd, fwd.rd, ndNeighborSolicit)
			r.Actions.Controller()
			fs.Add(sn.URI, r)
		}
		fs.stamp(sn.URI, flow.CookieFor(flow.KindSubnet, sn.URI))
	}
	return fs
}

// bridgeRouting sends bridge misses of the bridge domain to the routing
// table, and traps router solicitations when advertisements are on.
func bridgeRouting(in *Input, fwd forwarding) FlowSet {
	fs := FlowSet{}
	fs.Clear(fwd.bdURI, flow.BridgeTable)
	if fwd.routing {
		r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeRouting)
		r.Match.Reg(flow.RegBD, fwd.bd)
		r.Actions.GotoTable(flow.RouteTable)
		fs.Add(fwd.bdURI, r)

		if in.Config.RouterAdv {
			r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeRouterSolicit).WithCookie(flow.CookieNeighDisc)
			matchDestNd(&r.Match, nil, fwd.bd, fwd.rd, ndRouterSolicit)
			r.Actions.Controller()
			fs.Add(fwd.bdURI, r)
		}
	}
	fs.stamp(fwd.bdURI, flow.CookieFor(flow.KindBridgeDomain, fwd.bdURI))
	return fs
}
