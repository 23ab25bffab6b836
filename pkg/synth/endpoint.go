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
	"net"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	log "github.com/sirupsen/logrus"
)

// EndpointTables are the tables an endpoint owns rules in.
var EndpointTables = []flow.TableID{
	flow.SecTable,
	flow.SrcTable,
	flow.LearnTable,
	flow.BridgeTable,
	flow.RouteTable,
	flow.ServiceDstTable,
	flow.OutTable,
}

type endpointCtx struct {
	in     *Input
	fs     FlowSet
	ep     *policy.Endpoint
	logger *log.Entry
	mac    net.HardwareAddr
	ips    []net.IP
	port   uint32
	fwd    forwarding
	hasFwd bool
	modes  floodModes
}

func (c *endpointCtx) add(rules ...*flow.Rule) {
	c.fs.Add(c.ep.UUID, rules...)
}

func (c *endpointCtx) hasMAC() bool {
	return c.mac != nil
}

// Endpoint synthesizes the rules of a local endpoint. A removed endpoint
// yields empty tables.
func Endpoint(in *Input, uuid string) FlowSet {
	fs := FlowSet{}
	fs.Clear(uuid, EndpointTables...)
	ep, ok := in.Registry.Endpoint(uuid)
	if !ok {
		return fs
	}
	c := &endpointCtx{
		in:     in,
		fs:     fs,
		ep:     ep,
		logger: log.WithFields(log.Fields{"endpoint": uuid}),
		port:   in.findPort(ep.InterfaceName),
	}
	if ep.MAC != "" {
		mac, err := parseMAC(ep.MAC)
		if err != nil {
			c.logger.WithError(err).Warn("Invalid endpoint MAC")
		} else {
			c.mac = mac
		}
	}
	c.ips = parseIPs(c.logger, "endpoint IP", ep.IPs)
	if c.hasMAC() {
		if ll := linkLocalIP(c.mac); !containsIP(c.ips, ll) {
			c.ips = append(c.ips, ll)
		}
	}
	c.fwd, c.hasFwd = in.groupForwarding(ep.Group)
	if c.hasFwd {
		c.modes = in.floodModes(c.fwd.fdURI)
	} else {
		c.modes = in.floodModes("")
	}

	// virtual DHCP works without forwarding resolution
	c.dhcp()

	if c.hasFwd {
		c.portSecurity()
		c.virtualIPs()
		c.source()
		c.destination()
		c.hairpin()
	}
	fs.stamp(uuid, flow.CookieFor(flow.KindEndpoint, uuid))
	return fs
}

func (c *endpointCtx) portSecurity() {
	if c.port == flow.PortNone {
		return
	}
	if c.ep.Promiscuous {
		r := flow.NewRule(flow.SecTable, flow.PrioSecPromiscuous)
		r.Match.InPort(c.port)
		actionSecAllow(&r.Actions)
		c.add(r)
		return
	}
	if !c.hasMAC() {
		return
	}
	r := flow.NewRule(flow.SecTable, flow.PrioSecEpMac)
	r.Match.InPort(c.port).EthSrc(c.mac)
	actionSecAllow(&r.Actions)
	c.add(r)

	for _, ip := range c.ips {
		r := flow.NewRule(flow.SecTable, flow.PrioSecEpIP)
		r.Match.InPort(c.port).EthSrc(c.mac).IPSrc(ip)
		actionSecAllow(&r.Actions)
		c.add(r)

		r = flow.NewRule(flow.SecTable, flow.PrioSecEpArpND)
		r.Match.InPort(c.port).EthSrc(c.mac)
		if isV4(ip) {
			r.Match.ArpSPA(ip, -1)
		} else {
			r.Match.NDTarget(ndNeighborAdvert, ip, -1)
		}
		actionSecAllow(&r.Actions)
		c.add(r)
	}
}

func (c *endpointCtx) source() {
	if c.port == flow.PortNone {
		return
	}
	f := c.fwd
	if c.hasMAC() {
		r := flow.NewRule(flow.SrcTable, flow.PrioSrcEndpoint)
		r.Match.InPort(c.port).EthSrc(c.mac)
		actionSource(&r.Actions, f.vnid, f.bd, f.fgrp, f.rd, flow.ServiceRevTable, false, false)
		c.add(r)

		if c.modes.learning() {
			// prepopulate the learning table for known endpoints
			r := flow.NewRule(flow.LearnTable, flow.PrioLearnProactive).WithCookie(flow.CookieProactiveLearn)
			matchFd(&r.Match, f.fgrp, true, c.mac)
			r.Actions.Reg(flow.RegOutPort, c.port).Output(c.port).Controller()
			c.add(r)
		}
	}
	if c.ep.Promiscuous {
		r := flow.NewRule(flow.SrcTable, flow.PrioSrcPromiscuous)
		r.Match.InPort(c.port)
		actionSource(&r.Actions, f.vnid, f.bd, f.fgrp, f.rd, flow.ServiceRevTable, false, false)
		c.add(r)
	}
}

func (c *endpointCtx) destination() {
	in, f := c.in, c.fwd
	if f.bd != 0 && c.hasMAC() && c.port != flow.PortNone {
		r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeEpMac)
		r.Match.EthDst(c.mac).Reg(flow.RegBD, f.bd)
		r.Actions.Reg(flow.RegDstEPG, f.vnid).Reg(flow.RegOutPort, c.port).GotoTable(flow.PolicyTable)
		c.add(r)
	}
	if f.rd == 0 || f.bd == 0 || c.port == flow.PortNone {
		return
	}
	if in.Config.VirtualRouter && c.hasMAC() && f.routing {
		for _, ip := range c.ips {
			c.addressResolution(ip)
			if ip.IsLinkLocalUnicast() {
				continue
			}
			r := flow.NewRule(flow.RouteTable, flow.PrioRouteEndpoint)
			matchDestDom(&r.Match, 0, f.rd).EthDst(in.routerMAC()).IPDst(ip)
			r.Actions.Reg(flow.RegDstEPG, f.vnid).
				Reg(flow.RegOutPort, c.port).
				EthSrc(in.routerMAC()).
				EthDst(c.mac).
				DecTTL().
				Metadata(flow.MetaRouted, flow.MetaRouted).
				GotoTable(flow.PolicyTable)
			c.add(r)
		}
		c.ipMappings()
	}
	if c.hasMAC() {
		c.anycastReturn()
	}
}

// addressResolution answers or redirects ARP and neighbor discovery for
// one endpoint address.
func (c *endpointCtx) addressResolution(ip net.IP) {
	f := c.fwd
	if c.ep.DiscoveryProxy {
		c.add(c.in.proxyDiscovery(flow.BridgeTable, flow.PrioBridgeArpND, ip, c.mac, f.vnid, f.rd, f.bd, false, nil)...)
		return
	}
	mode := c.modes.nd
	if isV4(ip) {
		mode = c.modes.arp
	}
	if mode == policy.AddressResFlood {
		return
	}
	r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeArpND)
	if isV4(ip) {
		matchDestArp(&r.Match, ip, f.bd, f.rd)
	} else {
		matchDestNd(&r.Match, ip, f.bd, f.rd, ndNeighborSolicit)
	}
	if mode == policy.AddressResUnicast {
		actionDestEpArp(&r.Actions, f.vnid, c.port, c.mac)
	}
	c.add(r)
}

// anycastReturn delivers traffic coming back from service interfaces.
func (c *endpointCtx) anycastReturn() {
	ips := parseIPs(c.logger, "anycast return IP", c.ep.AnycastReturnIPs)
	if len(ips) == 0 {
		ips = c.ips
	}
	rd := c.fwd.rd
	for _, ip := range ips {
		r := flow.NewRule(flow.ServiceDstTable, flow.PrioServiceDst)
		matchDestDom(&r.Match, 0, rd).IPDst(ip)
		r.Actions.EthSrc(c.in.routerMAC()).EthDst(c.mac).DecTTL().Output(c.port)
		c.add(r)
		c.add(c.in.proxyDiscovery(flow.ServiceDstTable, flow.PrioServiceDstArpND, ip, c.mac, 0, rd, 0, false, nil)...)
	}
}

// hairpin lets routed traffic leave through the port it came in on.
func (c *endpointCtx) hairpin() {
	if c.port == flow.PortNone {
		return
	}
	for _, m := range []uint64{flow.MetaRouted, flow.MetaRouted | flow.MetaOutRevNat} {
		r := flow.NewRule(flow.OutTable, flow.PrioOutHairpin)
		r.Match.InPort(c.port).Metadata(m, flow.MetaRouted|flow.MetaOutMask).Reg(flow.RegOutPort, c.port)
		r.Actions.Output(flow.PortInPort)
		c.add(r)
	}
}
