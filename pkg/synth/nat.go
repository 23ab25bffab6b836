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

// ipMappings writes the floating IP rules of the endpoint.
func (c *endpointCtx) ipMappings() {
	for _, m := range c.ep.IPMappings {
		if m.MappedIP == "" || m.Group == "" {
			continue
		}
		logger := c.logger.WithFields(log.Fields{"mapping": m.UUID})
		mapped, err := parseIP(m.MappedIP)
		if err != nil {
			logger.WithError(err).Warn("Invalid mapped IP")
			continue
		}
		var floating net.IP
		if m.FloatingIP != "" {
			if floating, err = parseIP(m.FloatingIP); err != nil {
				logger.WithError(err).Warn("Invalid floating IP")
				continue
			}
			if isV4(floating) != isV4(mapped) {
				logger.Warn("Floating and mapped IP families differ")
				continue
			}
		}
		ffwd, ok := c.in.groupForwarding(m.Group)
		if !ok {
			continue
		}
		nextHop := flow.PortNone
		if m.NextHopIf != "" {
			if nextHop = c.in.findPort(m.NextHopIf); nextHop == flow.PortNone {
				continue
			}
		}
		var nextHopMAC net.HardwareAddr
		if m.NextHopMAC != "" {
			if nextHopMAC, err = parseMAC(m.NextHopMAC); err != nil {
				logger.WithError(err).Warn("Invalid next hop MAC")
				continue
			}
		}
		c.ipMapping(m, mapped, floating, ffwd, nextHop, nextHopMAC)
	}
}

func (c *endpointCtx) ipMapping(m policy.IPMapping, mapped, floating net.IP, ffwd forwarding, nextHop uint32, nextHopMAC net.HardwareAddr) {
	routerMAC := c.in.routerMAC()
	f := c.fwd
	effNextHopMAC := nextHopMAC
	if effNextHopMAC == nil {
		effNextHopMAC = routerMAC
	}

	if floating != nil {
		// floating IP destination within the group: reverse DNAT
		r := flow.NewRule(flow.RouteTable, flow.PrioRouteFloatingDNAT)
		matchDestDom(r.Match.IPDst(floating).Reg(flow.RegSrcEPG, ffwd.vnid), 0, ffwd.rd)
		r.Actions.EthSrc(routerMAC).EthDst(c.mac).IPDst(mapped).DecTTL()
		actionRevNatDest(&r.Actions, f.vnid, f.bd, f.fgrp, f.rd, c.port)
		c.add(r)

		// across groups: apply policy toward the floating group, then
		// resubmit as that group
		r = flow.NewRule(flow.RouteTable, flow.PrioRouteFloatingResubmit)
		matchDestDom(r.Match.IPDst(floating), 0, ffwd.rd)
		r.Actions.Reg(flow.RegDstEPG, ffwd.vnid).
			Reg(flow.RegOutPort, ffwd.vnid).
			Metadata(flow.MetaOutResubmitDst, flow.MetaOutMask).
			GotoTable(flow.PolicyTable)
		c.add(r)

		c.add(c.in.proxyDiscovery(flow.BridgeTable, flow.PrioBridgeArpND, floating, c.mac, ffwd.vnid, ffwd.rd, ffwd.bd, false, nil)...)
	}

	r := flow.NewRule(flow.OutTable, flow.PrioOutAction)
	r.Match.Metadata(flow.MetaOutNat, flow.MetaOutMask).
		Reg(flow.RegRD, f.rd).
		Reg(flow.RegOutPort, ffwd.vnid).
		IPSrc(mapped)
	r.Actions.EthSrc(c.mac).EthDst(effNextHopMAC)
	if floating != nil {
		r.Actions.IPSrc(floating)
	}
	r.Actions.DecTTL()
	if nextHop == flow.PortNone {
		r.Actions.Reg(flow.RegSrcEPG, ffwd.vnid).
			Reg(flow.RegBD, ffwd.bd).
			Reg(flow.RegFD, ffwd.fgrp).
			Reg(flow.RegRD, ffwd.rd).
			Reg(flow.RegOutPort, 0).
			LoadMetadata(flow.MetaRouted).
			Resubmit(flow.BridgeTable)
	} else {
		r.Actions.PktMark(f.rd).Output(nextHop)
	}
	c.add(r)

	if nextHop == flow.PortNone {
		return
	}
	if floating != nil {
		// return traffic from the next hop for a DNAT'd floating address
		r := flow.NewRule(flow.SrcTable, flow.PrioSrcNextHopRevDNAT)
		r.Match.InPort(nextHop).EthSrc(effNextHopMAC).IPDst(floating)
		r.Actions.EthSrc(routerMAC).EthDst(c.mac).IPDst(mapped).DecTTL()
		actionRevNatDest(&r.Actions, f.vnid, f.bd, f.fgrp, f.rd, c.port)
		c.add(r)
	}
	// return traffic marked with the routing domain of the mapped address
	r = flow.NewRule(flow.SrcTable, flow.PrioSrcNextHopRevMark)
	r.Match.InPort(nextHop).EthSrc(effNextHopMAC).PktMark(f.rd).IPDst(mapped)
	if nextHopMAC != nil {
		r.Actions.EthSrc(routerMAC)
	}
	actionRevNatDest(&r.Actions, f.vnid, f.bd, f.fgrp, f.rd, c.port)
	c.add(r)
	log.WithFields(log.Fields{"endpoint": c.ep.UUID, "mapping": m.UUID, "nextHop": nextHop}).Debug("Mapped floating IP through next hop")
}
