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

	"github.com/google/gopacket/layers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	log "github.com/sirupsen/logrus"
)

// ServiceTables are the tables an anycast service owns rules in.
var ServiceTables = []flow.TableID{
	flow.SecTable,
	flow.BridgeTable,
	flow.ServiceRevTable,
	flow.ServiceDstTable,
}

func serviceProto(sm policy.ServiceMapping) layers.IPProtocol {
	switch sm.ServiceProto {
	case "":
		return 0
	case "udp":
		return layers.IPProtocolUDP
	}
	return layers.IPProtocolTCP
}

// Service synthesizes the rules of an anycast service.
func Service(in *Input, uuid string) FlowSet {
	fs := FlowSet{}
	fs.Clear(uuid, ServiceTables...)
	svc, ok := in.Registry.Service(uuid)
	if !ok || svc.DomainURI == "" {
		return fs
	}
	if _, ok := in.Graph.RoutingDomain(svc.DomainURI); !ok {
		return fs
	}
	logger := log.WithFields(log.Fields{"service": uuid})
	rd := in.IDs.GetID(idgen.NSRoutingDomain, svc.DomainURI)
	port := in.findPort(svc.InterfaceName)
	mode := svc.Mode
	if mode == "" {
		mode = policy.ServiceLocalAnycast
	}

	mac := in.routerMAC()
	if svc.ServiceMAC != "" {
		m, err := parseMAC(svc.ServiceMAC)
		if err != nil {
			logger.WithError(err).Warn("Invalid service MAC")
			return fs
		}
		mac = m
	}

	if mode == policy.ServiceLocalAnycast {
		for _, sm := range svc.Mappings {
			if sm.ServiceIP == "" {
				continue
			}
			addr, err := parseIP(sm.ServiceIP)
			if err != nil {
				logger.WithError(err).Warn("Invalid service IP")
				continue
			}
			fs.Add(uuid, in.anycastMapping(sm, addr, mac, rd, port, logger)...)
		}
	} else if port != flow.PortNone {
		// traffic from a load balancer interface already had service
		// policy applied; it skips policy but is forwarded normally
		r := flow.NewRule(flow.SecTable, flow.PrioSecServiceIface)
		r.Match.InPort(port)
		if svc.VLAN != 0 {
			r.Match.VlanVID(svc.VLAN)
			r.Actions.PopVlan()
		}
		r.Actions.Reg(flow.RegSrcEPG, uint32(svc.VLAN)).
			Reg(flow.RegRD, rd).
			Metadata(flow.MetaPolicyApplied|flow.MetaFromServiceIface, flow.MetaPolicyApplied|flow.MetaFromServiceIface).
			GotoTable(flow.BridgeTable)
		fs.Add(uuid, r)
	}

	fs.stamp(uuid, flow.CookieFor(flow.KindService, uuid))
	return fs
}

// anycastMapping intercepts traffic to one service address and delivers it
// to the local service interface.
func (in *Input) anycastMapping(sm policy.ServiceMapping, addr net.IP, mac net.HardwareAddr, rd, port uint32, logger *log.Entry) []*flow.Rule {
	var rules []*flow.Rule
	proto := serviceProto(sm)

	// intercepted in the bridge table so that it also works in flood
	// domains using MAC learning
	r := flow.NewRule(flow.BridgeTable, flow.PrioBridgeService)
	matchDestDom(&r.Match, 0, rd).IPDst(addr)
	if proto != 0 {
		r.Match.IPProto(proto)
		if sm.ServicePort != 0 {
			r.Match.TpDst(sm.ServicePort, 0xffff)
		}
	}
	if in.Config.Encap == EncapVLAN {
		r.Actions.PopVlan()
	}
	r.Actions.EthSrc(in.routerMAC())
	if port != flow.PortNone {
		r.Actions.EthDst(mac).DecTTL().Output(port)
	}
	rules = append(rules, r)

	if port == flow.PortNone {
		return rules
	}

	// traffic from the service interface skips normal processing
	r = flow.NewRule(flow.SecTable, flow.PrioSecService)
	r.Match.InPort(port).EthSrc(mac).IPSrc(addr)
	r.Actions.Reg(flow.RegRD, rd).GotoTable(flow.ServiceDstTable)
	rules = append(rules, r)
	if isV4(addr) {
		r := flow.NewRule(flow.SecTable, flow.PrioSecService)
		r.Match.InPort(port).EthSrc(mac).ArpSPA(addr, -1)
		r.Actions.Reg(flow.RegRD, rd).GotoTable(flow.ServiceDstTable)
		rules = append(rules, r)
	}

	rules = append(rules, in.proxyDiscovery(flow.BridgeTable, flow.PrioBridgeServiceArpND, addr, mac, 0, rd, 0, false, nil)...)

	if sm.GatewayIP != "" {
		gw, err := parseIP(sm.GatewayIP)
		if err != nil {
			logger.WithError(err).Warn("Invalid service gateway IP")
		} else {
			rules = append(rules, in.proxyDiscovery(flow.ServiceDstTable, flow.PrioServiceDstGateway, gw, in.routerMAC(), 0, rd, 0, true, mac)...)
		}
	}
	return rules
}
