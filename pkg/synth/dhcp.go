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
)

const (
	dhcpv4ClientPort uint16 = 68
	dhcpv4ServerPort uint16 = 67
	dhcpv6ClientPort uint16 = 546
	dhcpv6ServerPort uint16 = 547
)

// matchDHCPRequest matches client to server DHCP traffic.
func matchDHCPRequest(m *flow.Match, v4 bool) *flow.Match {
	if v4 {
		return m.EthType(layers.EthernetTypeIPv4).
			IPProto(layers.IPProtocolUDP).
			TpSrc(dhcpv4ClientPort, 0xffff).
			TpDst(dhcpv4ServerPort, 0xffff)
	}
	return m.EthType(layers.EthernetTypeIPv6).
		IPProto(layers.IPProtocolUDP).
		TpSrc(dhcpv6ClientPort, 0xffff).
		TpDst(dhcpv6ServerPort, 0xffff)
}

func (c *endpointCtx) virtualDHCP(mac net.HardwareAddr, v4 bool) {
	cookie := flow.CookieDHCPv6
	if v4 {
		cookie = flow.CookieDHCPv4
	}
	r := flow.NewRule(flow.SecTable, flow.PrioSecVirtualDHCP).WithCookie(cookie)
	matchDHCPRequest(r.Match.InPort(c.port).EthSrc(mac), v4)
	actionController(&r.Actions, 0, 0)
	c.add(r)
}

// dhcp redirects DHCP requests of the endpoint to the controller, which
// answers as the virtual server, and answers address resolution for the
// virtual server address.
func (c *endpointCtx) dhcp() {
	in := c.in
	if c.port == flow.PortNone || !in.Config.VirtualDHCP || !c.hasMAC() {
		return
	}
	v4c, v6c := c.ep.DHCPv4, c.ep.DHCPv6
	f := c.fwd
	if v4c != nil {
		c.virtualDHCP(c.mac, true)
		if c.hasFwd {
			server := linkLocalDHCP
			if v4c.ServerIP != "" {
				ip, err := parseIP(v4c.ServerIP)
				if err != nil || !isV4(ip) {
					c.logger.WithField("server", v4c.ServerIP).Warn("Invalid DHCP server IP")
				} else {
					server = ip
				}
			}
			c.add(proxyDiscovery(flow.BridgeTable, flow.PrioBridgeDHCPDiscovery, server, in.dhcpMAC(),
				f.vnid, f.rd, f.bd, proxyOpts{tunPort: flow.PortNone, encap: EncapNone})...)
		}
	}
	if v6c != nil {
		c.virtualDHCP(c.mac, false)
		if c.hasFwd {
			c.add(proxyDiscovery(flow.BridgeTable, flow.PrioBridgeDHCPDiscovery, linkLocalIP(in.dhcpMAC()), in.dhcpMAC(),
				f.vnid, f.rd, f.bd, proxyOpts{tunPort: flow.PortNone, encap: EncapNone})...)
		}
	}
	for _, vip := range c.ep.VirtualIPs {
		vmac, err := parseMAC(vip.MAC)
		if err != nil || vmac.String() == c.mac.String() {
			continue
		}
		ip, _, err := parsePrefix(vip.IP)
		if err != nil {
			continue
		}
		if v4c != nil && isV4(ip) {
			c.virtualDHCP(vmac, true)
		} else if v6c != nil && !isV4(ip) {
			c.virtualDHCP(vmac, false)
		}
	}
}
