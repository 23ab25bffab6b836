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
	log "github.com/sirupsen/logrus"
)

// virtualIPs allows the addresses an endpoint may claim with another MAC.
// Claims inside a virtual prefix are sent to the controller, except for the
// endpoint's own addresses which are handled normally.
func (c *endpointCtx) virtualIPs() {
	if c.port == flow.PortNone {
		return
	}
	for _, vip := range c.ep.VirtualIPs {
		logger := c.logger.WithFields(log.Fields{"vip": vip.IP, "mac": vip.MAC})
		ip, prefix, err := parsePrefix(vip.IP)
		if err != nil {
			logger.WithError(err).Warn("Invalid endpoint virtual IP")
			continue
		}
		vmac, err := parseMAC(vip.MAC)
		if err != nil {
			logger.WithError(err).Warn("Invalid endpoint virtual IP MAC")
			continue
		}
		cidr := &net.IPNet{IP: ip, Mask: net.CIDRMask(prefix, len(ip)*8)}

		for _, addr := range c.ips {
			if !cidr.Contains(addr) {
				continue
			}
			r := flow.NewRule(flow.SecTable, flow.PrioSecActiveVirtualIP)
			r.Match.InPort(c.port).EthSrc(vmac)
			if isV4(addr) {
				r.Match.ArpSPA(addr, -1)
			} else {
				r.Match.NDTarget(ndNeighborAdvert, addr, -1)
			}
			actionSecAllow(&r.Actions)
			c.add(r)
		}

		r := flow.NewRule(flow.SecTable, flow.PrioSecVirtualIP)
		r.Match.InPort(c.port).EthSrc(vmac)
		if isV4(ip) {
			r.Cookie = flow.CookieVirtualIPv4
			r.Match.ArpSPA(ip, prefix)
		} else {
			r.Cookie = flow.CookieVirtualIPv6
			r.Match.NDTarget(ndNeighborAdvert, ip, prefix)
		}
		r.Actions.Controller().GotoTable(flow.SrcTable)
		c.add(r)
	}
}
