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
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	arpRequest uint16 = 1

	ndRouterSolicit   = uint8(layers.ICMPv6TypeRouterSolicitation)
	ndNeighborSolicit = uint8(layers.ICMPv6TypeNeighborSolicitation)
	ndNeighborAdvert  = uint8(layers.ICMPv6TypeNeighborAdvertisement)

	// partial field moves used for VLAN encapsulation
	fieldReg0VID = "NXM_NX_REG0[0..11]"
	fieldVlanVID = "OXM_OF_VLAN_VID[0..11]"
)

var (
	macBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	macMulticast = net.HardwareAddr{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}

	linkLocalDHCP = net.IPv4(169, 254, 32, 32).To4()
)

// forwarding is the resolved forwarding context of an endpoint group.
type forwarding struct {
	vnid    uint32
	rdURI   string
	rd      uint32
	bdURI   string
	bd      uint32
	fdURI   string
	fgrpURI string
	fgrp    uint32
	routing bool
}

// groupForwarding resolves the ids of a group. It fails when the group has
// no vnid yet or is in no domain at all.
func (in *Input) groupForwarding(epg string) (forwarding, bool) {
	if epg == "" {
		return forwarding{}, false
	}
	gf, ok := in.Graph.GroupForwarding(epg)
	if !ok || gf.VNID == 0 {
		return forwarding{}, false
	}
	if gf.RoutingDomain == "" && gf.BridgeDomain == "" && gf.FloodDomain == "" {
		return forwarding{}, false
	}
	fwd := forwarding{vnid: gf.VNID, routing: true}
	if gf.BridgeDomain != "" {
		fwd.bdURI = gf.BridgeDomain
		fwd.bd = in.IDs.GetID(idgen.NSBridgeDomain, gf.BridgeDomain)
		if bd, ok := in.Graph.BridgeDomain(gf.BridgeDomain); ok && bd.RoutingDisabled {
			fwd.routing = false
		}
	}
	if gf.FloodDomain != "" {
		fwd.fdURI = gf.FloodDomain
		fwd.fgrpURI = gf.FloodDomain
		if in.Config.FloodScope == FloodScopeEPG {
			fwd.fgrpURI = epg
		}
		fwd.fgrp = in.IDs.GetID(idgen.NSFloodDomain, fwd.fgrpURI)
	}
	if gf.RoutingDomain != "" {
		fwd.rdURI = gf.RoutingDomain
		fwd.rd = in.IDs.GetID(idgen.NSRoutingDomain, gf.RoutingDomain)
	}
	return fwd, true
}

// extNetVNID returns the vnid of an external network.
func (in *Input) extNetVNID(uri string) uint32 {
	return in.IDs.GetID(idgen.NSExternalNetwork, uri) | 1<<31
}

type floodModes struct {
	arp     policy.AddressResMode
	nd      policy.AddressResMode
	unknown policy.UnknownFloodMode
	bcast   policy.BcastFloodMode
}

func (in *Input) floodModes(fdURI string) floodModes {
	m := floodModes{
		arp:     policy.AddressResUnicast,
		nd:      policy.AddressResUnicast,
		unknown: policy.UnknownDrop,
		bcast:   policy.BcastNormal,
	}
	if fdURI == "" {
		return m
	}
	fd, ok := in.Graph.FloodDomain(fdURI)
	if !ok {
		return m
	}
	if fd.ArpMode != "" {
		m.arp = fd.ArpMode
	}
	if fd.NDMode != "" {
		m.nd = fd.NDMode
	}
	if fd.UnknownFlood != "" {
		m.unknown = fd.UnknownFlood
	}
	if fd.BcastFlood != "" {
		m.bcast = fd.BcastFlood
	}
	return m
}

// learning reports whether unknown unicast is flooded through the learning
// table.
func (m floodModes) learning() bool {
	return m.bcast == policy.BcastNormal && m.unknown == policy.UnknownFlood
}

func parseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, errors.Errorf("not an ethernet address: %s", s)
	}
	return mac, nil
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil, errors.Errorf("invalid IP address %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	return ip, nil
}

// parseIPs parses addresses, logging and skipping the invalid ones.
func parseIPs(logger *log.Entry, what string, addrs []string) []net.IP {
	ips := make([]net.IP, 0, len(addrs))
	for _, s := range addrs {
		ip, err := parseIP(s)
		if err != nil {
			logger.WithError(err).Warnf("Invalid %s", what)
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}

// parsePrefix accepts a CIDR or a plain address.
func parsePrefix(s string) (net.IP, int, error) {
	if !strings.Contains(s, "/") {
		ip, err := parseIP(s)
		if err != nil {
			return nil, 0, err
		}
		return ip, len(ip) * 8, nil
	}
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "invalid prefix %q", s)
	}
	ones, _ := ipnet.Mask.Size()
	if v4 := ip.To4(); v4 != nil {
		return ipnet.IP.To4(), ones, nil
	}
	return ipnet.IP, ones, nil
}

func containsIP(ips []net.IP, ip net.IP) bool {
	for _, i := range ips {
		if i.Equal(ip) {
			return true
		}
	}
	return false
}

// linkLocalIP builds the EUI-64 link local address of mac.
func linkLocalIP(mac net.HardwareAddr) net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0], ip[1] = 0xfe, 0x80
	ip[8] = mac[0] ^ 0x02
	ip[9], ip[10] = mac[1], mac[2]
	ip[11], ip[12] = 0xff, 0xfe
	ip[13], ip[14], ip[15] = mac[3], mac[4], mac[5]
	return ip
}

func isV4(ip net.IP) bool {
	return ip.To4() != nil
}

func matchDestDom(m *flow.Match, bd, rd uint32) *flow.Match {
	if bd != 0 {
		m.Reg(flow.RegBD, bd)
	}
	if rd != 0 {
		m.Reg(flow.RegRD, rd)
	}
	return m
}

func matchDestArp(m *flow.Match, ip net.IP, bd, rd uint32) *flow.Match {
	m.ArpTPA(ip).ArpOp(arpRequest).EthDst(macBroadcast)
	return matchDestDom(m, bd, rd)
}

// matchDestNd matches neighbor discovery of type ndType, for the target ip
// when ip is not nil.
func matchDestNd(m *flow.Match, ip net.IP, bd, rd uint32, ndType uint8) *flow.Match {
	matchDestDom(m, bd, rd).
		ICMP(true, ndType, 0).
		EthDstMasked(macMulticast, macMulticast)
	if ip != nil {
		m.NDTarget(ndType, ip, -1)
	}
	return m
}

func matchFd(m *flow.Match, fgrp uint32, broadcast bool, dst net.HardwareAddr) *flow.Match {
	m.Reg(flow.RegFD, fgrp)
	if dst != nil {
		m.EthDst(dst)
	} else if broadcast {
		m.EthDstMasked(macMulticast, macMulticast)
	}
	return m
}

func actionSource(a *flow.Actions, vnid, bd, fgrp, rd uint32, next flow.TableID, popVlan, policyApplied bool) {
	if popVlan {
		a.PopVlan()
	}
	a.Reg(flow.RegSrcEPG, vnid).
		Reg(flow.RegBD, bd).
		Reg(flow.RegFD, fgrp).
		Reg(flow.RegRD, rd)
	if policyApplied {
		a.Metadata(flow.MetaPolicyApplied, flow.MetaPolicyApplied)
	}
	a.GotoTable(next)
}

func actionDestEpArp(a *flow.Actions, vnid, port uint32, mac net.HardwareAddr) {
	a.Reg(flow.RegDstEPG, vnid).
		Reg(flow.RegOutPort, port).
		EthDst(mac).
		GotoTable(flow.PolicyTable)
}

func actionOutputToEPGTunnel(a *flow.Actions) {
	a.Metadata(flow.MetaOutTunnel, flow.MetaOutMask).GotoTable(flow.OutTable)
}

func actionRevNatDest(a *flow.Actions, vnid, bd, fgrp, rd, port uint32) {
	a.Reg(flow.RegDstEPG, vnid).
		Reg(flow.RegBD, bd).
		Reg(flow.RegFD, fgrp).
		Reg(flow.RegRD, rd).
		Reg(flow.RegOutPort, port).
		Metadata(flow.MetaRouted, flow.MetaRouted).
		GotoTable(flow.NatInTable)
}

func actionController(a *flow.Actions, vnid uint32, metadata uint64) {
	if vnid != 0 {
		a.Reg(flow.RegSrcEPG, vnid)
	}
	if metadata != 0 {
		a.LoadMetadata(metadata)
	}
	a.Controller()
}

func actionSecAllow(a *flow.Actions) {
	a.GotoTable(flow.SrcTable)
}

// actionTunnel adds the encapsulation actions for output to the uplink.
// Without tunDst the tunnel destination is taken from REG7.
func actionTunnel(a *flow.Actions, encap EncapType, tunDst net.IP) {
	switch encap {
	case EncapVLAN:
		a.PushVlan().Move(fieldReg0VID, fieldVlanVID)
	case EncapVXLAN:
		a.Move(flow.FieldReg(flow.RegSrcEPG), flow.FieldTunID)
		if tunDst != nil && isV4(tunDst) {
			a.TunDst(tunDst)
		} else {
			a.Move(flow.FieldReg(flow.RegOutPort), flow.FieldTunDst)
		}
	}
}

func actionArpReply(a *flow.Actions, mac net.HardwareAddr, ip net.IP, encap EncapType) {
	a.ArpReply(mac, ip)
	switch encap {
	case EncapVLAN:
		a.PushVlan().Move(fieldReg0VID, fieldVlanVID)
	case EncapVXLAN:
		a.Move(flow.FieldTunSrc, flow.FieldTunDst)
	}
	a.Output(flow.PortInPort)
}

type proxyOpts struct {
	router  bool
	srcMAC  net.HardwareAddr
	tunPort uint32
	encap   EncapType
}

// proxyDiscovery answers ARP for ip with mac directly, or punts neighbor
// solicitations to the controller with the answer encoded in metadata.
func proxyDiscovery(t flow.TableID, prio uint16, addr net.IP, hw net.HardwareAddr, vnid, rd, bd uint32, o proxyOpts) []*flow.Rule {
	var rules []*flow.Rule
	if isV4(addr) {
		if o.tunPort != flow.PortNone && o.encap != EncapNone {
			r := flow.NewRule(t, prio+1)
			if o.srcMAC != nil {
				r.Match.EthSrc(o.srcMAC)
			}
			matchDestArp(r.Match.InPort(o.tunPort), addr, bd, rd)
			actionArpReply(&r.Actions, hw, addr, o.encap)
			rules = append(rules, r)
		}
		r := flow.NewRule(t, prio)
		if o.srcMAC != nil {
			r.Match.EthSrc(o.srcMAC)
		}
		matchDestArp(&r.Match, addr, bd, rd)
		actionArpReply(&r.Actions, hw, addr, EncapNone)
		return append(rules, r)
	}
	// MAC in the low six bytes, the router flag in byte six and a valid
	// flag in byte seven
	var metadata uint64
	for i, b := range hw {
		metadata |= uint64(b) << (8 * i)
	}
	metadata |= 1 << 56
	if o.router {
		metadata |= 1 << 48
	}
	r := flow.NewRule(t, prio).WithCookie(flow.CookieNeighDisc)
	if o.srcMAC != nil {
		r.Match.EthSrc(o.srcMAC)
	}
	matchDestNd(&r.Match, addr, bd, rd, ndNeighborSolicit)
	actionController(&r.Actions, vnid, metadata)
	return append(rules, r)
}

// proxyDiscovery with the uplink of this switch. The uplink rule is only
// written for traffic carrying a group vnid.
func (in *Input) proxyDiscovery(t flow.TableID, prio uint16, ip net.IP, mac net.HardwareAddr, vnid, rd, bd uint32, router bool, srcMAC net.HardwareAddr) []*flow.Rule {
	encap := in.Config.Encap
	if vnid == 0 {
		encap = EncapNone
	}
	return proxyDiscovery(t, prio, ip, mac, vnid, rd, bd, proxyOpts{
		router:  router,
		srcMAC:  srcMAC,
		tunPort: in.TunnelPort(),
		encap:   encap,
	})
}
