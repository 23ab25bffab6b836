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
	"strings"
	"testing"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vipMAC = "00:00:00:00:80:99"

func byPriority(rules []*flow.Rule, prio uint16) []*flow.Rule {
	var out []*flow.Rule
	for _, r := range rules {
		if r.Priority == prio {
			out = append(out, r)
		}
	}
	return out
}

func byField(rules []*flow.Rule, name, value string) []*flow.Rule {
	var out []*flow.Rule
	for _, r := range rules {
		if v, ok := r.Match.Field(name); ok && v == value {
			out = append(out, r)
		}
	}
	return out
}

// routed puts ep0's bridge domain into rd0.
func (f *fixture) routed() {
	f.store.PutRoutingDomain(&policy.RoutingDomain{URI: "rd0"})
	f.store.PutBridgeDomain(&policy.BridgeDomain{URI: "bd0", RoutingDomain: "rd0"})
}

func TestEndpointVirtualDHCP(t *testing.T) {
	f := newFixture(Config{VirtualDHCP: true})
	f.withEp0()
	ep, _ := f.store.Endpoint("ep0")
	ep2 := *ep
	ep2.DHCPv4 = &policy.DHCPConfig{}
	ep2.DHCPv6 = &policy.DHCPConfig{}
	ep2.VirtualIPs = []policy.VirtualIP{{MAC: vipMAC, IP: "10.0.0.5"}}
	f.store.PutEndpoint(&ep2)

	fs := Endpoint(f.in, "ep0")
	dhcp := byPriority(fs.Rules("ep0", flow.SecTable), flow.PrioSecVirtualDHCP)
	require.Len(t, dhcp, 3, "%v", strs(dhcp))

	own := byField(dhcp, "dl_src", ep0MAC)
	require.Len(t, own, 2)
	cookies := []uint64{own[0].Cookie, own[1].Cookie}
	assert.ElementsMatch(t, []uint64{flow.CookieDHCPv4, flow.CookieDHCPv6}, cookies)
	for _, r := range dhcp {
		v, _ := r.Match.Field("in_port")
		assert.Equal(t, "80", v)
		assert.True(t, strings.Contains(r.Actions.String(), "controller("), r.String())
	}

	vip := byField(dhcp, "dl_src", vipMAC)
	require.Len(t, vip, 1)
	assert.Equal(t, flow.CookieDHCPv4, vip[0].Cookie)

	assert.NotEmpty(t, byPriority(fs.Rules("ep0", flow.BridgeTable), flow.PrioBridgeDHCPDiscovery))

	// disabled responder: nothing redirected
	f.in.Config.VirtualDHCP = false
	fs = Endpoint(f.in, "ep0")
	assert.Empty(t, byPriority(fs.Rules("ep0", flow.SecTable), flow.PrioSecVirtualDHCP))
	assert.Empty(t, byPriority(fs.Rules("ep0", flow.BridgeTable), flow.PrioBridgeDHCPDiscovery))
}

func TestEndpointVirtualIPs(t *testing.T) {
	f := newFixture(Config{})
	f.withEp0()
	ep, _ := f.store.Endpoint("ep0")
	ep2 := *ep
	ep2.VirtualIPs = []policy.VirtualIP{
		{MAC: vipMAC, IP: "10.0.0.0/24"},
		{MAC: "not-a-mac", IP: "10.0.1.1"},
		{MAC: vipMAC, IP: "10.0.2.300"},
	}
	f.store.PutEndpoint(&ep2)

	fs := Endpoint(f.in, "ep0")
	sec := fs.Rules("ep0", flow.SecTable)

	announce := byPriority(sec, flow.PrioSecVirtualIP)
	require.Len(t, announce, 1, "%v", strs(sec))
	assert.Equal(t, flow.CookieVirtualIPv4, announce[0].Cookie)
	mac, _ := announce[0].Match.Field("dl_src")
	assert.Equal(t, vipMAC, mac)
	assert.True(t, strings.HasPrefix(announce[0].Actions.String(), "controller("), announce[0].String())
	assert.True(t, strings.HasSuffix(announce[0].Actions.String(), "goto_table:1"), announce[0].String())

	// the endpoint's own address inside the prefix is allowed outright
	active := byPriority(sec, flow.PrioSecActiveVirtualIP)
	require.Len(t, active, 1)
	spa, _ := active[0].Match.Field("arp_spa")
	assert.Equal(t, "10.0.0.1", spa)
	assert.Equal(t, flow.CookieFor(flow.KindEndpoint, "ep0"), active[0].Cookie)
}

func TestEndpointFloatingIP(t *testing.T) {
	f := newFixture(Config{VirtualRouter: true})
	f.withEp0()
	f.routed()
	f.store.PutRoutingDomain(&policy.RoutingDomain{URI: "rd-ext"})
	f.store.PutBridgeDomain(&policy.BridgeDomain{URI: "bd-ext", RoutingDomain: "rd-ext"})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg-ext", VNID: 0x200, BridgeDomain: "bd-ext"})

	ep, _ := f.store.Endpoint("ep0")
	ep2 := *ep
	ep2.IPMappings = []policy.IPMapping{{UUID: "m0", MappedIP: "10.0.0.1", FloatingIP: "192.168.1.10", Group: "epg-ext"}}
	f.store.PutEndpoint(&ep2)

	fs := Endpoint(f.in, "ep0")
	route := fs.Rules("ep0", flow.RouteTable)

	dnat := byField(byPriority(route, flow.PrioRouteFloatingDNAT), "nw_dst", "192.168.1.10")
	require.Len(t, dnat, 1, "%v", strs(route))
	assert.Contains(t, dnat[0].Actions.String(), "mod_nw_dst:10.0.0.1")
	assert.Contains(t, dnat[0].Actions.String(), "mod_dl_dst:"+ep0MAC)

	require.Len(t, byField(byPriority(route, flow.PrioRouteFloatingResubmit), "nw_dst", "192.168.1.10"), 1)

	out := byField(byPriority(fs.Rules("ep0", flow.OutTable), flow.PrioOutAction), "nw_src", "10.0.0.1")
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Actions.String(), "mod_nw_src:192.168.1.10")
	assert.NotContains(t, out[0].Actions.String(), "output:")

	assert.Empty(t, byPriority(fs.Rules("ep0", flow.SrcTable), flow.PrioSrcNextHopRevDNAT))
}

func TestEndpointFloatingIPNextHop(t *testing.T) {
	f := newFixture(Config{VirtualRouter: true})
	f.withEp0()
	f.routed()
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg-ext", VNID: 0x200, BridgeDomain: "bd0"})

	ep, _ := f.store.Endpoint("ep0")
	ep2 := *ep
	ep2.IPMappings = []policy.IPMapping{{
		UUID:       "m0",
		MappedIP:   "10.0.0.1",
		FloatingIP: "192.168.1.10",
		Group:      "epg-ext",
		NextHopIf:  "nh0",
		NextHopMAC: "00:00:00:00:90:00",
	}}
	f.store.PutEndpoint(&ep2)

	// next hop interface not attached yet
	fs := Endpoint(f.in, "ep0")
	assert.Empty(t, byField(fs.Rules("ep0", flow.OutTable), "nw_src", "10.0.0.1"))

	f.ports["nh0"] = 90
	fs = Endpoint(f.in, "ep0")
	out := byField(byPriority(fs.Rules("ep0", flow.OutTable), flow.PrioOutAction), "nw_src", "10.0.0.1")
	require.Len(t, out, 1)
	assert.True(t, strings.HasSuffix(out[0].Actions.String(), "output:90"), out[0].String())
	assert.Contains(t, out[0].Actions.String(), "mod_dl_dst:00:00:00:00:90:00")

	src := fs.Rules("ep0", flow.SrcTable)
	rev := byField(byPriority(src, flow.PrioSrcNextHopRevDNAT), "in_port", "90")
	require.Len(t, rev, 1, "%v", strs(src))
	dst, _ := rev[0].Match.Field("nw_dst")
	assert.Equal(t, "192.168.1.10", dst)

	mark := byField(byPriority(src, flow.PrioSrcNextHopRevMark), "in_port", "90")
	require.Len(t, mark, 1)
	_, marked := mark[0].Match.Field("pkt_mark")
	assert.True(t, marked)
}
