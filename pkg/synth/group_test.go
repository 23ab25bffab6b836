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

const floodMatch = "reg0=0x100,reg5=0x1,dl_dst=01:00:00:00:00:00/01:00:00:00:00:00"

func TestGroupUplink(t *testing.T) {
	f := newFixture(vxlanConfig())
	buildGraph(f)

	fs := Group(f.in, "epg0")
	cookie := flow.CookieFor(flow.KindGroup, "epg0")

	src := requireRule(t, fs.Rules("epg0", flow.SrcTable), flow.PrioSrcUplink, "in_port=2048,tun_id=0x100")
	assert.Equal(t, "load:0x100->NXM_NX_REG0[],load:0x1->NXM_NX_REG4[],load:0x1->NXM_NX_REG5[],"+
		"load:0x1->NXM_NX_REG6[],write_metadata:0x100/0x100,goto_table:2", src.Actions.String())
	assert.Equal(t, cookie, src.Cookie)

	intra := requireRule(t, fs.Rules("epg0", flow.PolicyTable), flow.PrioIntraGroupAllow, "reg0=0x100,reg2=0x100")
	assert.Equal(t, "goto_table:9", intra.Actions.String())

	flood := requireRule(t, fs.Rules("epg0", flow.BridgeTable), flow.PrioBridgeFlood, floodMatch)
	assert.Equal(t, "load:0xa0b0c0d->NXM_NX_REG7[],write_metadata:0x2/0xff,goto_table:9", flood.Actions.String())

	out := fs.Rules("epg0", flow.OutTable)
	tun := requireRule(t, out, flow.PrioOutAction, "reg0=0x100,metadata=0x1/0xff")
	assert.Equal(t, "move:NXM_NX_REG0[]->NXM_NX_TUN_ID[0..31],load:0xa0b0c0d->NXM_NX_TUN_IPV4_DST[],output:2048",
		tun.Actions.String())
	requireRule(t, out, flow.PrioOutRouterTunnel, "reg0=0x100,metadata=0x1/0xff,dl_dst=00:22:bd:f8:19:ff")

	resubmit := requireRule(t, out, flow.PrioOutAction, "reg7=0x100,metadata=0x5/0xff")
	assert.True(t, strings.HasSuffix(resubmit.Actions.String(), "resubmit(,3)"), resubmit.Actions.String())
}

func TestGroupMulticastTunnelDst(t *testing.T) {
	f := newFixture(vxlanConfig())
	buildGraph(f)
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0", MulticastIP: "239.1.1.1"})

	fs := Group(f.in, "epg0")
	flood := requireRule(t, fs.Rules("epg0", flow.BridgeTable), flow.PrioBridgeFlood, floodMatch)
	assert.Contains(t, flood.Actions.String(), "load:0xef010101->NXM_NX_REG7[]")

	// unicast addresses are not a valid group destination
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0", MulticastIP: "10.1.1.1"})
	fs = Group(f.in, "epg0")
	flood = requireRule(t, fs.Rules("epg0", flow.BridgeTable), flow.PrioBridgeFlood, floodMatch)
	assert.Contains(t, flood.Actions.String(), "load:0xa0b0c0d->NXM_NX_REG7[]")
}

func TestGroupIntraPolicy(t *testing.T) {
	f := newFixture(Config{})
	buildGraph(f)

	deny := requireRule(t, Group(f.in, "epg1").Rules("epg1", flow.PolicyTable), flow.PrioIntraGroupDeny, "reg0=0x200,reg2=0x200")
	assert.Equal(t, "drop", deny.Actions.String())

	f.store.PutGroup(&policy.EndpointGroup{URI: "epg1", VNID: 0x200, FloodDomain: "fd0", IntraPolicy: policy.IntraRequireContract})
	req := requireRule(t, Group(f.in, "epg1").Rules("epg1", flow.PolicyTable), flow.PrioIntraGroupAllow,
		"reg0=0x200,reg2=0x200,metadata=0x100/0x100")
	assert.Equal(t, "goto_table:9", req.Actions.String())

	for _, r := range Group(f.in, "epg1").Rules("epg1", flow.PolicyTable) {
		assert.True(t, r.Priority > flow.MaxPolicyRulePriority, r.String())
	}
}

func TestGroupIsolatedFlood(t *testing.T) {
	f := newFixture(Config{})
	buildGraph(f)
	f.store.PutFloodDomain(&policy.FloodDomain{URI: "fd0", BridgeDomain: "bd0", BcastFlood: policy.BcastIsolated})

	fs := Group(f.in, "epg0")
	flood := requireRule(t, fs.Rules("epg0", flow.BridgeTable), flow.PrioBridgeFlood,
		"reg0=0x100,reg5=0x1,metadata=0x100/0x100,dl_dst=01:00:00:00:00:00/01:00:00:00:00:00")
	assert.Equal(t, "write_metadata:0x2/0xff,goto_table:9", flood.Actions.String())

	// no uplink configured
	assert.Empty(t, fs.Rules("epg0", flow.SrcTable))
	assert.Len(t, fs.Rules("epg0", flow.OutTable), 1)
}

func TestGroupVlanUplink(t *testing.T) {
	f := newFixture(Config{Encap: EncapVLAN, EncapIface: "vlan0"})
	buildGraph(f)
	f.ports["vlan0"] = 2048

	fs := Group(f.in, "epg0")
	src := requireRule(t, fs.Rules("epg0", flow.SrcTable), flow.PrioSrcUplink, "in_port=2048,dl_vlan=256")
	assert.True(t, strings.HasPrefix(src.Actions.String(), "pop_vlan,"), src.Actions.String())

	out := fs.Rules("epg0", flow.OutTable)
	tun := requireRule(t, out, flow.PrioOutAction, "reg0=0x100,metadata=0x1/0xff")
	assert.Equal(t, "push_vlan:0x8100,move:NXM_NX_REG0[0..11]->OXM_OF_VLAN_VID[0..11],output:2048", tun.Actions.String())
	assert.Empty(t, findRules(out, flow.PrioOutRouterTunnel, "reg0=0x100,metadata=0x1/0xff,dl_dst=00:22:bd:f8:19:ff"))
}

func TestGroupVirtualRouter(t *testing.T) {
	cfg := vxlanConfig()
	cfg.VirtualRouter = true
	f := newFixture(cfg)
	buildGraph(f)

	fs := Group(f.in, "epg0")
	assert.ElementsMatch(t, []string{"bd0", "epg0", "sn0"}, fs.Owners())

	arp := "reg4=0x1,reg6=0x1,dl_dst=ff:ff:ff:ff:ff:ff,dl_type=0x806,arp_op=1,arp_tpa=10.0.0.254"
	sn := fs.Rules("sn0", flow.BridgeTable)
	tunnelArp := requireRule(t, sn, flow.PrioBridgeRouterTunnelArp, "in_port=2048,"+arp)
	assert.Equal(t, "drop", tunnelArp.Actions.String())
	reply := requireRule(t, sn, flow.PrioBridgeRouterReply, arp)
	assert.True(t, strings.HasSuffix(reply.Actions.String(), ",in_port"), reply.Actions.String())
	assert.Equal(t, flow.CookieFor(flow.KindSubnet, "sn0"), reply.Cookie)

	routing := requireRule(t, fs.Rules("bd0", flow.BridgeTable), flow.PrioBridgeRouting, "reg4=0x1")
	assert.Equal(t, "goto_table:4", routing.Actions.String())
	assert.Equal(t, flow.CookieFor(flow.KindBridgeDomain, "bd0"), routing.Cookie)

	// routing disabled on the bridge domain leaves only the clear
	f.store.PutBridgeDomain(&policy.BridgeDomain{URI: "bd0", RoutingDomain: "rd0", RoutingDisabled: true})
	fs = Group(f.in, "epg0")
	rules, ok := fs["bd0"][flow.BridgeTable]
	assert.True(t, ok)
	assert.Empty(t, rules)
}

func TestGroupUnresolved(t *testing.T) {
	f := newFixture(vxlanConfig())
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg9", VNID: 0x900})

	fs := Group(f.in, "epg9")
	require.Equal(t, []string{"epg9"}, fs.Owners())
	for _, table := range GroupTables {
		rules, ok := fs["epg9"][table]
		assert.True(t, ok, table.String())
		assert.Empty(t, rules)
	}
}
