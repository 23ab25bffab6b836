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

package flow

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleStringParseRoundTrip(t *testing.T) {
	mac := mustMAC(t, "00:00:00:00:80:00")
	r := NewRule(BridgeTable, PrioBridgeArpND).WithCookie(CookieNeighDisc)
	r.Match.Reg(RegBD, 1).Reg(RegRD, 2).EthDst(mac).ArpOp(1).ArpTPA(net.ParseIP("10.20.44.2"))
	r.Actions.ArpReply(mac, net.ParseIP("10.20.44.2")).Output(PortInPort)
	r.Flags = FlagSendFlowRem

	parsed, err := ParseRule(r.String())
	require.NoError(t, err)
	assert.True(t, r.Equal(parsed), "%s != %s", r, parsed)
}

func TestParseRuleFromDump(t *testing.T) {
	line := " cookie=0x0, duration=12.5s, table=3, n_packets=0, n_bytes=0, idle_age=12," +
		" priority=10,reg4=0x00000001,dl_dst=00:00:00:00:80:00" +
		" actions=set_field:0x5->reg2,load:0x50->NXM_NX_REG7[],goto_table:8"
	parsed, err := ParseRule(line)
	require.NoError(t, err)

	want := NewRule(BridgeTable, PrioBridgeEpMac)
	want.Match.Reg(RegBD, 1).EthDst(mustMAC(t, "00:00:00:00:80:00"))
	want.Actions.Reg(RegDstEPG, 5).Reg(RegOutPort, 80).GotoTable(PolicyTable)
	assert.True(t, want.Equal(parsed), "%s != %s", want, parsed)
}

func TestParseRuleSetFieldLoads(t *testing.T) {
	mac := mustMAC(t, "00:00:00:00:80:00")
	want := NewRule(BridgeTable, PrioBridgeArpND)
	want.Match.EthDst(mac)
	want.Actions.ArpReply(mac, net.ParseIP("10.20.44.2")).
		TunDst(net.ParseIP("192.168.0.9")).
		LoadMetadata(4).
		PktMark(7).
		load(0x100, FieldTunID).
		Output(PortInPort)

	line := "table=3, priority=" + strconv.Itoa(int(PrioBridgeArpND)) + ",dl_dst=00:00:00:00:80:00" +
		" actions=move:NXM_OF_ETH_SRC[]->NXM_OF_ETH_DST[],set_field:00:00:00:00:80:00->eth_src," +
		"set_field:2->arp_op,move:NXM_NX_ARP_SHA[]->NXM_NX_ARP_THA[],set_field:00:00:00:00:80:00->arp_sha," +
		"move:NXM_OF_ARP_SPA[]->NXM_OF_ARP_TPA[],set_field:10.20.44.2->arp_spa," +
		"set_field:192.168.0.9->tun_dst,set_field:0x4->metadata,set_field:0x7->pkt_mark," +
		"set_field:0x100/0xffffffff->tun_id,IN_PORT"
	parsed, err := ParseRule(line)
	require.NoError(t, err)
	assert.True(t, want.Equal(parsed), "%s != %s", want, parsed)
}

func TestParseActionsSetFieldMasks(t *testing.T) {
	a, err := ParseActions("set_field:0x500/0xff00->reg3,set_field:0x1/0xffffffffffffffff->tun_id")
	require.NoError(t, err)
	assert.Equal(t, "load:0x5->NXM_NX_REG3[8..15],load:0x1->NXM_NX_TUN_ID[]", a.String())

	_, err = ParseActions("set_field:0x5/0xf0f->reg3")
	assert.Error(t, err)
	_, err = ParseActions("set_field:zz->arp_op")
	assert.Error(t, err)
}

func TestParseRuleDefaultsPriority(t *testing.T) {
	parsed, err := ParseRule("table=9, actions=CONTROLLER:65535")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8000), parsed.Priority)
	assert.Equal(t, OutTable, parsed.Table)
	assert.Equal(t, "controller(max_len=65535)", parsed.Actions.String())
}

func TestActionsOutputPort(t *testing.T) {
	var a Actions
	a.Reg(RegOutPort, 80).Output(80).Controller()
	port, ok := a.OutputPort()
	assert.True(t, ok)
	assert.Equal(t, uint32(80), port)

	var none Actions
	none.OutputReg(RegOutPort)
	_, ok = none.OutputPort()
	assert.False(t, ok)
	assert.Equal(t, "drop", Actions{}.String())
}

func TestGroupStringParseRoundTrip(t *testing.T) {
	g := NewGroup(1)
	g.AddBucket(80).Output(80)
	g.AddBucket(2048).Move(FieldReg(RegSrcEPG), FieldTunID).Move(FieldReg(RegOutPort), FieldTunDst).Output(2048)

	parsed, err := ParseGroup(g.String())
	require.NoError(t, err)
	assert.True(t, g.Equal(parsed), "%s != %s", g, parsed)
	assert.Equal(t, PromiscuousBit|1, PromiscuousID(1))
}

func TestGroupStateDiff(t *testing.T) {
	gs := NewGroupState()
	g := NewGroup(1)
	g.AddBucket(80).Output(80)
	prom := NewGroup(PromiscuousID(1))

	edits := gs.Apply("fd:epg0", []*Group{g, prom})
	require.Len(t, edits, 2)
	assert.Equal(t, EditAdd, edits[0].Op)
	assert.Equal(t, EditAdd, edits[1].Op)
	assert.Empty(t, gs.Apply("fd:epg0", []*Group{g, prom}))

	g2 := NewGroup(1)
	g2.AddBucket(80).Output(80)
	g2.AddBucket(4096).Output(4096)
	edits = gs.Apply("fd:epg0", []*Group{g2, prom})
	require.Len(t, edits, 1)
	assert.Equal(t, EditModify, edits[0].Op)
	assert.Same(t, g, edits[0].Prev)

	gs.Revert("fd:epg0", edits)
	assert.Empty(t, gs.Diff("fd:epg0", []*Group{g, prom}))

	edits = gs.Apply("fd:epg0", nil)
	assert.Len(t, edits, 2)
	assert.Zero(t, gs.Len())
}

func TestGroupStateSnapshot(t *testing.T) {
	gs := NewGroupState()
	g := NewGroup(1)
	g.AddBucket(80).Output(80)
	gs.Apply("fd:a", []*Group{g})

	stale := NewGroup(9)
	edits := gs.DiffSnapshot([]*Group{stale})
	require.Len(t, edits, 2)
	assert.Equal(t, EditAdd, edits[0].Op)
	assert.Equal(t, EditDelete, edits[1].Op)
	assert.Equal(t, uint32(9), edits[1].Group.ID)
}

func TestCookieFamilies(t *testing.T) {
	c := CookieFor(KindEndpoint, "ep0")
	assert.Equal(t, c, CookieFor(KindEndpoint, "ep0"))
	assert.NotEqual(t, c, CookieFor(KindGroup, "ep0"))
	assert.False(t, IsReservedCookie(c))
	assert.False(t, IsReservedCookie(ContractCookie(3)))
	assert.NotEqual(t, ContractCookie(3)&cookieDerivedBit, cookieDerivedBit)
	assert.True(t, IsReservedCookie(CookieDHCPv4))
}
