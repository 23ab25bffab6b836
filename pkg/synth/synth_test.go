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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIDs map[string]map[string]uint32

func (f fakeIDs) GetID(ns, key string) uint32 {
	space, ok := f[ns]
	if !ok {
		space = make(map[string]uint32)
		f[ns] = space
	}
	if id, ok := space[key]; ok {
		return id
	}
	id := uint32(len(space) + 1)
	space[key] = id
	return id
}

type fakePorts map[string]uint32

func (p fakePorts) FindPort(name string) uint32 {
	if port, ok := p[name]; ok {
		return port
	}
	return flow.PortNone
}

const (
	ep0MAC = "00:00:00:00:80:00"
	ep1MAC = "00:00:00:00:81:00"
)

type fixture struct {
	in    *Input
	store *policy.Store
	ports fakePorts
}

func newFixture(cfg Config) *fixture {
	if cfg.Encap == "" {
		cfg.Encap = EncapNone
	}
	store := policy.NewStore()
	ports := fakePorts{}
	return &fixture{
		in: &Input{
			Graph:    store,
			Registry: store,
			Ports:    ports,
			IDs:      fakeIDs{},
			Config:   &cfg,
		},
		store: store,
		ports: ports,
	}
}

func vxlanConfig() Config {
	return Config{
		Encap:      EncapVXLAN,
		EncapIface: "vxlan0",
		UplinkPeer: net.ParseIP("10.11.12.13"),
		FloodScope: FloodScopeFD,
	}
}

// ep0 on port 80 in epg0, bridged in bd0.
func (f *fixture) withEp0() {
	f.store.PutBridgeDomain(&policy.BridgeDomain{URI: "bd0"})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, BridgeDomain: "bd0"})
	f.store.PutEndpoint(&policy.Endpoint{
		UUID:          "ep0",
		MAC:           ep0MAC,
		IPs:           []string{"10.0.0.1"},
		InterfaceName: "veth0",
		Group:         "epg0",
	})
	f.ports["veth0"] = 80
}

func strs(rules []*flow.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.String())
	}
	return out
}

// render flattens a flow set into owner/table/rule strings.
func render(fs FlowSet) map[string][]string {
	out := make(map[string][]string)
	for _, owner := range fs.Owners() {
		for _, t := range flow.Tables() {
			rules, ok := fs[owner][t]
			if !ok {
				continue
			}
			out[owner+"/"+t.String()] = strs(rules)
		}
	}
	return out
}

func findRules(rules []*flow.Rule, prio uint16, match string) []*flow.Rule {
	var out []*flow.Rule
	for _, r := range rules {
		if r.Priority == prio && r.Match.String() == match {
			out = append(out, r)
		}
	}
	return out
}

func requireRule(t *testing.T, rules []*flow.Rule, prio uint16, match string) *flow.Rule {
	t.Helper()
	found := findRules(rules, prio, match)
	require.Len(t, found, 1, "rule %d %s in %v", prio, match, strs(rules))
	return found[0]
}

func TestEndpointJoinsGroup(t *testing.T) {
	f := newFixture(Config{})
	f.withEp0()

	fs := Endpoint(f.in, "ep0")
	cookie := flow.CookieFor(flow.KindEndpoint, "ep0")

	src := requireRule(t, fs.Rules("ep0", flow.SrcTable), flow.PrioSrcEndpoint, "in_port=80,dl_src="+ep0MAC)
	assert.Equal(t, "load:0x100->NXM_NX_REG0[],load:0x1->NXM_NX_REG4[],load:0x0->NXM_NX_REG5[],"+
		"load:0x0->NXM_NX_REG6[],goto_table:2", src.Actions.String())
	assert.Equal(t, cookie, src.Cookie)

	br := requireRule(t, fs.Rules("ep0", flow.BridgeTable), flow.PrioBridgeEpMac, "reg4=0x1,dl_dst="+ep0MAC)
	assert.Equal(t, "load:0x100->NXM_NX_REG2[],load:0x50->NXM_NX_REG7[],goto_table:8", br.Actions.String())

	sec := requireRule(t, fs.Rules("ep0", flow.SecTable), flow.PrioSecEpIP, "in_port=80,dl_src="+ep0MAC+",dl_type=0x800,nw_src=10.0.0.1")
	assert.Equal(t, "goto_table:1", sec.Actions.String())

	// no routing domain: nothing routed
	assert.Empty(t, fs.Rules("ep0", flow.RouteTable))
	_, cleared := fs["ep0"][flow.RouteTable]
	assert.True(t, cleared)
}

func TestEndpointRemovedClearsTables(t *testing.T) {
	f := newFixture(Config{})
	fs := Endpoint(f.in, "gone")
	require.Contains(t, fs, "gone")
	for _, table := range EndpointTables {
		rules, ok := fs["gone"][table]
		assert.True(t, ok, table.String())
		assert.Empty(t, rules)
	}
}

func TestEndpointWithoutPort(t *testing.T) {
	f := newFixture(Config{})
	f.withEp0()
	delete(f.ports, "veth0")

	fs := Endpoint(f.in, "ep0")
	for _, table := range EndpointTables {
		assert.Empty(t, fs.Rules("ep0", table), table.String())
	}
}

func TestEndpointPromiscuous(t *testing.T) {
	f := newFixture(Config{})
	f.withEp0()
	ep, _ := f.store.Endpoint("ep0")
	prom := *ep
	prom.Promiscuous = true
	f.store.PutEndpoint(&prom)

	fs := Endpoint(f.in, "ep0")
	requireRule(t, fs.Rules("ep0", flow.SecTable), flow.PrioSecPromiscuous, "in_port=80")
	requireRule(t, fs.Rules("ep0", flow.SrcTable), flow.PrioSrcPromiscuous, "in_port=80")
	assert.Empty(t, findRules(fs.Rules("ep0", flow.SecTable), flow.PrioSecEpMac, "in_port=80,dl_src="+ep0MAC))
}

func TestFloodGroupMembership(t *testing.T) {
	f := newFixture(vxlanConfig())
	f.withEp0()
	f.ports["vxlan0"] = 2048

	// no flood domain yet: no groups
	flows, groups := FloodGroup(f.in, "fd0")
	assert.Empty(t, groups[FloodGroupOwner("fd0")])
	assert.Empty(t, flows.Rules(FloodGroupOwner("fd0"), flow.OutTable))

	before := Endpoint(f.in, "ep0")
	f.store.PutFloodDomain(&policy.FloodDomain{URI: "fd0", BridgeDomain: "bd0"})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0"})

	flows, groups = FloodGroup(f.in, "fd0")
	owner := FloodGroupOwner("fd0")
	require.Len(t, groups[owner], 2)
	primary, prom := groups[owner][0], groups[owner][1]
	assert.Equal(t, uint32(1), primary.ID)
	assert.Equal(t, flow.PromiscuousID(1), prom.ID)

	tunnel := "move:NXM_NX_REG0[]->NXM_NX_TUN_ID[0..31],move:NXM_NX_REG7[]->NXM_NX_TUN_IPV4_DST[],output:2048"
	assert.Equal(t, "group_id=1,type=all,bucket=bucket_id:80,actions=output:80,bucket=bucket_id:2048,actions="+tunnel,
		primary.String())
	require.Len(t, prom.Buckets, 1)
	assert.Equal(t, uint32(2048), prom.Buckets[0].ID)

	out := requireRule(t, flows.Rules(owner, flow.OutTable), flow.PrioOutAction, "reg5=0x1,metadata=0x2/0xff")
	assert.Equal(t, "group:1", out.Actions.String())

	gs := flow.NewGroupState()
	edits := gs.Apply(owner, groups[owner])
	require.Len(t, edits, 2)
	assert.Equal(t, flow.EditAdd, edits[0].Op)
	assert.Equal(t, flow.EditAdd, edits[1].Op)

	// endpoint rules now carry the flood group id
	after := Endpoint(f.in, "ep0")
	assert.NotEqual(t, render(before), render(after))
	src := requireRule(t, after.Rules("ep0", flow.SrcTable), flow.PrioSrcEndpoint, "in_port=80,dl_src="+ep0MAC)
	assert.Contains(t, src.Actions.String(), "load:0x1->NXM_NX_REG5[]")
}

func TestUplinkRenumber(t *testing.T) {
	f := newFixture(vxlanConfig())
	f.withEp0()
	f.store.PutFloodDomain(&policy.FloodDomain{URI: "fd0", BridgeDomain: "bd0"})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0"})
	f.ports["vxlan0"] = 2048

	owner := FloodGroupOwner("fd0")
	gs := flow.NewGroupState()
	_, groups := FloodGroup(f.in, "fd0")
	gs.Apply(owner, groups[owner])
	epBefore := render(Endpoint(f.in, "ep0"))

	f.ports["vxlan0"] = 4096
	_, groups = FloodGroup(f.in, "fd0")
	edits := gs.Apply(owner, groups[owner])
	require.Len(t, edits, 2)
	for _, e := range edits {
		assert.Equal(t, flow.EditModify, e.Op)
		last := e.Group.Buckets[len(e.Group.Buckets)-1]
		assert.Equal(t, uint32(4096), last.ID)
	}
	assert.Empty(t, cmp.Diff(epBefore, render(Endpoint(f.in, "ep0"))))
}

func TestFloodGroupLearning(t *testing.T) {
	f := newFixture(Config{FloodScope: FloodScopeFD})
	f.withEp0()
	f.store.PutFloodDomain(&policy.FloodDomain{URI: "fd0", BridgeDomain: "bd0", UnknownFlood: policy.UnknownFlood})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0"})

	flows, groups := FloodGroup(f.in, "fd0")
	owner := FloodGroupOwner("fd0")
	// no uplink: member buckets only
	assert.Equal(t, "group_id=1,type=all,bucket=bucket_id:80,actions=output:80", groups[owner][0].String())
	assert.Empty(t, groups[owner][1].Buckets)

	requireRule(t, flows.Rules(owner, flow.BridgeTable), flow.PrioBridgeUnknownLearn, "reg5=0x1")
	learn := requireRule(t, flows.Rules(owner, flow.LearnTable), flow.PrioLearnUnknown, "reg5=0x1")
	assert.Equal(t, flow.CookieProactiveLearn, learn.Cookie)

	// proactive learning entry for the known endpoint
	ep := Endpoint(f.in, "ep0")
	requireRule(t, ep.Rules("ep0", flow.LearnTable), flow.PrioLearnProactive, "reg5=0x1,dl_dst="+ep0MAC)
}

func TestFloodGroupPerGroupScope(t *testing.T) {
	f := newFixture(Config{FloodScope: FloodScopeEPG})
	f.withEp0()
	f.store.PutFloodDomain(&policy.FloodDomain{URI: "fd0", BridgeDomain: "bd0"})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0"})

	_, groups := FloodGroup(f.in, "fd0")
	assert.Empty(t, groups[FloodGroupOwner("fd0")])
	_, groups = FloodGroup(f.in, "epg0")
	assert.Len(t, groups[FloodGroupOwner("epg0")], 2)
}

func buildGraph(f *fixture) {
	f.withEp0()
	f.ports["vxlan0"] = 2048
	f.ports["veth1"] = 81
	f.store.PutRoutingDomain(&policy.RoutingDomain{URI: "rd0", InternalSubnets: []string{"10.0.0.0/16"}})
	f.store.PutBridgeDomain(&policy.BridgeDomain{URI: "bd0", RoutingDomain: "rd0"})
	f.store.PutFloodDomain(&policy.FloodDomain{URI: "fd0", BridgeDomain: "bd0"})
	f.store.PutSubnet(&policy.Subnet{URI: "sn0", Prefix: "10.0.0.0/24", VirtualRouterIP: "10.0.0.254"})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0", Subnets: []string{"sn0"}})
	f.store.PutGroup(&policy.EndpointGroup{URI: "epg1", VNID: 0x200, FloodDomain: "fd0", IntraPolicy: policy.IntraDeny})
	f.store.PutEndpoint(&policy.Endpoint{
		UUID:          "ep1",
		MAC:           ep1MAC,
		IPs:           []string{"10.0.0.2", "fd00::2"},
		InterfaceName: "veth1",
		Group:         "epg1",
		DHCPv4:        &policy.DHCPConfig{},
	})
	f.store.PutContract(&policy.Contract{
		URI:       "c0",
		Providers: []string{"epg0"},
		Consumers: []string{"epg1"},
		Rules: []policy.ContractRule{
			{Direction: policy.DirBidirectional, Allow: true, Classifier: policy.Classifier{EtherType: 0x800, Proto: 6, DstPortFrom: 80, DstPortTo: 80}},
		},
	})
}

func allScopes(in *Input) []Scope {
	scopes := []Scope{{Kind: ScopeStatic}, {Kind: ScopeMulticast}}
	for _, id := range in.Registry.Endpoints() {
		scopes = append(scopes, Scope{Kind: ScopeEndpoint, ID: id})
	}
	for _, id := range in.Graph.Groups() {
		scopes = append(scopes, Scope{Kind: ScopeGroup, ID: id})
	}
	for _, id := range in.Graph.RoutingDomains() {
		scopes = append(scopes, Scope{Kind: ScopeRoutingDomain, ID: id})
	}
	for _, id := range in.Graph.Contracts() {
		scopes = append(scopes, Scope{Kind: ScopeContract, ID: id})
	}
	return append(scopes, Scope{Kind: ScopeFloodGroup, ID: "fd0"})
}

func renderResult(res Result) map[string][]string {
	out := render(res.Flows)
	for owner, groups := range res.Groups {
		for _, g := range groups {
			out[owner+"/groups"] = append(out[owner+"/groups"], g.String())
		}
	}
	for ip, uris := range res.Multicast {
		out["mcast/"+ip] = uris
	}
	return out
}

func TestSynthesisDeterministic(t *testing.T) {
	f := newFixture(vxlanConfig())
	f.in.Config.VirtualRouter = true
	buildGraph(f)

	first := make(map[string]map[string][]string)
	for _, s := range allScopes(f.in) {
		first[s.Key()] = renderResult(Synthesize(f.in, s))
	}
	for _, s := range allScopes(f.in) {
		again := renderResult(Synthesize(f.in, s))
		assert.Empty(t, cmp.Diff(first[s.Key()], again), s.Key())
	}
}

func TestScopeIsolation(t *testing.T) {
	f := newFixture(vxlanConfig())
	buildGraph(f)

	ep0 := render(Endpoint(f.in, "ep0"))
	epg0 := render(Group(f.in, "epg0"))
	c0 := render(Contract(f.in, "c0"))

	ep1, _ := f.store.Endpoint("ep1")
	changed := *ep1
	changed.IPs = []string{"10.0.0.3"}
	changed.Promiscuous = true
	f.store.PutEndpoint(&changed)

	assert.Empty(t, cmp.Diff(ep0, render(Endpoint(f.in, "ep0"))))
	assert.Empty(t, cmp.Diff(epg0, render(Group(f.in, "epg0"))))
	assert.Empty(t, cmp.Diff(c0, render(Contract(f.in, "c0"))))

	fs := Endpoint(f.in, "ep1")
	assert.Equal(t, []string{"ep1"}, fs.Owners())
}

func TestSynthesizeFloodDomainOwnsNothing(t *testing.T) {
	f := newFixture(Config{})
	res := Synthesize(f.in, Scope{Kind: ScopeFloodDomain, ID: "fd0"})
	assert.Empty(t, res.Flows)
	assert.Empty(t, res.Groups)
}

func TestParseEncapType(t *testing.T) {
	for _, s := range []string{"", "none", "vlan", "vxlan"} {
		_, err := ParseEncapType(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseEncapType("gre")
	assert.Error(t, err)
}

func TestFlowSetClearKeepsRules(t *testing.T) {
	fs := FlowSet{}
	r := flow.NewRule(flow.SecTable, 1)
	fs.Add("a", r)
	fs.Clear("a", flow.SecTable, flow.OutTable)
	assert.Len(t, fs.Rules("a", flow.SecTable), 1)
	rules, ok := fs["a"][flow.OutTable]
	assert.True(t, ok)
	assert.Empty(t, rules)
}
