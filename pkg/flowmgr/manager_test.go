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

package flowmgr

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers/fake"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/metrics"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/nimbess/nimbess-ovs-agent/pkg/ports"
	"github.com/nimbess/nimbess-ovs-agent/pkg/synth"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	ep0MAC = "00:00:00:00:80:00"
	ep1MAC = "00:00:00:00:81:00"
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *policy.Store
	mapper  *ports.Mapper
	sw      *fake.Switch
	metrics *metrics.Metrics
	mgr     *Manager
	mcast   string
}

func newHarness(t *testing.T) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:       t,
		ctx:     ctx,
		store:   policy.NewStore(),
		mapper:  ports.NewMapper(),
		sw:      fake.NewSwitch(),
		metrics: metrics.New(prometheus.NewRegistry()),
		mcast:   filepath.Join(t.TempDir(), "mcast-groups.json"),
	}
	h.mgr = New(Options{
		SwitchName: "br-int",
		Config: synth.Config{
			Encap:      synth.EncapVXLAN,
			EncapIface: "vxlan0",
			UplinkPeer: net.ParseIP("10.11.12.13"),
		},
		ReadBackoff:        wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 10},
		MulticastGroupFile: h.mcast,
	}, h.store, h.store, h.mapper, idgen.New(nil), h.sw, h.sw, h.metrics)
	h.store.RegisterListener(h.mgr)
	h.mapper.RegisterListener(h.mgr)
	return h
}

// ep0 on veth0 in epg0, flooded in fd0 with the uplink on vxlan0.
func (h *harness) withPolicy() {
	h.sw.SetPort("veth0", 80)
	h.sw.SetPort("vxlan0", 2048)
	h.store.PutRoutingDomain(&policy.RoutingDomain{URI: "rd0", InternalSubnets: []string{"10.0.0.0/16"}})
	h.store.PutBridgeDomain(&policy.BridgeDomain{URI: "bd0", RoutingDomain: "rd0"})
	h.store.PutFloodDomain(&policy.FloodDomain{URI: "fd0", BridgeDomain: "bd0"})
	h.store.PutSubnet(&policy.Subnet{URI: "sn0", Prefix: "10.0.0.0/24", VirtualRouterIP: "10.0.0.254"})
	h.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0", Subnets: []string{"sn0"}})
	h.store.PutEndpoint(&policy.Endpoint{
		UUID:          "ep0",
		MAC:           ep0MAC,
		IPs:           []string{"10.0.0.1"},
		InterfaceName: "veth0",
		Group:         "epg0",
	})
}

func (h *harness) putEp1(ips ...string) {
	h.store.PutEndpoint(&policy.Endpoint{
		UUID:          "ep1",
		MAC:           ep1MAC,
		IPs:           ips,
		InterfaceName: "veth1",
		Group:         "epg0",
	})
}

func (h *harness) start(peer bool) {
	h.mgr.Start(h.ctx)
	if peer {
		h.mgr.PeerStatusUpdate(true)
	}
}

func (h *harness) waitSynced() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.mgr.State() == Synced }, 5*time.Second, time.Millisecond)
	h.mgr.Wait()
}

// settle waits for switch events to reach the queue and for the queue to
// drain.
func (h *harness) settle(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.mgr.Wait()
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func (h *harness) installed(t flow.TableID, substr string) bool {
	for _, r := range h.sw.Rules(t) {
		if strings.Contains(r.String(), substr) {
			return true
		}
	}
	return false
}

func TestSyncInstallsPolicy(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()

	assert.True(t, h.installed(flow.SecTable, "in_port=80"))
	assert.True(t, h.installed(flow.SrcTable, "dl_src="+ep0MAC))
	assert.NotEmpty(t, h.sw.Groups())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Syncs))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.State.WithLabelValues("Synced")))
}

func TestResyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()

	dump := h.sw.Dump()
	groups := h.sw.Groups()
	edits := h.sw.FlowEdits()
	reads := h.sw.Reads()

	h.sw.Disconnect()
	require.NoError(t, h.sw.Connect(h.ctx))
	require.Eventually(t, func() bool {
		return h.sw.Reads() > reads && h.mgr.State() == Synced
	}, 5*time.Second, time.Millisecond)
	h.mgr.Wait()

	assert.Equal(t, edits, h.sw.FlowEdits(), "no edits for an unchanged switch")
	assert.Empty(t, cmp.Diff(dump, h.sw.Dump()))
	assert.Equal(t, len(groups), len(h.sw.Groups()))
}

func TestSwitchRestartReinstalls(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()
	dump := h.sw.Dump()
	groups := h.sw.Groups()
	reads := h.sw.Reads()

	h.sw.Restart()
	h.sw.Disconnect()
	require.NoError(t, h.sw.Connect(h.ctx))
	require.Eventually(t, func() bool {
		return h.sw.Reads() > reads && h.mgr.State() == Synced
	}, 5*time.Second, time.Millisecond)
	h.mgr.Wait()

	assert.Empty(t, cmp.Diff(dump, h.sw.Dump()))
	assert.Equal(t, len(groups), len(h.sw.Groups()))
}

func TestSyncWaitsForPeer(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(false)

	h.settle(func() bool { return h.mgr.State() == Connecting })
	assert.Zero(t, h.sw.Reads())
	assert.Empty(t, h.sw.Dump())

	h.mgr.PeerStatusUpdate(true)
	h.waitSynced()
	assert.True(t, h.installed(flow.SecTable, "in_port=80"))
}

func TestIncrementalUpdates(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()

	h.sw.SetPort("veth1", 81)
	h.putEp1("10.0.0.2")
	h.settle(func() bool { return h.installed(flow.SecTable, "in_port=81") })

	// the flood group now carries both ports
	found := false
	for _, g := range h.sw.Groups() {
		for _, b := range g.Buckets {
			if b.ID == 81 {
				found = true
			}
		}
	}
	assert.True(t, found, "flood group bucket for port 81")

	h.store.DeleteEndpoint("ep1")
	h.settle(func() bool { return !h.installed(flow.SecTable, "in_port=81") })
	assert.True(t, h.installed(flow.SecTable, "in_port=80"))
}

func TestChangesHeldWhilePeerAbsent(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()

	h.mgr.PeerStatusUpdate(false)
	h.sw.SetPort("veth1", 81)
	h.putEp1("10.0.0.2")
	h.mgr.Wait()
	assert.False(t, h.installed(flow.SecTable, "in_port=81"))

	h.mgr.PeerStatusUpdate(true)
	h.settle(func() bool { return h.installed(flow.SecTable, "in_port=81") })
}

func TestRejectedEditsReverted(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()

	h.mapper.SetPort("veth1", 81)
	h.mgr.Wait()
	h.sw.FailNextExecute(errors.New("bundle rejected"))
	h.putEp1("10.0.0.2")
	h.mgr.Wait()
	assert.False(t, h.installed(flow.SecTable, "in_port=81"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ExecuteErrors.WithLabelValues("flows")))

	// the next change of the endpoint installs everything again
	h.putEp1("10.0.0.2", "10.0.0.3")
	h.settle(func() bool {
		return h.installed(flow.SecTable, "in_port=81") && h.installed(flow.SrcTable, "dl_src="+ep1MAC)
	})
}

func TestStaleLearnedFlowsRemoved(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()

	valid, err := flow.ParseRule("table=6,priority=150,cookie=0x1,reg5=0x1,dl_dst=" + ep0MAC + ",actions=output:80")
	require.NoError(t, err)
	moved, err := flow.ParseRule("table=6,priority=150,cookie=0x1,reg5=0x1,dl_dst=" + ep0MAC + ",actions=output:99")
	require.NoError(t, err)
	gone, err := flow.ParseRule("table=6,priority=150,cookie=0x1,reg5=0x1,dl_dst=00:00:00:00:99:00,actions=output:80")
	require.NoError(t, err)
	h.sw.Install(valid)
	h.sw.Install(gone)

	h.start(true)
	h.waitSynced()

	var learned []string
	for _, r := range h.sw.Rules(flow.LearnTable) {
		if r.Cookie == flow.CookieLearn {
			learned = append(learned, r.String())
		}
	}
	assert.Equal(t, []string{valid.String()}, learned)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.StaleLearned))

	// an entry pointing at the wrong port is stale too
	reads := h.sw.Reads()
	h.sw.Install(moved)
	h.sw.Disconnect()
	require.NoError(t, h.sw.Connect(h.ctx))
	require.Eventually(t, func() bool {
		return h.sw.Reads() > reads && h.mgr.State() == Synced
	}, 5*time.Second, time.Millisecond)
	h.mgr.Wait()
	assert.False(t, h.installed(flow.LearnTable, "output:99"))
}

func TestReadRetried(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.sw.FailReads(2)
	h.start(true)
	h.waitSynced()

	assert.Equal(t, 3, h.sw.Reads())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.SyncRetries))
	assert.True(t, h.installed(flow.SecTable, "in_port=80"))
}

func TestMulticastSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0",
		Subnets: []string{"sn0"}, MulticastIP: "239.1.1.1"})
	h.start(true)
	h.waitSynced()

	cmds := h.sw.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, drivers.CommandJoin, cmds[0].Op)
	assert.Equal(t, "br-int", cmds[0].Switch)
	assert.Equal(t, uint32(2048), cmds[0].TunnelPort)
	assert.Equal(t, "239.1.1.1", cmds[0].GroupIP.String())

	groups, err := ReadMulticastGroupFile(h.mcast)
	require.NoError(t, err)
	assert.Equal(t, []string{"239.1.1.1"}, groups)

	h.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0",
		Subnets: []string{"sn0"}, MulticastIP: "239.2.2.2"})
	h.settle(func() bool { return len(h.sw.Commands()) == 3 })
	cmds = h.sw.Commands()
	assert.Equal(t, drivers.CommandLeave, cmds[1].Op)
	assert.Equal(t, "239.1.1.1", cmds[1].GroupIP.String())
	assert.Equal(t, drivers.CommandJoin, cmds[2].Op)
	assert.Equal(t, "239.2.2.2", cmds[2].GroupIP.String())

	groups, err = ReadMulticastGroupFile(h.mcast)
	require.NoError(t, err)
	assert.Equal(t, []string{"239.2.2.2"}, groups)
}

func TestFailedMulticastJoinRetried(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0",
		Subnets: []string{"sn0"}, MulticastIP: "239.1.1.1"})
	h.sw.FailNextCommand(errors.New("igmp join failed"))
	h.start(true)
	h.waitSynced()

	// the next multicast recomputation joins again
	h.mgr.ConfigUpdated("platform")
	h.settle(func() bool { return len(h.sw.Commands()) == 2 })
	for _, c := range h.sw.Commands() {
		assert.Equal(t, drivers.CommandJoin, c.Op)
		assert.Equal(t, "239.1.1.1", c.GroupIP.String())
	}

	// a successful join is not repeated
	h.mgr.ConfigUpdated("platform")
	h.mgr.Wait()
	assert.Len(t, h.sw.Commands(), 2)
}

func TestFailedMulticastLeaveRetried(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0",
		Subnets: []string{"sn0"}, MulticastIP: "239.1.1.1"})
	h.start(true)
	h.waitSynced()
	require.Len(t, h.sw.Commands(), 1)

	h.sw.FailNextCommand(errors.New("igmp leave failed"))
	h.store.PutGroup(&policy.EndpointGroup{URI: "epg0", VNID: 0x100, FloodDomain: "fd0", Subnets: []string{"sn0"}})
	h.settle(func() bool { return len(h.sw.Commands()) == 2 })

	h.mgr.ConfigUpdated("platform")
	h.settle(func() bool { return len(h.sw.Commands()) == 3 })
	cmds := h.sw.Commands()
	assert.Equal(t, drivers.CommandLeave, cmds[2].Op)
	assert.Equal(t, "239.1.1.1", cmds[2].GroupIP.String())
}

func TestPeerLostDuringSync(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.sw.FailReads(1 << 20)
	h.start(true)
	h.settle(func() bool { return h.mgr.State() == SyncInProgress && h.sw.Reads() > 0 })

	h.mgr.PeerStatusUpdate(false)
	h.settle(func() bool { return h.mgr.State() == Connecting })
	h.sw.FailReads(0)
	reads := h.sw.Reads()
	time.Sleep(20 * time.Millisecond)
	h.mgr.Wait()
	assert.Equal(t, Connecting, h.mgr.State())
	assert.LessOrEqual(t, h.sw.Reads(), reads+1, "reads stop once the peer is gone")
	assert.Empty(t, h.sw.Dump())

	h.mgr.PeerStatusUpdate(true)
	h.waitSynced()
	assert.True(t, h.installed(flow.SecTable, "in_port=80"))
}

func TestUplinkRenamed(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()

	bucketOn := func(port uint32) bool {
		for _, g := range h.sw.Groups() {
			for _, b := range g.Buckets {
				if b.ID == port {
					return true
				}
			}
		}
		return false
	}
	require.True(t, bucketOn(2048))

	h.mgr.SetConfig(synth.Config{
		Encap:      synth.EncapVXLAN,
		EncapIface: "vxlan1",
		UplinkPeer: net.ParseIP("10.11.12.13"),
	})
	h.mgr.Wait()

	h.sw.SetPort("vxlan1", 4096)
	h.settle(func() bool { return bucketOn(4096) && !bucketOn(2048) })
}

func TestUplinkRenumbered(t *testing.T) {
	h := newHarness(t)
	h.withPolicy()
	h.start(true)
	h.waitSynced()

	bucketOn := func(port uint32) bool {
		for _, g := range h.sw.Groups() {
			for _, b := range g.Buckets {
				if b.ID == port {
					return true
				}
			}
		}
		return false
	}
	require.True(t, bucketOn(2048))

	h.sw.SetPort("vxlan0", 4096)
	h.settle(func() bool { return bucketOn(4096) && !bucketOn(2048) })
	assert.Equal(t, uint32(4096), h.mapper.FindPort("vxlan0"))
}
