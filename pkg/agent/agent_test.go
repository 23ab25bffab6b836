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

package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers/fake"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3/model"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flowmgr"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestAgentRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncDelay = time.Millisecond
	cfg.MetricsAddress = ""

	sw := fake.NewSwitch()
	client := &mockClient{}
	watch := make(chan clientv3.WatchResponse)
	alive := make(chan *clientv3.LeaseKeepAliveResponse)

	client.On("List", mock.Anything, "/nimbess/").Return([]etcdv3.RawKV{
		raw(policy.KindRoutingDomain, "rd0", `{}`),
		raw(policy.KindBridgeDomain, "bd0", `{"routingDomain":"rd0"}`),
		raw(policy.KindFloodDomain, "fd0", `{"bridgeDomain":"bd0"}`),
		raw(policy.KindGroup, "epg0", `{"vnid":256,"floodDomain":"fd0"}`),
		raw(policy.KindEndpoint, "ep0", `{"mac":"00:00:00:00:80:00","ips":["10.0.0.2"],"group":"epg0","interfaceName":"veth0"}`),
	}, int64(3), nil)
	client.On("Watch", mock.Anything, "/nimbess/", int64(4)).Return(clientv3.WatchChan(watch))
	client.On("Register", mock.Anything, mock.MatchedBy(func(kv *model.KVPair) bool {
		a, ok := kv.Value.(model.Agent)
		return ok && a.Switch == "br-int" && strings.HasPrefix(kv.Key.String(), "/nimbess/agents/")
	}), int64(DefaultRegistrationTTL)).Return((<-chan *clientv3.LeaseKeepAliveResponse)(alive), nil).Once()
	client.On("Close").Return(nil).Once()

	a := NewAgent(cfg, sw, sw, client)
	a.LinkWatcher = nil
	require.NoError(t, a.Init())
	sw.SetPort("veth0", 80)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Flows.State() == flowmgr.Synced
	}, 5*time.Second, time.Millisecond)
	a.Flows.Wait()

	var found bool
	for _, r := range sw.Rules(flow.SecTable) {
		if strings.Contains(r.String(), "in_port=80") {
			found = true
		}
	}
	assert.True(t, found, "no source rules for the endpoint port")

	cancel()
	close(watch)
	close(alive)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	client.AssertExpectations(t)
}

func TestAgentRunUninitialized(t *testing.T) {
	a := NewAgent(DefaultConfig(), fake.NewSwitch(), nil, &mockClient{})
	assert.Error(t, a.Run(context.Background()))
}
