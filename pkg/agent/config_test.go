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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/synth"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
switch_name: br-test
encap_type: vxlan
encap_iface: vxlan0
uplink_peer_ip: 10.0.0.1
virtual_router:
  enabled: true
  router_adv: false
  mac: "00:22:bd:f8:19:ff"
flood_scope: fd
sync_delay: 50ms
etcd_endpoints: http://etcd-0:2379,http://etcd-1:2379
id_store:
  type: redis
  address: localhost:6379
`

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	sc := cfg.SynthConfig()
	assert.Equal(t, synth.EncapNone, sc.Encap)
	assert.Equal(t, synth.DefaultRouterMAC, sc.RouterMAC)
	assert.Equal(t, synth.DefaultDHCPMAC, sc.DHCPMAC)
	assert.True(t, sc.VirtualRouter)
	assert.Nil(t, sc.UplinkPeer)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	cfg, err := InitConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "br-test", cfg.SwitchName)
	assert.Equal(t, 50*time.Millisecond, cfg.SyncDelay)
	assert.Equal(t, IDStore{Type: "redis", Address: "localhost:6379"}, cfg.IDStore)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultMetricsAddress, cfg.MetricsAddress)
	assert.True(t, cfg.VirtualDHCP.Enabled)

	sc := cfg.SynthConfig()
	assert.Equal(t, synth.EncapVXLAN, sc.Encap)
	assert.Equal(t, "10.0.0.1", sc.UplinkPeer.String())
	assert.False(t, sc.RouterAdv)
	assert.Equal(t, "00:22:bd:f8:19:ff", sc.RouterMAC.String())
	assert.Equal(t, synth.FloodScopeFD, sc.FloodScope)
}

func TestInitConfigMissingFile(t *testing.T) {
	cfg, err := InitConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"no switch", func(c *Config) { c.SwitchName = "" }},
		{"bad encap", func(c *Config) { c.EncapType = "gre" }},
		{"encap without iface", func(c *Config) { c.EncapType = "vlan" }},
		{"bad peer", func(c *Config) { c.UplinkPeerIP = "10.0.0" }},
		{"bad flood scope", func(c *Config) { c.FloodScope = "bd" }},
		{"bad router mac", func(c *Config) { c.VirtualRouter.MAC = "zz" }},
		{"bad id store", func(c *Config) { c.IDStore.Type = "mysql" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
