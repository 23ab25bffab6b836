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
	"net"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers/ovs"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3/model"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flowmgr"
	"github.com/nimbess/nimbess-ovs-agent/pkg/synth"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// DefaultSwitchName is the integration bridge the agent programs.
	DefaultSwitchName = "br-int"
	// DefaultEtcdEndpoints is used when no etcd endpoint is configured.
	DefaultEtcdEndpoints = "http://127.0.0.1:2379"
	// DefaultMetricsAddress is where /metrics is served.
	DefaultMetricsAddress = ":9112"
	// DefaultRegistrationTTL is the lease of the agent record in seconds.
	DefaultRegistrationTTL = 10
)

// VirtualRouter configures the distributed router.
type VirtualRouter struct {
	Enabled   bool   `mapstructure:"enabled"`
	RouterAdv bool   `mapstructure:"router_adv"`
	MAC       string `mapstructure:"mac"`
}

// VirtualDHCP configures the DHCP responder.
type VirtualDHCP struct {
	Enabled bool   `mapstructure:"enabled"`
	MAC     string `mapstructure:"mac"`
}

// IDStore selects where allocated identifiers are persisted.
type IDStore struct {
	Type    string `mapstructure:"type"`
	Address string `mapstructure:"address"`
}

// Config contains the agent configuration.
type Config struct {
	SwitchName         string        `mapstructure:"switch_name"`
	OfctlPath          string        `mapstructure:"ofctl_path"`
	ControlSocket      string        `mapstructure:"control_socket"`
	EncapType          string        `mapstructure:"encap_type"`
	EncapIface         string        `mapstructure:"encap_iface"`
	UplinkPeerIP       string        `mapstructure:"uplink_peer_ip"`
	VirtualRouter      VirtualRouter `mapstructure:"virtual_router"`
	VirtualDHCP        VirtualDHCP   `mapstructure:"virtual_dhcp"`
	FloodScope         string        `mapstructure:"flood_scope"`
	SyncDelay          time.Duration `mapstructure:"sync_delay"`
	MulticastGroupFile string        `mapstructure:"multicast_group_file"`
	EtcdEndpoints      string        `mapstructure:"etcd_endpoints"`
	EtcdDialTimeout    time.Duration `mapstructure:"etcd_dial_timeout"`
	EtcdPrefix         string        `mapstructure:"etcd_prefix"`
	IDStore            IDStore       `mapstructure:"id_store"`
	MetricsAddress     string        `mapstructure:"metrics_address"`
	LogLevel           string        `mapstructure:"log_level"`
	LogDir             string        `mapstructure:"log_dir"`
}

// DefaultConfig returns the configuration used for every key the file
// leaves out.
func DefaultConfig() *Config {
	return &Config{
		SwitchName:     DefaultSwitchName,
		OfctlPath:      ovs.DefaultOfctlPath,
		EncapType:      string(synth.EncapNone),
		VirtualRouter:  VirtualRouter{Enabled: true, RouterAdv: true, MAC: synth.DefaultRouterMAC.String()},
		VirtualDHCP:    VirtualDHCP{Enabled: true, MAC: synth.DefaultDHCPMAC.String()},
		FloodScope:     string(synth.FloodScopeEPG),
		SyncDelay:      flowmgr.DefaultSyncDelay,
		EtcdEndpoints:  DefaultEtcdEndpoints,
		EtcdPrefix:     model.DefaultPrefix,
		IDStore:        IDStore{Type: "memory"},
		MetricsAddress: DefaultMetricsAddress,
		LogLevel:       "info",
		LogDir:         "/var/log/nimbess",
	}
}

// InitConfig loads the agent config file on top of the defaults. A
// missing file keeps the defaults.
func InitConfig(v *viper.Viper, cfgPath string) (*Config, error) {
	cfg := DefaultConfig()
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			log.Warningf("Unable to read agent config file: %v, will use defaults", err)
		} else {
			log.Infof("Configuration file found: %s", cfgPath)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to parse agent config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debugf("Configuration parsed as: %+v", cfg)
	return cfg, nil
}

// Validate checks the values the agent cannot run without.
func (c *Config) Validate() error {
	if c.SwitchName == "" {
		return errors.New("switch_name must be set")
	}
	encap, err := synth.ParseEncapType(c.EncapType)
	if err != nil {
		return err
	}
	if encap != synth.EncapNone && c.EncapIface == "" {
		return errors.Errorf("encap_iface is required for %s", c.EncapType)
	}
	if c.UplinkPeerIP != "" && net.ParseIP(c.UplinkPeerIP) == nil {
		return errors.Errorf("invalid uplink_peer_ip %q", c.UplinkPeerIP)
	}
	switch synth.FloodScope(c.FloodScope) {
	case synth.FloodScopeEPG, synth.FloodScopeFD:
	default:
		return errors.Errorf("unknown flood_scope %q", c.FloodScope)
	}
	for _, mac := range []string{c.VirtualRouter.MAC, c.VirtualDHCP.MAC} {
		if mac == "" {
			continue
		}
		if _, err := net.ParseMAC(mac); err != nil {
			return errors.Wrapf(err, "invalid MAC %q", mac)
		}
	}
	switch c.IDStore.Type {
	case "", "memory", "redis":
	default:
		return errors.Errorf("unknown id_store type %q", c.IDStore.Type)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SynthConfig converts the file settings into the synthesizer
// configuration.
func (c *Config) SynthConfig() synth.Config {
	encap, _ := synth.ParseEncapType(c.EncapType)
	sc := synth.Config{
		Encap:         encap,
		EncapIface:    c.EncapIface,
		UplinkPeer:    net.ParseIP(c.UplinkPeerIP),
		VirtualRouter: c.VirtualRouter.Enabled,
		RouterAdv:     c.VirtualRouter.RouterAdv,
		VirtualDHCP:   c.VirtualDHCP.Enabled,
		FloodScope:    synth.FloodScope(c.FloodScope),
	}
	if mac, err := net.ParseMAC(c.VirtualRouter.MAC); err == nil {
		sc.RouterMAC = mac
	}
	if mac, err := net.ParseMAC(c.VirtualDHCP.MAC); err == nil {
		sc.DHCPMAC = mac
	}
	return sc
}
