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

package ovs

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MulticastListenPort is the UDP port of the sockets holding group
// memberships. No traffic is read from it.
const MulticastListenPort = 34242

// MulticastListener joins and leaves multicast groups on the uplink so the
// host receives tunnel traffic sent to them.
type MulticastListener struct {
	iface string

	mu     sync.Mutex
	v4     *ipv4.PacketConn
	v6     *ipv6.PacketConn
	joined map[string]bool
}

// NewMulticastListener returns a listener joining groups on iface. An empty
// iface lets the kernel pick the interface.
func NewMulticastListener(iface string) *MulticastListener {
	return &MulticastListener{iface: iface, joined: make(map[string]bool)}
}

func (m *MulticastListener) open() error {
	if m.v4 == nil {
		c, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(MulticastListenPort))
		if err != nil {
			log.WithError(err).Warn("Could not bind IPv4 multicast socket")
		} else {
			m.v4 = ipv4.NewPacketConn(c)
		}
	}
	if m.v6 == nil {
		c, err := net.ListenPacket("udp6", "[::]:"+strconv.Itoa(MulticastListenPort))
		if err != nil {
			log.WithError(err).Warn("Could not bind IPv6 multicast socket")
		} else {
			m.v6 = ipv6.NewPacketConn(c)
		}
	}
	if m.v4 == nil && m.v6 == nil {
		return errors.New("could not bind any multicast socket")
	}
	return nil
}

func (m *MulticastListener) ifi() (*net.Interface, error) {
	if m.iface == "" {
		return nil, nil
	}
	return net.InterfaceByName(m.iface)
}

// Execute runs a join or leave command.
func (m *MulticastListener) Execute(ctx context.Context, cmd drivers.Command) error {
	if cmd.GroupIP == nil || !cmd.GroupIP.IsMulticast() {
		return errors.Errorf("invalid multicast group %v", cmd.GroupIP)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.open(); err != nil {
		return err
	}
	ifi, err := m.ifi()
	if err != nil {
		return errors.Wrapf(err, "looking up %s", m.iface)
	}
	group := &net.UDPAddr{IP: cmd.GroupIP}
	key := cmd.GroupIP.String()
	logger := log.WithFields(log.Fields{"group": key, "switch": cmd.Switch, "tunnelPort": cmd.TunnelPort})

	switch cmd.Op {
	case drivers.CommandJoin:
		if m.joined[key] {
			return nil
		}
		if cmd.GroupIP.To4() != nil {
			if m.v4 == nil {
				return errors.Errorf("no IPv4 socket to join %s", key)
			}
			err = m.v4.JoinGroup(ifi, group)
		} else {
			if m.v6 == nil {
				return errors.Errorf("no IPv6 socket to join %s", key)
			}
			err = m.v6.JoinGroup(ifi, group)
		}
		if err != nil {
			return errors.Wrapf(err, "joining %s", key)
		}
		m.joined[key] = true
		logger.Info("Joined multicast group")
	case drivers.CommandLeave:
		if !m.joined[key] {
			return nil
		}
		if cmd.GroupIP.To4() != nil {
			err = m.v4.LeaveGroup(ifi, group)
		} else {
			err = m.v6.LeaveGroup(ifi, group)
		}
		delete(m.joined, key)
		if err != nil {
			return errors.Wrapf(err, "leaving %s", key)
		}
		logger.Info("Left multicast group")
	default:
		return errors.Errorf("unknown command %q", cmd.Op)
	}
	return nil
}

// Close drops every membership.
func (m *MulticastListener) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.v4 != nil {
		_ = m.v4.Close()
		m.v4 = nil
	}
	if m.v6 != nil {
		_ = m.v6.Close()
		m.v6 = nil
	}
	m.joined = make(map[string]bool)
	return nil
}
