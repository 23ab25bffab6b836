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
	"sort"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	log "github.com/sirupsen/logrus"
)

// MulticastGroups maps a multicast group address to the objects that
// subscribe to it.
type MulticastGroups map[string][]string

// IPs returns the group addresses in order.
func (mg MulticastGroups) IPs() []string {
	ips := make([]string, 0, len(mg))
	for ip := range mg {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

func (mg MulticastGroups) add(ip, uri string) {
	if ip == "" {
		return
	}
	addr, err := parseIP(ip)
	if err != nil || !addr.IsMulticast() {
		log.WithFields(log.Fields{"ip": ip, "object": uri}).
			Warn("Ignoring invalid or unsupported multicast subscription IP")
		return
	}
	key := addr.String()
	for _, u := range mg[key] {
		if u == uri {
			return
		}
	}
	mg[key] = append(mg[key], uri)
	sort.Strings(mg[key])
}

// Multicast computes the multicast groups the uplink must join. Only
// vxlan uplinks subscribe.
func Multicast(in *Input) MulticastGroups {
	mg := MulticastGroups{}
	if in.Config.Encap != EncapVXLAN || in.TunnelPort() == flow.PortNone {
		return mg
	}
	if pc, ok := in.Graph.PlatformConfig(); ok {
		mg.add(pc.MulticastIP, pc.URI)
	}
	fds := make(map[string]bool)
	for _, uri := range in.Graph.Groups() {
		g, ok := in.Graph.Group(uri)
		if !ok {
			continue
		}
		mg.add(g.MulticastIP, uri)
		if gf, ok := in.Graph.GroupForwarding(uri); ok && gf.FloodDomain != "" {
			fds[gf.FloodDomain] = true
		}
	}
	for fdURI := range fds {
		if fd, ok := in.Graph.FloodDomain(fdURI); ok {
			mg.add(fd.MulticastIP, fdURI)
		}
	}
	return mg
}
