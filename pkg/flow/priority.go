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

// Priority bands per table. Within a table, static rules sit lowest, then
// domain rules, then endpoint rules, then NAT and service overrides.
const (
	PrioSecEpMac           uint16 = 20
	PrioSecStaticDrop      uint16 = 25
	PrioSecStaticAllow     uint16 = 27
	PrioSecEpIP            uint16 = 30
	PrioSecVirtualDHCP     uint16 = 35
	PrioSecEpArpND         uint16 = 40
	PrioSecPromiscuous     uint16 = 50
	PrioSecUplink          uint16 = 50
	PrioSecVirtualIP       uint16 = 60
	PrioSecActiveVirtualIP uint16 = 61
	PrioSecServiceIface    uint16 = 90
	PrioSecService         uint16 = 100
)

const (
	PrioSrcPromiscuous    uint16 = 138
	PrioSrcEndpoint       uint16 = 140
	PrioSrcUplink         uint16 = 149
	PrioSrcNextHopRevMark uint16 = 200
	PrioSrcNextHopRevDNAT uint16 = 201
)

const (
	PrioServiceRevDefault uint16 = 1
)

const (
	PrioBridgeUnknownTunnel   uint16 = 1
	PrioBridgeRouting         uint16 = 2
	PrioBridgeUnknownLearn    uint16 = 5
	PrioBridgeEpMac           uint16 = 10
	PrioBridgeFlood           uint16 = 10
	PrioBridgeArpND           uint16 = 20
	PrioBridgeRouterSolicit   uint16 = 20
	PrioBridgeRouterReply     uint16 = 20
	PrioBridgeRouterTunnelArp uint16 = 22
	PrioBridgeService         uint16 = 50
	PrioBridgeServiceArpND    uint16 = 51
	PrioBridgeDHCPDiscovery   uint16 = 51
)

const (
	PrioRouteUnknownTunnel    uint16 = 1
	PrioRouteExtNetBase       uint16 = 150
	PrioRouteIntSubnetBase    uint16 = 300
	PrioRouteFloatingResubmit uint16 = 450
	PrioRouteFloatingDNAT     uint16 = 452
	PrioRouteEndpoint         uint16 = 500
)

const (
	PrioNatExtNetBase uint16 = 150
)

const (
	PrioLearnUnknown   uint16 = 5
	PrioLearnProactive uint16 = 101
)

const (
	PrioServiceDstGateway uint16 = 31
	PrioServiceDst        uint16 = 50
	PrioServiceDstArpND   uint16 = 51
)

// Policy table. Contract classifiers descend from MaxPolicyRulePriority
// and never reach MinPolicyRulePriority; intra-group and policy-applied
// rules sit in a band above.
const (
	PrioPolicyRDDrop      uint16 = 1
	PrioPolicyDiscovery   uint16 = 10
	MinPolicyRulePriority uint16 = 1024
	MaxPolicyRulePriority uint16 = 8192
	PrioPolicyApplied     uint16 = MaxPolicyRulePriority + 50
	PrioPolicyFromService uint16 = MaxPolicyRulePriority + 51
	PrioIntraGroupAllow   uint16 = MaxPolicyRulePriority + 100
	PrioIntraGroupDeny    uint16 = MaxPolicyRulePriority + 200
)

const (
	PrioOutDefault      uint16 = 1
	PrioOutHairpin      uint16 = 2
	PrioOutAction       uint16 = 10
	PrioOutRouterTunnel uint16 = 11
)

// SubnetPriority returns base plus the prefix length so longer prefixes win.
func SubnetPriority(base uint16, prefixLen int) uint16 {
	return base + uint16(prefixLen)
}
