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

package policy

// AddressResMode controls how ARP and neighbor discovery are handled in a
// flood domain.
type AddressResMode string

const (
	// AddressResUnicast answers or unicasts resolution requests to the
	// known endpoint.
	AddressResUnicast AddressResMode = "unicast"
	// AddressResFlood floods resolution requests.
	AddressResFlood AddressResMode = "flood"
	// AddressResDrop drops resolution requests for local endpoints.
	AddressResDrop AddressResMode = "drop"
)

// UnknownFloodMode controls unknown unicast in a flood domain.
type UnknownFloodMode string

const (
	UnknownDrop  UnknownFloodMode = "drop"
	UnknownFlood UnknownFloodMode = "flood"
)

// BcastFloodMode controls broadcast between groups sharing a flood domain.
type BcastFloodMode string

const (
	BcastNormal   BcastFloodMode = "normal"
	BcastIsolated BcastFloodMode = "isolated"
)

// IntraGroupPolicy is the treatment of traffic between members of one group.
type IntraGroupPolicy string

const (
	IntraAllow           IntraGroupPolicy = "allow"
	IntraDeny            IntraGroupPolicy = "deny"
	IntraRequireContract IntraGroupPolicy = "require-contract"
)

// Direction of a contract rule relative to the provider.
type Direction string

const (
	DirIn            Direction = "in"
	DirOut           Direction = "out"
	DirBidirectional Direction = "bidirectional"
)

// ServiceMode of an anycast service.
type ServiceMode string

const (
	ServiceLocalAnycast ServiceMode = "local-anycast"
	ServiceLoadBalancer ServiceMode = "loadbalancer"
)

// VirtualIP is an additional address an endpoint may claim.
type VirtualIP struct {
	MAC string `json:"mac"`
	// IP is an address or a prefix.
	IP string `json:"ip"`
}

// DHCPConfig enables the virtual DHCP server for an endpoint.
type DHCPConfig struct {
	// ServerIP overrides the default virtual server address (v4 only).
	ServerIP string `json:"serverIp,omitempty"`
}

// IPMapping is a floating IP of an endpoint.
type IPMapping struct {
	UUID       string `json:"uuid"`
	MappedIP   string `json:"mappedIp"`
	FloatingIP string `json:"floatingIp"`
	// Group is the endpoint group of the floating address.
	Group      string `json:"group"`
	NextHopIf  string `json:"nextHopIf,omitempty"`
	NextHopMAC string `json:"nextHopMac,omitempty"`
}

// Endpoint is a local workload attached to a switch interface.
type Endpoint struct {
	UUID             string      `json:"uuid"`
	MAC              string      `json:"mac"`
	IPs              []string    `json:"ips,omitempty"`
	InterfaceName    string      `json:"interfaceName"`
	Group            string      `json:"group"`
	Promiscuous      bool        `json:"promiscuous,omitempty"`
	DiscoveryProxy   bool        `json:"discoveryProxy,omitempty"`
	VirtualIPs       []VirtualIP `json:"virtualIps,omitempty"`
	DHCPv4           *DHCPConfig `json:"dhcpv4,omitempty"`
	DHCPv6           *DHCPConfig `json:"dhcpv6,omitempty"`
	IPMappings       []IPMapping `json:"ipMappings,omitempty"`
	AnycastReturnIPs []string    `json:"anycastReturnIps,omitempty"`
}

// EndpointGroup is a set of endpoints sharing forwarding and policy.
type EndpointGroup struct {
	URI  string `json:"uri"`
	VNID uint32 `json:"vnid"`

	// FloodDomain, BridgeDomain and RoutingDomain are resolved through the
	// chain group -> flood domain -> bridge domain -> routing domain when
	// not set directly.
	FloodDomain   string           `json:"floodDomain,omitempty"`
	BridgeDomain  string           `json:"bridgeDomain,omitempty"`
	RoutingDomain string           `json:"routingDomain,omitempty"`
	Subnets       []string         `json:"subnets,omitempty"`
	IntraPolicy   IntraGroupPolicy `json:"intraPolicy,omitempty"`
	MulticastIP   string           `json:"multicastIp,omitempty"`
}

// FloodDomain is a layer 2 flood scope.
type FloodDomain struct {
	URI          string           `json:"uri"`
	BridgeDomain string           `json:"bridgeDomain,omitempty"`
	ArpMode      AddressResMode   `json:"arpMode,omitempty"`
	NDMode       AddressResMode   `json:"ndMode,omitempty"`
	UnknownFlood UnknownFloodMode `json:"unknownFlood,omitempty"`
	BcastFlood   BcastFloodMode   `json:"bcastFlood,omitempty"`
	MulticastIP  string           `json:"multicastIp,omitempty"`
}

// BridgeDomain is a layer 2 forwarding scope.
type BridgeDomain struct {
	URI           string `json:"uri"`
	RoutingDomain string `json:"routingDomain,omitempty"`

	// RoutingDisabled turns off bridge to route fallthrough.
	RoutingDisabled bool `json:"routingDisabled,omitempty"`
}

// RoutingDomain is a layer 3 forwarding scope.
type RoutingDomain struct {
	URI string `json:"uri"`

	// InternalSubnets are prefixes reachable through the fabric.
	InternalSubnets  []string `json:"internalSubnets,omitempty"`
	ExternalNetworks []string `json:"externalNetworks,omitempty"`
}

// Subnet is an address range of an endpoint group.
type Subnet struct {
	URI             string `json:"uri"`
	Prefix          string `json:"prefix"`
	VirtualRouterIP string `json:"virtualRouterIp,omitempty"`
}

// ExternalNetwork is an address space outside the fabric.
type ExternalNetwork struct {
	URI           string   `json:"uri"`
	RoutingDomain string   `json:"routingDomain"`
	Subnets       []string `json:"subnets,omitempty"`

	// NatGroup translates traffic to this network through an endpoint group.
	NatGroup string `json:"natGroup,omitempty"`
}

// TCP flag bits usable in a classifier.
const (
	TCPFlagFIN uint32 = 0x1
	TCPFlagSYN uint32 = 0x2
	TCPFlagRST uint32 = 0x4
	TCPFlagACK uint32 = 0x10
	// TCPFlagEstablished matches packets of an established connection.
	TCPFlagEstablished uint32 = 0x80000000
)

// Classifier selects traffic. Zero fields are wildcards.
type Classifier struct {
	ArpOp       uint16 `json:"arpOp,omitempty"`
	EtherType   uint16 `json:"etherType,omitempty"`
	Proto       uint8  `json:"proto,omitempty"`
	SrcPortFrom uint16 `json:"srcPortFrom,omitempty"`
	SrcPortTo   uint16 `json:"srcPortTo,omitempty"`
	DstPortFrom uint16 `json:"dstPortFrom,omitempty"`
	DstPortTo   uint16 `json:"dstPortTo,omitempty"`
	ICMPType    *uint8 `json:"icmpType,omitempty"`
	ICMPCode    *uint8 `json:"icmpCode,omitempty"`
	TCPFlags    uint32 `json:"tcpFlags,omitempty"`
}

// ContractRule is one ordered classifier of a contract.
type ContractRule struct {
	Direction  Direction  `json:"direction"`
	Allow      bool       `json:"allow"`
	Classifier Classifier `json:"classifier"`
}

// Contract governs traffic between provider and consumer groups. Members
// are endpoint group or external network URIs.
type Contract struct {
	URI       string         `json:"uri"`
	Providers []string       `json:"providers,omitempty"`
	Consumers []string       `json:"consumers,omitempty"`
	Rules     []ContractRule `json:"rules,omitempty"`
}

// ServiceMapping is one address served by an anycast service.
type ServiceMapping struct {
	ServiceIP    string `json:"serviceIp"`
	ServiceProto string `json:"serviceProto,omitempty"`
	ServicePort  uint16 `json:"servicePort,omitempty"`
	GatewayIP    string `json:"gatewayIp,omitempty"`
}

// AnycastService is a service answered by a local interface.
type AnycastService struct {
	UUID          string           `json:"uuid"`
	Mode          ServiceMode      `json:"mode"`
	DomainURI     string           `json:"domain"`
	InterfaceName string           `json:"interfaceName,omitempty"`
	ServiceMAC    string           `json:"serviceMac,omitempty"`
	VLAN          uint16           `json:"vlan,omitempty"`
	Mappings      []ServiceMapping `json:"mappings,omitempty"`
}

// PlatformConfig carries fabric wide settings.
type PlatformConfig struct {
	URI         string `json:"uri"`
	MulticastIP string `json:"multicastIp,omitempty"`
}

// GroupForwarding is the resolved forwarding context of an endpoint group.
type GroupForwarding struct {
	VNID          uint32
	FloodDomain   string
	BridgeDomain  string
	RoutingDomain string
}
