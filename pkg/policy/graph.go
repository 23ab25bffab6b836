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

// Package policy holds the policy graph and endpoint registry consumed by
// the flow synthesizers, and the in-memory store that implements both.
package policy

// Kind names a type of policy object.
type Kind string

const (
	KindEndpoint        Kind = "endpoints"
	KindService         Kind = "services"
	KindGroup           Kind = "groups"
	KindFloodDomain     Kind = "flooddomains"
	KindBridgeDomain    Kind = "bridgedomains"
	KindRoutingDomain   Kind = "routingdomains"
	KindSubnet          Kind = "subnets"
	KindExternalNetwork Kind = "externalnetworks"
	KindContract        Kind = "contracts"
	KindPlatform        Kind = "platform"
)

// Kinds lists every object kind.
var Kinds = []Kind{
	KindEndpoint,
	KindService,
	KindGroup,
	KindFloodDomain,
	KindBridgeDomain,
	KindRoutingDomain,
	KindSubnet,
	KindExternalNetwork,
	KindContract,
	KindPlatform,
}

// Graph resolves policy objects by identifier.
type Graph interface {
	Group(uri string) (*EndpointGroup, bool)
	Groups() []string
	// GroupForwarding resolves the domains of a group. It fails only when
	// the group is unknown.
	GroupForwarding(uri string) (GroupForwarding, bool)
	GroupsForFloodDomain(fd string) []string
	GroupsForRoutingDomain(rd string) []string
	FloodDomain(uri string) (*FloodDomain, bool)
	BridgeDomain(uri string) (*BridgeDomain, bool)
	RoutingDomain(uri string) (*RoutingDomain, bool)
	RoutingDomains() []string
	Subnet(uri string) (*Subnet, bool)
	SubnetsForGroup(uri string) []*Subnet
	ExternalNetwork(uri string) (*ExternalNetwork, bool)
	ExternalNetworks() []string
	Contract(uri string) (*Contract, bool)
	Contracts() []string
	ContractsForGroup(uri string) []string
	PlatformConfig() (*PlatformConfig, bool)
}

// Registry looks up local endpoints and anycast services.
type Registry interface {
	Endpoint(uuid string) (*Endpoint, bool)
	Endpoints() []string
	EndpointsForGroup(uri string) []string
	EndpointsForInterface(name string) []string
	EndpointsForNextHopInterface(name string) []string
	EndpointsForIPMappingGroup(uri string) []string
	Service(uuid string) (*AnycastService, bool)
	Services() []string
	ServicesForInterface(name string) []string
	ServicesForDomain(uri string) []string
}

// Listener is notified after an object is added, changed or removed.
type Listener interface {
	EndpointUpdated(uuid string)
	ServiceUpdated(uuid string)
	GroupUpdated(uri string)
	DomainUpdated(kind Kind, uri string)
	ContractUpdated(uri string)
	ConfigUpdated(uri string)
}
