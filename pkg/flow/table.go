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

// Package flow contains the rule and group primitives programmed into the
// switch pipeline together with the diff engine that tracks what is installed.
package flow

import "fmt"

// TableID identifies one stage of the switch pipeline.
type TableID uint8

// Pipeline stages, in packet traversal order.
const (
	// SecTable enforces port security (source MAC/IP binding).
	SecTable TableID = iota
	// SrcTable classifies traffic into an endpoint group and loads domain registers.
	SrcTable
	// ServiceRevTable rewrites return traffic coming from anycast service interfaces.
	ServiceRevTable
	// BridgeTable performs layer 2 destination lookups.
	BridgeTable
	// RouteTable performs layer 3 destination lookups.
	RouteTable
	// NatInTable maps traffic from external networks back into the fabric.
	NatInTable
	// LearnTable holds reactive and proactive MAC learning entries.
	LearnTable
	// ServiceDstTable delivers traffic for anycast services and their return path.
	ServiceDstTable
	// PolicyTable applies contracts between endpoint groups.
	PolicyTable
	// OutTable finalizes metadata and outputs the packet.
	OutTable
	// NumTables is the number of pipeline stages.
	NumTables
)

var tableNames = [NumTables]string{
	SecTable:        "SEC",
	SrcTable:        "SRC",
	ServiceRevTable: "SERVICE_REV",
	BridgeTable:     "BRIDGE",
	RouteTable:      "ROUTE",
	NatInTable:      "NAT_IN",
	LearnTable:      "LEARN",
	ServiceDstTable: "SERVICE_DST",
	PolicyTable:     "POL",
	OutTable:        "OUT",
}

func (t TableID) String() string {
	if t < NumTables {
		return tableNames[t]
	}
	return fmt.Sprintf("table%d", uint8(t))
}

// Tables returns every pipeline table in traversal order.
func Tables() []TableID {
	tables := make([]TableID, 0, NumTables)
	for t := SecTable; t < NumTables; t++ {
		tables = append(tables, t)
	}
	return tables
}

// Register numbers used to carry classification state between tables.
const (
	RegSrcEPG  = 0 // source endpoint group vnid
	RegDstEPG  = 2 // destination endpoint group vnid
	RegBD      = 4 // bridge domain id
	RegFD      = 5 // flood group id
	RegRD      = 6 // routing domain id
	RegOutPort = 7 // output port or tunnel destination
)

// Metadata bits written by earlier tables and matched by the output table.
const (
	// MetaOutMask selects the output action bits.
	MetaOutMask uint64 = 0xff
	// MetaOutTunnel outputs to the uplink tunnel of the source group.
	MetaOutTunnel uint64 = 0x1
	// MetaOutFlood outputs to the flood group.
	MetaOutFlood uint64 = 0x2
	// MetaOutRevNat outputs to REG7 after reverse NAT.
	MetaOutRevNat uint64 = 0x3
	// MetaOutNat applies the NAT mapping of the source endpoint.
	MetaOutNat uint64 = 0x4
	// MetaOutResubmitDst resubmits to the bridge table as the destination group.
	MetaOutResubmitDst uint64 = 0x5
	// MetaPolicyApplied marks traffic that already had policy applied upstream.
	MetaPolicyApplied uint64 = 0x100
	// MetaFromServiceIface marks traffic received from a service interface.
	MetaFromServiceIface uint64 = 0x200
	// MetaRouted marks traffic that went through the routing table.
	MetaRouted uint64 = 0x400
)

// Special port numbers.
const (
	// PortNone means the port is not known.
	PortNone uint32 = 0xffffffff
	// PortInPort outputs back through the ingress port.
	PortInPort uint32 = 0xfffffff8
)
