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

import "hash/fnv"

// Reserved cookies distinguish rule families that share a table. They are
// small constants and never have the derived or contract bits set.
const (
	CookieLearn          uint64 = 0x1
	CookieProactiveLearn uint64 = 0x2
	CookieNeighDisc      uint64 = 0x3
	CookieDHCPv4         uint64 = 0x4
	CookieDHCPv6         uint64 = 0x5
	CookieVirtualIPv4    uint64 = 0x6
	CookieVirtualIPv6    uint64 = 0x7
	CookieICMPErrorV4    uint64 = 0x8
	CookieICMPErrorV6    uint64 = 0x9
)

const (
	cookieDerivedBit  uint64 = 1 << 63
	cookieContractBit uint64 = 1 << 62
)

// Owner kinds used to derive cookies.
const (
	KindEndpoint      = "endpoint"
	KindGroup         = "group"
	KindBridgeDomain  = "bridgeDomain"
	KindRoutingDomain = "routingDomain"
	KindFloodGroup    = "floodGroup"
	KindSubnet        = "subnet"
	KindService       = "service"
)

// CookieFor derives the cookie of rules owned by the object (kind, id).
func CookieFor(kind, id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return (h.Sum64() &^ cookieContractBit) | cookieDerivedBit
}

// ContractCookie returns the cookie of classifier rules for a contract id.
func ContractCookie(id uint32) uint64 {
	return cookieContractBit | uint64(id)
}

// IsReservedCookie reports whether c is one of the family cookies.
func IsReservedCookie(c uint64) bool {
	return c != 0 && c <= CookieICMPErrorV6
}
