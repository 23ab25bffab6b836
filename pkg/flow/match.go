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

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

type fieldKind uint8

const (
	kindDec fieldKind = iota
	kindHex
	kindMAC
	kindIPv4
	kindIPv6
)

type fieldDef struct {
	name string
	kind fieldKind
}

// field order is the canonical rendering order of a match.
var fieldDefs = []fieldDef{
	{"in_port", kindDec},
	{"pkt_mark", kindHex},
	{"tun_id", kindHex},
	{"reg0", kindHex},
	{"reg1", kindHex},
	{"reg2", kindHex},
	{"reg3", kindHex},
	{"reg4", kindHex},
	{"reg5", kindHex},
	{"reg6", kindHex},
	{"reg7", kindHex},
	{"metadata", kindHex},
	{"dl_src", kindMAC},
	{"dl_dst", kindMAC},
	{"dl_vlan", kindDec},
	{"dl_type", kindHex},
	{"nw_proto", kindDec},
	{"nw_src", kindIPv4},
	{"nw_dst", kindIPv4},
	{"ipv6_src", kindIPv6},
	{"ipv6_dst", kindIPv6},
	{"arp_op", kindDec},
	{"arp_spa", kindIPv4},
	{"arp_tpa", kindIPv4},
	{"icmp_type", kindDec},
	{"icmp_code", kindDec},
	{"nd_target", kindIPv6},
	{"tp_src", kindDec},
	{"tp_dst", kindDec},
	{"tcp_flags", kindHex},
}

var fieldIndex = func() map[string]int {
	m := make(map[string]int, len(fieldDefs))
	for i, d := range fieldDefs {
		m[d.name] = i
	}
	return m
}()

// aliases accepted when parsing switch dumps
var fieldAliases = map[string]string{
	"eth_src":     "dl_src",
	"eth_dst":     "dl_dst",
	"eth_type":    "dl_type",
	"ip_proto":    "nw_proto",
	"ip_src":      "nw_src",
	"ip_dst":      "nw_dst",
	"icmpv6_type": "icmp_type",
	"icmpv6_code": "icmp_code",
	"skb_mark":    "pkt_mark",
	"tunnel_id":   "tun_id",
	"vlan_vid":    "dl_vlan",
}

// protocol shorthand keywords printed by ovs-ofctl
var protoKeywords = map[string][2]uint16{
	"ip":    {uint16(layers.EthernetTypeIPv4), 0},
	"ipv6":  {uint16(layers.EthernetTypeIPv6), 0},
	"arp":   {uint16(layers.EthernetTypeARP), 0},
	"tcp":   {uint16(layers.EthernetTypeIPv4), uint16(layers.IPProtocolTCP)},
	"tcp6":  {uint16(layers.EthernetTypeIPv6), uint16(layers.IPProtocolTCP)},
	"udp":   {uint16(layers.EthernetTypeIPv4), uint16(layers.IPProtocolUDP)},
	"udp6":  {uint16(layers.EthernetTypeIPv6), uint16(layers.IPProtocolUDP)},
	"icmp":  {uint16(layers.EthernetTypeIPv4), uint16(layers.IPProtocolICMPv4)},
	"icmp6": {uint16(layers.EthernetTypeIPv6), uint16(layers.IPProtocolICMPv6)},
}

type matchField struct {
	idx   int
	value string
}

// Match is a predicate over packet and pipeline metadata fields. Values
// are stored in the canonical ovs-ofctl text form so that two matches
// built from the same inputs, or parsed back from a flow dump, compare
// equal as strings.
type Match struct {
	fields []matchField
}

func (m *Match) set(name, value string) *Match {
	idx := fieldIndex[name]
	pos := sort.Search(len(m.fields), func(i int) bool { return m.fields[i].idx >= idx })
	if pos < len(m.fields) && m.fields[pos].idx == idx {
		m.fields[pos].value = value
		return m
	}
	m.fields = append(m.fields, matchField{})
	copy(m.fields[pos+1:], m.fields[pos:])
	m.fields[pos] = matchField{idx: idx, value: value}
	return m
}

// Field returns the canonical value of a named field.
func (m Match) Field(name string) (string, bool) {
	idx, ok := fieldIndex[name]
	if !ok {
		return "", false
	}
	for _, f := range m.fields {
		if f.idx == idx {
			return f.value, true
		}
	}
	return "", false
}

// Empty reports whether the match is a wildcard.
func (m Match) Empty() bool {
	return len(m.fields) == 0
}

func (m Match) String() string {
	parts := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		parts = append(parts, fieldDefs[f.idx].name+"="+f.value)
	}
	return strings.Join(parts, ",")
}

func hexValue(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func maskedHex(v, mask uint64) string {
	return hexValue(v&mask) + "/" + hexValue(mask)
}

func prefixValue(ip net.IP, prefix int) string {
	bits := 32
	if ip.To4() == nil {
		bits = 128
	} else {
		ip = ip.To4()
	}
	if prefix < 0 || prefix >= bits {
		return ip.String()
	}
	return ip.Mask(net.CIDRMask(prefix, bits)).String() + "/" + strconv.Itoa(prefix)
}

// InPort matches the ingress port.
func (m *Match) InPort(port uint32) *Match {
	return m.set("in_port", strconv.FormatUint(uint64(port), 10))
}

// Reg matches the full value of a 32-bit register.
func (m *Match) Reg(reg int, value uint32) *Match {
	return m.set("reg"+strconv.Itoa(reg), hexValue(uint64(value)))
}

// Metadata matches the pipeline metadata under mask.
func (m *Match) Metadata(value, mask uint64) *Match {
	return m.set("metadata", maskedHex(value, mask))
}

// PktMark matches the packet (skb) mark.
func (m *Match) PktMark(mark uint32) *Match {
	return m.set("pkt_mark", hexValue(uint64(mark)))
}

// TunID matches the tunnel id.
func (m *Match) TunID(id uint64) *Match {
	return m.set("tun_id", hexValue(id))
}

// VlanVID matches the 12-bit VLAN id.
func (m *Match) VlanVID(vid uint16) *Match {
	return m.set("dl_vlan", strconv.Itoa(int(vid&0xfff)))
}

// EthSrc matches the source MAC address.
func (m *Match) EthSrc(mac net.HardwareAddr) *Match {
	return m.set("dl_src", mac.String())
}

// EthDst matches the destination MAC address.
func (m *Match) EthDst(mac net.HardwareAddr) *Match {
	return m.set("dl_dst", mac.String())
}

// EthDstMasked matches the destination MAC address under mask.
func (m *Match) EthDstMasked(mac, mask net.HardwareAddr) *Match {
	masked := make(net.HardwareAddr, len(mac))
	for i := range mac {
		masked[i] = mac[i] & mask[i]
	}
	return m.set("dl_dst", masked.String()+"/"+mask.String())
}

// EthType matches the ethertype.
func (m *Match) EthType(t layers.EthernetType) *Match {
	return m.set("dl_type", hexValue(uint64(t)))
}

// IPProto matches the IP protocol. The ethertype must be set separately.
func (m *Match) IPProto(p layers.IPProtocol) *Match {
	return m.set("nw_proto", strconv.Itoa(int(p)))
}

func (m *Match) ipField(v4, v6 string, ip net.IP, prefix int) *Match {
	if ip.To4() != nil {
		m.EthType(layers.EthernetTypeIPv4)
		return m.set(v4, prefixValue(ip, prefix))
	}
	m.EthType(layers.EthernetTypeIPv6)
	return m.set(v6, prefixValue(ip, prefix))
}

// IPSrc matches an exact IPv4 or IPv6 source address and sets the ethertype.
func (m *Match) IPSrc(ip net.IP) *Match {
	return m.ipField("nw_src", "ipv6_src", ip, -1)
}

// IPDst matches an exact IPv4 or IPv6 destination address and sets the ethertype.
func (m *Match) IPDst(ip net.IP) *Match {
	return m.ipField("nw_dst", "ipv6_dst", ip, -1)
}

// IPSrcNet matches a source prefix.
func (m *Match) IPSrcNet(ip net.IP, prefix int) *Match {
	return m.ipField("nw_src", "ipv6_src", ip, prefix)
}

// IPDstNet matches a destination prefix.
func (m *Match) IPDstNet(ip net.IP, prefix int) *Match {
	return m.ipField("nw_dst", "ipv6_dst", ip, prefix)
}

// ArpOp matches an ARP opcode and sets the ethertype.
func (m *Match) ArpOp(op uint16) *Match {
	m.EthType(layers.EthernetTypeARP)
	return m.set("arp_op", strconv.Itoa(int(op)))
}

// ArpSPA matches the ARP sender protocol address under a prefix.
func (m *Match) ArpSPA(ip net.IP, prefix int) *Match {
	m.EthType(layers.EthernetTypeARP)
	return m.set("arp_spa", prefixValue(ip, prefix))
}

// ArpTPA matches the ARP target protocol address.
func (m *Match) ArpTPA(ip net.IP) *Match {
	m.EthType(layers.EthernetTypeARP)
	return m.set("arp_tpa", prefixValue(ip, -1))
}

// ICMP matches an ICMP or ICMPv6 type and code.
func (m *Match) ICMP(v6 bool, icmpType, icmpCode uint8) *Match {
	m.ICMPType(v6, icmpType)
	return m.set("icmp_code", strconv.Itoa(int(icmpCode)))
}

// ICMPType matches an ICMP or ICMPv6 type only.
func (m *Match) ICMPType(v6 bool, icmpType uint8) *Match {
	if v6 {
		m.EthType(layers.EthernetTypeIPv6).IPProto(layers.IPProtocolICMPv6)
	} else {
		m.EthType(layers.EthernetTypeIPv4).IPProto(layers.IPProtocolICMPv4)
	}
	return m.set("icmp_type", strconv.Itoa(int(icmpType)))
}

// ICMPCode matches an ICMP code. Protocol fields must already be set.
func (m *Match) ICMPCode(icmpCode uint8) *Match {
	return m.set("icmp_code", strconv.Itoa(int(icmpCode)))
}

// NDTarget matches a neighbor discovery message of the given type with the
// target address under prefix.
func (m *Match) NDTarget(ndType uint8, ip net.IP, prefix int) *Match {
	m.ICMP(true, ndType, 0)
	return m.set("nd_target", prefixValue(ip, prefix))
}

func portValue(value, mask uint16) string {
	if mask == 0xffff {
		return strconv.Itoa(int(value))
	}
	return maskedHex(uint64(value), uint64(mask))
}

// TpSrc matches the transport source port under mask. A zero mask leaves
// the field unmatched.
func (m *Match) TpSrc(value, mask uint16) *Match {
	if mask == 0 {
		return m
	}
	return m.set("tp_src", portValue(value, mask))
}

// TpDst matches the transport destination port under mask.
func (m *Match) TpDst(value, mask uint16) *Match {
	if mask == 0 {
		return m
	}
	return m.set("tp_dst", portValue(value, mask))
}

// TCPFlags matches TCP flag bits under mask.
func (m *Match) TCPFlags(flags, mask uint16) *Match {
	return m.set("tcp_flags", maskedHex(uint64(flags), uint64(mask)))
}

// ParseMatch parses the match portion of an ovs-ofctl flow dump into
// canonical form. Unknown keys are rejected.
func ParseMatch(s string) (Match, error) {
	var m Match
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			kw, ok := protoKeywords[key]
			if !ok {
				return m, errors.Errorf("unknown match keyword %q", key)
			}
			m.set("dl_type", hexValue(uint64(kw[0])))
			if kw[1] != 0 {
				m.set("nw_proto", strconv.Itoa(int(kw[1])))
			}
			continue
		}
		if alias, ok := fieldAliases[key]; ok {
			key = alias
		}
		idx, ok := fieldIndex[key]
		if !ok {
			return m, errors.Errorf("unknown match field %q", key)
		}
		canon, err := canonicalValue(fieldDefs[idx], value)
		if err != nil {
			return m, errors.Wrapf(err, "field %s", key)
		}
		m.set(key, canon)
	}
	return m, nil
}

var tcpFlagNames = map[string]uint64{
	"fin": 0x01,
	"syn": 0x02,
	"rst": 0x04,
	"psh": 0x08,
	"ack": 0x10,
	"urg": 0x20,
}

// parseTCPFlags handles the symbolic +flag-flag notation.
func parseTCPFlags(value string) (string, error) {
	var flags, mask uint64
	for value != "" {
		set := value[0] == '+'
		if !set && value[0] != '-' {
			return "", errors.Errorf("invalid tcp flags %q", value)
		}
		value = value[1:]
		end := strings.IndexAny(value, "+-")
		if end < 0 {
			end = len(value)
		}
		bit, ok := tcpFlagNames[value[:end]]
		if !ok {
			return "", errors.Errorf("unknown tcp flag %q", value[:end])
		}
		mask |= bit
		if set {
			flags |= bit
		}
		value = value[end:]
	}
	return maskedHex(flags, mask), nil
}

func canonicalValue(def fieldDef, value string) (string, error) {
	if def.name == "tcp_flags" && (strings.HasPrefix(value, "+") || strings.HasPrefix(value, "-")) {
		return parseTCPFlags(value)
	}
	v, mask, masked := strings.Cut(value, "/")
	switch def.kind {
	case kindDec, kindHex:
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return "", err
		}
		if masked {
			mk, err := strconv.ParseUint(mask, 0, 64)
			if err != nil {
				return "", err
			}
			if (def.name == "tp_src" || def.name == "tp_dst") && mk == 0xffff {
				return strconv.FormatUint(n, 10), nil
			}
			return maskedHex(n, mk), nil
		}
		if def.name == "metadata" || def.name == "tcp_flags" {
			return maskedHex(n, ^uint64(0)), nil
		}
		if def.kind == kindHex {
			return hexValue(n), nil
		}
		return strconv.FormatUint(n, 10), nil
	case kindMAC:
		mac, err := net.ParseMAC(v)
		if err != nil {
			return "", err
		}
		if !masked {
			return mac.String(), nil
		}
		mk, err := net.ParseMAC(mask)
		if err != nil {
			return "", err
		}
		for i := range mac {
			mac[i] &= mk[i]
		}
		return mac.String() + "/" + mk.String(), nil
	case kindIPv4, kindIPv6:
		ip := net.ParseIP(v)
		if ip == nil {
			return "", errors.Errorf("invalid address %q", v)
		}
		if !masked {
			return prefixValue(ip, -1), nil
		}
		prefix, err := strconv.Atoi(mask)
		if err != nil {
			mip := net.ParseIP(mask)
			if mip == nil {
				return "", errors.Errorf("invalid mask %q", mask)
			}
			if m4 := mip.To4(); m4 != nil && def.kind == kindIPv4 {
				prefix, _ = net.IPMask(m4).Size()
			} else {
				prefix, _ = net.IPMask(mip.To16()).Size()
			}
		}
		return prefixValue(ip, prefix), nil
	}
	return "", errors.Errorf("unsupported field kind %d", def.kind)
}
