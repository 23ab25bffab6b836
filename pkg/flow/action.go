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
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Field names used by move and load actions.
const (
	FieldTunID    = "NXM_NX_TUN_ID[0..31]"
	FieldTunDst   = "NXM_NX_TUN_IPV4_DST[]"
	FieldTunSrc   = "NXM_NX_TUN_IPV4_SRC[]"
	FieldVlanVID  = "OXM_OF_VLAN_VID[]"
	FieldEthSrc   = "NXM_OF_ETH_SRC[]"
	FieldEthDst   = "NXM_OF_ETH_DST[]"
	FieldArpOp    = "NXM_OF_ARP_OP[]"
	FieldArpSHA   = "NXM_NX_ARP_SHA[]"
	FieldArpTHA   = "NXM_NX_ARP_THA[]"
	FieldArpSPA   = "NXM_OF_ARP_SPA[]"
	FieldArpTPA   = "NXM_OF_ARP_TPA[]"
	FieldMetadata = "OXM_OF_METADATA[]"
	FieldPktMark  = "NXM_NX_PKT_MARK[]"
)

// ControllerMaxLen is the packet-in length requested from the switch.
const ControllerMaxLen = 0xffff

// FieldReg returns the field name of a 32-bit register.
func FieldReg(reg int) string {
	return "NXM_NX_REG" + strconv.Itoa(reg) + "[]"
}

// Actions is an ordered action list. An empty list drops the packet.
type Actions struct {
	list []string
}

func (a *Actions) add(s string) *Actions {
	a.list = append(a.list, s)
	return a
}

func (a *Actions) load(value uint64, field string) *Actions {
	return a.add("load:" + hexValue(value) + "->" + field)
}

// Reg loads a 32-bit register.
func (a *Actions) Reg(reg int, value uint32) *Actions {
	return a.load(uint64(value), FieldReg(reg))
}

// LoadMetadata overwrites the whole metadata field.
func (a *Actions) LoadMetadata(value uint64) *Actions {
	return a.load(value, FieldMetadata)
}

// Metadata writes metadata bits under mask.
func (a *Actions) Metadata(value, mask uint64) *Actions {
	return a.add("write_metadata:" + maskedHex(value, mask))
}

// PktMark sets the packet mark.
func (a *Actions) PktMark(mark uint32) *Actions {
	return a.load(uint64(mark), FieldPktMark)
}

// TunDst loads an IPv4 tunnel destination.
func (a *Actions) TunDst(ip net.IP) *Actions {
	return a.load(uint64(ipv4Uint(ip)), FieldTunDst)
}

// Move copies one field into another.
func (a *Actions) Move(src, dst string) *Actions {
	return a.add("move:" + src + "->" + dst)
}

// PushVlan pushes an 802.1Q header.
func (a *Actions) PushVlan() *Actions {
	return a.add("push_vlan:0x8100")
}

// PopVlan removes the outer VLAN header.
func (a *Actions) PopVlan() *Actions {
	return a.add("pop_vlan")
}

// EthSrc rewrites the source MAC address.
func (a *Actions) EthSrc(mac net.HardwareAddr) *Actions {
	return a.add("mod_dl_src:" + mac.String())
}

// EthDst rewrites the destination MAC address.
func (a *Actions) EthDst(mac net.HardwareAddr) *Actions {
	return a.add("mod_dl_dst:" + mac.String())
}

// IPSrc rewrites the source IP address.
func (a *Actions) IPSrc(ip net.IP) *Actions {
	if ip.To4() != nil {
		return a.add("mod_nw_src:" + ip.To4().String())
	}
	return a.add("set_field:" + ip.String() + "->ipv6_src")
}

// IPDst rewrites the destination IP address.
func (a *Actions) IPDst(ip net.IP) *Actions {
	if ip.To4() != nil {
		return a.add("mod_nw_dst:" + ip.To4().String())
	}
	return a.add("set_field:" + ip.String() + "->ipv6_dst")
}

// DecTTL decrements the IP TTL or hop limit.
func (a *Actions) DecTTL() *Actions {
	return a.add("dec_ttl")
}

// ArpReply turns an ARP request into a reply from mac/ip in place.
func (a *Actions) ArpReply(mac net.HardwareAddr, ip net.IP) *Actions {
	return a.Move(FieldEthSrc, FieldEthDst).
		EthSrc(mac).
		load(2, FieldArpOp).
		Move(FieldArpSHA, FieldArpTHA).
		load(macUint(mac), FieldArpSHA).
		Move(FieldArpSPA, FieldArpTPA).
		load(uint64(ipv4Uint(ip)), FieldArpSPA)
}

// Output sends the packet to a port.
func (a *Actions) Output(port uint32) *Actions {
	if port == PortInPort {
		return a.add("in_port")
	}
	return a.add("output:" + strconv.FormatUint(uint64(port), 10))
}

// OutputReg sends the packet to the port held in a register.
func (a *Actions) OutputReg(reg int) *Actions {
	return a.add("output:" + FieldReg(reg))
}

// Group sends the packet to a group.
func (a *Actions) Group(id uint32) *Actions {
	return a.add("group:" + strconv.FormatUint(uint64(id), 10))
}

// Controller sends the packet to the controller.
func (a *Actions) Controller() *Actions {
	return a.add("controller(max_len=" + strconv.Itoa(ControllerMaxLen) + ")")
}

// GotoTable continues processing in a later table.
func (a *Actions) GotoTable(t TableID) *Actions {
	return a.add("goto_table:" + strconv.Itoa(int(t)))
}

// Resubmit re-enters the pipeline at table t as if from the ingress port.
func (a *Actions) Resubmit(t TableID) *Actions {
	return a.add("resubmit(," + strconv.Itoa(int(t)) + ")")
}

// Empty reports whether the list drops the packet.
func (a Actions) Empty() bool {
	return len(a.list) == 0
}

// Len returns the number of actions.
func (a Actions) Len() int {
	return len(a.list)
}

// OutputPort returns the first literal output port in the list.
func (a Actions) OutputPort() (uint32, bool) {
	for _, act := range a.list {
		if p, ok := strings.CutPrefix(act, "output:"); ok {
			n, err := strconv.ParseUint(p, 10, 32)
			if err == nil {
				return uint32(n), true
			}
		}
	}
	return 0, false
}

func (a Actions) String() string {
	if len(a.list) == 0 {
		return "drop"
	}
	return strings.Join(a.list, ",")
}

var actionAliases = map[string]string{
	"IN_PORT":    "in_port",
	"strip_vlan": "pop_vlan",
}

// ParseActions parses the actions portion of an ovs-ofctl flow dump.
func ParseActions(s string) (Actions, error) {
	var a Actions
	s = strings.TrimSpace(s)
	if s == "" || s == "drop" {
		return a, nil
	}
	for _, tok := range splitActions(s) {
		if alias, ok := actionAliases[tok]; ok {
			tok = alias
		}
		norm, err := normalizeAction(tok)
		if err != nil {
			return a, err
		}
		a.add(norm)
	}
	return a, nil
}

func normalizeAction(tok string) (string, error) {
	switch {
	case strings.HasPrefix(tok, "CONTROLLER:"):
		return "controller(max_len=" + strings.TrimPrefix(tok, "CONTROLLER:") + ")", nil
	case strings.HasPrefix(tok, "set_field:"):
		body := strings.TrimPrefix(tok, "set_field:")
		value, field, ok := strings.Cut(body, "->")
		if !ok {
			return "", errors.Errorf("invalid set_field action %q", tok)
		}
		load, ok, err := setFieldLoad(value, field)
		if err != nil {
			return "", errors.Wrapf(err, "action %q", tok)
		}
		if ok {
			return load, nil
		}
		switch field {
		case "eth_src":
			return "mod_dl_src:" + value, nil
		case "eth_dst":
			return "mod_dl_dst:" + value, nil
		case "ip_src":
			return "mod_nw_src:" + value, nil
		case "ip_dst":
			return "mod_nw_dst:" + value, nil
		}
		return tok, nil
	case strings.HasPrefix(tok, "output:reg"):
		reg, err := strconv.Atoi(strings.TrimPrefix(tok, "output:reg"))
		if err != nil {
			return "", errors.Wrapf(err, "action %q", tok)
		}
		return "output:" + FieldReg(reg), nil
	}
	return tok, nil
}

// loadFields maps set_field targets to the field loaded by the builders,
// without the bit range, and the field width.
var loadFields = map[string]struct {
	name string
	bits int
}{
	"tun_id":   {"NXM_NX_TUN_ID", 64},
	"tun_dst":  {"NXM_NX_TUN_IPV4_DST", 32},
	"tun_src":  {"NXM_NX_TUN_IPV4_SRC", 32},
	"arp_op":   {"NXM_OF_ARP_OP", 16},
	"arp_sha":  {"NXM_NX_ARP_SHA", 48},
	"arp_tha":  {"NXM_NX_ARP_THA", 48},
	"arp_spa":  {"NXM_OF_ARP_SPA", 32},
	"arp_tpa":  {"NXM_OF_ARP_TPA", 32},
	"metadata": {"OXM_OF_METADATA", 64},
	"pkt_mark": {"NXM_NX_PKT_MARK", 32},
}

// setFieldLoad rewrites "set_field:value[/mask]->field" as the load action
// it was installed from. ok is false for fields without a load form.
func setFieldLoad(value, field string) (string, bool, error) {
	var name string
	bits := 32
	if n, found := strings.CutPrefix(field, "reg"); found {
		reg, err := strconv.Atoi(n)
		if err != nil {
			return "", true, err
		}
		name = "NXM_NX_REG" + strconv.Itoa(reg)
	} else if f, found := loadFields[field]; found {
		name, bits = f.name, f.bits
	} else {
		return "", false, nil
	}

	value, maskStr, masked := strings.Cut(value, "/")
	v, err := fieldValue(value)
	if err != nil {
		return "", true, err
	}
	if !masked {
		return "load:" + hexValue(v) + "->" + name + "[]", true, nil
	}
	mask, err := strconv.ParseUint(maskStr, 0, 64)
	if err != nil {
		return "", true, err
	}
	lo, hi, ok := maskRange(mask)
	if !ok {
		return "", true, errors.Errorf("non contiguous mask %s", maskStr)
	}
	if lo == 0 && hi == bits-1 {
		return "load:" + hexValue(v) + "->" + name + "[]", true, nil
	}
	return "load:" + hexValue(v>>uint(lo)) + "->" + name +
		"[" + strconv.Itoa(lo) + ".." + strconv.Itoa(hi) + "]", true, nil
}

// fieldValue parses a set_field value printed as a number, a MAC address
// or an IPv4 address.
func fieldValue(s string) (uint64, error) {
	if mac, err := net.ParseMAC(s); err == nil && len(mac) == 6 {
		return macUint(mac), nil
	}
	if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
		return uint64(ipv4Uint(ip)), nil
	}
	return strconv.ParseUint(s, 0, 64)
}

// maskRange returns the bit range covered by a contiguous mask.
func maskRange(mask uint64) (int, int, bool) {
	if mask == 0 {
		return 0, 0, false
	}
	lo := 0
	for mask&(1<<uint(lo)) == 0 {
		lo++
	}
	hi := lo
	for hi < 63 && mask&(1<<uint(hi+1)) != 0 {
		hi++
	}
	if hi < 63 && mask>>uint(hi+1) != 0 {
		return 0, 0, false
	}
	return lo, hi, true
}

// splitActions splits on commas outside parentheses.
func splitActions(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func ipv4Uint(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func macUint(mac net.HardwareAddr) uint64 {
	var v uint64
	for _, b := range mac {
		v = v<<8 | uint64(b)
	}
	return v
}
