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

	"github.com/google/gopacket/layers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/nimbess/nimbess-ovs-agent/pkg/idgen"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	log "github.com/sirupsen/logrus"
)

// memberVNIDs resolves contract members to vnids, skipping unresolved ones.
func (in *Input) memberVNIDs(uris []string) map[uint32]bool {
	vnids := make(map[uint32]bool)
	for _, uri := range uris {
		if g, ok := in.Graph.Group(uri); ok {
			if g.VNID != 0 {
				vnids[g.VNID] = true
			}
			continue
		}
		if _, ok := in.Graph.ExternalNetwork(uri); ok {
			vnids[in.extNetVNID(uri)] = true
		}
	}
	return vnids
}

func sortedVNIDs(s map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// tcpFlagMasks expands the classifier flags into the flag values to
// match. Established becomes one rule for ACK and one for RST.
func tcpFlagMasks(flags uint32) []uint16 {
	if flags == 0 {
		return []uint16{0}
	}
	if flags&policy.TCPFlagEstablished != 0 {
		return []uint16{uint16(policy.TCPFlagACK), uint16(policy.TCPFlagRST)}
	}
	var f uint16
	for _, bit := range []uint32{policy.TCPFlagFIN, policy.TCPFlagSYN, policy.TCPFlagRST, policy.TCPFlagACK} {
		if flags&bit != 0 {
			f |= uint16(bit)
		}
	}
	return []uint16{f}
}

// classifierRules expands one classifier between a source and destination
// vnid into rules at prio.
func classifierRules(c policy.Classifier, allow bool, prio uint16, cookie uint64, svnid, dvnid uint32) []*flow.Rule {
	srcPorts := flow.RangeMasks(c.SrcPortFrom, c.SrcPortTo)
	dstPorts := flow.RangeMasks(c.DstPortFrom, c.DstPortTo)
	icmp := c.Proto == uint8(layers.IPProtocolICMPv4) || c.Proto == uint8(layers.IPProtocolICMPv6)
	if icmp && (c.ICMPType != nil || c.ICMPCode != nil) {
		srcPorts, dstPorts = nil, nil
	}
	if len(srcPorts) == 0 {
		srcPorts = []flow.Mask{{}}
	}
	if len(dstPorts) == 0 {
		dstPorts = []flow.Mask{{}}
	}

	var rules []*flow.Rule
	for _, sm := range srcPorts {
		for _, dm := range dstPorts {
			for _, flags := range tcpFlagMasks(c.TCPFlags) {
				r := flow.NewRule(flow.PolicyTable, prio).WithCookie(cookie)
				r.Flags = flow.FlagSendFlowRem
				if svnid != 0 {
					r.Match.Reg(flow.RegSrcEPG, svnid)
				}
				if dvnid != 0 {
					r.Match.Reg(flow.RegDstEPG, dvnid)
				}
				if c.ArpOp != 0 {
					r.Match.ArpOp(c.ArpOp)
				}
				if c.EtherType != 0 {
					r.Match.EthType(layers.EthernetType(c.EtherType))
				}
				if c.Proto != 0 {
					r.Match.IPProto(layers.IPProtocol(c.Proto))
				}
				v6 := c.Proto == uint8(layers.IPProtocolICMPv6)
				if icmp && c.ICMPType != nil {
					r.Match.ICMPType(v6, *c.ICMPType)
				}
				if icmp && c.ICMPCode != nil {
					r.Match.ICMPCode(*c.ICMPCode)
				}
				if flags != 0 {
					r.Match.TCPFlags(flags, flags)
				}
				r.Match.TpSrc(sm.Value, sm.Mask).TpDst(dm.Value, dm.Mask)
				if allow {
					r.Actions.GotoTable(flow.OutTable)
				}
				rules = append(rules, r)
			}
		}
	}
	return rules
}

// Contract synthesizes the policy rules of a contract for every pair of
// provider and consumer vnids. Classifiers keep their order as descending
// priorities starting at MaxPolicyRulePriority.
func Contract(in *Input, uri string) FlowSet {
	fs := FlowSet{}
	fs.Clear(uri, flow.PolicyTable)
	c, ok := in.Graph.Contract(uri)
	if !ok {
		return fs
	}
	logger := log.WithFields(log.Fields{"contract": uri})
	cookie := flow.ContractCookie(in.IDs.GetID(idgen.NSContract, uri))
	provs := in.memberVNIDs(c.Providers)
	cons := in.memberVNIDs(c.Consumers)
	logger.WithFields(log.Fields{
		"providers": len(provs),
		"consumers": len(cons),
		"rules":     len(c.Rules),
	}).Debug("Updating contract")

	rules := c.Rules
	if limit := int(flow.MaxPolicyRulePriority - flow.MinPolicyRulePriority); len(rules) > limit {
		logger.Warnf("Contract has %d rules, only the first %d are installed", len(rules), limit)
		rules = rules[:limit]
	}

	for _, pvnid := range sortedVNIDs(provs) {
		for _, cvnid := range sortedVNIDs(cons) {
			if pvnid == cvnid {
				continue
			}
			// when both sides provide and consume, each direction is
			// written once by its own pair
			bidir := !provs[cvnid] || !cons[pvnid]
			for i, cr := range rules {
				prio := flow.MaxPolicyRulePriority - uint16(i)
				dir := cr.Direction
				if dir == "" {
					dir = policy.DirIn
				}
				if dir == policy.DirBidirectional && !bidir {
					dir = policy.DirIn
				}
				if dir == policy.DirIn || dir == policy.DirBidirectional {
					fs.Add(uri, classifierRules(cr.Classifier, cr.Allow, prio, cookie, cvnid, pvnid)...)
				}
				if dir == policy.DirOut || dir == policy.DirBidirectional {
					fs.Add(uri, classifierRules(cr.Classifier, cr.Allow, prio, cookie, pvnid, cvnid)...)
				}
			}
		}
	}
	return fs
}
