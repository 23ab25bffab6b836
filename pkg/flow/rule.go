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
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FlagSendFlowRem asks the switch to report removal of the rule.
const FlagSendFlowRem uint16 = 0x1

// Rule is a single table entry. Rules are values rebuilt on every
// synthesis pass; only the table state keeps them across passes.
type Rule struct {
	Table       TableID
	Priority    uint16
	Match       Match
	Actions     Actions
	Cookie      uint64
	IdleTimeout uint16
	HardTimeout uint16
	Flags       uint16
}

// NewRule returns an empty rule for table t at priority prio.
func NewRule(t TableID, prio uint16) *Rule {
	return &Rule{Table: t, Priority: prio}
}

// WithCookie sets the cookie and returns the rule.
func (r *Rule) WithCookie(cookie uint64) *Rule {
	r.Cookie = cookie
	return r
}

// Key identifies the rule inside its table.
func (r *Rule) Key() string {
	return strconv.Itoa(int(r.Priority)) + "|" + r.Match.String()
}

// Equal reports whether two rules would program identical entries.
func (r *Rule) Equal(o *Rule) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Table == o.Table &&
		r.Priority == o.Priority &&
		r.Cookie == o.Cookie &&
		r.IdleTimeout == o.IdleTimeout &&
		r.HardTimeout == o.HardTimeout &&
		r.Flags == o.Flags &&
		r.Match.String() == o.Match.String() &&
		r.Actions.String() == o.Actions.String()
}

// String renders the rule in ovs-ofctl add-flow syntax.
func (r *Rule) String() string {
	var b strings.Builder
	b.WriteString("table=")
	b.WriteString(strconv.Itoa(int(r.Table)))
	b.WriteString(",priority=")
	b.WriteString(strconv.Itoa(int(r.Priority)))
	b.WriteString(",cookie=")
	b.WriteString(hexValue(r.Cookie))
	if r.IdleTimeout != 0 {
		b.WriteString(",idle_timeout=")
		b.WriteString(strconv.Itoa(int(r.IdleTimeout)))
	}
	if r.HardTimeout != 0 {
		b.WriteString(",hard_timeout=")
		b.WriteString(strconv.Itoa(int(r.HardTimeout)))
	}
	if r.Flags&FlagSendFlowRem != 0 {
		b.WriteString(",send_flow_rem")
	}
	if !r.Match.Empty() {
		b.WriteString(",")
		b.WriteString(r.Match.String())
	}
	b.WriteString(",actions=")
	b.WriteString(r.Actions.String())
	return b.String()
}

// dump keys that carry statistics rather than rule content
var statKeys = map[string]bool{
	"duration":     true,
	"n_packets":    true,
	"n_bytes":      true,
	"idle_age":     true,
	"hard_age":     true,
	"reset_counts": true,
	"importance":   true,
}

// ParseRule parses one line of ovs-ofctl dump-flows output.
func ParseRule(line string) (*Rule, error) {
	line = strings.TrimSpace(line)
	head, acts, ok := strings.Cut(line, "actions=")
	if !ok {
		return nil, errors.Errorf("no actions in %q", line)
	}
	r := &Rule{Priority: 0x8000}
	var matchParts []string
	for _, tok := range strings.Split(head, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, _ := strings.Cut(tok, "=")
		if statKeys[key] {
			continue
		}
		var err error
		switch key {
		case "table":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 8)
			r.Table = TableID(n)
		case "priority":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 16)
			r.Priority = uint16(n)
		case "cookie":
			r.Cookie, err = strconv.ParseUint(value, 0, 64)
		case "idle_timeout":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 16)
			r.IdleTimeout = uint16(n)
		case "hard_timeout":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 16)
			r.HardTimeout = uint16(n)
		case "send_flow_rem":
			r.Flags |= FlagSendFlowRem
		default:
			matchParts = append(matchParts, tok)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", key)
		}
	}
	m, err := ParseMatch(strings.Join(matchParts, ","))
	if err != nil {
		return nil, err
	}
	r.Match = m
	a, err := ParseActions(acts)
	if err != nil {
		return nil, err
	}
	r.Actions = a
	return r, nil
}
