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

// PromiscuousBit marks the promiscuous variant of a flood group id.
const PromiscuousBit uint32 = 1 << 31

// PromiscuousID returns the promiscuous group id paired with a flood group.
func PromiscuousID(id uint32) uint32 {
	return id | PromiscuousBit
}

// Bucket is one action list of an all-type group.
type Bucket struct {
	ID      uint32
	Actions Actions
}

// Group is an all-type group entry.
type Group struct {
	ID      uint32
	Buckets []Bucket
}

// NewGroup returns an empty group.
func NewGroup(id uint32) *Group {
	return &Group{ID: id}
}

// AddBucket appends a bucket and returns its action list for building. The
// returned pointer is valid until the next call.
func (g *Group) AddBucket(id uint32) *Actions {
	g.Buckets = append(g.Buckets, Bucket{ID: id})
	return &g.Buckets[len(g.Buckets)-1].Actions
}

// Equal compares ids and ordered bucket contents.
func (g *Group) Equal(o *Group) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.ID != o.ID || len(g.Buckets) != len(o.Buckets) {
		return false
	}
	for i := range g.Buckets {
		if g.Buckets[i].ID != o.Buckets[i].ID ||
			g.Buckets[i].Actions.String() != o.Buckets[i].Actions.String() {
			return false
		}
	}
	return true
}

// String renders the group in ovs-ofctl add-group syntax.
func (g *Group) String() string {
	var b strings.Builder
	b.WriteString("group_id=")
	b.WriteString(strconv.FormatUint(uint64(g.ID), 10))
	b.WriteString(",type=all")
	for _, bk := range g.Buckets {
		b.WriteString(",bucket=bucket_id:")
		b.WriteString(strconv.FormatUint(uint64(bk.ID), 10))
		b.WriteString(",actions=")
		b.WriteString(bk.Actions.String())
	}
	return b.String()
}

// ParseGroup parses one line of ovs-ofctl dump-groups output.
func ParseGroup(line string) (*Group, error) {
	line = strings.TrimSpace(line)
	parts := strings.Split(line, "bucket=")
	head := strings.TrimSuffix(strings.TrimSpace(parts[0]), ",")
	g := &Group{}
	found := false
	for _, tok := range strings.Split(head, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(tok), "=")
		if key != "group_id" {
			continue
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, errors.Wrap(err, "parsing group_id")
		}
		g.ID = uint32(n)
		found = true
	}
	if !found {
		return nil, errors.Errorf("no group_id in %q", line)
	}
	for i, part := range parts[1:] {
		part = strings.TrimSuffix(strings.TrimSpace(part), ",")
		bk := Bucket{ID: uint32(i)}
		if rest, ok := strings.CutPrefix(part, "bucket_id:"); ok {
			id, acts, _ := strings.Cut(rest, ",")
			n, err := strconv.ParseUint(id, 10, 32)
			if err != nil {
				return nil, errors.Wrap(err, "parsing bucket_id")
			}
			bk.ID = uint32(n)
			part = acts
		}
		part = strings.TrimPrefix(part, "actions=")
		a, err := ParseActions(part)
		if err != nil {
			return nil, err
		}
		bk.Actions = a
		g.Buckets = append(g.Buckets, bk)
	}
	return g, nil
}
