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

import "sort"

// GroupEdit is one change to the group table.
type GroupEdit struct {
	Op    EditOp
	Group *Group
	Prev  *Group
}

// GroupState tracks installed groups per owning object, keyed by group id.
type GroupState struct {
	entries map[string][]*Group
}

// NewGroupState returns an empty tracked group namespace.
func NewGroupState() *GroupState {
	return &GroupState{entries: make(map[string][]*Group)}
}

// Entries returns the groups owned by objID.
func (gs *GroupState) Entries(objID string) []*Group {
	return gs.entries[objID]
}

// Len returns the number of tracked groups.
func (gs *GroupState) Len() int {
	n := 0
	for _, g := range gs.entries {
		n += len(g)
	}
	return n
}

// Owners returns the owning object ids in sorted order.
func (gs *GroupState) Owners() []string {
	ids := make([]string, 0, len(gs.entries))
	for id := range gs.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Owner returns the object owning group id.
func (gs *GroupState) Owner(id uint32) (string, bool) {
	for objID, groups := range gs.entries {
		for _, g := range groups {
			if g.ID == id {
				return objID, true
			}
		}
	}
	return "", false
}

// Groups returns every tracked group ordered by owner.
func (gs *GroupState) Groups() []*Group {
	var out []*Group
	for _, id := range gs.Owners() {
		out = append(out, gs.entries[id]...)
	}
	return out
}

func diffGroups(tracked, desired []*Group) []GroupEdit {
	old := make(map[uint32]*Group, len(tracked))
	for _, g := range tracked {
		old[g.ID] = g
	}
	seen := make(map[uint32]bool, len(desired))
	var edits []GroupEdit
	for _, g := range desired {
		if seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		prev, ok := old[g.ID]
		switch {
		case !ok:
			edits = append(edits, GroupEdit{Op: EditAdd, Group: g})
		case !prev.Equal(g):
			edits = append(edits, GroupEdit{Op: EditModify, Group: g, Prev: prev})
		}
	}
	for _, g := range tracked {
		if !seen[g.ID] {
			edits = append(edits, GroupEdit{Op: EditDelete, Group: g})
			seen[g.ID] = true
		}
	}
	return edits
}

// Diff computes the edits that turn the groups owned by objID into desired.
func (gs *GroupState) Diff(objID string, desired []*Group) []GroupEdit {
	return diffGroups(gs.entries[objID], desired)
}

// Commit records desired as the groups installed for objID.
func (gs *GroupState) Commit(objID string, desired []*Group) {
	if len(desired) == 0 {
		delete(gs.entries, objID)
		return
	}
	gs.entries[objID] = append([]*Group(nil), desired...)
}

// Apply diffs and commits in one step.
func (gs *GroupState) Apply(objID string, desired []*Group) []GroupEdit {
	edits := gs.Diff(objID, desired)
	if len(edits) > 0 {
		gs.Commit(objID, desired)
	}
	return edits
}

// DiffSnapshot compares every tracked group against the groups read from
// the switch.
func (gs *GroupState) DiffSnapshot(installed []*Group) []GroupEdit {
	return diffGroups(installed, gs.Groups())
}

// Revert undoes the tracked effect of rejected group edits.
func (gs *GroupState) Revert(objID string, edits []GroupEdit) {
	cur := append([]*Group(nil), gs.entries[objID]...)
	find := func(id uint32) int {
		for i, g := range cur {
			if g.ID == id {
				return i
			}
		}
		return -1
	}
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		idx := find(e.Group.ID)
		switch e.Op {
		case EditAdd:
			if idx >= 0 && cur[idx].Equal(e.Group) {
				cur = append(cur[:idx], cur[idx+1:]...)
			}
		case EditModify:
			if idx >= 0 && cur[idx].Equal(e.Group) {
				cur[idx] = e.Prev
			}
		case EditDelete:
			if idx < 0 {
				cur = append(cur, e.Group)
			}
		}
	}
	gs.Commit(objID, cur)
}
