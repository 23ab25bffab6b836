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

// EditOp is the kind of change applied to a switch entry.
type EditOp uint8

const (
	// EditAdd installs a new entry.
	EditAdd EditOp = iota
	// EditModify replaces actions, cookie, timeouts or flags of an entry.
	EditModify
	// EditDelete removes an entry.
	EditDelete
)

func (o EditOp) String() string {
	switch o {
	case EditAdd:
		return "add"
	case EditModify:
		return "modify"
	case EditDelete:
		return "delete"
	}
	return "unknown"
}

// FlowEdit is one change to a table. For EditModify, Prev holds the entry
// being replaced.
type FlowEdit struct {
	Op   EditOp
	Rule *Rule
	Prev *Rule

	// fallback marks a modify that exposes the rule of another owner after
	// the visible owner dropped the key.
	fallback bool
}

// TableState tracks the rules believed installed in one table, grouped by
// the scope object that owns them. Several owners may want the same key;
// the switch holds the rule of the first one and the others are shadowed
// until it lets go. It is not safe for concurrent use.
type TableState struct {
	table   TableID
	entries map[string][]*Rule
	owners  map[string][]string
}

// NewTableState returns an empty tracked table.
func NewTableState(t TableID) *TableState {
	return &TableState{
		table:   t,
		entries: make(map[string][]*Rule),
		owners:  make(map[string][]string),
	}
}

// Table returns the table id.
func (ts *TableState) Table() TableID {
	return ts.table
}

// Entries returns the tracked rules owned by objID.
func (ts *TableState) Entries(objID string) []*Rule {
	return ts.entries[objID]
}

// Len returns the number of keys installed on the switch.
func (ts *TableState) Len() int {
	return len(ts.owners)
}

// Owners returns the owning object ids in sorted order.
func (ts *TableState) Owners() []string {
	ids := make([]string, 0, len(ts.entries))
	for id := range ts.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Owner returns the object whose rule is installed under key.
func (ts *TableState) Owner(key string) (string, bool) {
	owners := ts.owners[key]
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

func (ts *TableState) visible(key, objID string) bool {
	owners := ts.owners[key]
	return len(owners) > 0 && owners[0] == objID
}

func (ts *TableState) rule(objID, key string) *Rule {
	for _, r := range ts.entries[objID] {
		if r.Key() == key {
			return r
		}
	}
	return nil
}

// Rules returns the rules installed on the switch, ordered by owner.
func (ts *TableState) Rules() []*Rule {
	var out []*Rule
	for _, id := range ts.Owners() {
		for _, r := range ts.entries[id] {
			if ts.visible(r.Key(), id) {
				out = append(out, r)
			}
		}
	}
	return out
}

func diffRules(tracked, desired []*Rule) []FlowEdit {
	old := make(map[string]*Rule, len(tracked))
	for _, r := range tracked {
		old[r.Key()] = r
	}
	seen := make(map[string]bool, len(desired))
	var edits []FlowEdit
	for _, r := range desired {
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		prev, ok := old[key]
		switch {
		case !ok:
			edits = append(edits, FlowEdit{Op: EditAdd, Rule: r})
		case !prev.Equal(r):
			edits = append(edits, FlowEdit{Op: EditModify, Rule: r, Prev: prev})
		}
	}
	for _, r := range tracked {
		if !seen[r.Key()] {
			edits = append(edits, FlowEdit{Op: EditDelete, Rule: r})
			seen[r.Key()] = true
		}
	}
	return edits
}

func dedup(rules []*Rule) []*Rule {
	seen := make(map[string]bool, len(rules))
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out = append(out, r)
	}
	return out
}

// Diff computes the edits that turn the rules tracked for objID into
// desired: adds and modifies in desired order, then deletes in tracked
// order. Keys shadowed by another owner produce no edits. The tracked
// state is not changed.
func (ts *TableState) Diff(objID string, desired []*Rule) []FlowEdit {
	tracked := ts.entries[objID]
	own := make(map[string]*Rule, len(tracked))
	for _, r := range tracked {
		own[r.Key()] = r
	}
	seen := make(map[string]bool, len(desired))
	var edits []FlowEdit
	for _, r := range desired {
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		prev, mine := own[key]
		switch {
		case mine:
			if ts.visible(key, objID) && !prev.Equal(r) {
				edits = append(edits, FlowEdit{Op: EditModify, Rule: r, Prev: prev})
			}
		case len(ts.owners[key]) > 0:
		default:
			edits = append(edits, FlowEdit{Op: EditAdd, Rule: r})
		}
	}
	for _, r := range tracked {
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if !ts.visible(key, objID) {
			continue
		}
		if owners := ts.owners[key]; len(owners) > 1 {
			if next := ts.rule(owners[1], key); next != nil && !next.Equal(r) {
				edits = append(edits, FlowEdit{Op: EditModify, Rule: next, Prev: r, fallback: true})
			}
			continue
		}
		edits = append(edits, FlowEdit{Op: EditDelete, Rule: r})
	}
	return edits
}

func (ts *TableState) removeOwner(key, objID string) {
	owners := ts.owners[key]
	for i, o := range owners {
		if o == objID {
			owners = append(owners[:i:i], owners[i+1:]...)
			break
		}
	}
	if len(owners) == 0 {
		delete(ts.owners, key)
		return
	}
	ts.owners[key] = owners
}

// Commit records desired as the rules installed for objID.
func (ts *TableState) Commit(objID string, desired []*Rule) {
	desired = dedup(desired)
	keep := make(map[string]bool, len(desired))
	for _, r := range desired {
		keep[r.Key()] = true
	}
	had := make(map[string]bool, len(ts.entries[objID]))
	for _, r := range ts.entries[objID] {
		had[r.Key()] = true
		if !keep[r.Key()] {
			ts.removeOwner(r.Key(), objID)
		}
	}
	for _, r := range desired {
		if !had[r.Key()] {
			ts.owners[r.Key()] = append(ts.owners[r.Key()], objID)
		}
	}
	if len(desired) == 0 {
		delete(ts.entries, objID)
		return
	}
	ts.entries[objID] = desired
}

// Apply diffs and commits in one step.
func (ts *TableState) Apply(objID string, desired []*Rule) []FlowEdit {
	edits := ts.Diff(objID, desired)
	ts.Commit(objID, desired)
	return edits
}

// DiffSnapshot compares the rules installed according to the tracked
// state against the rules actually read from the switch. Installed
// entries that are not tracked are deleted; duplicates keep the first
// occurrence.
func (ts *TableState) DiffSnapshot(installed []*Rule) []FlowEdit {
	return diffRules(installed, ts.Rules())
}

// promote makes objID the visible owner of key.
func (ts *TableState) promote(key, objID string) {
	owners := ts.owners[key]
	for i, o := range owners {
		if o == objID {
			copy(owners[1:i+1], owners[:i])
			owners[0] = objID
			return
		}
	}
}

// Revert undoes the tracked effect of edits that the switch rejected.
// An entry is restored only if it still holds the value the failed edit
// installed, so later commits for the same key are kept. A rejected
// fallback leaves objID as the visible owner again.
func (ts *TableState) Revert(objID string, edits []FlowEdit) {
	cur := append([]*Rule(nil), ts.entries[objID]...)
	var front []string
	find := func(key string) int {
		for i, r := range cur {
			if r.Key() == key {
				return i
			}
		}
		return -1
	}
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		idx := find(e.Rule.Key())
		switch e.Op {
		case EditAdd:
			if idx >= 0 && cur[idx].Equal(e.Rule) {
				cur = append(cur[:idx], cur[idx+1:]...)
			}
		case EditModify:
			if e.fallback {
				if idx < 0 {
					cur = append(cur, e.Prev)
					front = append(front, e.Prev.Key())
				}
			} else if idx >= 0 && cur[idx].Equal(e.Rule) {
				cur[idx] = e.Prev
			}
		case EditDelete:
			if idx < 0 {
				cur = append(cur, e.Rule)
			}
		}
	}
	ts.Commit(objID, cur)
	for _, key := range front {
		ts.promote(key, objID)
	}
}
