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

package flowmgr

import (
	"context"
	"sync"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	log "github.com/sirupsen/logrus"
)

// ioWriter runs switch operations one at a time in submission order.
type ioWriter struct {
	mu   sync.Mutex
	cond *sync.Cond
	ops  []func(ctx context.Context)
	busy bool
}

func newIOWriter() *ioWriter {
	w := &ioWriter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *ioWriter) submit(op func(ctx context.Context)) {
	w.mu.Lock()
	w.ops = append(w.ops, op)
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *ioWriter) run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
	for {
		w.mu.Lock()
		for len(w.ops) == 0 && ctx.Err() == nil {
			w.cond.Wait()
		}
		if ctx.Err() != nil {
			w.ops = nil
			w.busy = false
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		op := w.ops[0]
		w.ops = w.ops[1:]
		w.busy = true
		w.mu.Unlock()

		op(ctx)

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *ioWriter) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ops) == 0 && !w.busy
}

// wait blocks until every submitted operation has run.
func (w *ioWriter) wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.ops) > 0 || w.busy {
		w.cond.Wait()
	}
}

// ownedFlowEdits are edits of one table made on behalf of one owner.
// An empty owner marks edits no tracked entry depends on.
type ownedFlowEdits struct {
	owner string
	table flow.TableID
	edits []flow.FlowEdit
}

type ownedGroupEdits struct {
	owner string
	edits []flow.GroupEdit
}

// batch is the unit sent to the switch. Group additions go first so that
// new rules can reference them, group deletions last.
type batch struct {
	flows  []ownedFlowEdits
	groups []ownedGroupEdits
}

func (b *batch) empty() bool {
	return len(b.flows) == 0 && len(b.groups) == 0
}

func (b *batch) addFlows(owner string, t flow.TableID, edits []flow.FlowEdit) {
	if len(edits) == 0 {
		return
	}
	b.flows = append(b.flows, ownedFlowEdits{owner: owner, table: t, edits: edits})
}

func (b *batch) addGroups(owner string, edits []flow.GroupEdit) {
	if len(edits) == 0 {
		return
	}
	b.groups = append(b.groups, ownedGroupEdits{owner: owner, edits: edits})
}

func (b *batch) flowEdits() []flow.FlowEdit {
	var out []flow.FlowEdit
	for _, f := range b.flows {
		out = append(out, f.edits...)
	}
	return out
}

// splitGroups separates additions and modifications from deletions.
func (b *batch) splitGroups() (pre, post []ownedGroupEdits) {
	for _, g := range b.groups {
		var p, d []flow.GroupEdit
		for _, e := range g.edits {
			if e.Op == flow.EditDelete {
				d = append(d, e)
			} else {
				p = append(p, e)
			}
		}
		if len(p) > 0 {
			pre = append(pre, ownedGroupEdits{owner: g.owner, edits: p})
		}
		if len(d) > 0 {
			post = append(post, ownedGroupEdits{owner: g.owner, edits: d})
		}
	}
	return pre, post
}

func groupEdits(owned []ownedGroupEdits) []flow.GroupEdit {
	var out []flow.GroupEdit
	for _, g := range owned {
		out = append(out, g.edits...)
	}
	return out
}

// send queues b on the I/O writer. Rejected edits are reverted in the
// tracked state from the task queue.
func (m *Manager) send(b *batch) {
	if b.empty() {
		return
	}
	m.writer.submit(func(ctx context.Context) {
		pre, post := b.splitGroups()
		if err := m.driver.ExecuteGroups(ctx, groupEdits(pre)); err != nil {
			log.WithError(err).WithField("edits", len(groupEdits(pre))).Warn("Switch rejected group edits")
			m.metrics.ExecuteError("groups")
			m.revert(b.flows, b.groups)
			return
		}
		m.countGroups(pre)

		flows := b.flowEdits()
		if err := m.driver.ExecuteFlows(ctx, flows); err != nil {
			log.WithError(err).WithField("edits", len(flows)).Warn("Switch rejected flow edits")
			m.metrics.ExecuteError("flows")
			m.revert(b.flows, post)
			return
		}
		for _, f := range b.flows {
			for _, e := range f.edits {
				m.metrics.FlowEdit(f.table.String(), e.Op.String())
			}
		}

		if err := m.driver.ExecuteGroups(ctx, groupEdits(post)); err != nil {
			log.WithError(err).WithField("edits", len(groupEdits(post))).Warn("Switch rejected group deletions")
			m.metrics.ExecuteError("groups")
			m.revert(nil, post)
			return
		}
		m.countGroups(post)
	})
}

func (m *Manager) countGroups(owned []ownedGroupEdits) {
	for _, g := range owned {
		for _, e := range g.edits {
			m.metrics.GroupEdit(e.Op.String())
		}
	}
}

func (m *Manager) revert(flows []ownedFlowEdits, groups []ownedGroupEdits) {
	m.queue.Dispatch("", func() {
		for _, f := range flows {
			if f.owner == "" {
				continue
			}
			m.tables[f.table].Revert(f.owner, f.edits)
		}
		for _, g := range groups {
			if g.owner == "" {
				continue
			}
			m.groups.Revert(g.owner, g.edits)
		}
		m.updateTracked()
	})
}
