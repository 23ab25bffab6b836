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

// Package fake contains an in-memory switch driver for tests.
package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/pkg/errors"
)

// ErrNotConnected is returned by calls made while the switch is down.
var ErrNotConnected = errors.New("switch not connected")

// Switch is an in-memory switch. It implements drivers.Driver and
// drivers.CommandExecutor.
type Switch struct {
	mu        sync.Mutex
	connected bool
	flows     map[flow.TableID]map[string]*flow.Rule
	groups    map[uint32]*flow.Group
	ports     map[string]uint32
	events    chan drivers.Event
	commands  []drivers.Command

	execErr   error
	cmdErr    error
	readFails int
	flowEdits int
	reads     int
}

// NewSwitch returns a disconnected empty switch.
func NewSwitch() *Switch {
	return &Switch{
		flows:  make(map[flow.TableID]map[string]*flow.Rule),
		groups: make(map[uint32]*flow.Group),
		ports:  make(map[string]uint32),
		events: make(chan drivers.Event, 64),
	}
}

func (s *Switch) send(e drivers.Event) {
	select {
	case s.events <- e:
	default:
	}
}

// Connect marks the switch reachable and announces it.
func (s *Switch) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.send(drivers.Event{Kind: drivers.EventConnected})
	return nil
}

// Disconnect simulates a lost connection. Installed state is kept.
func (s *Switch) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.send(drivers.Event{Kind: drivers.EventDisconnected})
}

// Restart simulates a switch restart: all entries are lost.
func (s *Switch) Restart() {
	s.mu.Lock()
	s.flows = make(map[flow.TableID]map[string]*flow.Rule)
	s.groups = make(map[uint32]*flow.Group)
	s.mu.Unlock()
}

func (s *Switch) Events() <-chan drivers.Event {
	return s.events
}

// FailNextExecute makes the next flow or group batch fail with err.
func (s *Switch) FailNextExecute(err error) {
	s.mu.Lock()
	s.execErr = err
	s.mu.Unlock()
}

// FailNextCommand makes the next command fail with err. The attempt is
// still recorded.
func (s *Switch) FailNextCommand(err error) {
	s.mu.Lock()
	s.cmdErr = err
	s.mu.Unlock()
}

// FailReads makes the next n reads fail.
func (s *Switch) FailReads(n int) {
	s.mu.Lock()
	s.readFails = n
	s.mu.Unlock()
}

func (s *Switch) takeExecErr() error {
	if !s.connected {
		return ErrNotConnected
	}
	err := s.execErr
	s.execErr = nil
	return err
}

func (s *Switch) ExecuteFlows(ctx context.Context, edits []flow.FlowEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowEdits += len(edits)
	if len(edits) == 0 {
		return nil
	}
	if err := s.takeExecErr(); err != nil {
		return err
	}
	for _, e := range edits {
		t := s.flows[e.Rule.Table]
		if t == nil {
			t = make(map[string]*flow.Rule)
			s.flows[e.Rule.Table] = t
		}
		key := e.Rule.Key()
		switch e.Op {
		case flow.EditAdd:
			t[key] = e.Rule
		case flow.EditModify:
			if _, ok := t[key]; ok {
				t[key] = e.Rule
			}
		case flow.EditDelete:
			delete(t, key)
		}
	}
	return nil
}

func (s *Switch) ExecuteGroups(ctx context.Context, edits []flow.GroupEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(edits) == 0 {
		return nil
	}
	if err := s.takeExecErr(); err != nil {
		return err
	}
	for _, e := range edits {
		switch e.Op {
		case flow.EditAdd, flow.EditModify:
			s.groups[e.Group.ID] = e.Group
		case flow.EditDelete:
			delete(s.groups, e.Group.ID)
		}
	}
	return nil
}

func sortRules(rules []*flow.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Match.String() < rules[j].Match.String()
	})
}

func (s *Switch) ReadFlows(ctx context.Context, tables []flow.TableID) (map[flow.TableID][]*flow.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.readFails > 0 {
		s.readFails--
		return nil, errors.New("read failed")
	}
	out := make(map[flow.TableID][]*flow.Rule, len(tables))
	for _, t := range tables {
		rules := make([]*flow.Rule, 0, len(s.flows[t]))
		for _, r := range s.flows[t] {
			rules = append(rules, r)
		}
		sortRules(rules)
		out[t] = rules
	}
	return out, nil
}

func (s *Switch) ReadGroups(ctx context.Context) ([]*flow.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.sortedGroups(), nil
}

func (s *Switch) sortedGroups() []*flow.Group {
	out := make([]*flow.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Switch) ReadPorts(ctx context.Context) (map[string]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint32, len(s.ports))
	for name, port := range s.ports {
		out[name] = port
	}
	return out, nil
}

// SetPort adds or renumbers a port and reports the new port table.
func (s *Switch) SetPort(name string, port uint32) {
	s.mu.Lock()
	s.ports[name] = port
	ports := make(map[string]uint32, len(s.ports))
	for n, p := range s.ports {
		ports[n] = p
	}
	s.mu.Unlock()
	s.send(drivers.Event{Kind: drivers.EventPortStatus, Ports: ports})
}

// FlowEdits counts flow edits received, including rejected ones.
func (s *Switch) FlowEdits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowEdits
}

// Reads counts ReadFlows calls.
func (s *Switch) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Execute records a command.
func (s *Switch) Execute(ctx context.Context, cmd drivers.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	err := s.cmdErr
	s.cmdErr = nil
	return err
}

// Commands returns the commands executed so far.
func (s *Switch) Commands() []drivers.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]drivers.Command(nil), s.commands...)
}

// Install puts a rule on the switch directly, as if another controller or
// the switch itself had written it.
func (s *Switch) Install(r *flow.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.flows[r.Table]
	if t == nil {
		t = make(map[string]*flow.Rule)
		s.flows[r.Table] = t
	}
	t[r.Key()] = r
}

// Rules returns the rules installed in a table.
func (s *Switch) Rules(t flow.TableID) []*flow.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]*flow.Rule, 0, len(s.flows[t]))
	for _, r := range s.flows[t] {
		rules = append(rules, r)
	}
	sortRules(rules)
	return rules
}

// Dump renders every installed rule, table by table.
func (s *Switch) Dump() []string {
	var out []string
	for _, t := range flow.Tables() {
		for _, r := range s.Rules(t) {
			out = append(out, r.String())
		}
	}
	return out
}

// Groups returns the installed groups ordered by id.
func (s *Switch) Groups() []*flow.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedGroups()
}

func (s *Switch) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}
