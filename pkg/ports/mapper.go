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

// Package ports maps switch interface names to OpenFlow port numbers.
package ports

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// None is returned when an interface has no port number.
const None uint32 = 0xffffffff

// Listener is notified when a port appears, disappears or is renumbered.
// port is None for removals.
type Listener interface {
	PortStatusUpdate(name string, port uint32)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(name string, port uint32)

// PortStatusUpdate calls f.
func (f ListenerFunc) PortStatusUpdate(name string, port uint32) {
	f(name, port)
}

// Mapper is the synchronized name to port table.
type Mapper struct {
	mu        sync.RWMutex
	byName    map[string]uint32
	byPort    map[uint32]string
	listeners []Listener
}

// NewMapper returns an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{
		byName: make(map[string]uint32),
		byPort: make(map[uint32]string),
	}
}

// RegisterListener adds a port status listener.
func (m *Mapper) RegisterListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// FindPort returns the port number of an interface, or None.
func (m *Mapper) FindPort(name string) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.byName[name]; ok {
		return p
	}
	return None
}

// FindName returns the interface name bound to a port number.
func (m *Mapper) FindName(port uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.byPort[port]
	return name, ok
}

// Names returns every mapped interface name in sorted order.
func (m *Mapper) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.byName))
	for n := range m.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetPort binds name to port and notifies listeners if anything changed.
// A port number previously bound to another name is released from it.
func (m *Mapper) SetPort(name string, port uint32) {
	if port == None {
		m.RemovePort(name)
		return
	}
	m.mu.Lock()
	var changed []string
	if old, ok := m.byName[name]; ok {
		if old == port {
			m.mu.Unlock()
			return
		}
		delete(m.byPort, old)
	}
	if other, ok := m.byPort[port]; ok && other != name {
		delete(m.byName, other)
		changed = append(changed, other)
	}
	m.byName[name] = port
	m.byPort[port] = name
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	log.WithFields(log.Fields{"interface": name, "port": port}).Debug("Port mapped")
	for _, other := range changed {
		notify(listeners, other, None)
	}
	notify(listeners, name, port)
}

// RemovePort drops the mapping of name.
func (m *Mapper) RemovePort(name string) {
	m.mu.Lock()
	old, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byName, name)
	delete(m.byPort, old)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	log.WithField("interface", name).Debug("Port unmapped")
	notify(listeners, name, None)
}

// Sync replaces the whole table with ports, notifying every difference.
func (m *Mapper) Sync(ports map[string]uint32) {
	for _, name := range m.Names() {
		if _, ok := ports[name]; !ok {
			m.RemovePort(name)
		}
	}
	names := make([]string, 0, len(ports))
	for n := range ports {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		m.SetPort(n, ports[n])
	}
}

func notify(listeners []Listener, name string, port uint32) {
	for _, l := range listeners {
		l.PortStatusUpdate(name, port)
	}
}
