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

// Switch driver definition

package drivers

import (
	"context"
	"net"

	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
)

// EventKind is a change in the state of the switch connection.
type EventKind uint8

const (
	// EventConnected is sent once the switch accepts commands.
	EventConnected EventKind = iota
	// EventDisconnected is sent when the switch stops answering.
	EventDisconnected
	// EventPortStatus is sent when the switch port table changed.
	EventPortStatus
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPortStatus:
		return "port-status"
	}
	return "unknown"
}

// Event is a notification from the driver.
type Event struct {
	Kind EventKind
	// Ports is the full port table for EventPortStatus.
	Ports map[string]uint32
	Err   error
}

// Driver represents an abstract switch driver type. Calls may block on
// switch I/O and are made from a single goroutine.
type Driver interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	ExecuteFlows(ctx context.Context, edits []flow.FlowEdit) error
	ExecuteGroups(ctx context.Context, edits []flow.GroupEdit) error
	ReadFlows(ctx context.Context, tables []flow.TableID) (map[flow.TableID][]*flow.Rule, error)
	ReadGroups(ctx context.Context) ([]*flow.Group, error)
	ReadPorts(ctx context.Context) (map[string]uint32, error)
	Close() error
}

// Multicast subscription operations.
const (
	CommandJoin  = "join"
	CommandLeave = "leave"
)

// Command is a switch side command that is not a table edit.
type Command struct {
	Op         string
	Switch     string
	TunnelPort uint32
	GroupIP    net.IP
}

// CommandExecutor runs switch side commands.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd Command) error
}

// DriverConfig represents the generic driver configuration required by Driver.
type DriverConfig struct {
	SwitchName      string
	OfctlPath       string
	ControlSocket   string
	OpenFlowVersion string
	// EncapIface is the uplink interface multicast groups are joined on.
	EncapIface string
}
