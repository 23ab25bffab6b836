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
	log "github.com/sirupsen/logrus"
)

// State is the synchronization state of the switch connection.
type State int32

const (
	// Disconnected: no switch connection.
	Disconnected State = iota
	// Connecting: connected, waiting for the peer and the sync delay.
	Connecting
	// SyncInProgress: reading the switch and computing the full edit set.
	SyncInProgress
	// Synced: incremental changes flow straight to the switch.
	Synced
)

var stateNames = []string{"Disconnected", "Connecting", "SyncInProgress", "Synced"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// StateNames lists every state name.
func StateNames() []string {
	return append([]string(nil), stateNames...)
}

type fsmEvent string

const (
	evConnected    fsmEvent = "connected"
	evDisconnected fsmEvent = "disconnected"
	evSyncStart    fsmEvent = "syncStart"
	evReadFailed   fsmEvent = "readFailed"
	evSyncDone     fsmEvent = "syncDone"
	evPeerLost     fsmEvent = "peerLost"
)

type transition struct {
	from     State
	event    fsmEvent
	to       State
	callback func() error
}

// fsm is a table driven state machine. It is only used from the task
// queue.
type fsm struct {
	state       State
	transitions []transition
	onChange    func(from, to State)
}

func newFSM(table []transition, onChange func(from, to State)) *fsm {
	return &fsm{state: Disconnected, transitions: table, onChange: onChange}
}

// fire handles ev and reports whether a transition matched.
func (f *fsm) fire(ev fsmEvent) bool {
	for _, t := range f.transitions {
		if t.from != f.state || t.event != ev {
			continue
		}
		if t.callback != nil {
			if err := t.callback(); err != nil {
				log.WithError(err).WithFields(log.Fields{"event": ev, "state": f.state}).
					Error("State transition failed")
				return false
			}
		}
		if f.state != t.to {
			from := f.state
			f.state = t.to
			log.WithFields(log.Fields{"event": ev, "from": from, "to": t.to}).Info("Switch sync state changed")
			if f.onChange != nil {
				f.onChange(from, t.to)
			}
		}
		return true
	}
	log.WithFields(log.Fields{"event": ev, "state": f.state}).Debug("Ignoring event")
	return false
}
