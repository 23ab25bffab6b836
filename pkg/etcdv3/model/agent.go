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

package model

import (
	"fmt"
	"reflect"

	"github.com/denisbrodbeck/machineid"
)

// AppID salts the machine id so that it is not exposed as is.
const AppID = "nimbess-ovs-agent"

var (
	typeAgent = reflect.TypeOf(Agent{})
)

// Agent is the record an agent keeps in the datastore while it runs.
type Agent struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname,omitempty"`
	Switch    string `json:"switch,omitempty"`
	LastStart string `json:"last_start,omitempty"`
}

type AgentKey struct {
	Prefix    string
	MachineID string
}

// LocalAgentKey returns the key of the agent running on this host.
func LocalAgentKey(prefix string) (AgentKey, error) {
	id, err := machineid.ProtectedID(AppID)
	if err != nil {
		return AgentKey{}, err
	}
	return AgentKey{Prefix: prefix, MachineID: id}, nil
}

func (key AgentKey) defaultDeletePath() (string, error) {
	return key.defaultPath()
}

func (key AgentKey) defaultPath() (string, error) {
	if key.MachineID == "" {
		return "", ErrorInsufficientIdentifiers{Name: "MachineID"}
	}
	return joinPath(key.Prefix, "agents", key.MachineID), nil
}

func (key AgentKey) valueType() (reflect.Type, error) {
	return typeAgent, nil
}

func (key AgentKey) String() string {
	return fmt.Sprintf("MachineID(name=%s)", key.MachineID)
}
