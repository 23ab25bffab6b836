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
	"encoding/json"
	"testing"

	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentKeyPath(t *testing.T) {
	p, err := KeyToDefaultPath(AgentKey{MachineID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "/nimbess/agents/abc", p)

	p, err = KeyToDefaultDeletePath(AgentKey{Prefix: "/lab/", MachineID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "/lab/agents/abc", p)

	_, err = KeyToDefaultPath(AgentKey{})
	assert.Equal(t, ErrorInsufficientIdentifiers{Name: "MachineID"}, err)
}

func TestObjectKeyPath(t *testing.T) {
	key := ObjectKey{Kind: policy.KindGroup, ID: "/tenants/t0/epg0"}
	p, err := KeyToDefaultPath(key)
	require.NoError(t, err)
	assert.Equal(t, "/nimbess/groups//tenants/t0/epg0", p)

	kind, id, ok := policy.ParseKey(Prefix(""), p)
	require.True(t, ok)
	assert.Equal(t, policy.KindGroup, kind)
	assert.Equal(t, key.ID, id)

	assert.Equal(t, "/nimbess/", ObjectPrefix(""))

	_, err = KeyToDefaultPath(ObjectKey{Kind: policy.KindGroup})
	assert.Error(t, err)
}

func TestSerializeAndParse(t *testing.T) {
	raw, err := SerializeValue(&KVPair{Key: AgentKey{MachineID: "abc"}, Value: Agent{ID: "abc", Switch: "br-int"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","switch":"br-int"}`, string(raw))

	v, err := ParseValue(AgentKey{MachineID: "abc"}, raw)
	require.NoError(t, err)
	assert.Equal(t, &Agent{ID: "abc", Switch: "br-int"}, v)

	doc := json.RawMessage(`{"vnid":256}`)
	raw, err = SerializeValue(&KVPair{Key: ObjectKey{Kind: policy.KindGroup, ID: "epg0"}, Value: doc})
	require.NoError(t, err)
	assert.Equal(t, string(doc), string(raw))

	_, err = SerializeValue(&KVPair{Key: ObjectKey{Kind: policy.KindGroup, ID: "epg0"}, Value: json.RawMessage(`{`)})
	assert.Error(t, err)
	_, err = ParseValue(ObjectKey{Kind: policy.KindGroup, ID: "epg0"}, []byte(`nope`))
	assert.Error(t, err)
}
