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

package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialIDs(t *testing.T) {
	g := New(nil)
	assert.Equal(t, uint32(1), g.GetID(NSFloodDomain, "fd0"))
	assert.Equal(t, uint32(2), g.GetID(NSFloodDomain, "fd1"))
	assert.Equal(t, uint32(1), g.GetID(NSFloodDomain, "fd0"))
	assert.Equal(t, uint32(1), g.GetID(NSBridgeDomain, "bd0"))

	id, ok := g.Lookup(NSFloodDomain, "fd1")
	assert.True(t, ok)
	assert.Equal(t, uint32(2), id)
	_, ok = g.Lookup(NSFloodDomain, "fd9")
	assert.False(t, ok)
}

func TestEraseReusesLowestID(t *testing.T) {
	g := New(nil)
	g.GetID(NSContract, "a")
	g.GetID(NSContract, "b")
	g.GetID(NSContract, "c")
	g.Erase(NSContract, "c")
	g.Erase(NSContract, "a")
	g.Erase(NSContract, "missing")

	assert.Equal(t, uint32(1), g.GetID(NSContract, "d"))
	assert.Equal(t, uint32(3), g.GetID(NSContract, "e"))
	assert.Equal(t, uint32(4), g.GetID(NSContract, "f"))
}

func TestPersistedAcrossGenerators(t *testing.T) {
	store, err := NewStore("memory", "")
	require.NoError(t, err)

	g := New(store)
	require.NoError(t, g.InitNamespace(NSRoutingDomain))
	g.GetID(NSRoutingDomain, "rd0")
	g.GetID(NSRoutingDomain, "rd1")
	g.Erase(NSRoutingDomain, "rd0")

	g2 := New(store)
	require.NoError(t, g2.InitNamespace(NSRoutingDomain))
	id, ok := g2.Lookup(NSRoutingDomain, "rd1")
	assert.True(t, ok)
	assert.Equal(t, uint32(2), id)
	assert.Equal(t, uint32(1), g2.GetID(NSRoutingDomain, "rd2"))
	assert.NoError(t, g2.Close())
}

func TestCollectGarbage(t *testing.T) {
	g := New(nil)
	for _, k := range []string{"a", "b", "c"} {
		g.GetID(NSExternalNetwork, k)
	}
	n := g.CollectGarbage(NSExternalNetwork, func(key string) bool { return key == "b" })
	assert.Equal(t, 2, n)
	_, ok := g.Lookup(NSExternalNetwork, "a")
	assert.False(t, ok)
	id, _ := g.Lookup(NSExternalNetwork, "b")
	assert.Equal(t, uint32(2), id)
}

func TestUnknownStoreType(t *testing.T) {
	_, err := NewStore("bolt", "")
	assert.Error(t, err)
}
