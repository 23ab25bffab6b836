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

// Package idgen allocates small sequential identifiers for policy objects,
// one namespace per object type, persisted in a key-value store.
package idgen

import (
	"sort"
	"sync"

	"github.com/philippgille/gokv"
	"github.com/philippgille/gokv/encoding"
	"github.com/philippgille/gokv/gomap"
	"github.com/philippgille/gokv/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Namespaces used by the flow manager.
const (
	NSFloodDomain     = "floodDomain"
	NSBridgeDomain    = "bridgeDomain"
	NSRoutingDomain   = "routingDomain"
	NSContract        = "contract"
	NSExternalNetwork = "externalNetwork"
)

// Namespaces lists every namespace in allocation order.
var Namespaces = []string{
	NSFloodDomain,
	NSBridgeDomain,
	NSRoutingDomain,
	NSContract,
	NSExternalNetwork,
}

const keyPrefix = "idgen/"

// NewStore opens the backing store: "memory" or "redis".
func NewStore(kind, address string) (gokv.Store, error) {
	switch kind {
	case "", "memory":
		return gomap.NewStore(gomap.Options{Codec: encoding.JSON}), nil
	case "redis":
		client, err := redis.NewClient(redis.Options{
			Address: address,
			Codec:   encoding.JSON,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to redis at %s", address)
		}
		return client, nil
	}
	return nil, errors.Errorf("unknown id store type %q", kind)
}

type namespace struct {
	Next uint32            `json:"next"`
	IDs  map[string]uint32 `json:"ids"`
	Free []uint32          `json:"free,omitempty"`
}

// Generator hands out ids. It is safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	store  gokv.Store
	spaces map[string]*namespace
}

// New returns a generator persisting into store. A nil store keeps ids in
// memory only.
func New(store gokv.Store) *Generator {
	return &Generator{store: store, spaces: make(map[string]*namespace)}
}

// InitNamespace loads previously persisted ids of ns.
func (g *Generator) InitNamespace(ns string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	space := &namespace{Next: 1, IDs: make(map[string]uint32)}
	if g.store != nil {
		stored := namespace{}
		found, err := g.store.Get(keyPrefix+ns, &stored)
		if err != nil {
			return errors.Wrapf(err, "loading id namespace %s", ns)
		}
		if found {
			space = &stored
			if space.IDs == nil {
				space.IDs = make(map[string]uint32)
			}
			if space.Next == 0 {
				space.Next = 1
			}
		}
	}
	g.spaces[ns] = space
	log.WithFields(log.Fields{"namespace": ns, "ids": len(space.IDs)}).Debug("Loaded id namespace")
	return nil
}

func (g *Generator) space(ns string) *namespace {
	s, ok := g.spaces[ns]
	if !ok {
		s = &namespace{Next: 1, IDs: make(map[string]uint32)}
		g.spaces[ns] = s
	}
	return s
}

func (g *Generator) persist(ns string, s *namespace) {
	if g.store == nil {
		return
	}
	if err := g.store.Set(keyPrefix+ns, s); err != nil {
		log.WithError(err).WithField("namespace", ns).Warn("Failed to persist ids")
	}
}

// GetID returns the id of key in ns, allocating the lowest free id if the
// key is new.
func (g *Generator) GetID(ns, key string) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.space(ns)
	if id, ok := s.IDs[key]; ok {
		return id
	}
	var id uint32
	if len(s.Free) > 0 {
		id = s.Free[0]
		s.Free = s.Free[1:]
	} else {
		id = s.Next
		s.Next++
	}
	s.IDs[key] = id
	g.persist(ns, s)
	return id
}

// Lookup returns the id of key without allocating.
func (g *Generator) Lookup(ns, key string) (uint32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.space(ns).IDs[key]
	return id, ok
}

// Erase releases the id of key.
func (g *Generator) Erase(ns, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.space(ns)
	if g.release(s, key) {
		g.persist(ns, s)
	}
}

func (g *Generator) release(s *namespace, key string) bool {
	id, ok := s.IDs[key]
	if !ok {
		return false
	}
	delete(s.IDs, key)
	pos := sort.Search(len(s.Free), func(i int) bool { return s.Free[i] >= id })
	s.Free = append(s.Free, 0)
	copy(s.Free[pos+1:], s.Free[pos:])
	s.Free[pos] = id
	return true
}

// CollectGarbage releases every id in ns whose key is not alive and
// returns how many were released.
func (g *Generator) CollectGarbage(ns string, alive func(key string) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.space(ns)
	keys := make([]string, 0, len(s.IDs))
	for k := range s.IDs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	n := 0
	for _, k := range keys {
		if !alive(k) && g.release(s, k) {
			n++
		}
	}
	if n > 0 {
		g.persist(ns, s)
		log.WithFields(log.Fields{"namespace": ns, "released": n}).Info("Collected unused ids")
	}
	return n
}

// Close closes the backing store.
func (g *Generator) Close() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}
