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

// Watchers and handlers for the policy datastore

package agent

import (
	"context"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3/model"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/apimachinery/pkg/util/sets"
)

// DefaultResyncInterval is the pause between attempts to reload the
// datastore after losing it.
const DefaultResyncInterval = 2 * time.Second

// PeerListener is told whether the policy source can be reached.
type PeerListener interface {
	PeerStatusUpdate(present bool)
}

// PolicyGazer mirrors the policy objects stored under a prefix into the
// policy store. Every (re)connection lists the whole prefix, drops what
// disappeared meanwhile and then watches from the listed revision.
type PolicyGazer struct {
	Prefix         string
	Client         etcdv3.Client
	Store          *policy.Store
	Peer           PeerListener
	ResyncInterval time.Duration

	known sets.Set[string]
}

func (g *PolicyGazer) prefix() string {
	return model.Prefix(g.Prefix)
}

// Run loads and watches the datastore until ctx is done.
func (g *PolicyGazer) Run(ctx context.Context) {
	interval := g.ResyncInterval
	if interval == 0 {
		interval = DefaultResyncInterval
	}
	for ctx.Err() == nil {
		rev, err := g.resync(ctx)
		if err != nil {
			log.WithError(err).Warn("Unable to load policy from etcd")
		} else {
			g.Peer.PeerStatusUpdate(true)
			err = g.watch(ctx, rev+1)
			g.Peer.PeerStatusUpdate(false)
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Policy watch interrupted")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// resync applies every stored object and removes the ones no longer
// present. It returns the revision of the listing.
func (g *PolicyGazer) resync(ctx context.Context) (int64, error) {
	kvs, rev, err := g.Client.List(ctx, model.ObjectPrefix(g.Prefix))
	if err != nil {
		return 0, err
	}
	if g.known == nil {
		g.known = sets.New[string]()
	}
	seen := sets.New[string]()
	for _, kv := range kvs {
		// an object that turned invalid keeps its last good version
		if g.put(kv.Key, kv.Value) || g.known.Has(kv.Key) {
			seen.Insert(kv.Key)
		}
	}
	for _, key := range sets.List(g.known.Difference(seen)) {
		g.remove(key)
	}
	g.known = seen
	log.WithFields(log.Fields{"objects": seen.Len(), "revision": rev}).Info("Policy loaded from etcd")
	return rev, nil
}

func (g *PolicyGazer) watch(ctx context.Context, rev int64) error {
	for resp := range g.Client.Watch(ctx, model.ObjectPrefix(g.Prefix), rev) {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, event := range resp.Events {
			log.Debugf("Event received! %s executed on %q", event.Type, event.Kv.Key)
			g.ProcessEvent(event)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("watch channel closed")
}

// ProcessEvent applies one watch event to the store.
func (g *PolicyGazer) ProcessEvent(event *clientv3.Event) {
	if g.known == nil {
		g.known = sets.New[string]()
	}
	key := string(event.Kv.Key)
	switch event.Type {
	case clientv3.EventTypeDelete:
		if g.known.Has(key) {
			g.remove(key)
			g.known.Delete(key)
		}
	case clientv3.EventTypePut:
		if g.put(key, event.Kv.Value) {
			g.known.Insert(key)
		}
	default:
		log.Errorf("Unknown event type: %s", event.Type.String())
	}
}

func (g *PolicyGazer) put(key string, value []byte) bool {
	kind, id, ok := policy.ParseKey(g.prefix(), key)
	if !ok {
		return false
	}
	if err := g.Store.Apply(kind, id, value); err != nil {
		log.WithError(err).WithField("key", key).Warn("Ignoring invalid policy object")
		return false
	}
	return true
}

func (g *PolicyGazer) remove(key string) {
	kind, id, ok := policy.ParseKey(g.prefix(), key)
	if !ok {
		return
	}
	if err := g.Store.Remove(kind, id); err != nil {
		log.WithError(err).WithField("key", key).Warn("Failed to remove policy object")
	}
}
