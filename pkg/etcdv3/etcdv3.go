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

// Package etcdv3 is the etcd wrapper implementation.
package etcdv3

import (
	"context"
	"strings"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultDialTimeout bounds the initial connection to etcd.
const DefaultDialTimeout = 5 * time.Second

// RawKV is a key as read from etcd.
type RawKV struct {
	Key   string
	Value []byte
}

type Client interface {
	Create(ctx context.Context, object *model.KVPair) error
	Put(ctx context.Context, object *model.KVPair) error
	Delete(ctx context.Context, k model.Key) error
	// List returns every key under prefix and the revision of the read.
	List(ctx context.Context, prefix string) ([]RawKV, int64, error)
	// Watch streams changes under prefix starting at rev. A zero rev
	// watches from now on.
	Watch(ctx context.Context, prefix string, rev int64) clientv3.WatchChan
	// Register writes object under a lease kept alive until ctx is done.
	// The returned channel closes when the lease is lost.
	Register(ctx context.Context, object *model.KVPair, ttl int64) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Close() error
}

type EtcdV3Client struct {
	etcdClient *clientv3.Client
}

// Config holds the etcd connection settings.
type Config struct {
	Endpoints   string
	DialTimeout time.Duration
}

func New(config Config) (Client, error) {
	log.WithField("endpoints", config.Endpoints).Info("Connecting to etcd...")
	var etcdEndpoints []string
	for _, ep := range strings.Split(config.Endpoints, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			etcdEndpoints = append(etcdEndpoints, ep)
		}
	}
	if len(etcdEndpoints) == 0 {
		return nil, errors.New("no etcd endpoints specified")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	etcdConfig := clientv3.Config{Endpoints: etcdEndpoints, DialTimeout: config.DialTimeout}
	etcdClient, err := clientv3.New(etcdConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to etcd")
	}

	return &EtcdV3Client{etcdClient}, nil
}

func (c *EtcdV3Client) Close() error {
	return c.etcdClient.Close()
}

func (c *EtcdV3Client) Create(ctx context.Context, d *model.KVPair) error {
	log.WithFields(log.Fields{"key": d.Key.String(), "value": d.Value}).Debug("Create request")

	key, value, err := getKeyValueStrings(d)
	if err != nil {
		return err
	}

	txResp, err := c.etcdClient.KV.Txn(ctx).If(
		notFound(key),
	).Then(
		clientv3.OpPut(key, value),
	).Else(
		clientv3.OpGet(key),
	).Commit()
	if err != nil {
		return err
	}
	if !txResp.Succeeded {
		var rev int64
		if get := txResp.Responses[0].GetResponseRange(); get != nil && len(get.Kvs) > 0 {
			rev = get.Kvs[0].ModRevision
		}
		return NewKeyExistsError(key, rev)
	}
	d.Revision = txResp.Header.Revision
	return nil
}

func (c *EtcdV3Client) Put(ctx context.Context, d *model.KVPair) error {
	log.WithFields(log.Fields{"key": d.Key.String()}).Debug("Put request")

	key, value, err := getKeyValueStrings(d)
	if err != nil {
		return err
	}
	resp, err := c.etcdClient.Put(ctx, key, value)
	if err != nil {
		return err
	}
	d.Revision = resp.Header.Revision
	return nil
}

func (c *EtcdV3Client) Delete(ctx context.Context, k model.Key) error {
	log.WithFields(log.Fields{"key": k.String()}).Debug("Delete request")

	key, err := model.KeyToDefaultDeletePath(k)
	if err != nil {
		return err
	}

	txResp, err := c.etcdClient.KV.Txn(ctx).If(
		found(key),
	).Then(
		clientv3.OpDelete(key),
	).Commit()
	if err != nil {
		return err
	}
	if !txResp.Succeeded {
		return ErrorResourceDoesNotExist{Key: key}
	}
	return nil
}

func (c *EtcdV3Client) List(ctx context.Context, prefix string) ([]RawKV, int64, error) {
	resp, err := c.etcdClient.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	out := make([]RawKV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, RawKV{Key: string(kv.Key), Value: kv.Value})
	}
	return out, resp.Header.Revision, nil
}

// Watch starts a watcher on a prefix and returns the channel
func (c *EtcdV3Client) Watch(ctx context.Context, prefix string, rev int64) clientv3.WatchChan {
	log.Debugf("Setting up watcher on path prefix: %s", prefix)
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithPrevKV()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}
	return c.etcdClient.Watch(clientv3.WithRequireLeader(ctx), prefix, opts...)
}

func (c *EtcdV3Client) Register(ctx context.Context, d *model.KVPair, ttl int64) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	key, value, err := getKeyValueStrings(d)
	if err != nil {
		return nil, err
	}
	lease, err := c.etcdClient.Grant(ctx, ttl)
	if err != nil {
		return nil, errors.Wrap(err, "granting lease")
	}
	if _, err := c.etcdClient.Put(ctx, key, value, clientv3.WithLease(lease.ID)); err != nil {
		return nil, errors.Wrapf(err, "registering %s", key)
	}
	return c.etcdClient.KeepAlive(ctx, lease.ID)
}

func notFound(key string) clientv3.Cmp {
	return clientv3.Compare(clientv3.ModRevision(key), "=", 0)
}

func found(key string) clientv3.Cmp {
	return clientv3.Compare(clientv3.ModRevision(key), "!=", 0)
}

// getKeyValueStrings returns the etcdv3 etcdKey and serialized value calculated from the
// KVPair.
func getKeyValueStrings(d *model.KVPair) (string, string, error) {
	logCxt := log.WithFields(log.Fields{"model-etcdKey": d.Key})
	key, err := model.KeyToDefaultPath(d.Key)
	if err != nil {
		logCxt.WithError(err).Error("Failed to convert model-etcdKey to etcdv3 etcdKey")
		return "", "", ErrorDatastoreError{
			Err:        err,
			Identifier: d.Key,
		}
	}
	bytes, err := model.SerializeValue(d)
	if err != nil {
		logCxt.WithError(err).Error("Failed to serialize value")
		return "", "", ErrorDatastoreError{
			Err:        err,
			Identifier: d.Key,
		}
	}

	return key, string(bytes), nil
}
