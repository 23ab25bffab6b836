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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3/model"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// document is one policy object as written in an input file.
type document struct {
	Kind policy.Kind     `json:"kind"`
	ID   string          `json:"id"`
	Spec json.RawMessage `json:"spec"`
}

// parseDocuments reads either a single document or a list of them. Every
// document is checked by decoding it the way the agent will.
func parseDocuments(r io.Reader) ([]document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	var docs []document
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &docs)
	} else {
		var doc document
		err = json.Unmarshal(data, &doc)
		docs = append(docs, doc)
	}
	if err != nil {
		return nil, errors.Wrap(err, "parsing documents")
	}

	scratch := policy.NewStore()
	for i, doc := range docs {
		if doc.ID == "" {
			return nil, errors.Errorf("document %d has no id", i)
		}
		if len(doc.Spec) == 0 {
			docs[i].Spec = json.RawMessage(`{}`)
		}
		if err := scratch.Apply(doc.Kind, doc.ID, docs[i].Spec); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func applyDocuments(ctx context.Context, client etcdv3.Client, prefix string, docs []document) error {
	for _, doc := range docs {
		kv := &model.KVPair{
			Key:   model.ObjectKey{Prefix: prefix, Kind: doc.Kind, ID: doc.ID},
			Value: doc.Spec,
		}
		if err := client.Put(ctx, kv); err != nil {
			return errors.Wrapf(err, "writing %s %s", doc.Kind, doc.ID)
		}
		log.WithFields(log.Fields{"kind": doc.Kind, "id": doc.ID, "revision": kv.Revision}).Info("Object stored")
	}
	return nil
}

func validKind(kind policy.Kind) bool {
	for _, k := range policy.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func deleteDocument(ctx context.Context, client etcdv3.Client, prefix string, kind policy.Kind, id string) error {
	if !validKind(kind) {
		return errors.Errorf("unknown object kind %q", kind)
	}
	return client.Delete(ctx, model.ObjectKey{Prefix: prefix, Kind: kind, ID: id})
}

// listDocuments writes "<kind> <id>" lines for every stored object,
// optionally limited to one kind.
func listDocuments(ctx context.Context, client etcdv3.Client, prefix string, kind policy.Kind, w io.Writer) error {
	root := model.Prefix(prefix)
	kvs, _, err := client.List(ctx, model.ObjectPrefix(prefix))
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, kv := range kvs {
		k, id, ok := policy.ParseKey(root, kv.Key)
		if !ok || (kind != "" && k != kind) {
			continue
		}
		b.WriteString(string(k) + " " + id + "\n")
	}
	_, err = io.WriteString(w, b.String())
	return err
}
