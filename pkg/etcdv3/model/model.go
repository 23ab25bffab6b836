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

// Package model maps datastore keys to paths and values.
package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPrefix is the root of every key the agent reads or writes.
const DefaultPrefix = "/nimbess"

// Key identifies one datastore object.
type Key interface {
	defaultPath() (string, error)
	defaultDeletePath() (string, error)
	valueType() (reflect.Type, error)
	String() string
}

// KVPair is a key with its value and the revision it was read at.
type KVPair struct {
	Key      Key
	Value    interface{}
	Revision int64
}

// ErrorInsufficientIdentifiers is returned when a key lacks a field its
// path needs.
type ErrorInsufficientIdentifiers struct {
	Name string
}

func (e ErrorInsufficientIdentifiers) Error() string {
	return fmt.Sprintf("insufficient identifiers, missing %q", e.Name)
}

// KeyToDefaultPath returns the datastore path of key.
func KeyToDefaultPath(key Key) (string, error) {
	return key.defaultPath()
}

// KeyToDefaultDeletePath returns the path to delete for key.
func KeyToDefaultDeletePath(key Key) (string, error) {
	return key.defaultDeletePath()
}

// SerializeValue encodes the value of d as JSON. Raw JSON values are
// stored unchanged.
func SerializeValue(d *KVPair) ([]byte, error) {
	if d.Value == nil {
		return json.Marshal(nil)
	}
	if raw, ok := d.Value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.Errorf("invalid JSON value for %s", d.Key)
		}
		return raw, nil
	}
	return json.Marshal(d.Value)
}

// ParseValue decodes raw into a new value of the type key holds.
func ParseValue(key Key, raw []byte) (interface{}, error) {
	t, err := key.valueType()
	if err != nil {
		return nil, err
	}
	if t == rawType {
		if !json.Valid(raw) {
			return nil, errors.Errorf("invalid JSON value for %s", key)
		}
		return json.RawMessage(append([]byte(nil), raw...)), nil
	}
	v := reflect.New(t)
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", key)
	}
	return v.Interface(), nil
}

// Prefix returns prefix without a trailing slash, or DefaultPrefix if
// it is empty.
func Prefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

func joinPath(prefix string, parts ...string) string {
	return Prefix(prefix) + "/" + strings.Join(parts, "/")
}
