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
	"fmt"
	"reflect"

	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
)

var rawType = reflect.TypeOf(json.RawMessage{})

// ObjectKey names a policy or endpoint document. Values are kept as raw
// JSON and decoded by the policy store.
type ObjectKey struct {
	Prefix string
	Kind   policy.Kind
	ID     string
}

// ObjectPrefix returns the path under which every policy object lives.
func ObjectPrefix(prefix string) string {
	return joinPath(prefix, "")
}

func (key ObjectKey) defaultPath() (string, error) {
	if key.Kind == "" {
		return "", ErrorInsufficientIdentifiers{Name: "Kind"}
	}
	if key.ID == "" {
		return "", ErrorInsufficientIdentifiers{Name: "ID"}
	}
	return joinPath(key.Prefix, string(key.Kind), key.ID), nil
}

func (key ObjectKey) defaultDeletePath() (string, error) {
	return key.defaultPath()
}

func (key ObjectKey) valueType() (reflect.Type, error) {
	return rawType, nil
}

func (key ObjectKey) String() string {
	return fmt.Sprintf("Object(kind=%s, id=%s)", key.Kind, key.ID)
}
