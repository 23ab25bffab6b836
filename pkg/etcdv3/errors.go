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

package etcdv3

import "fmt"

// ErrorKeyExists is returned when creating a key that is already present.
type ErrorKeyExists struct {
	Key      string
	Revision int64
}

func (e ErrorKeyExists) Error() string {
	return fmt.Sprintf("key %s already exists (revision %d)", e.Key, e.Revision)
}

func NewKeyExistsError(key string, rev int64) error {
	return ErrorKeyExists{Key: key, Revision: rev}
}

// ErrorResourceDoesNotExist is returned when deleting a missing key.
type ErrorResourceDoesNotExist struct {
	Key string
}

func (e ErrorResourceDoesNotExist) Error() string {
	return fmt.Sprintf("resource %s does not exist", e.Key)
}

// ErrorDatastoreError wraps a failure to encode or store an object.
type ErrorDatastoreError struct {
	Err        error
	Identifier interface{}
}

func (e ErrorDatastoreError) Error() string {
	return fmt.Sprintf("datastore error on %v: %v", e.Identifier, e.Err)
}

func (e ErrorDatastoreError) Unwrap() error {
	return e.Err
}
