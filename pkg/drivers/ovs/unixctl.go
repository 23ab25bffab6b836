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

package ovs

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultCallTimeout bounds a control socket call without a deadline.
const DefaultCallTimeout = 5 * time.Second

// UnixCtl talks JSON-RPC to the control socket of an Open vSwitch daemon,
// the same channel ovs-appctl uses.
type UnixCtl struct {
	Path    string
	Timeout time.Duration
}

type rpcRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     string   `json:"id"`
}

type rpcResponse struct {
	Result *string          `json:"result"`
	Error  *json.RawMessage `json:"error"`
	ID     string           `json:"id"`
}

// NewUnixCtl returns a client for the socket at path.
func NewUnixCtl(path string) *UnixCtl {
	return &UnixCtl{Path: path, Timeout: DefaultCallTimeout}
}

// Call runs one command and returns its textual result.
func (c *UnixCtl) Call(ctx context.Context, method string, params ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return "", errors.Wrapf(err, "connecting to %s", c.Path)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if params == nil {
		params = []string{}
	}
	req := rpcRequest{Method: method, Params: params, ID: uuid.New().String()}
	log.WithFields(log.Fields{"method": method, "params": params, "id": req.ID}).Debug("Control socket request")
	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return "", errors.Wrapf(err, "sending %s", method)
	}
	var resp rpcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return "", errors.Wrapf(err, "reading reply to %s", method)
	}
	if resp.ID != req.ID {
		return "", errors.Errorf("reply id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != nil && string(*resp.Error) != "null" {
		var msg string
		if json.Unmarshal(*resp.Error, &msg) != nil {
			msg = string(*resp.Error)
		}
		return "", errors.Errorf("%s: %s", method, msg)
	}
	if resp.Result == nil {
		return "", nil
	}
	return *resp.Result, nil
}
