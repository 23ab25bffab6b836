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

package flowmgr

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"

	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/synth"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
)

// MulticastGroupFile is the document listing the groups the uplink
// subscribes to.
type MulticastGroupFile struct {
	Groups []string `json:"multicast-groups"`
}

// applyMulticast joins new groups and leaves dropped ones. Commands that
// fail are undone in the tracked set so the next multicast scope issues
// them again.
func (m *Manager) applyMulticast(mg synth.MulticastGroups) {
	want := sets.New(mg.IPs()...)
	leave := sets.List(m.mcast.Difference(want))
	join := sets.List(want.Difference(m.mcast))
	if len(leave) == 0 && len(join) == 0 {
		return
	}
	m.mcast = want

	var cmds []drivers.Command
	tunPort := m.input().TunnelPort()
	for _, ip := range leave {
		cmds = append(cmds, drivers.Command{Op: drivers.CommandLeave, Switch: m.opts.SwitchName,
			TunnelPort: tunPort, GroupIP: net.ParseIP(ip)})
	}
	for _, ip := range join {
		cmds = append(cmds, drivers.Command{Op: drivers.CommandJoin, Switch: m.opts.SwitchName,
			TunnelPort: tunPort, GroupIP: net.ParseIP(ip)})
	}
	if m.cmds != nil {
		m.writer.submit(func(ctx context.Context) {
			var failed []drivers.Command
			for _, c := range cmds {
				if err := m.cmds.Execute(ctx, c); err != nil {
					log.WithError(err).WithFields(log.Fields{"op": c.Op, "group": c.GroupIP}).
						Warn("Multicast subscription command failed")
					failed = append(failed, c)
				}
			}
			if len(failed) > 0 {
				m.revertMulticast(failed)
			}
		})
	}
	m.writeMulticastFile()
}

func (m *Manager) revertMulticast(failed []drivers.Command) {
	m.queue.Dispatch("", func() {
		for _, c := range failed {
			if c.Op == drivers.CommandJoin {
				m.mcast.Delete(c.GroupIP.String())
			} else {
				m.mcast.Insert(c.GroupIP.String())
			}
		}
	})
}

// writeMulticastFile replaces the multicast group file, if one is
// configured.
func (m *Manager) writeMulticastFile() {
	path := m.opts.MulticastGroupFile
	if path == "" {
		return
	}
	if err := writeGroupFile(path, sets.List(m.mcast)); err != nil {
		log.WithError(err).WithField("file", path).Error("Could not write multicast group file")
	}
}

func writeGroupFile(path string, groups []string) error {
	data, err := json.MarshalIndent(MulticastGroupFile{Groups: groups}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mcast-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing multicast groups")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "replacing multicast group file")
}

// ReadMulticastGroupFile loads a file written by the manager.
func ReadMulticastGroupFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f MulticastGroupFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return f.Groups, nil
}
