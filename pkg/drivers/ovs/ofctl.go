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

// Package ovs contains the Open vSwitch driver for the agent. Tables and
// groups are programmed through ovs-ofctl bundles; liveness is checked over
// the ovs-vswitchd control socket.
package ovs

import (
	"bufio"
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/flow"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	utilexec "k8s.io/utils/exec"
)

// Driver defaults
const (
	DefaultOfctlPath       = "/usr/bin/ovs-ofctl"
	DefaultOpenFlowVersion = "OpenFlow15"
	DefaultPollInterval    = 5 * time.Second
)

var portLine = regexp.MustCompile(`^\s*(\d+)\(([^)]+)\):`)

// Driver represents the Open vSwitch driver.
type Driver struct {
	drivers.DriverConfig
	exec         utilexec.Interface
	ctl          *UnixCtl
	events       chan drivers.Event
	pollInterval time.Duration

	mu        sync.Mutex
	connected bool
	ports     map[string]uint32
	started   bool
}

// NewDriver returns a driver for the configured bridge.
func NewDriver(cfg drivers.DriverConfig) *Driver {
	return newDriver(cfg, utilexec.New())
}

func newDriver(cfg drivers.DriverConfig, ex utilexec.Interface) *Driver {
	if cfg.OfctlPath == "" {
		cfg.OfctlPath = DefaultOfctlPath
	}
	if cfg.OpenFlowVersion == "" {
		cfg.OpenFlowVersion = DefaultOpenFlowVersion
	}
	d := &Driver{
		DriverConfig: cfg,
		exec:         ex,
		events:       make(chan drivers.Event, 16),
		pollInterval: DefaultPollInterval,
	}
	if cfg.ControlSocket != "" {
		d.ctl = NewUnixCtl(cfg.ControlSocket)
	}
	return d
}

func (d *Driver) ofctl(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	full := append([]string{"-O", d.OpenFlowVersion}, args...)
	cmd := d.exec.CommandContext(ctx, d.OfctlPath, full...)
	if stdin != nil {
		cmd.SetStdin(bytes.NewReader(stdin))
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s: %s", d.OfctlPath, strings.Join(args, " "),
			strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Connect probes the switch and starts monitoring it. The monitor keeps
// running until ctx is done and reports connection and port changes.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	start := !d.started
	d.started = true
	d.mu.Unlock()

	if d.ctl != nil {
		if version, err := d.ctl.Call(ctx, "version"); err != nil {
			log.WithError(err).Warn("ovs-vswitchd control socket not answering")
		} else {
			log.Infof("Connected to %s", strings.TrimSpace(version))
		}
	}
	err := d.probe(ctx)
	if start {
		go wait.UntilWithContext(ctx, func(ctx context.Context) {
			if err := d.probe(ctx); err != nil {
				log.WithError(err).Debug("Switch probe failed")
			}
		}, d.pollInterval)
	}
	return err
}

// probe reads the port table and emits events for state changes.
func (d *Driver) probe(ctx context.Context) error {
	ports, err := d.ReadPorts(ctx)

	d.mu.Lock()
	var events []drivers.Event
	switch {
	case err != nil && d.connected:
		d.connected = false
		events = append(events, drivers.Event{Kind: drivers.EventDisconnected, Err: err})
	case err == nil && !d.connected:
		d.connected = true
		events = append(events, drivers.Event{Kind: drivers.EventConnected})
	}
	if err == nil && !samePorts(d.ports, ports) {
		d.ports = ports
		events = append(events, drivers.Event{Kind: drivers.EventPortStatus, Ports: ports})
	}
	d.mu.Unlock()

	for _, e := range events {
		select {
		case d.events <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func samePorts(a, b map[string]uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for name, port := range a {
		if p, ok := b[name]; !ok || p != port {
			return false
		}
	}
	return true
}

func (d *Driver) Events() <-chan drivers.Event {
	return d.events
}

func flowModLine(e flow.FlowEdit) string {
	switch e.Op {
	case flow.EditAdd:
		return "add " + e.Rule.String()
	case flow.EditModify:
		return "modify_strict " + e.Rule.String()
	}
	r := e.Rule
	line := "delete_strict table=" + strconv.Itoa(int(r.Table)) + ",priority=" + strconv.Itoa(int(r.Priority))
	if !r.Match.Empty() {
		line += "," + r.Match.String()
	}
	return line
}

// ExecuteFlows applies the edits as one bundle: either all of them are
// installed or none.
func (d *Driver) ExecuteFlows(ctx context.Context, edits []flow.FlowEdit) error {
	if len(edits) == 0 {
		return nil
	}
	var b bytes.Buffer
	for _, e := range edits {
		b.WriteString(flowModLine(e))
		b.WriteByte('\n')
	}
	_, err := d.ofctl(ctx, b.Bytes(), "--bundle", "add-flows", d.SwitchName, "-")
	return err
}

func groupModLine(e flow.GroupEdit) string {
	switch e.Op {
	case flow.EditAdd:
		return "add " + e.Group.String()
	case flow.EditModify:
		return "modify " + e.Group.String()
	}
	return "delete group_id=" + strconv.FormatUint(uint64(e.Group.ID), 10)
}

// ExecuteGroups applies group edits as one bundle.
func (d *Driver) ExecuteGroups(ctx context.Context, edits []flow.GroupEdit) error {
	if len(edits) == 0 {
		return nil
	}
	var b bytes.Buffer
	for _, e := range edits {
		b.WriteString(groupModLine(e))
		b.WriteByte('\n')
	}
	_, err := d.ofctl(ctx, b.Bytes(), "--bundle", "add-groups", d.SwitchName, "-")
	return err
}

// ParseFlowDump parses ovs-ofctl dump-flows output. Header lines are
// skipped; lines that cannot be parsed are logged and skipped.
func ParseFlowDump(out []byte) []*flow.Rule {
	var rules []*flow.Rule
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.Contains(line, "actions=") {
			continue
		}
		r, err := flow.ParseRule(line)
		if err != nil {
			log.WithError(err).WithField("flow", line).Warn("Skipping unparsable flow")
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

// ParseGroupDump parses ovs-ofctl dump-groups output.
func ParseGroupDump(out []byte) []*flow.Group {
	var groups []*flow.Group
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "group_id=") {
			continue
		}
		g, err := flow.ParseGroup(line)
		if err != nil {
			log.WithError(err).WithField("group", line).Warn("Skipping unparsable group")
			continue
		}
		groups = append(groups, g)
	}
	return groups
}

// ParsePortTable parses ovs-ofctl show output into a name to port map.
// The bridge local port is left out.
func ParsePortTable(out []byte) map[string]uint32 {
	ports := make(map[string]uint32)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := portLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		ports[m[2]] = uint32(n)
	}
	return ports
}

func (d *Driver) ReadFlows(ctx context.Context, tables []flow.TableID) (map[flow.TableID][]*flow.Rule, error) {
	out := make(map[flow.TableID][]*flow.Rule, len(tables))
	for _, t := range tables {
		dump, err := d.ofctl(ctx, nil, "--no-names", "dump-flows", d.SwitchName, "table="+strconv.Itoa(int(t)))
		if err != nil {
			return nil, err
		}
		rules := ParseFlowDump(dump)
		for _, r := range rules {
			r.Table = t
		}
		out[t] = rules
	}
	return out, nil
}

func (d *Driver) ReadGroups(ctx context.Context) ([]*flow.Group, error) {
	dump, err := d.ofctl(ctx, nil, "dump-groups", d.SwitchName)
	if err != nil {
		return nil, err
	}
	return ParseGroupDump(dump), nil
}

func (d *Driver) ReadPorts(ctx context.Context) (map[string]uint32, error) {
	out, err := d.ofctl(ctx, nil, "show", d.SwitchName)
	if err != nil {
		return nil, err
	}
	return ParsePortTable(out), nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}
