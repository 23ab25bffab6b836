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

package ports

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// WatchLinks removes mappings of host interfaces as soon as the kernel
// reports them deleted, ahead of the next switch port poll. It returns
// when ctx is cancelled.
func WatchLinks(ctx context.Context, m *Mapper) error {
	updates := make(chan netlink.LinkUpdate, 64)
	if err := netlink.LinkSubscribe(updates, ctx.Done()); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					log.Warn("Netlink link subscription closed")
					return
				}
				if u.Header.Type != unix.RTM_DELLINK || u.Link == nil {
					continue
				}
				name := u.Link.Attrs().Name
				if m.FindPort(name) != None {
					log.WithField("interface", name).Info("Interface deleted from host")
					m.RemovePort(name)
				}
			}
		}
	}()
	return nil
}
