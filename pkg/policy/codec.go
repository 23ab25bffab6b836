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

package policy

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ParseKey splits a datastore key of the form <prefix>/<kind>/<id> into
// its kind and identifier. Identifiers may contain slashes.
func ParseKey(prefix, key string) (Kind, string, bool) {
	rest := strings.TrimPrefix(key, strings.TrimSuffix(prefix, "/")+"/")
	if rest == key {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	kind := Kind(parts[0])
	for _, k := range Kinds {
		if k == kind {
			return kind, parts[1], true
		}
	}
	return "", "", false
}

// ObjectKey returns the datastore key of an object.
func ObjectKey(prefix string, kind Kind, id string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + string(kind) + "/" + id
}

// Apply decodes a JSON document of the given kind and stores it under id.
// The identifier overrides whatever the document carries.
func (s *Store) Apply(kind Kind, id string, data []byte) error {
	var err error
	switch kind {
	case KindEndpoint:
		ep := &Endpoint{}
		if err = json.Unmarshal(data, ep); err == nil {
			ep.UUID = id
			s.PutEndpoint(ep)
		}
	case KindService:
		svc := &AnycastService{}
		if err = json.Unmarshal(data, svc); err == nil {
			svc.UUID = id
			s.PutService(svc)
		}
	case KindGroup:
		g := &EndpointGroup{}
		if err = json.Unmarshal(data, g); err == nil {
			g.URI = id
			s.PutGroup(g)
		}
	case KindFloodDomain:
		fd := &FloodDomain{}
		if err = json.Unmarshal(data, fd); err == nil {
			fd.URI = id
			s.PutFloodDomain(fd)
		}
	case KindBridgeDomain:
		bd := &BridgeDomain{}
		if err = json.Unmarshal(data, bd); err == nil {
			bd.URI = id
			s.PutBridgeDomain(bd)
		}
	case KindRoutingDomain:
		rd := &RoutingDomain{}
		if err = json.Unmarshal(data, rd); err == nil {
			rd.URI = id
			s.PutRoutingDomain(rd)
		}
	case KindSubnet:
		sn := &Subnet{}
		if err = json.Unmarshal(data, sn); err == nil {
			sn.URI = id
			s.PutSubnet(sn)
		}
	case KindExternalNetwork:
		en := &ExternalNetwork{}
		if err = json.Unmarshal(data, en); err == nil {
			en.URI = id
			s.PutExternalNetwork(en)
		}
	case KindContract:
		c := &Contract{}
		if err = json.Unmarshal(data, c); err == nil {
			c.URI = id
			s.PutContract(c)
		}
	case KindPlatform:
		pc := &PlatformConfig{}
		if err = json.Unmarshal(data, pc); err == nil {
			pc.URI = id
			s.PutPlatformConfig(pc)
		}
	default:
		return errors.Errorf("unknown object kind %q", kind)
	}
	return errors.Wrapf(err, "decoding %s %s", kind, id)
}

// Remove deletes the object of the given kind and id.
func (s *Store) Remove(kind Kind, id string) error {
	switch kind {
	case KindEndpoint:
		s.DeleteEndpoint(id)
	case KindService:
		s.DeleteService(id)
	case KindGroup:
		s.DeleteGroup(id)
	case KindFloodDomain, KindBridgeDomain, KindRoutingDomain, KindSubnet, KindExternalNetwork:
		s.DeleteDomain(kind, id)
	case KindContract:
		s.DeleteContract(id)
	case KindPlatform:
		s.PutPlatformConfig(nil)
	default:
		return errors.Errorf("unknown object kind %q", kind)
	}
	return nil
}
