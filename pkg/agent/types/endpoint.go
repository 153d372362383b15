// Copyright 2024 Accessflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// DHCPv4Config marks an endpoint as served by the virtual DHCPv4
// responder; its requests bypass access-bridge policy.
type DHCPv4Config struct {
	ServerIP string `json:"server-ip,omitempty"`
}

// DHCPv6Config is the v6 counterpart of DHCPv4Config.
type DHCPv6Config struct {
	ServerIP string `json:"server-ip,omitempty"`
}

// IPAddressMapping maps one of the endpoint's IPs to a floating IP.
type IPAddressMapping struct {
	UUID       string `json:"uuid,omitempty"`
	MappedIP   string `json:"mapped-ip,omitempty"`
	FloatingIP string `json:"floating-ip,omitempty"`
	EgURI      string `json:"endpoint-group-name,omitempty"`
}

// Endpoint is a workload attached to the access bridge through an
// access/uplink interface pair.
type Endpoint struct {
	UUID                  string             `json:"uuid"`
	AccessInterface       string             `json:"access-interface,omitempty"`
	AccessUplinkInterface string             `json:"access-uplink-interface,omitempty"`
	AccessVlan            *uint16            `json:"access-interface-vlan,omitempty"`
	AllowUntagged         bool               `json:"access-allow-untagged,omitempty"`
	InterfaceName         string             `json:"interface-name,omitempty"`
	IPs                   []string           `json:"ip,omitempty"`
	ServiceIPs            []string           `json:"service-ip,omitempty"`
	IPAddressMappings     []IPAddressMapping `json:"ip-address-mapping,omitempty"`
	DHCPv4                *DHCPv4Config      `json:"dhcp4,omitempty"`
	DHCPv6                *DHCPv6Config      `json:"dhcp6,omitempty"`
	SecurityGroups        []string           `json:"security-group,omitempty"`
}

// SecGrpSetKey returns the canonical key of a security-group set: the
// sorted URI list joined by ",". The empty set maps to "".
func SecGrpSetKey(groups []string) string {
	sorted := append([]string(nil), groups...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// SplitSecGrpSetKey reverses SecGrpSetKey, dropping empty elements.
func SplitSecGrpSetKey(key string) []string {
	var groups []string
	for _, uri := range strings.Split(key, ",") {
		if uri != "" {
			groups = append(groups, uri)
		}
	}
	return groups
}

// EndpointStore is the read-only endpoint inventory the programmer
// subscribes to. Implementations provide consistent point-in-time
// snapshots under their own locking.
type EndpointStore interface {
	// GetEndpoint returns the endpoint or nil when it no longer exists.
	GetEndpoint(uuid string) *Endpoint
	// GetEndpointsByAccessIface returns the UUIDs of endpoints whose
	// access interface has the given name.
	GetEndpointsByAccessIface(name string) sets.Set[string]
	// GetEndpointsByAccessUplink returns the UUIDs of endpoints whose
	// uplink interface has the given name.
	GetEndpointsByAccessUplink(name string) sets.Set[string]
	// GetEndpointsByIface returns the UUIDs of endpoints whose
	// interface-name hint has the given name.
	GetEndpointsByIface(name string) sets.Set[string]
	// SecGrpSetEmpty reports whether no endpoint references exactly
	// the given security-group set.
	SecGrpSetEmpty(groups []string) bool
	// GetSecGrpSetsForSecGrp returns the distinct security-group sets
	// that contain the given group URI.
	GetSecGrpSetsForSecGrp(uri string) [][]string
}

// LBIface is a learning-bridge interface trunking VLAN ranges between
// an endpoint's access and uplink ports.
type LBIface struct {
	UUID          string      `json:"uuid"`
	InterfaceName string      `json:"interface-name,omitempty"`
	TrunkVlans    [][2]uint16 `json:"trunk-vlans,omitempty"`
}

// LearningBridgeStore resolves learning-bridge interfaces.
type LearningBridgeStore interface {
	GetLBIface(uuid string) *LBIface
	GetLBIfacesByIface(name string) sets.Set[string]
}
