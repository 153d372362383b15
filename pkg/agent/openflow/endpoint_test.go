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

package openflow

import (
	"testing"

	"antrea.io/libOpenflow/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noironetworks/accessflow/pkg/agent/types"
	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

const epUUID = "e82cf2a0-7d62-11e6-a24c-0242ac110003"

func baseEndpoint() *types.Endpoint {
	return &types.Endpoint{
		UUID:                  epUUID,
		AccessInterface:       "veth0",
		AccessUplinkInterface: "veth0-up",
	}
}

func setupEndpoint(h *testHarness, ep *types.Endpoint) {
	h.endpoints.eps[ep.UUID] = ep
	h.ports.Set("veth0", 5)
	h.ports.Set("veth0-up", 6)
}

func hasReg(f *binding.FlowEntry, reg int, value uint64) bool {
	m := f.GetMatch(binding.MatchReg(reg))
	return m != nil && m.Value == value
}

func loadedReg(f *binding.FlowEntry, reg int) (uint64, bool) {
	for _, act := range f.Actions {
		if act.Type == binding.ActionLoadReg && act.Reg == reg {
			return act.Value, true
		}
	}
	return 0, false
}

func metadataAction(t *testing.T, f *binding.FlowEntry) *binding.Action {
	t.Helper()
	act := f.GetAction(binding.ActionSetMetadata)
	require.NotNil(t, act)
	return act
}

// Scenario: endpoint with no security groups, no VLAN.
func TestEndpointEmpty(t *testing.T) {
	h := newTestHarness(Config{})
	setupEndpoint(h, baseEndpoint())

	h.programmer.handleEndpointUpdate(epUUID)

	flows := h.switchProg.Flows(epUUID, GroupMapTable)
	require.Len(t, flows, 2)
	emptyID := h.ids.GetID(idNamespaceSecGroupSet, "")

	ingress := findFlows(flows, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchInPort)
		return m != nil && m.Value == 5
	})
	require.Len(t, ingress, 1)
	f := ingress[0]
	assert.Equal(t, uint16(100), f.Priority)
	tci := f.GetMatch(binding.MatchTCI)
	require.NotNil(t, tci)
	assert.Equal(t, uint64(0), tci.Value)
	assert.Equal(t, uint64(0x1fff), tci.Mask)
	reg0, ok := loadedReg(f, secGrpSetReg)
	require.True(t, ok)
	assert.Equal(t, uint64(emptyID), reg0)
	reg7, ok := loadedReg(f, outPortReg)
	require.True(t, ok)
	assert.Equal(t, uint64(6), reg7)
	meta := metadataAction(t, f)
	assert.Equal(t, metaEgressDir, meta.Value)
	next, ok := f.GotoTable()
	require.True(t, ok)
	assert.Equal(t, SysSecGrpOutTable, next)

	uplink := findFlows(flows, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchInPort)
		return m != nil && m.Value == 6
	})
	require.Len(t, uplink, 1)
	f = uplink[0]
	assert.Equal(t, uint16(100), f.Priority)
	reg7, ok = loadedReg(f, outPortReg)
	require.True(t, ok)
	assert.Equal(t, uint64(5), reg7)
	meta = metadataAction(t, f)
	assert.Equal(t, metaIngressDir, meta.Value)
	next, ok = f.GotoTable()
	require.True(t, ok)
	assert.Equal(t, SysSecGrpInTable, next)

	// No conntrack zone without conntrack enabled.
	_, ok = loadedReg(f, ctZoneReg)
	assert.False(t, ok)
}

// Scenario: access VLAN with untagged traffic allowed.
func TestEndpointVlanAllowUntagged(t *testing.T) {
	h := newTestHarness(Config{})
	ep := baseEndpoint()
	ep.AccessVlan = uint16Ptr(100)
	ep.AllowUntagged = true
	setupEndpoint(h, ep)

	h.programmer.handleEndpointUpdate(epUUID)

	flows := h.switchProg.Flows(epUUID, GroupMapTable)
	require.Len(t, flows, 3)

	tagged := findFlows(flows, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchInPort)
		return f.Priority == 100 && m != nil && m.Value == 5
	})
	require.Len(t, tagged, 1)
	vlan := tagged[0].GetMatch(binding.MatchVlan)
	require.NotNil(t, vlan)
	assert.Equal(t, uint64(100), vlan.Value)
	meta := metadataAction(t, tagged[0])
	assert.Equal(t, metaPopVlan|metaEgressDir, meta.Value)
	assert.Equal(t, metaAccessMask, meta.Mask)

	untagged := findFlows(flows, func(f *binding.FlowEntry) bool {
		return f.Priority == 99
	})
	require.Len(t, untagged, 1)
	tci := untagged[0].GetMatch(binding.MatchTCI)
	require.NotNil(t, tci)
	assert.Equal(t, uint64(0), tci.Value)

	uplink := findFlows(flows, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchInPort)
		return m != nil && m.Value == 6
	})
	require.Len(t, uplink, 1)
	reg5, ok := loadedReg(uplink[0], vlanReg)
	require.True(t, ok)
	assert.Equal(t, uint64(100), reg5)
	meta = metadataAction(t, uplink[0])
	assert.Equal(t, metaUntaggedAndPushVlan|metaIngressDir, meta.Value)
}

// Scenario: endpoint removal clears all keyed flows and releases the
// conntrack zone.
func TestEndpointDeletion(t *testing.T) {
	h := newTestHarness(Config{ConnTrack: true})
	ep := baseEndpoint()
	ep.IPs = []string{"10.0.0.2"}
	ep.ServiceIPs = []string{"10.4.0.1"}
	setupEndpoint(h, ep)

	h.programmer.handleEndpointUpdate(epUUID)
	require.NotEmpty(t, h.switchProg.Flows(epUUID, GroupMapTable))
	require.NotEmpty(t, h.switchProg.Flows(epUUID, ServiceBypassTable))
	zone, err := h.ctZones.GetZone(epUUID)
	require.NoError(t, err)

	delete(h.endpoints.eps, epUUID)
	h.programmer.handleEndpointUpdate(epUUID)

	assert.Empty(t, h.switchProg.Flows(epUUID, GroupMapTable))
	assert.Empty(t, h.switchProg.Flows(epUUID, ServiceBypassTable))

	// The zone is free for the next endpoint.
	otherZone, err := h.ctZones.GetZone("other-uuid")
	require.NoError(t, err)
	assert.Equal(t, zone, otherZone)
}

func TestEndpointUnresolvedPortsEmitsEmptySets(t *testing.T) {
	h := newTestHarness(Config{})
	ep := baseEndpoint()
	h.endpoints.eps[ep.UUID] = ep
	h.ports.Set("veth0", 5)
	// uplink unresolved

	h.programmer.handleEndpointUpdate(epUUID)
	assert.Empty(t, h.switchProg.Flows(epUUID, GroupMapTable))
	assert.Empty(t, h.switchProg.Flows(epUUID, ServiceBypassTable))
}

func TestEndpointConntrackZoneLoaded(t *testing.T) {
	h := newTestHarness(Config{ConnTrack: true})
	setupEndpoint(h, baseEndpoint())

	h.programmer.handleEndpointUpdate(epUUID)
	zone, err := h.ctZones.GetZone(epUUID)
	require.NoError(t, err)

	flows := h.switchProg.Flows(epUUID, GroupMapTable)
	require.Len(t, flows, 2)
	for _, f := range flows {
		reg6, ok := loadedReg(f, ctZoneReg)
		require.True(t, ok)
		assert.Equal(t, uint64(zone), reg6)
	}

	// Replaying keeps the same zone.
	h.programmer.handleEndpointUpdate(epUUID)
	again, err := h.ctZones.GetZone(epUUID)
	require.NoError(t, err)
	assert.Equal(t, zone, again)
}

func TestEndpointServiceBypassFlows(t *testing.T) {
	h := newTestHarness(Config{})
	ep := baseEndpoint()
	ep.IPs = []string{"10.0.0.2"}
	ep.ServiceIPs = []string{"10.4.0.1", "10.4.0.2"}
	setupEndpoint(h, ep)

	h.programmer.handleEndpointUpdate(epUUID)

	flows := h.switchProg.Flows(epUUID, ServiceBypassTable)
	require.Len(t, flows, 4, "one ingress and one egress flow per (ip, serviceIP) pair")
	for _, f := range flows {
		assert.Equal(t, uint16(10), f.Priority)
		next, ok := f.GotoTable()
		require.True(t, ok)
		assert.Equal(t, TapTable, next)
	}

	ingress := findFlows(flows, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchInPort)
		return m != nil && m.Value == 6
	})
	require.Len(t, ingress, 2)
	for _, f := range ingress {
		src := f.GetMatch(binding.MatchIPSrc)
		require.NotNil(t, src)
		dst := f.GetMatch(binding.MatchIPDst)
		require.NotNil(t, dst)
		assert.Equal(t, "10.0.0.2", dst.IP.String())
	}
}

func TestEndpointDhcpBypass(t *testing.T) {
	h := newTestHarness(Config{})
	ep := baseEndpoint()
	ep.DHCPv4 = &types.DHCPv4Config{}
	ep.DHCPv6 = &types.DHCPv6Config{}
	setupEndpoint(h, ep)

	h.programmer.handleEndpointUpdate(epUUID)

	flows := h.switchProg.Flows(epUUID, GroupMapTable)
	dhcp := findFlows(flows, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchIPProto)
		return m != nil && m.Value == uint64(protoUDP)
	})
	require.Len(t, dhcp, 2)

	v4 := findFlows(dhcp, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchEthType)
		return m != nil && m.Value == uint64(protocol.IPv4_MSG)
	})
	require.Len(t, v4, 1)
	assert.Equal(t, uint16(200), v4[0].Priority)
	src := v4[0].GetMatch(binding.MatchTPSrc)
	require.NotNil(t, src)
	assert.Equal(t, uint64(dhcpV4SrcPort), src.Value)
	dst := v4[0].GetMatch(binding.MatchTPDst)
	require.NotNil(t, dst)
	assert.Equal(t, uint64(dhcpV4DstPort), dst.Value)
	next, ok := v4[0].GotoTable()
	require.True(t, ok)
	assert.Equal(t, TapTable, next)

	v6 := findFlows(dhcp, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchEthType)
		return m != nil && m.Value == uint64(protocol.IPv6_MSG)
	})
	require.Len(t, v6, 1)
	src = v6[0].GetMatch(binding.MatchTPSrc)
	require.NotNil(t, src)
	assert.Equal(t, uint64(dhcpV6SrcPort), src.Value)
}

func TestEndpointDhcpBypassTaggedAndUntagged(t *testing.T) {
	h := newTestHarness(Config{})
	ep := baseEndpoint()
	ep.AccessVlan = uint16Ptr(100)
	ep.AllowUntagged = true
	ep.DHCPv4 = &types.DHCPv4Config{}
	setupEndpoint(h, ep)

	h.programmer.handleEndpointUpdate(epUUID)

	flows := h.switchProg.Flows(epUUID, GroupMapTable)
	dhcp := findFlows(flows, func(f *binding.FlowEntry) bool {
		m := f.GetMatch(binding.MatchIPProto)
		return m != nil && m.Value == uint64(protoUDP)
	})
	require.Len(t, dhcp, 2)
	tagged := findFlows(dhcp, func(f *binding.FlowEntry) bool { return f.Priority == 201 })
	require.Len(t, tagged, 1)
	assert.NotNil(t, tagged[0].GetMatch(binding.MatchVlan))
	untagged := findFlows(dhcp, func(f *binding.FlowEntry) bool { return f.Priority == 200 })
	require.Len(t, untagged, 1)
	assert.NotNil(t, untagged[0].GetMatch(binding.MatchTCI))
}

func TestEndpointFloatingIPBypass(t *testing.T) {
	h := newTestHarness(Config{})
	ep := baseEndpoint()
	ep.IPAddressMappings = []types.IPAddressMapping{
		{
			UUID:       "m-1",
			MappedIP:   "10.0.0.2",
			FloatingIP: "192.168.1.10",
			EgURI:      "/policy/eg1/",
		},
		{
			// Family mismatch is skipped silently.
			UUID:       "m-2",
			MappedIP:   "10.0.0.3",
			FloatingIP: "fd00::10",
			EgURI:      "/policy/eg1/",
		},
	}
	setupEndpoint(h, ep)

	h.programmer.handleEndpointUpdate(epUUID)

	flows := h.switchProg.Flows(epUUID, GroupMapTable)
	floating := findFlows(flows, func(f *binding.FlowEntry) bool {
		return f.GetMatch(binding.MatchIPSrc) != nil || f.GetMatch(binding.MatchIPDst) != nil
	})
	require.Len(t, floating, 2)

	ingress := findFlows(floating, func(f *binding.FlowEntry) bool {
		return f.GetMatch(binding.MatchIPSrc) != nil
	})
	require.Len(t, ingress, 1)
	assert.Equal(t, "192.168.1.10", ingress[0].GetMatch(binding.MatchIPSrc).IP.String())
	inPort := ingress[0].GetMatch(binding.MatchInPort)
	require.NotNil(t, inPort)
	assert.Equal(t, uint64(6), inPort.Value)

	egress := findFlows(floating, func(f *binding.FlowEntry) bool {
		return f.GetMatch(binding.MatchIPDst) != nil
	})
	require.Len(t, egress, 1)
	assert.Equal(t, "192.168.1.10", egress[0].GetMatch(binding.MatchIPDst).IP.String())
}

func TestEndpointTrunkVlanPassthrough(t *testing.T) {
	h := newTestHarness(Config{})
	ep := baseEndpoint()
	ep.InterfaceName = "eth0"
	setupEndpoint(h, ep)
	h.lbIfaces.ifaces["lbi-1"] = &types.LBIface{
		UUID:          "lbi-1",
		InterfaceName: "eth0",
		TrunkVlans:    [][2]uint16{{4, 7}},
	}

	h.programmer.handleEndpointUpdate(epUUID)

	flows := h.switchProg.Flows(epUUID, GroupMapTable)
	trunk := findFlows(flows, func(f *binding.FlowEntry) bool { return f.Priority == 500 })
	// [4,7] collapses to a single mask, crossed with both directions.
	require.Len(t, trunk, 2)
	for _, f := range trunk {
		tci := f.GetMatch(binding.MatchTCI)
		require.NotNil(t, tci)
		assert.Equal(t, uint64(trunkTciTagged|4), tci.Value)
		assert.True(t, f.HasAction(binding.ActionOutput))
		assert.Empty(t, findFlows([]*binding.FlowEntry{f}, func(f *binding.FlowEntry) bool {
			return f.HasAction(binding.ActionSetMetadata)
		}), "trunk passthrough must not touch metadata")
	}
}

// Replaying the same endpoint produces identical flow sets.
func TestEndpointIdempotent(t *testing.T) {
	h := newTestHarness(Config{ConnTrack: true})
	ep := baseEndpoint()
	ep.AccessVlan = uint16Ptr(42)
	ep.IPs = []string{"10.0.0.2/32"}
	ep.ServiceIPs = []string{"10.4.0.1"}
	ep.DHCPv4 = &types.DHCPv4Config{}
	setupEndpoint(h, ep)

	h.programmer.handleEndpointUpdate(epUUID)
	first := h.switchProg.Flows(epUUID, GroupMapTable)
	firstBypass := h.switchProg.Flows(epUUID, ServiceBypassTable)

	h.programmer.handleEndpointUpdate(epUUID)
	second := h.switchProg.Flows(epUUID, GroupMapTable)
	secondBypass := h.switchProg.Flows(epUUID, ServiceBypassTable)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].Equal(second[i]), "flow %d changed across replay", i)
	}
	require.Len(t, secondBypass, len(firstBypass))
	for i := range firstBypass {
		assert.True(t, firstBypass[i].Equal(secondBypass[i]))
	}
}
