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

const dropLogCfgURI = "/ObserverUniverse/DropLogConfig/"

// Scenario: unfiltered drop-log marks every packet for capture.
func TestDropLogConfigUnfiltered(t *testing.T) {
	h := newTestHarness(Config{})
	h.policies.dropLogs[dropLogCfgURI] = &types.DropLogConfig{
		Enable: true,
		Mode:   types.DropLogModeUnfiltered,
	}
	h.programmer.handleDropLogConfigUpdate(dropLogCfgURI)

	flows := h.switchProg.Flows(ownerDropLogConfig, DropLogTable)
	require.Len(t, flows, 1)
	f := flows[0]
	assert.Equal(t, uint16(2), f.Priority)
	meta := f.GetAction(binding.ActionSetMetadata)
	require.NotNil(t, meta)
	assert.Equal(t, metaDropLog, meta.Value)
	assert.Equal(t, metaDropLog, meta.Mask)
	next, ok := f.GotoTable()
	require.True(t, ok)
	assert.Equal(t, ServiceBypassTable, next)
}

func TestDropLogConfigFilteredClearsOverride(t *testing.T) {
	h := newTestHarness(Config{})
	h.policies.dropLogs[dropLogCfgURI] = &types.DropLogConfig{
		Enable: true,
		Mode:   types.DropLogModeUnfiltered,
	}
	h.programmer.handleDropLogConfigUpdate(dropLogCfgURI)
	require.NotEmpty(t, h.switchProg.Flows(ownerDropLogConfig, DropLogTable))

	h.policies.dropLogs[dropLogCfgURI] = &types.DropLogConfig{
		Enable: true,
		Mode:   types.DropLogModeFiltered,
	}
	h.programmer.handleDropLogConfigUpdate(dropLogCfgURI)
	assert.Empty(t, h.switchProg.Flows(ownerDropLogConfig, DropLogTable))
}

func TestDropLogConfigAbsentDefaultsToDisabled(t *testing.T) {
	h := newTestHarness(Config{})
	h.programmer.handleDropLogConfigUpdate(dropLogCfgURI)

	flows := h.switchProg.Flows(ownerDropLogConfig, DropLogTable)
	require.Len(t, flows, 1)
	assert.False(t, flows[0].HasAction(binding.ActionSetMetadata))
	next, ok := flows[0].GotoTable()
	require.True(t, ok)
	assert.Equal(t, ServiceBypassTable, next)
}

func TestDropFlowConfigMatchFields(t *testing.T) {
	h := newTestHarness(Config{})
	uri := "/ObserverUniverse/DropFlowConfig/http/"
	h.policies.dropFlows[uri] = &types.DropFlowConfig{
		EthType:  uint16Ptr(protocol.IPv4_MSG),
		InnerSrc: "10.0.0.1",
		InnerDst: "10.0.0.2",
		IPProto:  uint8Ptr(protoTCP),
		DstPort:  uint16Ptr(80),
	}
	h.programmer.handleDropFlowConfigUpdate(uri)

	flows := h.switchProg.Flows(uri, DropLogTable)
	require.Len(t, flows, 1)
	f := flows[0]
	assert.Equal(t, uint16(1), f.Priority)
	assert.NotNil(t, f.GetMatch(binding.MatchEthType))
	src := f.GetMatch(binding.MatchIPSrc)
	require.NotNil(t, src)
	assert.Equal(t, "10.0.0.1", src.IP.String())
	assert.NotNil(t, f.GetMatch(binding.MatchIPDst))
	assert.NotNil(t, f.GetMatch(binding.MatchIPProto))
	dst := f.GetMatch(binding.MatchTPDst)
	require.NotNil(t, dst)
	assert.Equal(t, uint64(80), dst.Value)
	meta := f.GetAction(binding.ActionSetMetadata)
	require.NotNil(t, meta)
	assert.Equal(t, metaDropLog, meta.Value)

	// Withdrawing the config clears the keyed entry.
	delete(h.policies.dropFlows, uri)
	h.programmer.handleDropFlowConfigUpdate(uri)
	assert.Empty(t, h.switchProg.Flows(uri, DropLogTable))
}

func TestSetDropLogRejectsIPv6(t *testing.T) {
	h := newTestHarness(Config{})
	h.ports.Set("droplog0", 42)

	h.programmer.SetDropLog("droplog0", "10.20.0.1", 6081)
	h.programmer.updateDropLogCatchFlows()
	flows := h.switchProg.Flows(ownerStatic, ExpDropTable)
	require.Len(t, flows, 1)
	f := flows[0]
	meta := f.GetMatch(binding.MatchMetadata)
	require.NotNil(t, meta)
	assert.Equal(t, metaDropLog, meta.Value)
	tun := f.GetAction(binding.ActionSetTunnelDst)
	require.NotNil(t, tun)
	assert.Equal(t, "10.20.0.1", tun.IP.String())
	out := f.GetAction(binding.ActionOutput)
	require.NotNil(t, out)
	assert.Equal(t, uint32(42), out.Port)

	// An IPv6 destination is rejected; the prior configuration stays.
	h.programmer.SetDropLog("droplog0", "fd00::1", 6081)
	h.programmer.updateDropLogCatchFlows()
	flows = h.switchProg.Flows(ownerStatic, ExpDropTable)
	require.Len(t, flows, 1)
	tun = flows[0].GetAction(binding.ActionSetTunnelDst)
	require.NotNil(t, tun)
	assert.Equal(t, "10.20.0.1", tun.IP.String())
}

func TestDropLogCatchClearedWithoutPort(t *testing.T) {
	h := newTestHarness(Config{})
	h.programmer.updateDropLogCatchFlows()
	assert.Empty(t, h.switchProg.Flows(ownerStatic, ExpDropTable))
}

func TestDscpQosFlows(t *testing.T) {
	h := newTestHarness(Config{})
	h.ports.Set("eth0", 9)

	h.programmer.handleDscpQosUpdate("eth0", 26)

	for _, tc := range []struct {
		owner   string
		ethType uint16
	}{
		{"eth0ipv4", protocol.IPv4_MSG},
		{"eth0ipv6", protocol.IPv6_MSG},
	} {
		flows := h.switchProg.Flows(tc.owner, DropLogTable)
		require.Len(t, flows, 1, tc.owner)
		f := flows[0]
		assert.Equal(t, uint16(65535), f.Priority)
		eth := f.GetMatch(binding.MatchEthType)
		require.NotNil(t, eth)
		assert.Equal(t, uint64(tc.ethType), eth.Value)
		inPort := f.GetMatch(binding.MatchInPort)
		require.NotNil(t, inPort)
		assert.Equal(t, uint64(9), inPort.Value)
		dscp := f.GetAction(binding.ActionSetDscp)
		require.NotNil(t, dscp)
		assert.Equal(t, uint64(26), dscp.Value)
		resubmit := f.GetAction(binding.ActionResubmit)
		require.NotNil(t, resubmit)
		assert.Equal(t, uint32(9), resubmit.Port)
		assert.Equal(t, ServiceBypassTable, resubmit.Table)
	}

	// DSCP zero clears the marking flows.
	h.programmer.handleDscpQosUpdate("eth0", 0)
	assert.Empty(t, h.switchProg.Flows("eth0ipv4", DropLogTable))
	assert.Empty(t, h.switchProg.Flows("eth0ipv6", DropLogTable))
}
