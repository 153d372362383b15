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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowBuilderStructuralEquality(t *testing.T) {
	build := func() *FlowEntry {
		return NewFlow(4).
			Priority(10).
			Cookie(0xdead).
			MatchReg(0, 7).
			MatchEthType(0x0800).
			MatchProtocol(6).
			MatchTPDst(80, 0).
			Action().GotoTable(7).Done()
	}
	assert.True(t, build().Equal(build()))

	other := NewFlow(4).
		Priority(10).
		Cookie(0xdead).
		MatchReg(0, 7).
		MatchEthType(0x0800).
		MatchProtocol(6).
		MatchTPDst(81, 0).
		Action().GotoTable(7).Done()
	assert.False(t, build().Equal(other))
}

func TestFlowBuilderMatchReplacement(t *testing.T) {
	flow := NewFlow(1).
		Priority(1).
		MatchProtocol(6).
		MatchProtocol(17).
		Done()
	require.Len(t, flow.Matches, 1)
	assert.Equal(t, uint64(17), flow.Matches[0].Value)
}

func TestFlowBuilderIgnoreMaskElided(t *testing.T) {
	flow := NewFlow(1).
		Priority(1).
		MatchTPSrc(0, 0).
		MatchTPDst(0, 0).
		Done()
	assert.Empty(t, flow.Matches)
}

func TestFlowBuilderHasTPDst(t *testing.T) {
	fb := NewFlow(1).Priority(1)
	assert.False(t, fb.HasTPDst())
	fb.MatchTPDst(443, 0)
	assert.True(t, fb.HasTPDst())
}

// Metadata writers must carry a mask so reserved bits survive.
func TestMetadataActionsCarryMask(t *testing.T) {
	flow := NewFlow(2).
		Priority(100).
		Action().
		SetMetadata(0x201, 0x3ff).
		GotoTable(5).Done()
	act := flow.GetAction(ActionSetMetadata)
	require.NotNil(t, act)
	assert.NotZero(t, act.Mask)
	assert.Zero(t, act.Value&^act.Mask, "metadata value must fit within the advertised mask")
}

func TestFlowEntryAccessors(t *testing.T) {
	flow := NewFlow(8).
		Priority(1).
		MatchMetadata(0x1, 0xff).
		MatchTCI(0x1000, 0x1000).
		Action().PopVlan().OutputReg(7).Done()

	meta := flow.GetMatch(MatchMetadata)
	require.NotNil(t, meta)
	assert.Equal(t, uint64(0x1), meta.Value)
	assert.Nil(t, flow.GetMatch(MatchInPort))

	assert.True(t, flow.HasAction(ActionPopVlan))
	out := flow.GetAction(ActionOutputReg)
	require.NotNil(t, out)
	assert.Equal(t, 7, out.Reg)

	_, ok := flow.GotoTable()
	assert.False(t, ok)
}

func TestFlowEntryStrings(t *testing.T) {
	flow := NewFlow(4).
		Priority(10).
		MatchEthType(0x0800).
		MatchIPSrc(net.ParseIP("10.0.0.1").To4(), 32).
		Action().GotoTable(7).Done()
	assert.Equal(t, "table=4,priority=10,eth_type=0x800,ip_src=10.0.0.1/32", flow.MatchString())
	assert.Contains(t, flow.String(), "actions=goto_table:7")
}
