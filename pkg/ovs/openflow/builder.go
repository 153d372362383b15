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
)

// FlowBuilder constructs a single FlowEntry. Match methods replace any
// previous match on the same field, so a later call wins; the action
// list is append-only and preserves call order.
type FlowBuilder struct {
	flow FlowEntry
}

// NewFlow returns a builder for a flow entry in the given table.
func NewFlow(table uint8) *FlowBuilder {
	return &FlowBuilder{flow: FlowEntry{Table: table}}
}

func (b *FlowBuilder) setMatch(m Match) *FlowBuilder {
	for i := range b.flow.Matches {
		if b.flow.Matches[i].Field == m.Field {
			b.flow.Matches[i] = m
			return b
		}
	}
	b.flow.Matches = append(b.flow.Matches, m)
	return b
}

func (b *FlowBuilder) Priority(p uint16) *FlowBuilder {
	b.flow.Priority = p
	return b
}

func (b *FlowBuilder) Cookie(c uint64) *FlowBuilder {
	b.flow.Cookie = c
	return b
}

func (b *FlowBuilder) Flags(f uint32) *FlowBuilder {
	b.flow.Flags = f
	return b
}

func (b *FlowBuilder) MatchInPort(port uint32) *FlowBuilder {
	return b.setMatch(Match{Field: MatchInPort, Value: uint64(port)})
}

func (b *FlowBuilder) MatchEthType(etherType uint16) *FlowBuilder {
	return b.setMatch(Match{Field: MatchEthType, Value: uint64(etherType)})
}

// MatchProtocol matches the IP protocol number (or, for ARP frames, the
// low byte of the opcode, which shares the nw_proto field).
func (b *FlowBuilder) MatchProtocol(proto uint8) *FlowBuilder {
	return b.setMatch(Match{Field: MatchIPProto, Value: uint64(proto)})
}

func (b *FlowBuilder) MatchIPSrc(ip net.IP, prefixLen uint8) *FlowBuilder {
	return b.setMatch(Match{Field: MatchIPSrc, IP: ip, PrefixLen: prefixLen})
}

func (b *FlowBuilder) MatchIPDst(ip net.IP, prefixLen uint8) *FlowBuilder {
	return b.setMatch(Match{Field: MatchIPDst, IP: ip, PrefixLen: prefixLen})
}

func (b *FlowBuilder) MatchTunSrc(ip net.IP, prefixLen uint8) *FlowBuilder {
	return b.setMatch(Match{Field: MatchTunSrc, IP: ip, PrefixLen: prefixLen})
}

func (b *FlowBuilder) MatchTunDst(ip net.IP, prefixLen uint8) *FlowBuilder {
	return b.setMatch(Match{Field: MatchTunDst, IP: ip, PrefixLen: prefixLen})
}

func (b *FlowBuilder) MatchTunID(id uint64) *FlowBuilder {
	return b.setMatch(Match{Field: MatchTunID, Value: id})
}

// MatchTPSrc matches the transport source port under the given mask. A
// zero mask means an exact match; the all-zero value/mask pair matches
// any port and is elided.
func (b *FlowBuilder) MatchTPSrc(port, mask uint16) *FlowBuilder {
	if port == 0 && mask == 0 {
		return b
	}
	return b.setMatch(Match{Field: MatchTPSrc, Value: uint64(port), Mask: uint64(mask)})
}

func (b *FlowBuilder) MatchTPDst(port, mask uint16) *FlowBuilder {
	if port == 0 && mask == 0 {
		return b
	}
	return b.setMatch(Match{Field: MatchTPDst, Value: uint64(port), Mask: uint64(mask)})
}

// HasTPDst reports whether a destination-port match is already present.
func (b *FlowBuilder) HasTPDst() bool {
	for i := range b.flow.Matches {
		if b.flow.Matches[i].Field == MatchTPDst {
			return true
		}
	}
	return false
}

func (b *FlowBuilder) MatchTCI(tci, mask uint16) *FlowBuilder {
	return b.setMatch(Match{Field: MatchTCI, Value: uint64(tci), Mask: uint64(mask)})
}

func (b *FlowBuilder) MatchVlan(vid uint16) *FlowBuilder {
	return b.setMatch(Match{Field: MatchVlan, Value: uint64(vid)})
}

func (b *FlowBuilder) MatchMetadata(value, mask uint64) *FlowBuilder {
	return b.setMatch(Match{Field: MatchMetadata, Value: value, Mask: mask})
}

func (b *FlowBuilder) MatchReg(id int, value uint32) *FlowBuilder {
	return b.setMatch(Match{Field: MatchReg(id), Value: uint64(value)})
}

func (b *FlowBuilder) MatchCTState(value, mask uint32) *FlowBuilder {
	return b.setMatch(Match{Field: MatchCTState, Value: uint64(value), Mask: uint64(mask)})
}

func (b *FlowBuilder) MatchTCPFlags(flags, mask uint16) *FlowBuilder {
	return b.setMatch(Match{Field: MatchTCPFlags, Value: uint64(flags), Mask: uint64(mask)})
}

// Action transitions the builder to its action side.
func (b *FlowBuilder) Action() *ActionBuilder {
	return &ActionBuilder{b: b}
}

// Done finalizes and returns the flow entry.
func (b *FlowBuilder) Done() *FlowEntry {
	f := b.flow
	return &f
}

// ActionBuilder appends actions to the flow under construction.
type ActionBuilder struct {
	b *FlowBuilder
}

func (a *ActionBuilder) add(act Action) *ActionBuilder {
	a.b.flow.Actions = append(a.b.flow.Actions, act)
	return a
}

func (a *ActionBuilder) LoadReg(id int, value uint32) *ActionBuilder {
	return a.add(Action{Type: ActionLoadReg, Reg: id, Value: uint64(value)})
}

// SetMetadata writes the masked metadata bits, preserving all bits
// outside the mask.
func (a *ActionBuilder) SetMetadata(value, mask uint64) *ActionBuilder {
	return a.add(Action{Type: ActionSetMetadata, Value: value, Mask: mask})
}

func (a *ActionBuilder) PushVlan() *ActionBuilder {
	return a.add(Action{Type: ActionPushVlan})
}

func (a *ActionBuilder) PopVlan() *ActionBuilder {
	return a.add(Action{Type: ActionPopVlan})
}

func (a *ActionBuilder) Move(src, dst string) *ActionBuilder {
	return a.add(Action{Type: ActionRegMove, SrcField: src, DstField: dst})
}

func (a *ActionBuilder) OutputReg(id int) *ActionBuilder {
	return a.add(Action{Type: ActionOutputReg, Reg: id})
}

func (a *ActionBuilder) Output(port uint32) *ActionBuilder {
	return a.add(Action{Type: ActionOutput, Port: port})
}

func (a *ActionBuilder) SetTunnelDst(ip net.IP) *ActionBuilder {
	return a.add(Action{Type: ActionSetTunnelDst, IP: ip})
}

func (a *ActionBuilder) SetDscp(dscp uint8) *ActionBuilder {
	return a.add(Action{Type: ActionSetDscp, Value: uint64(dscp)})
}

func (a *ActionBuilder) Resubmit(port uint32, table uint8) *ActionBuilder {
	return a.add(Action{Type: ActionResubmit, Port: port, Table: table})
}

func (a *ActionBuilder) Controller() *ActionBuilder {
	return a.add(Action{Type: ActionController})
}

// CTRecirc sends the packet through the conntrack zone held in the given
// register and recirculates it to the given table.
func (a *ActionBuilder) CTRecirc(zoneReg int, table uint8) *ActionBuilder {
	return a.add(Action{Type: ActionCT, CTZoneReg: zoneReg, CTTable: table, CTHasTable: true})
}

// CTCommit commits the connection into the conntrack zone held in the
// given register.
func (a *ActionBuilder) CTCommit(zoneReg int) *ActionBuilder {
	return a.add(Action{Type: ActionCT, CTCommit: true, CTZoneReg: zoneReg})
}

// DropLog records the dropping table, reason and cookie for the packet
// so EXP_DROP can attribute it.
func (a *ActionBuilder) DropLog(table uint8, reason CaptureReason, cookie uint64) *ActionBuilder {
	return a.add(Action{Type: ActionDropLog, Table: table, Reason: reason, Cookie: cookie})
}

// PermitLog records a permitted packet for capture without diverting it.
func (a *ActionBuilder) PermitLog(table, dropTable uint8, cookie uint64) *ActionBuilder {
	return a.add(Action{Type: ActionPermitLog, Table: table, DropTable: dropTable, Cookie: cookie})
}

func (a *ActionBuilder) GotoTable(table uint8) *ActionBuilder {
	return a.add(Action{Type: ActionGotoTable, Table: table})
}

// Done finalizes and returns the flow entry.
func (a *ActionBuilder) Done() *FlowEntry {
	return a.b.Done()
}
