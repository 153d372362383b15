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
	"fmt"
	"net"
	"reflect"
	"sort"
	"strings"

	"antrea.io/libOpenflow/openflow15"
)

// PortNone is the sentinel for an unresolved OpenFlow port.
const PortNone = uint32(openflow15.P_ANY)

// FlagSendFlowRem requests a flow-removed notification carrying the
// entry's cookie when the entry is deleted from the datapath.
const FlagSendFlowRem = uint32(openflow15.FF_SEND_FLOW_REM)

// MatchField identifies one match predicate of a flow entry.
type MatchField string

const (
	MatchInPort   MatchField = "in_port"
	MatchEthType  MatchField = "eth_type"
	MatchIPProto  MatchField = "ip_proto"
	MatchIPSrc    MatchField = "ip_src"
	MatchIPDst    MatchField = "ip_dst"
	MatchTPSrc    MatchField = "tp_src"
	MatchTPDst    MatchField = "tp_dst"
	MatchTCI      MatchField = "vlan_tci"
	MatchVlan     MatchField = "vlan_vid"
	MatchMetadata MatchField = "metadata"
	MatchCTState  MatchField = "ct_state"
	MatchTCPFlags MatchField = "tcp_flags"
	MatchTunID    MatchField = "tun_id"
	MatchTunSrc   MatchField = "tun_src"
	MatchTunDst   MatchField = "tun_dst"
)

// MatchReg returns the match field for the given NXM register.
func MatchReg(id int) MatchField {
	return MatchField(fmt.Sprintf("reg%d", id))
}

// Conntrack state bits, as exposed by the datapath's ct_state field.
const (
	CTStateNew uint32 = 1 << iota
	CTStateEstablished
	CTStateRelated
	CTStateReply
	CTStateInvalid
	CTStateTracked
)

// Match is a single typed match predicate. Value/Mask carry integer
// matches; IP/PrefixLen carry address matches. A zero Mask on an integer
// match means an exact match on Value.
type Match struct {
	Field     MatchField
	Value     uint64
	Mask      uint64
	IP        net.IP
	PrefixLen uint8
}

func (m *Match) String() string {
	switch {
	case m.IP != nil:
		return fmt.Sprintf("%s=%s/%d", m.Field, m.IP, m.PrefixLen)
	case m.Mask != 0:
		return fmt.Sprintf("%s=0x%x/0x%x", m.Field, m.Value, m.Mask)
	default:
		return fmt.Sprintf("%s=0x%x", m.Field, m.Value)
	}
}

// ActionType discriminates the Action union.
type ActionType string

const (
	ActionLoadReg      ActionType = "load_reg"
	ActionSetMetadata  ActionType = "set_metadata"
	ActionPushVlan     ActionType = "push_vlan"
	ActionPopVlan      ActionType = "pop_vlan"
	ActionRegMove      ActionType = "reg_move"
	ActionOutputReg    ActionType = "output_reg"
	ActionOutput       ActionType = "output"
	ActionSetTunnelDst ActionType = "set_tun_dst"
	ActionSetDscp      ActionType = "set_dscp"
	ActionResubmit     ActionType = "resubmit"
	ActionController   ActionType = "controller"
	ActionCT           ActionType = "ct"
	ActionDropLog      ActionType = "drop_log"
	ActionPermitLog    ActionType = "permit_log"
	ActionGotoTable    ActionType = "goto_table"
)

// CaptureReason qualifies a drop-log action.
type CaptureReason uint8

const (
	ReasonNoRule CaptureReason = iota
	ReasonPolicyDeny
	ReasonPolicyPermit
)

// Action is one element of a flow entry's action list. Only the fields
// relevant to Type are populated.
type Action struct {
	Type ActionType

	// load_reg, output_reg
	Reg int
	// load_reg, set_metadata, set_dscp
	Value uint64
	// set_metadata
	Mask uint64
	// reg_move
	SrcField string
	DstField string
	// output, resubmit
	Port uint32
	// goto_table, resubmit, drop_log, permit_log
	Table uint8
	// set_tun_dst
	IP net.IP
	// ct
	CTCommit   bool
	CTZoneReg  int
	CTTable    uint8
	CTHasTable bool
	// drop_log, permit_log
	Reason    CaptureReason
	Cookie    uint64
	DropTable uint8
}

func (a *Action) String() string {
	switch a.Type {
	case ActionLoadReg:
		return fmt.Sprintf("load:reg%d=0x%x", a.Reg, a.Value)
	case ActionSetMetadata:
		return fmt.Sprintf("write_metadata:0x%x/0x%x", a.Value, a.Mask)
	case ActionRegMove:
		return fmt.Sprintf("move:%s->%s", a.SrcField, a.DstField)
	case ActionOutputReg:
		return fmt.Sprintf("output:reg%d", a.Reg)
	case ActionOutput:
		return fmt.Sprintf("output:%d", a.Port)
	case ActionSetTunnelDst:
		return fmt.Sprintf("set_field:%s->tun_dst", a.IP)
	case ActionSetDscp:
		return fmt.Sprintf("mod_nw_tos:%d", a.Value<<2)
	case ActionResubmit:
		return fmt.Sprintf("resubmit(%d,%d)", a.Port, a.Table)
	case ActionCT:
		var parts []string
		if a.CTCommit {
			parts = append(parts, "commit")
		}
		if a.CTHasTable {
			parts = append(parts, fmt.Sprintf("table=%d", a.CTTable))
		}
		parts = append(parts, fmt.Sprintf("zone=NXM_NX_REG%d[0..15]", a.CTZoneReg))
		return fmt.Sprintf("ct(%s)", strings.Join(parts, ","))
	case ActionDropLog:
		return fmt.Sprintf("drop_log(table=%d,reason=%d)", a.Table, a.Reason)
	case ActionPermitLog:
		return fmt.Sprintf("permit_log(table=%d,drop=%d)", a.Table, a.DropTable)
	case ActionGotoTable:
		return fmt.Sprintf("goto_table:%d", a.Table)
	default:
		return string(a.Type)
	}
}

// FlowEntry is an immutable flow record: table, priority, cookie, flags,
// match predicates and action list. Equality is structural.
type FlowEntry struct {
	Table    uint8
	Priority uint16
	Cookie   uint64
	Flags    uint32
	Matches  []Match
	Actions  []Action
}

// Equal reports structural equality of two flow entries.
func (f *FlowEntry) Equal(o *FlowEntry) bool {
	return reflect.DeepEqual(f, o)
}

// GetMatch returns the match on the given field, or nil.
func (f *FlowEntry) GetMatch(field MatchField) *Match {
	for i := range f.Matches {
		if f.Matches[i].Field == field {
			return &f.Matches[i]
		}
	}
	return nil
}

// HasAction reports whether the action list contains the given type.
func (f *FlowEntry) HasAction(t ActionType) bool {
	return f.GetAction(t) != nil
}

// GetAction returns the first action of the given type, or nil.
func (f *FlowEntry) GetAction(t ActionType) *Action {
	for i := range f.Actions {
		if f.Actions[i].Type == t {
			return &f.Actions[i]
		}
	}
	return nil
}

// GotoTable returns the target of the entry's goto_table action, or
// false if the entry has none.
func (f *FlowEntry) GotoTable() (uint8, bool) {
	if a := f.GetAction(ActionGotoTable); a != nil {
		return a.Table, true
	}
	return 0, false
}

// MatchString renders the match side of the entry in a stable order,
// suitable for log lines and test assertions.
func (f *FlowEntry) MatchString() string {
	fields := make([]string, 0, len(f.Matches)+2)
	fields = append(fields, fmt.Sprintf("table=%d", f.Table),
		fmt.Sprintf("priority=%d", f.Priority))
	matches := make([]string, 0, len(f.Matches))
	for i := range f.Matches {
		matches = append(matches, f.Matches[i].String())
	}
	sort.Strings(matches)
	return strings.Join(append(fields, matches...), ",")
}

func (f *FlowEntry) String() string {
	actions := make([]string, 0, len(f.Actions))
	for i := range f.Actions {
		actions = append(actions, f.Actions[i].String())
	}
	return fmt.Sprintf("%s,actions=%s", f.MatchString(), strings.Join(actions, ","))
}

// TLVEntry registers a tunnel-metadata option mapping on the datapath.
type TLVEntry struct {
	Class  uint16
	Type   uint8
	Length uint8
	Index  uint16
}

// FlowWriter is the outbound contract exposed by the flow reconciler.
// A write replaces the owner's previous set in that table atomically;
// writing an empty set removes it.
type FlowWriter interface {
	WriteFlows(ownerKey string, tableID uint8, flows []*FlowEntry)
	WriteTLVs(ownerKey string, tlvs []TLVEntry)
}
