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
	"antrea.io/libOpenflow/protocol"
	"k8s.io/klog/v2"

	"github.com/noironetworks/accessflow/pkg/agent/openflow/cookie"
	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

// flowEmptySecGroup is the reserved allow flow of the empty
// security-group set: endpoints with no security groups pass.
func flowEmptySecGroup(table uint8, emptySetID uint32) *binding.FlowEntry {
	fb := binding.NewFlow(table)
	matchGroup(fb, maxPolicyRulePriority, emptySetID)
	return fb.Action().GotoTable(TapTable).Done()
}

func dnsPuntFlow(etherType uint16, proto uint8, ck cookie.ID) *binding.FlowEntry {
	return binding.NewFlow(TapTable).
		Priority(2).
		Cookie(ck.Raw()).
		MatchEthType(etherType).
		MatchProtocol(proto).
		MatchTPSrc(dnsPort, 0).
		MatchMetadata(metaIngressDir, metaAccessDirMask).
		Action().Controller().GotoTable(OutTable).Done()
}

// createStaticFlows installs the policy-independent pipeline skeleton:
// default go-to-next flows, drop-log catchers, DNS punts, the output
// dispatcher and the tunnel-metadata TLV registrations.
func (p *AccessFlowProgrammer) createStaticFlows() {
	klog.V(2).InfoS("Writing static flows")
	{
		outFlows := []*binding.FlowEntry{
			binding.NewFlow(OutTable).
				Priority(1).
				MatchMetadata(metaPopVlan, metadataOutMask).
				MatchTCI(0x1000, 0x1000).
				Action().PopVlan().OutputReg(outPortReg).Done(),
			binding.NewFlow(OutTable).
				Priority(1).
				MatchMetadata(metaPushVlan, metadataOutMask).
				Action().PushVlan().Move("reg5", "vlan_vid").OutputReg(outPortReg).Done(),
			// The frame is replicated untagged first and tagged second
			// for endpoints that allow untagged traffic alongside an
			// access VLAN.
			binding.NewFlow(OutTable).
				Priority(1).
				MatchMetadata(metaUntaggedAndPushVlan, metadataOutMask).
				Action().
				OutputReg(outPortReg).
				PushVlan().Move("reg5", "vlan_vid").OutputReg(outPortReg).Done(),
			binding.NewFlow(OutTable).
				Priority(1).
				MatchMetadata(0, metadataOutMask).
				Action().OutputReg(outPortReg).Done(),
		}
		p.switchProg.WriteFlows(ownerStatic, OutTable, outFlows)
	}
	{
		var tlvs []binding.TLVEntry
		for i := uint16(0); i <= 10; i++ {
			tlvs = append(tlvs, binding.TLVEntry{Class: 0xffff, Type: uint8(i), Length: 4, Index: i})
		}
		tlvs = append(tlvs,
			binding.TLVEntry{Class: 0xffff, Type: 11, Length: 16, Index: 11},
			binding.TLVEntry{Class: 0xffff, Type: 12, Length: 4, Index: 12},
			binding.TLVEntry{Class: 0xffff, Type: 13, Length: 4, Index: 13},
			binding.TLVEntry{Class: 0xffff, Type: 14, Length: 8, Index: 14},
		)
		p.switchProg.WriteTLVs(ownerDropLogStatic, tlvs)
	}
	{
		p.switchProg.WriteFlows(ownerStatic, DropLogTable, []*binding.FlowEntry{
			binding.NewFlow(DropLogTable).Priority(0).
				Action().GotoTable(ServiceBypassTable).Done(),
		})
		// Every table up to the drop sink catches its dropped packets
		// and forwards them for optional capture.
		tableDropCookie := p.cookies.Request(cookie.TableDrop).Raw()
		for tableID := ServiceBypassTable; tableID < ExpDropTable; tableID++ {
			p.switchProg.WriteFlows(ownerDropLogFlow, tableID, []*binding.FlowEntry{
				binding.NewFlow(tableID).Priority(0).
					Cookie(tableDropCookie).
					Flags(binding.FlagSendFlowRem).
					Action().
					DropLog(tableID, binding.ReasonNoRule, tableDropCookie).
					GotoTable(ExpDropTable).Done(),
			})
		}
		p.updateDropLogCatchFlows()
	}
	{
		p.switchProg.WriteFlows(ownerStatic, ServiceBypassTable, []*binding.FlowEntry{
			binding.NewFlow(ServiceBypassTable).Priority(1).
				Action().GotoTable(GroupMapTable).Done(),
		})
	}
	{
		dnsV4 := p.cookies.RequestWithObjectID(cookie.DNSResponse, 4)
		dnsV6 := p.cookies.RequestWithObjectID(cookie.DNSResponse, 6)
		tapFlows := []*binding.FlowEntry{
			dnsPuntFlow(protocol.IPv4_MSG, protoTCP, dnsV4),
			dnsPuntFlow(protocol.IPv6_MSG, protoTCP, dnsV6),
			dnsPuntFlow(protocol.IPv4_MSG, protoUDP, dnsV4),
			dnsPuntFlow(protocol.IPv6_MSG, protoUDP, dnsV6),
			binding.NewFlow(TapTable).Priority(1).
				Action().GotoTable(OutTable).Done(),
		}
		p.switchProg.WriteFlows(ownerStatic, TapTable, tapFlows)
	}
	{
		p.switchProg.WriteFlows(ownerStatic, SysSecGrpInTable, []*binding.FlowEntry{
			binding.NewFlow(SysSecGrpInTable).Priority(1).
				Action().GotoTable(SecGrpInTable).Done(),
		})
		p.switchProg.WriteFlows(ownerStatic, SysSecGrpOutTable, []*binding.FlowEntry{
			binding.NewFlow(SysSecGrpOutTable).Priority(1).
				Action().GotoTable(SecGrpOutTable).Done(),
		})
	}

	// Everything is allowed for endpoints with no security-group set.
	emptySetID := p.ids.GetID(idNamespaceSecGroupSet, "")
	p.switchProg.WriteFlows(ownerStatic, SecGrpOutTable,
		[]*binding.FlowEntry{flowEmptySecGroup(SecGrpOutTable, emptySetID)})
	p.switchProg.WriteFlows(ownerStatic, SecGrpInTable,
		[]*binding.FlowEntry{flowEmptySecGroup(SecGrpInTable, emptySetID)})
}
