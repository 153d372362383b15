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

	"antrea.io/libOpenflow/protocol"
	"k8s.io/klog/v2"

	"github.com/noironetworks/accessflow/pkg/agent/types"
	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

// zoneNone marks a missing conntrack zone assignment.
const zoneNone = uint16(0)

func pushVlanMeta(ep *types.Endpoint) uint64 {
	if ep.AllowUntagged {
		return metaUntaggedAndPushVlan
	}
	return metaPushVlan
}

func matchDhcpReq(fb *binding.FlowBuilder, v4 bool) *binding.FlowBuilder {
	fb.MatchProtocol(protoUDP)
	if v4 {
		fb.MatchEthType(protocol.IPv4_MSG).
			MatchTPSrc(dhcpV4SrcPort, 0).
			MatchTPDst(dhcpV4DstPort, 0)
	} else {
		fb.MatchEthType(protocol.IPv6_MSG).
			MatchTPSrc(dhcpV6SrcPort, 0).
			MatchTPDst(dhcpV6DstPort, 0)
	}
	return fb
}

// flowBypassDhcpRequest lets DHCP requests skip access-bridge policy
// when the endpoint declares virtual DHCP.
func flowBypassDhcpRequest(flows []*binding.FlowEntry, v4, skipPopVlan bool,
	inPort, outPort uint32, ep *types.Endpoint) []*binding.FlowEntry {
	fb := binding.NewFlow(GroupMapTable)
	tagged := ep.AccessVlan != nil && !skipPopVlan
	if tagged {
		fb.Priority(201).MatchInPort(inPort)
	} else {
		fb.Priority(200).MatchInPort(inPort)
	}

	matchDhcpReq(fb, v4)
	ab := fb.Action().LoadReg(outPortReg, outPort)

	if tagged {
		fb.MatchVlan(*ep.AccessVlan)
		ab.SetMetadata(metaPopVlan|metaEgressDir, metaAccessMask)
	}
	if ep.AccessVlan == nil && !skipPopVlan {
		ab.SetMetadata(metaEgressDir, metaAccessDirMask)
	}
	if skipPopVlan {
		fb.MatchTCI(0, 0x1fff)
		ab.SetMetadata(metaEgressDir, metaAccessDirMask)
	}

	return append(flows, ab.GotoTable(TapTable).Done())
}

// flowBypassFloatingIP lets traffic between the endpoint and one of its
// floating IPs skip conntrack and policy.
func flowBypassFloatingIP(flows []*binding.FlowEntry, inPort, outPort uint32,
	in, skipPopVlan bool, floatingIP net.IP, ep *types.Endpoint) []*binding.FlowEntry {
	fb := binding.NewFlow(GroupMapTable)
	tagged := ep.AccessVlan != nil && !skipPopVlan
	if tagged {
		fb.Priority(201).MatchInPort(inPort)
	} else {
		fb.Priority(200).MatchInPort(inPort)
	}

	prefixLen := uint8(128)
	if v4 := floatingIP.To4(); v4 != nil {
		fb.MatchEthType(protocol.IPv4_MSG)
		floatingIP = v4
		prefixLen = 32
	} else {
		fb.MatchEthType(protocol.IPv6_MSG)
	}
	if in {
		fb.MatchIPSrc(floatingIP, prefixLen)
	} else {
		fb.MatchIPDst(floatingIP, prefixLen)
	}

	ab := fb.Action().LoadReg(outPortReg, outPort)
	if tagged {
		if in {
			ab.LoadReg(vlanReg, uint32(*ep.AccessVlan)).
				SetMetadata(pushVlanMeta(ep)|metaIngressDir, metaAccessMask)
		} else {
			fb.MatchVlan(*ep.AccessVlan)
			ab.SetMetadata(metaPopVlan|metaEgressDir, metaAccessMask)
		}
	}
	dirMeta := metaEgressDir
	if in {
		dirMeta = metaIngressDir
	}
	if ep.AccessVlan == nil && !skipPopVlan {
		ab.SetMetadata(dirMeta, metaAccessDirMask)
	}
	if skipPopVlan {
		if !in {
			fb.MatchTCI(0, 0x1fff)
		}
		ab.SetMetadata(dirMeta, metaAccessDirMask)
	}

	return append(flows, ab.GotoTable(TapTable).Done())
}

// flowBypassServiceIP emits the service-loopback bypass: an endpoint
// backing a service that reaches its own service IP skips security
// groups in both directions.
func flowBypassServiceIP(flows []*binding.FlowEntry, accessPort, uplinkPort uint32,
	ep *types.Endpoint) []*binding.FlowEntry {
	for _, epIPStr := range ep.IPs {
		epIP, epPrefix, ok := parseCIDR(epIPStr)
		if !ok || epIP.To4() == nil {
			continue
		}
		for _, svcIPStr := range ep.ServiceIPs {
			svcIP := net.ParseIP(svcIPStr)
			if svcIP == nil || svcIP.To4() == nil {
				continue
			}
			svcIP = svcIP.To4()

			ingress := binding.NewFlow(ServiceBypassTable).
				Priority(10).
				MatchEthType(protocol.IPv4_MSG).
				MatchInPort(uplinkPort).
				MatchIPSrc(svcIP, 32).
				MatchIPDst(epIP, epPrefix)
			iab := ingress.Action().LoadReg(outPortReg, accessPort)
			if ep.AccessVlan != nil {
				iab.LoadReg(vlanReg, uint32(*ep.AccessVlan)).
					SetMetadata(metaPushVlan|metaIngressDir, metaAccessMask)
			} else {
				iab.SetMetadata(metaIngressDir, metaAccessDirMask)
			}
			flows = append(flows, iab.GotoTable(TapTable).Done())

			egress := binding.NewFlow(ServiceBypassTable).
				Priority(10).
				MatchEthType(protocol.IPv4_MSG).
				MatchInPort(accessPort).
				MatchIPSrc(epIP, epPrefix).
				MatchIPDst(svcIP, 32)
			eab := egress.Action().LoadReg(outPortReg, uplinkPort)
			if ep.AccessVlan != nil {
				egress.MatchVlan(*ep.AccessVlan)
				eab.SetMetadata(metaPopVlan|metaEgressDir, metaAccessMask)
			} else {
				egress.MatchTCI(0, 0x1fff)
				eab.SetMetadata(metaEgressDir, metaAccessDirMask)
			}
			flows = append(flows, eab.GotoTable(TapTable).Done())
		}
	}
	return flows
}

// parseCIDR accepts either a bare address or address/prefix and returns
// the address with its effective prefix length.
func parseCIDR(s string) (net.IP, uint8, bool) {
	if ip, ipNet, err := net.ParseCIDR(s); err == nil {
		ones, _ := ipNet.Mask.Size()
		if v4 := ip.To4(); v4 != nil {
			return v4, uint8(ones), true
		}
		return ip, uint8(ones), true
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, 0, false
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, 32, true
	}
	return ip, 128, true
}

func (p *AccessFlowProgrammer) handleEndpointUpdate(uuid string) {
	klog.V(2).InfoS("Updating endpoint", "uuid", uuid)
	ep := p.endpoints.GetEndpoint(uuid)
	if ep == nil {
		p.switchProg.ClearFlows(uuid, GroupMapTable)
		p.switchProg.ClearFlows(uuid, ServiceBypassTable)
		if p.cfg.ConnTrack {
			p.ctZones.Release(uuid)
		}
		return
	}

	accessPort := binding.PortNone
	uplinkPort := binding.PortNone
	if ep.AccessInterface != "" {
		accessPort = p.ports.Find(ep.AccessInterface)
	}
	if ep.AccessUplinkInterface != "" {
		uplinkPort = p.ports.Find(ep.AccessUplinkInterface)
	}

	secGrpSetID := p.ids.GetID(idNamespaceSecGroupSet, types.SecGrpSetKey(ep.SecurityGroups))
	zoneID := zoneNone
	if p.cfg.ConnTrack {
		zone, err := p.ctZones.GetZone(uuid)
		if err != nil {
			klog.ErrorS(err, "Could not allocate connection tracking zone", "uuid", uuid)
		} else {
			zoneID = zone
		}
	}

	trunkVlans := p.trunkVlanMasks(ep)

	var flows []*binding.FlowEntry
	var skipServiceFlows []*binding.FlowEntry

	if accessPort != binding.PortNone && uplinkPort != binding.PortNone {
		{
			in := binding.NewFlow(GroupMapTable).
				Priority(100).
				MatchInPort(accessPort)
			ab := in.Action()
			if zoneID != zoneNone {
				ab.LoadReg(ctZoneReg, uint32(zoneID))
			}
			ab.LoadReg(secGrpSetReg, secGrpSetID).
				LoadReg(outPortReg, uplinkPort)
			if ep.AccessVlan != nil {
				in.MatchVlan(*ep.AccessVlan)
				ab.SetMetadata(metaPopVlan|metaEgressDir, metaAccessMask)
			} else {
				in.MatchTCI(0, 0x1fff)
				ab.SetMetadata(metaEgressDir, metaAccessDirMask)
			}
			flows = append(flows, ab.GotoTable(SysSecGrpOutTable).Done())
		}

		skipServiceFlows = flowBypassServiceIP(skipServiceFlows, accessPort, uplinkPort, ep)

		// Untagged frames are admitted alongside the access VLAN for
		// bootstrap environments that cannot tag yet.
		if ep.AllowUntagged && ep.AccessVlan != nil {
			inSkipVlan := binding.NewFlow(GroupMapTable).
				Priority(99).
				MatchInPort(accessPort).
				MatchTCI(0, 0x1fff)
			ab := inSkipVlan.Action()
			if zoneID != zoneNone {
				ab.LoadReg(ctZoneReg, uint32(zoneID))
			}
			ab.LoadReg(secGrpSetReg, secGrpSetID).
				LoadReg(outPortReg, uplinkPort).
				SetMetadata(metaEgressDir, metaAccessDirMask).
				GotoTable(SysSecGrpOutTable)
			flows = append(flows, ab.Done())
		}

		if ep.DHCPv4 != nil {
			flows = flowBypassDhcpRequest(flows, true, false, accessPort, uplinkPort, ep)
			if ep.AllowUntagged && ep.AccessVlan != nil {
				flows = flowBypassDhcpRequest(flows, true, true, accessPort, uplinkPort, ep)
			}
		}
		if ep.DHCPv6 != nil {
			flows = flowBypassDhcpRequest(flows, false, false, accessPort, uplinkPort, ep)
			if ep.AllowUntagged && ep.AccessVlan != nil {
				flows = flowBypassDhcpRequest(flows, false, true, accessPort, uplinkPort, ep)
			}
		}

		{
			out := binding.NewFlow(GroupMapTable).
				Priority(100).
				MatchInPort(uplinkPort)
			ab := out.Action()
			if zoneID != zoneNone {
				ab.LoadReg(ctZoneReg, uint32(zoneID))
			}
			ab.LoadReg(secGrpSetReg, secGrpSetID).
				LoadReg(outPortReg, accessPort)
			if ep.AccessVlan != nil {
				ab.LoadReg(vlanReg, uint32(*ep.AccessVlan)).
					SetMetadata(pushVlanMeta(ep)|metaIngressDir, metaAccessMask)
			} else {
				ab.SetMetadata(metaIngressDir, metaAccessDirMask)
			}
			flows = append(flows, ab.GotoTable(SysSecGrpInTable).Done())
		}

		// Frames on trunked VLANs move between the ports without
		// touching pipeline metadata.
		for _, m := range trunkVlans {
			tci := trunkTciTagged | m.Value
			mask := trunkTciTagged | (0xfff & m.Mask)
			flows = append(flows,
				binding.NewFlow(GroupMapTable).Priority(500).
					MatchInPort(accessPort).
					MatchTCI(tci, mask).
					Action().Output(uplinkPort).Done(),
				binding.NewFlow(GroupMapTable).Priority(500).
					MatchInPort(uplinkPort).
					MatchTCI(tci, mask).
					Action().Output(accessPort).Done())
		}

		// Traffic between the endpoint and its floating IPs bypasses
		// conntrack.
		for _, ipm := range ep.IPAddressMappings {
			if ipm.MappedIP == "" || ipm.EgURI == "" {
				continue
			}
			mappedIP := net.ParseIP(ipm.MappedIP)
			if mappedIP == nil {
				continue
			}
			if ipm.FloatingIP == "" {
				continue
			}
			floatingIP := net.ParseIP(ipm.FloatingIP)
			if floatingIP == nil || floatingIP.IsUnspecified() {
				continue
			}
			if (floatingIP.To4() != nil) != (mappedIP.To4() != nil) {
				continue
			}
			flows = flowBypassFloatingIP(flows, accessPort, uplinkPort, false, false, floatingIP, ep)
			flows = flowBypassFloatingIP(flows, uplinkPort, accessPort, true, false, floatingIP, ep)
			if ep.AllowUntagged && ep.AccessVlan != nil {
				flows = flowBypassFloatingIP(flows, accessPort, uplinkPort, false, true, floatingIP, ep)
				flows = flowBypassFloatingIP(flows, uplinkPort, accessPort, true, true, floatingIP, ep)
			}
		}
	}

	p.switchProg.WriteFlows(uuid, GroupMapTable, flows)
	p.switchProg.WriteFlows(uuid, ServiceBypassTable, skipServiceFlows)
}
