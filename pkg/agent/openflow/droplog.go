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

// updateDropLogCatchFlows recomputes the EXP_DROP sink: packets marked
// with the drop-log metadata bit are encapsulated to the configured
// tunnel destination and mirrored out the drop-log port.
func (p *AccessFlowProgrammer) updateDropLogCatchFlows() {
	p.dropLogMu.Lock()
	iface := p.dropLogIface
	dst := p.dropLogDst
	p.dropLogMu.Unlock()

	if iface == "" || dst == nil || dst.To4() == nil {
		p.switchProg.ClearFlows(ownerStatic, ExpDropTable)
		klog.V(2).InfoS("Ignoring drop-log port", "port", iface, "destination", dst)
		return
	}
	dropLogPort := p.ports.Find(iface)
	if dropLogPort == binding.PortNone {
		return
	}
	p.switchProg.WriteFlows(ownerStatic, ExpDropTable, []*binding.FlowEntry{
		binding.NewFlow(ExpDropTable).Priority(0).
			MatchMetadata(metaDropLog, metaDropLog).
			Action().
			SetTunnelDst(dst).
			Output(dropLogPort).Done(),
	})
}

// handleDropLogConfigUpdate programs the drop-log entry table from the
// operational configuration object. Absent or disabled configuration
// falls back to plain classification; unfiltered mode marks every
// packet for capture-if-dropped; filtered mode leaves marking to the
// per-filter entries.
func (p *AccessFlowProgrammer) handleDropLogConfigUpdate(uri string) {
	cfg := p.policies.GetDropLogConfig(uri)
	if cfg == nil {
		p.switchProg.WriteFlows(ownerDropLogConfig, DropLogTable, []*binding.FlowEntry{
			binding.NewFlow(DropLogTable).Priority(2).
				Action().GotoTable(ServiceBypassTable).Done(),
		})
		klog.InfoS("Defaulting to drop-log disabled")
		return
	}
	if cfg.Enable {
		if cfg.Mode == types.DropLogModeUnfiltered {
			p.switchProg.WriteFlows(ownerDropLogConfig, DropLogTable, []*binding.FlowEntry{
				binding.NewFlow(DropLogTable).Priority(2).
					Action().
					SetMetadata(metaDropLog, metaDropLog).
					GotoTable(ServiceBypassTable).Done(),
			})
			klog.InfoS("Drop-log mode set to unfiltered")
		} else {
			p.switchProg.ClearFlows(ownerDropLogConfig, DropLogTable)
			klog.InfoS("Drop-log mode set to filtered")
		}
		return
	}
	p.switchProg.WriteFlows(ownerDropLogConfig, DropLogTable, []*binding.FlowEntry{
		binding.NewFlow(DropLogTable).Priority(2).
			Action().GotoTable(ServiceBypassTable).Done(),
	})
	klog.InfoS("Drop-log disabled")
}

// handleDropFlowConfigUpdate programs one drop-log filter entry keyed
// by the configuration object's URI.
func (p *AccessFlowProgrammer) handleDropFlowConfigUpdate(uri string) {
	cfg := p.policies.GetDropFlowConfig(uri)
	if cfg == nil {
		p.switchProg.ClearFlows(uri, DropLogTable)
		return
	}
	fb := binding.NewFlow(DropLogTable).Priority(1)
	if cfg.EthType != nil {
		fb.MatchEthType(*cfg.EthType)
	}
	if ip := net.ParseIP(cfg.InnerSrc); ip != nil {
		fb.MatchIPSrc(normalizeIP(ip), hostPrefix(ip))
	}
	if ip := net.ParseIP(cfg.InnerDst); ip != nil {
		fb.MatchIPDst(normalizeIP(ip), hostPrefix(ip))
	}
	if ip := net.ParseIP(cfg.OuterSrc); ip != nil {
		fb.MatchTunSrc(normalizeIP(ip), hostPrefix(ip))
	}
	if ip := net.ParseIP(cfg.OuterDst); ip != nil {
		fb.MatchTunDst(normalizeIP(ip), hostPrefix(ip))
	}
	if cfg.TunnelID != nil {
		fb.MatchTunID(*cfg.TunnelID)
	}
	if cfg.IPProto != nil {
		fb.MatchProtocol(*cfg.IPProto)
	}
	if cfg.SrcPort != nil {
		fb.MatchTPSrc(*cfg.SrcPort, 0)
	}
	if cfg.DstPort != nil {
		fb.MatchTPDst(*cfg.DstPort, 0)
	}
	p.switchProg.WriteFlows(uri, DropLogTable, []*binding.FlowEntry{
		fb.Action().
			SetMetadata(metaDropLog, metaDropLog).
			GotoTable(ServiceBypassTable).Done(),
	})
}

func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func hostPrefix(ip net.IP) uint8 {
	if ip.To4() != nil {
		return 32
	}
	return 128
}

// handleDscpQosUpdate installs (or clears) the DSCP marking flows for
// one interface at the top of the pipeline.
func (p *AccessFlowProgrammer) handleDscpQosUpdate(iface string, dscp uint8) {
	objIDV4 := iface + "ipv4"
	objIDV6 := iface + "ipv6"
	p.switchProg.ClearFlows(objIDV4, DropLogTable)
	p.switchProg.ClearFlows(objIDV6, DropLogTable)

	if dscp == 0 {
		return
	}

	klog.V(2).InfoS("Adding DSCP marking flows", "interface", iface, "dscp", dscp)
	ofPort := p.ports.Find(iface)
	p.switchProg.WriteFlows(objIDV4, DropLogTable, []*binding.FlowEntry{
		binding.NewFlow(DropLogTable).
			Priority(65535).
			MatchEthType(protocol.IPv4_MSG).
			MatchInPort(ofPort).
			Action().
			SetDscp(dscp).
			Resubmit(ofPort, ServiceBypassTable).Done(),
	})
	p.switchProg.WriteFlows(objIDV6, DropLogTable, []*binding.FlowEntry{
		binding.NewFlow(DropLogTable).
			Priority(65535).
			MatchEthType(protocol.IPv6_MSG).
			MatchInPort(ofPort).
			Action().
			SetDscp(dscp).
			Resubmit(ofPort, ServiceBypassTable).Done(),
	})
}
