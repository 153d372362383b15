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
	"sort"

	"antrea.io/libOpenflow/protocol"
	"k8s.io/klog/v2"

	"github.com/noironetworks/accessflow/pkg/agent/openflow/cookie"
	"github.com/noironetworks/accessflow/pkg/agent/types"
	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

// classAction selects the semantics of a compiled classifier entry. A
// reflexive allow rule expands into the cooperating forward
// track/commit/established entries plus the reverse
// track/allow/related entries on the opposite table.
type classAction int

const (
	caDeny classAction = iota
	caAllow
	caReflexFwd
	caReflexFwdTrack
	caReflexFwdEst
	caReflexRevTrack
	caReflexRevAllow
	caReflexRevRelated
)

// matchGroup matches the security-group-set register; a zero set id
// matches any set (system rules).
func matchGroup(fb *binding.FlowBuilder, priority uint16, setID uint32) {
	fb.Priority(priority)
	if setID != 0 {
		fb.MatchReg(secGrpSetReg, setID)
	}
}

// matchClassifierProtocol applies the ethertype/protocol half of the
// classifier and returns the ethertype for family filtering. ARP
// opcodes share the protocol field.
func matchClassifierProtocol(fb *binding.FlowBuilder, cls *types.L24Classifier) uint16 {
	if cls.ArpOpc != nil {
		fb.MatchProtocol(*cls.ArpOpc)
	}
	if cls.EtherType != 0 {
		fb.MatchEthType(cls.EtherType)
	}
	if cls.Proto != nil {
		fb.MatchProtocol(*cls.Proto)
	}
	return cls.EtherType
}

func matchTCPFlags(fb *binding.FlowBuilder, tcpFlags uint32) {
	var flags uint16
	if tcpFlags&types.TCPFlagFIN != 0 {
		flags |= 0x01
	}
	if tcpFlags&types.TCPFlagSYN != 0 {
		flags |= 0x02
	}
	if tcpFlags&types.TCPFlagRST != 0 {
		flags |= 0x04
	}
	if tcpFlags&types.TCPFlagACK != 0 {
		flags |= 0x10
	}
	fb.MatchTCPFlags(flags, flags)
}

// anySubnet is the wildcard standing in for an absent remote-subnet
// constraint.
var anySubnet = types.Subnet{}

func effectiveSubnets(subs []types.Subnet) []types.Subnet {
	if len(subs) == 0 {
		return []types.Subnet{anySubnet}
	}
	return subs
}

// effectiveDestPorts folds destination subnets and named service ports
// into one service-port list.
func effectiveDestPorts(destSubs []types.Subnet, named []types.ServicePort) []types.ServicePort {
	ports := make([]types.ServicePort, 0, len(destSubs)+len(named))
	for _, sub := range effectiveSubnets(destSubs) {
		ports = append(ports, types.ServicePort{Address: sub.Address, PrefixLen: sub.PrefixLen})
	}
	ports = append(ports, named...)
	return ports
}

// familyMatches reports whether an address family may appear under the
// classifier's ethertype.
func familyMatches(ip net.IP, etherType uint16) bool {
	if ip.To4() != nil {
		return etherType == protocol.ARP_MSG || etherType == protocol.IPv4_MSG
	}
	return etherType == protocol.IPv6_MSG
}

// applySourceSubnet adds the source-IP match; false drops the flow for
// a family mismatch.
func applySourceSubnet(fb *binding.FlowBuilder, sub types.Subnet, etherType uint16) bool {
	if sub.Address == "" {
		return true
	}
	ip, prefix, ok := parseSubnet(sub.Address, sub.PrefixLen)
	if !ok {
		return false
	}
	if !familyMatches(ip, etherType) {
		return false
	}
	fb.MatchIPSrc(ip, prefix)
	return true
}

// applyServicePort adds the destination-IP/port match; false drops the
// flow for a family mismatch.
func applyServicePort(fb *binding.FlowBuilder, sp types.ServicePort, etherType uint16) bool {
	if sp.Address == "" {
		return true
	}
	ip, prefix, ok := parseSubnet(sp.Address, sp.PrefixLen)
	if !ok {
		return false
	}
	if !familyMatches(ip, etherType) {
		return false
	}
	fb.MatchIPDst(ip, prefix)
	if sp.Port != 0 {
		fb.MatchProtocol(sp.Proto)
		fb.MatchTPDst(sp.Port, 0)
	}
	return true
}

func parseSubnet(address string, prefixLen uint8) (net.IP, uint8, bool) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, 0, false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		if prefixLen == 0 {
			prefixLen = 32
		}
	} else if prefixLen == 0 {
		prefixLen = 128
	}
	return ip, prefixLen, true
}

// classifierPortMasks computes the source and destination port mask
// lists. ICMP type/code ride the port fields exactly, without range
// expansion.
func classifierPortMasks(cls *types.L24Classifier) (srcPorts, dstPorts []binding.Mask) {
	if cls.Proto != nil && *cls.Proto == protoICMP &&
		(cls.ICMPType != nil || cls.ICMPCode != nil) {
		if cls.ICMPType != nil {
			srcPorts = append(srcPorts, binding.Mask{Value: uint16(*cls.ICMPType), Mask: 0xffff})
		}
		if cls.ICMPCode != nil {
			dstPorts = append(dstPorts, binding.Mask{Value: uint16(*cls.ICMPCode), Mask: 0xffff})
		}
	} else {
		srcPorts = binding.PortRangeMasks(cls.SFromPort, cls.SToPort)
		dstPorts = binding.PortRangeMasks(cls.DFromPort, cls.DToPort)
	}
	// An "ignore" mask on empty ranges keeps the expansion loops
	// uniform.
	if len(srcPorts) == 0 {
		srcPorts = []binding.Mask{{}}
	}
	if len(dstPorts) == 0 {
		dstPorts = []binding.Mask{{}}
	}
	return srcPorts, dstPorts
}

func tcpFlagExpansion(tcpFlags uint32) []uint32 {
	if tcpFlags&types.TCPFlagEstablished != 0 {
		return []uint32{types.TCPFlagACK, types.TCPFlagRST}
	}
	return []uint32{tcpFlags}
}

// addL2ClassifierEntries emits the L2-only form of a rule: group +
// ethertype (+ ARP opcode), no L3/L4 matches. Rules with an IP
// protocol are skipped entirely in this form.
func addL2ClassifierEntries(cls *types.L24Classifier, act classAction, log bool,
	nextTable, currentTable, dropTable uint8, priority uint16,
	flags uint32, ck uint64, setID uint32, isSystemRule bool,
	entries []*binding.FlowEntry) []*binding.FlowEntry {
	if cls.Proto != nil {
		return entries
	}
	if isSystemRule {
		setID = 0
	}
	fb := binding.NewFlow(currentTable).
		Cookie(ck).
		Flags(flags)
	matchGroup(fb, priority, setID)
	matchClassifierProtocol(fb, cls)
	ab := fb.Action()
	if log {
		if act == caDeny {
			ab.DropLog(currentTable, binding.ReasonPolicyDeny, ck)
		} else {
			ab.PermitLog(currentTable, dropTable, ck)
		}
	} else if act == caDeny {
		ab.SetMetadata(0, metaDropLog)
	}
	return append(entries, ab.GotoTable(nextTable).Done())
}

// addClassifierEntries expands one rule into concrete match/action
// entries for one table and direction. The cross product runs over
// effective source subnets, effective destination service ports, the
// source and destination port mask covers and the TCP flag expansion.
func addClassifierEntries(cls *types.L24Classifier, act classAction, log bool,
	sourceSubs, destSubs []types.Subnet, destNamedPorts []types.ServicePort,
	nextTable, currentTable, dropTable uint8, priority uint16,
	flags uint32, ck uint64, setID uint32, isSystemRule bool,
	entries []*binding.FlowEntry) []*binding.FlowEntry {
	if isSystemRule {
		setID = 0
	}
	srcPorts, dstPorts := classifierPortMasks(cls)
	tcpFlagsVec := tcpFlagExpansion(cls.TCPFlags)

	effSourceSubs := effectiveSubnets(sourceSubs)
	effDestPorts := effectiveDestPorts(destSubs, destNamedPorts)

	for _, ss := range effSourceSubs {
		for _, ds := range effDestPorts {
			// Related-reply entries match on ethertype only; L4
			// state of a related connection is unknowable here.
			if act == caReflexRevRelated {
				if cls.EtherType != protocol.IPv4_MSG && cls.EtherType != protocol.IPv6_MSG {
					continue
				}
				fb := binding.NewFlow(currentTable).
					Cookie(ck).
					Flags(flags).
					MatchEthType(cls.EtherType).
					MatchCTState(
						binding.CTStateTracked|binding.CTStateRelated|binding.CTStateReply,
						binding.CTStateTracked|binding.CTStateRelated|binding.CTStateReply|
							binding.CTStateEstablished|binding.CTStateInvalid|binding.CTStateNew)
				matchGroup(fb, priority, setID)
				entries = append(entries, fb.Action().GotoTable(nextTable).Done())
				continue
			}

			for _, sm := range srcPorts {
				for _, dm := range dstPorts {
					for _, flagMask := range tcpFlagsVec {
						fb := binding.NewFlow(currentTable).
							Cookie(ck).
							Flags(flags)

						switch act {
						case caReflexFwdTrack, caReflexRevTrack:
							fb.MatchCTState(0, binding.CTStateTracked)
						case caReflexRevAllow:
							fb.MatchCTState(
								binding.CTStateTracked|binding.CTStateEstablished|binding.CTStateReply,
								binding.CTStateTracked|binding.CTStateEstablished|binding.CTStateReply|
									binding.CTStateInvalid|binding.CTStateNew|binding.CTStateRelated)
						}

						matchGroup(fb, priority, setID)
						etherType := matchClassifierProtocol(fb, cls)

						switch act {
						case caAllow, caDeny, caReflexFwdTrack, caReflexFwd, caReflexFwdEst:
							if cls.TCPFlags != types.TCPFlagUnspecified {
								matchTCPFlags(fb, flagMask)
							}
							if !applySourceSubnet(fb, ss, etherType) {
								continue
							}
							if !applyServicePort(fb, ds, etherType) {
								continue
							}
							fb.MatchTPSrc(sm.Value, sm.Mask)
							// A port resolved from a named service
							// overrides the classifier's port match.
							if !fb.HasTPDst() {
								fb.MatchTPDst(dm.Value, dm.Mask)
							}
						}

						ab := fb.Action()
						switch act {
						case caDeny:
							if log {
								ab.DropLog(currentTable, binding.ReasonPolicyDeny, ck)
							} else {
								ab.SetMetadata(0, metaDropLog)
							}
							ab.GotoTable(nextTable)
						case caReflexFwdTrack, caReflexRevTrack:
							ab.CTRecirc(ctZoneReg, nextTable)
						case caReflexFwd:
							fb.MatchCTState(
								binding.CTStateTracked|binding.CTStateNew,
								binding.CTStateTracked|binding.CTStateNew)
							if !isSystemRule {
								ab.CTCommit(ctZoneReg)
								if log {
									ab.PermitLog(currentTable, dropTable, ck)
								}
							}
							ab.GotoTable(nextTable)
						case caReflexFwdEst:
							fb.MatchCTState(
								binding.CTStateTracked|binding.CTStateEstablished,
								binding.CTStateTracked|binding.CTStateEstablished)
							if log {
								ab.PermitLog(currentTable, dropTable, ck)
							}
							ab.GotoTable(nextTable)
						case caReflexRevAllow, caAllow:
							if log {
								ab.PermitLog(currentTable, dropTable, ck)
							}
							ab.GotoTable(nextTable)
						}
						entries = append(entries, fb.Done())
					}
				}
			}
		}
	}
	return entries
}

// handleSecGrpSetUpdate recompiles every rule of every group in the set
// into the four security-group tables.
func (p *AccessFlowProgrammer) handleSecGrpSetUpdate(groups []string, key string) {
	klog.V(2).InfoS("Updating security group set", "set", key)

	if p.endpoints.SecGrpSetEmpty(groups) {
		p.switchProg.ClearFlows(key, SecGrpInTable)
		p.switchProg.ClearFlows(key, SecGrpOutTable)
		p.switchProg.ClearFlows(key, SysSecGrpInTable)
		p.switchProg.ClearFlows(key, SysSecGrpOutTable)
		return
	}

	setID := p.ids.GetID(idNamespaceSecGroupSet, key)

	var secGrpIn, secGrpOut, sysSecGrpIn, sysSecGrpOut []*binding.FlowEntry
	anySystemRule := false

	sortedGroups := append([]string(nil), groups...)
	sort.Strings(sortedGroups)

	for _, secGrp := range sortedGroups {
		isSystemGroup := p.isSystemSecGroup(secGrp)

		ingressTable, egressTable := SecGrpInTable, SecGrpOutTable
		afterIngressTable, afterEgressTable := TapTable, TapTable
		inRef, outRef := &secGrpIn, &secGrpOut
		if isSystemGroup {
			ingressTable, egressTable = SysSecGrpInTable, SysSecGrpOutTable
			afterIngressTable, afterEgressTable = SecGrpInTable, SecGrpOutTable
			inRef, outRef = &sysSecGrpIn, &sysSecGrpOut
		}

		for _, rule := range p.policies.GetSecGroupRules(secGrp) {
			if rule.Classifier == nil {
				continue
			}
			isSystemRule := isSystemGroup
			if isSystemGroup {
				anySystemRule = true
			}
			cls := rule.Classifier
			ck := p.cookies.RequestWithObjectID(cookie.PolicyRule,
				p.ids.GetID(idNamespaceClassifierRule, cls.URI)).Raw()

			var remoteSubs []types.Subnet
			var namedSvcPorts []types.ServicePort
			skipL34 := false
			if len(rule.RemoteSubnets) > 0 || len(rule.NamedServicePorts) > 0 {
				remoteSubs = rule.RemoteSubnets
				namedSvcPorts = rule.NamedServicePorts
			} else {
				// Higher-level protocols are not programmed when the
				// remote subnet is missing, unless configured to.
				skipL34 = !p.cfg.AddL34FlowsWithoutSubnet
				klog.V(4).InfoS("L2-only expansion", "skipL34", skipL34, "rule", cls.URI)
			}

			act := caDeny
			if rule.Allow {
				if rule.ConnTrack == types.ConnTrackReflexive {
					act = caReflexFwd
				} else {
					act = caAllow
				}
			}
			log := rule.Log
			flags := uint32(binding.FlagSendFlowRem)
			prio := rule.Priority

			inDir := rule.Direction == types.DirectionBidirectional || rule.Direction == types.DirectionIn
			outDir := rule.Direction == types.DirectionBidirectional || rule.Direction == types.DirectionOut

			if skipL34 {
				if inDir {
					next := afterIngressTable
					if act == caDeny {
						next = ExpDropTable
					}
					*inRef = addL2ClassifierEntries(cls, act, log, next, ingressTable,
						ExpDropTable, prio, flags, ck, setID, isSystemRule, *inRef)
				}
				if outDir {
					next := afterEgressTable
					if act == caDeny {
						next = ExpDropTable
					}
					*outRef = addL2ClassifierEntries(cls, act, log, next, egressTable,
						ExpDropTable, prio, flags, ck, setID, isSystemRule, *outRef)
				}
				continue
			}

			if inDir {
				next := afterIngressTable
				if act == caDeny {
					next = ExpDropTable
				}
				*inRef = addClassifierEntries(cls, act, log, remoteSubs, nil, nil,
					next, ingressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *inRef)
				if act == caReflexFwd {
					*inRef = addClassifierEntries(cls, caReflexFwdTrack, log, remoteSubs, nil, nil,
						GroupMapTable, ingressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *inRef)
					*inRef = addClassifierEntries(cls, caReflexFwdEst, log, remoteSubs, nil, nil,
						afterIngressTable, ingressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *inRef)
					// Reverse entries let reply traffic of the tracked
					// connection back out.
					*outRef = addClassifierEntries(cls, caReflexRevTrack, log, nil, remoteSubs, namedSvcPorts,
						GroupMapTable, egressTable, ExpDropTable, prio, flags, 0, setID, isSystemRule, *outRef)
					*outRef = addClassifierEntries(cls, caReflexRevAllow, log, nil, remoteSubs, namedSvcPorts,
						afterEgressTable, egressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *outRef)
					*outRef = addClassifierEntries(cls, caReflexRevRelated, log, nil, remoteSubs, namedSvcPorts,
						afterEgressTable, egressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *outRef)
				}
			}
			if outDir {
				next := afterEgressTable
				if act == caDeny {
					next = ExpDropTable
				}
				*outRef = addClassifierEntries(cls, act, log, nil, remoteSubs, namedSvcPorts,
					next, egressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *outRef)
				if act == caReflexFwd {
					*outRef = addClassifierEntries(cls, caReflexFwdTrack, log, nil, remoteSubs, namedSvcPorts,
						GroupMapTable, egressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *outRef)
					*outRef = addClassifierEntries(cls, caReflexFwdEst, log, nil, remoteSubs, namedSvcPorts,
						afterEgressTable, egressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *outRef)
					*inRef = addClassifierEntries(cls, caReflexRevTrack, log, remoteSubs, nil, nil,
						GroupMapTable, ingressTable, ExpDropTable, prio, flags, 0, setID, isSystemRule, *inRef)
					*inRef = addClassifierEntries(cls, caReflexRevAllow, log, remoteSubs, nil, nil,
						afterIngressTable, ingressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *inRef)
					*inRef = addClassifierEntries(cls, caReflexRevRelated, log, remoteSubs, nil, nil,
						afterIngressTable, ingressTable, ExpDropTable, prio, flags, ck, setID, isSystemRule, *inRef)
				}
			}
		}
	}

	p.switchProg.WriteFlows(key, SecGrpInTable, secGrpIn)
	p.switchProg.WriteFlows(key, SecGrpOutTable, secGrpOut)

	if anySystemRule {
		// Packets matching no system rule are dropped (and logged)
		// instead of falling through to the user tables.
		tableDropCookie := p.cookies.Request(cookie.TableDrop).Raw()
		for _, tableID := range []uint8{SysSecGrpInTable, SysSecGrpOutTable} {
			p.switchProg.WriteFlows(ownerSystemDrop, tableID, []*binding.FlowEntry{
				binding.NewFlow(tableID).Priority(2).
					Cookie(tableDropCookie).
					Flags(binding.FlagSendFlowRem).
					Action().
					DropLog(tableID, binding.ReasonNoRule, tableDropCookie).
					GotoTable(ExpDropTable).Done(),
			})
		}
		p.switchProg.WriteFlows(key, SysSecGrpInTable, sysSecGrpIn)
		p.switchProg.WriteFlows(key, SysSecGrpOutTable, sysSecGrpOut)
	} else {
		p.switchProg.ClearFlows(key, SysSecGrpInTable)
		p.switchProg.ClearFlows(key, SysSecGrpOutTable)
		p.switchProg.ClearFlows(ownerSystemDrop, SysSecGrpInTable)
		p.switchProg.ClearFlows(ownerSystemDrop, SysSecGrpOutTable)
	}
}
