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

// Access-bridge pipeline tables. The relative order is part of the
// pipeline contract: every packet enters at DropLogTable and leaves
// through OutTable or ExpDropTable. The range
// [ServiceBypassTable, ExpDropTable) is contiguous so the per-table
// drop-log catch flows can be emitted in one sweep.
const (
	// DropLogTable is the entry table; drop-log configuration decides
	// whether packets are marked for capture before classification.
	DropLogTable uint8 = 0
	// ServiceBypassTable short-circuits an endpoint talking to its own
	// service IP around the security-group tables.
	ServiceBypassTable uint8 = 1
	// GroupMapTable classifies on in_port and loads the registers the
	// rest of the pipeline keys on.
	GroupMapTable uint8 = 2
	// SysSecGrpInTable applies ingress rules of system security groups.
	SysSecGrpInTable uint8 = 3
	// SecGrpInTable applies ingress rules of user security groups.
	SecGrpInTable uint8 = 4
	// SysSecGrpOutTable applies egress rules of system security groups.
	SysSecGrpOutTable uint8 = 5
	// SecGrpOutTable applies egress rules of user security groups.
	SecGrpOutTable uint8 = 6
	// TapTable punts DNS responses to the controller and passes
	// everything else through.
	TapTable uint8 = 7
	// OutTable dispatches the output action encoded in metadata.
	OutTable uint8 = 8
	// ExpDropTable is the sink for drop-logged packets.
	ExpDropTable uint8 = 9

	numFlowTables = 10
)

// Registers loaded by GroupMapTable and consumed downstream.
const (
	// secGrpSetReg (reg0) holds the endpoint's security-group-set id.
	secGrpSetReg = 0
	// vlanReg (reg5) holds the access VLAN to push on output.
	vlanReg = 5
	// ctZoneReg (reg6) holds the endpoint's conntrack zone.
	ctZoneReg = 6
	// outPortReg (reg7) holds the peer port to output to.
	outPortReg = 7
)

// Metadata register layout. All writers use a mask so bits outside
// their field survive.
const (
	// metadataOutMask covers the output-action dispatch field read by
	// OutTable.
	metadataOutMask uint64 = 0xff

	// metaPopVlan pops the VLAN tag before output.
	metaPopVlan uint64 = 0x1
	// metaPushVlan pushes the VLAN held in reg5 before output.
	metaPushVlan uint64 = 0x2
	// metaUntaggedAndPushVlan outputs the frame untagged and then a
	// second time tagged with the VLAN held in reg5.
	metaUntaggedAndPushVlan uint64 = 0x3

	// metaIngressDir marks traffic heading toward the endpoint.
	metaIngressDir uint64 = 0x100
	// metaEgressDir marks traffic leaving the endpoint.
	metaEgressDir uint64 = 0x200
	// metaAccessDirMask covers the direction field.
	metaAccessDirMask uint64 = 0x300

	// metaAccessMask covers both the direction and output-action
	// fields.
	metaAccessMask uint64 = metaAccessDirMask | metadataOutMask

	// metaDropLog marks a packet for capture if a later table drops it.
	metaDropLog uint64 = 0x400
)

// IP protocol numbers used by the punts and bypasses.
const (
	protoICMP uint8 = 1
	protoTCP  uint8 = 6
	protoUDP  uint8 = 17
)

const (
	dnsPort        uint16 = 53
	dhcpV4SrcPort  uint16 = 68
	dhcpV4DstPort  uint16 = 67
	dhcpV6SrcPort  uint16 = 546
	dhcpV6DstPort  uint16 = 547
	trunkTciTagged uint16 = 0x1000
)

// maxPolicyRulePriority is one above the highest priority a policy rule
// may carry; the reserved empty-set flow uses it so it always wins.
const maxPolicyRulePriority uint16 = 8192

// TableDescription names a pipeline table and the diagnostic reason
// reported for packets it drops.
type TableDescription struct {
	Name       string
	DropReason string
}

// TableDescriptions returns the diagnostic map of the pipeline tables.
func TableDescriptions() map[uint8]TableDescription {
	return map[uint8]TableDescription{
		DropLogTable:       {"DROP_LOG_TABLE", "Drop-log classification missing/incorrect"},
		ServiceBypassTable: {"SERVICE_BYPASS_TABLE", "Skip security-group checks for service loopback traffic"},
		GroupMapTable:      {"GROUP_MAP_TABLE", "Access port incorrect"},
		SysSecGrpInTable:   {"SYS_SEC_GRP_IN_TABLE", "Ingress system security group derivation missing/incorrect"},
		SecGrpInTable:      {"SEC_GROUP_IN_TABLE", "Ingress security group derivation missing/incorrect"},
		SysSecGrpOutTable:  {"SYS_SEC_GRP_OUT_TABLE", "Egress system security group derivation missing/incorrect"},
		SecGrpOutTable:     {"SEC_GROUP_OUT_TABLE", "Egress security group missing/incorrect"},
		TapTable:           {"TAP_TABLE", "Tap missing/incorrect"},
		OutTable:           {"OUT_TABLE", "Output port missing/incorrect"},
		ExpDropTable:       {"EXP_DROP_TABLE", "Experimental drop sink"},
	}
}
