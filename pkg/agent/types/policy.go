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

package types

// Direction says which way a policy rule applies relative to the
// endpoint.
type Direction uint8

const (
	DirectionBidirectional Direction = iota
	DirectionIn
	DirectionOut
)

// ConnTrackMode selects stateless or reflexive handling for an allow
// rule.
type ConnTrackMode uint8

const (
	ConnTrackNormal ConnTrackMode = iota
	ConnTrackReflexive
)

// TCP flag bits of an L24Classifier, in wire order. Established is a
// pseudo-flag that expands to {ACK} and {RST}.
const (
	TCPFlagUnspecified uint32 = 0
	TCPFlagFIN         uint32 = 0x01
	TCPFlagSYN         uint32 = 0x02
	TCPFlagRST         uint32 = 0x04
	TCPFlagACK         uint32 = 0x10
	TCPFlagEstablished uint32 = 0x20
)

// L24Classifier is the L2/L3/L4 match half of a policy rule. Nil
// pointer fields are unspecified; a zero EtherType is unspecified.
type L24Classifier struct {
	// URI identifies the classifier for cookie attribution.
	URI       string
	EtherType uint16
	Proto     *uint8
	ArpOpc    *uint8
	SFromPort *uint16
	SToPort   *uint16
	DFromPort *uint16
	DToPort   *uint16
	ICMPType  *uint8
	ICMPCode  *uint8
	TCPFlags  uint32
}

// Subnet is a CIDR expressed as address plus prefix length. An empty
// address stands for "any".
type Subnet struct {
	Address   string
	PrefixLen uint8
}

// ServicePort is a named destination: an address (with optional
// prefix), and optionally a protocol and port resolved from a service
// name.
type ServicePort struct {
	Address   string
	PrefixLen uint8
	Proto     uint8
	Port      uint16
}

// PolicyRule is one ordered rule of a security group.
type PolicyRule struct {
	Direction         Direction
	Allow             bool
	Log               bool
	Priority          uint16
	ConnTrack         ConnTrackMode
	Classifier        *L24Classifier
	RemoteSubnets     []Subnet
	NamedServicePorts []ServicePort
}

// DropLogMode selects between logging every packet entering the
// pipeline and logging only packets matching drop-flow filters.
type DropLogMode uint8

const (
	DropLogModeUnfiltered DropLogMode = iota
	DropLogModeFiltered
)

// DropLogConfig is the packet drop-log operational configuration.
type DropLogConfig struct {
	Enable bool
	Mode   DropLogMode
}

// DropFlowConfig is one drop-log filter; nil fields are wildcarded.
type DropFlowConfig struct {
	EthType  *uint16
	InnerSrc string
	InnerDst string
	OuterSrc string
	OuterDst string
	TunnelID *uint64
	IPProto  *uint8
	SrcPort  *uint16
	DstPort  *uint16
}

// PolicyStore is the read-only policy inventory the programmer
// subscribes to.
type PolicyStore interface {
	// GetSecGroupRules returns the ordered rules of a security group,
	// or nil when the group does not exist.
	GetSecGroupRules(uri string) []*PolicyRule
	// SecGroupExists reports whether the group is still declared.
	SecGroupExists(uri string) bool
	// GetDropLogConfig resolves a drop-log configuration object, nil
	// when absent.
	GetDropLogConfig(uri string) *DropLogConfig
	// GetDropFlowConfig resolves a drop-log filter object, nil when
	// absent.
	GetDropFlowConfig(uri string) *DropFlowConfig
}
