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

package cookie

import (
	"fmt"
)

const (
	BitwidthRound           = 16
	BitwidthCategory        = 8
	BitwidthObject          = 32
	BitwidthReserved        = 64 - BitwidthCategory - BitwidthRound - BitwidthObject
	RoundMask        uint64 = 0xffff_0000_0000_0000
	CategoryMask     uint64 = 0x0000_ff00_0000_0000
)

// Category represents the flow entry category. Cookies are delivered on
// flow-removal notifications; the category routes them to the right
// accounting sink.
type Category uint64

const (
	Default Category = iota
	TableDrop
	DNSResponse
	PolicyRule
)

func (c Category) String() string {
	switch c {
	case Default:
		return "Default"
	case TableDrop:
		return "TableDrop"
	case DNSResponse:
		return "DNSResponse"
	case PolicyRule:
		return "PolicyRule"
	default:
		return "Invalid"
	}
}

// ID defines the segments a cookie contains. An ID is composed like:
//
//	|-------------------------- ID ---------------------------|
//	|- round 16bits -|- category 8bits -|- reserved 8bits -|- objectID 32bits -|
//
// The round segment distinguishes flows written by different agent
// incarnations; the object segment carries a per-rule identifier.
type ID uint64

func newID(round uint64, cat Category, objectID uint32) ID {
	r := uint64(0)
	r |= round << (64 - BitwidthRound)
	r |= (uint64(cat) << (BitwidthReserved + BitwidthObject)) & CategoryMask
	r |= uint64(objectID)
	return ID(r)
}

// CookieMaskForRound returns a cookie and mask value selecting all flows
// belonging to the provided round.
func CookieMaskForRound(round uint64) (uint64, uint64) {
	return round << (64 - BitwidthRound), RoundMask
}

// Raw returns the uint64 value of the ID.
func (i ID) Raw() uint64 {
	return uint64(i)
}

// Round returns the round number of the ID.
func (i ID) Round() uint64 {
	return i.Raw() >> (64 - BitwidthRound)
}

// Category returns the category of the ID.
func (i ID) Category() Category {
	return Category((i.Raw() & CategoryMask) >> (BitwidthReserved + BitwidthObject))
}

// ObjectID returns the object segment of the ID.
func (i ID) ObjectID() uint32 {
	return uint32(i.Raw())
}

func (i ID) String() string {
	return fmt.Sprintf("<round:%d,category:%s,object:%d>", i.Round(), i.Category().String(), i.ObjectID())
}

// Allocator mints cookie IDs for flow entries.
type Allocator interface {
	// Request gets a cookie ID of the flow category.
	Request(cat Category) ID
	// RequestWithObjectID gets a cookie ID of the flow category and objectID.
	RequestWithObjectID(cat Category, objectID uint32) ID
}

type allocator struct {
	round uint64
}

func (a *allocator) Request(cat Category) ID {
	return newID(a.round, cat, 0)
}

func (a *allocator) RequestWithObjectID(cat Category, objectID uint32) ID {
	return newID(a.round, cat, objectID)
}

// NewAllocator creates a cookie ID allocator for the given round. Only
// the last 16 bits of the round number are used.
func NewAllocator(round uint64) Allocator {
	return &allocator{round: round}
}
