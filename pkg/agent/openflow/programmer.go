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
	"sort"
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/noironetworks/accessflow/pkg/agent/metrics"
	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

type flowCell struct {
	owner string
	table uint8
}

// SwitchProgrammer owns the per-object flow sets of the pipeline's
// tables. Each write for an (ownerKey, tableID) cell atomically replaces
// the previous set from the reconciler's perspective; writes to distinct
// cells are independent. The programmer does no diffing, that is the
// reconciler's job; it guarantees a stable forwarding order per cell.
type SwitchProgrammer struct {
	mu     sync.Mutex
	writer binding.FlowWriter
	flows  map[flowCell][]*binding.FlowEntry
	tlvs   map[string][]binding.TLVEntry
}

// NewSwitchProgrammer returns a programmer forwarding to the given
// reconciler. A nil writer keeps the sets cached without forwarding.
func NewSwitchProgrammer(writer binding.FlowWriter) *SwitchProgrammer {
	return &SwitchProgrammer{
		writer: writer,
		flows:  make(map[flowCell][]*binding.FlowEntry),
		tlvs:   make(map[string][]binding.TLVEntry),
	}
}

// WriteFlows replaces the owner's flow set in the given table. An empty
// or nil set removes the cell.
func (p *SwitchProgrammer) WriteFlows(ownerKey string, tableID uint8, flows []*binding.FlowEntry) {
	cell := flowCell{owner: ownerKey, table: tableID}
	p.mu.Lock()
	if len(flows) == 0 {
		delete(p.flows, cell)
	} else {
		p.flows[cell] = flows
	}
	writer := p.writer
	p.mu.Unlock()

	metrics.FlowWriteCount.WithLabelValues(strconv.Itoa(int(tableID))).Inc()
	klog.V(4).InfoS("Writing flow set", "owner", ownerKey, "table", tableID, "flows", len(flows))
	if writer != nil {
		writer.WriteFlows(ownerKey, tableID, flows)
	}
}

// ClearFlows removes the owner's flow set from the given table.
func (p *SwitchProgrammer) ClearFlows(ownerKey string, tableID uint8) {
	p.WriteFlows(ownerKey, tableID, nil)
}

// WriteTLVs replaces the owner's TLV option registrations.
func (p *SwitchProgrammer) WriteTLVs(ownerKey string, tlvs []binding.TLVEntry) {
	p.mu.Lock()
	if len(tlvs) == 0 {
		delete(p.tlvs, ownerKey)
	} else {
		p.tlvs[ownerKey] = tlvs
	}
	writer := p.writer
	p.mu.Unlock()

	if writer != nil {
		writer.WriteTLVs(ownerKey, tlvs)
	}
}

// Flows returns the owner's current set in the given table.
func (p *SwitchProgrammer) Flows(ownerKey string, tableID uint8) []*binding.FlowEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*binding.FlowEntry(nil), p.flows[flowCell{owner: ownerKey, table: tableID}]...)
}

// TLVs returns the owner's current TLV registrations.
func (p *SwitchProgrammer) TLVs(ownerKey string) []binding.TLVEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]binding.TLVEntry(nil), p.tlvs[ownerKey]...)
}

// Owners returns, sorted, the owner keys holding flows in the table.
func (p *SwitchProgrammer) Owners(tableID uint8) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var owners []string
	for cell := range p.flows {
		if cell.table == tableID {
			owners = append(owners, cell.owner)
		}
	}
	sort.Strings(owners)
	return owners
}
