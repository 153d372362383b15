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

// Package openflow translates declarative endpoint and security-group
// policy into the prioritized flow sets of the access-bridge pipeline.
package openflow

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/noironetworks/accessflow/pkg/agent/ctzone"
	"github.com/noironetworks/accessflow/pkg/agent/event"
	"github.com/noironetworks/accessflow/pkg/agent/idallocator"
	"github.com/noironetworks/accessflow/pkg/agent/metrics"
	"github.com/noironetworks/accessflow/pkg/agent/openflow/cookie"
	"github.com/noironetworks/accessflow/pkg/agent/portindex"
	"github.com/noironetworks/accessflow/pkg/agent/types"
	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

// ID namespaces used by the programmer.
const (
	idNamespaceSecGroup       = "secGroup"
	idNamespaceSecGroupSet    = "secGroupSet"
	idNamespaceClassifierRule = "l24classifierRule"
)

var idNamespaces = []string{idNamespaceSecGroup, idNamespaceSecGroupSet}

// Owner keys for flow sets not keyed by a model object.
const (
	ownerStatic        = "static"
	ownerDropLogFlow   = "DropLogFlow"
	ownerDropLogStatic = "DropLogStatic"
	ownerDropLogConfig = "DropLogConfig"
	ownerSystemDrop    = "SystemDropLogFlow"
)

// Config carries the operational settings of the programmer.
type Config struct {
	// ConnTrack enables per-endpoint conntrack zones (loaded into reg6).
	// Reflexive rules are expanded whether or not it is set.
	ConnTrack bool
	// AddL34FlowsWithoutSubnet programs L3/L4 matches even for rules
	// carrying no remote subnet or named service port.
	AddL34FlowsWithoutSubnet bool
	// Domain is the agent's OpFlex domain path; it derives the system
	// security-group naming convention.
	Domain string
	// Workers sizes the handler pool.
	Workers int
	// Round distinguishes this incarnation's cookies.
	Round uint64
}

// AccessFlowProgrammer subscribes to endpoint, security-group, port and
// operational-configuration updates and keeps the access-bridge flow
// tables convergent with the declared state.
type AccessFlowProgrammer struct {
	cfg Config

	endpoints  types.EndpointStore
	policies   types.PolicyStore
	lbIfaces   types.LearningBridgeStore
	ports      *portindex.Index
	ids        *idallocator.Allocator
	ctZones    *ctzone.Allocator
	switchProg *SwitchProgrammer
	cookies    cookie.Allocator
	queue      *event.KeyedQueue

	// enableSync is invoked on the first configuration update to let
	// the reconciler start converging the datapath.
	enableSync func()
	syncOnce   sync.Once

	dropLogMu         sync.Mutex
	dropLogIface      string
	dropLogDst        net.IP
	dropLogRemotePort uint16

	stopping atomic.Bool
}

// New wires a programmer against its collaborators. enableSync may be
// nil.
func New(cfg Config, endpoints types.EndpointStore, policies types.PolicyStore,
	lbIfaces types.LearningBridgeStore, ports *portindex.Index,
	ids *idallocator.Allocator, ctZones *ctzone.Allocator,
	switchProg *SwitchProgrammer, enableSync func()) *AccessFlowProgrammer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &AccessFlowProgrammer{
		cfg:        cfg,
		endpoints:  endpoints,
		policies:   policies,
		lbIfaces:   lbIfaces,
		ports:      ports,
		ids:        ids,
		ctZones:    ctZones,
		switchProg: switchProg,
		cookies:    cookie.NewAllocator(cfg.Round),
		queue:      event.NewKeyedQueue(cfg.Workers),
		enableSync: enableSync,
	}
}

// SetStores installs the store collaborators when they are constructed
// after the programmer (they typically take it as their listener).
// Must be called before Start.
func (p *AccessFlowProgrammer) SetStores(endpoints types.EndpointStore,
	policies types.PolicyStore, lbIfaces types.LearningBridgeStore) {
	p.endpoints = endpoints
	p.policies = policies
	p.lbIfaces = lbIfaces
}

// Start initializes id namespaces, installs the static pipeline and
// starts the handler pool.
func (p *AccessFlowProgrammer) Start() error {
	for _, ns := range idNamespaces {
		p.ids.InitNamespace(ns)
	}
	p.ports.RegisterListener(p)
	p.createStaticFlows()
	p.queue.Run()
	return nil
}

// Stop drops further events and waits for in-flight handlers.
func (p *AccessFlowProgrammer) Stop() {
	p.stopping.Store(true)
	p.queue.Stop()
}

// EndpointUpdated queues programming for the endpoint.
func (p *AccessFlowProgrammer) EndpointUpdated(uuid string) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("endpoint").Inc()
	p.queue.Dispatch(uuid, func() { p.handleEndpointUpdate(uuid) })
}

// SecGroupUpdated fans a single group change out to every affected
// security-group set.
func (p *AccessFlowProgrammer) SecGroupUpdated(uri string) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("secgroup").Inc()
	p.queue.Dispatch("secgrp:"+uri, func() { p.handleSecGrpUpdate(uri) })
}

// SecGroupSetUpdated queues recompilation of the set's rule tables.
func (p *AccessFlowProgrammer) SecGroupSetUpdated(groups []string) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("secgroupset").Inc()
	key := types.SecGrpSetKey(groups)
	p.queue.Dispatch("set:"+key, func() { p.handleSecGrpSetUpdate(groups, key) })
}

// PortStatusUpdate re-drives every endpoint attached to the interface.
func (p *AccessFlowProgrammer) PortStatusUpdate(name string, portNo uint32) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("portstatus").Inc()
	p.queue.Dispatch("port:"+name, func() { p.handlePortStatusUpdate(name, portNo) })
}

// DscpQosUpdated queues reprogramming of the interface's DSCP marking.
func (p *AccessFlowProgrammer) DscpQosUpdated(iface string, dscp uint8) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("qos").Inc()
	p.queue.Dispatch(iface, func() { p.handleDscpQosUpdate(iface, dscp) })
}

// ConfigUpdated lets the reconciler begin converging the datapath.
func (p *AccessFlowProgrammer) ConfigUpdated() {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("config").Inc()
	if p.enableSync != nil {
		p.syncOnce.Do(p.enableSync)
	}
}

// PacketDropLogConfigUpdated queues reprogramming of the drop-log entry
// table.
func (p *AccessFlowProgrammer) PacketDropLogConfigUpdated(uri string) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("droplogconfig").Inc()
	p.queue.Dispatch("droplog-config", func() { p.handleDropLogConfigUpdate(uri) })
}

// PacketDropFlowConfigUpdated queues reprogramming of one drop-log
// filter.
func (p *AccessFlowProgrammer) PacketDropFlowConfigUpdated(uri string) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("dropflowconfig").Inc()
	p.queue.Dispatch("dropflow:"+uri, func() { p.handleDropFlowConfigUpdate(uri) })
}

// LBIfaceUpdated re-drives endpoints trunked by a learning-bridge
// interface.
func (p *AccessFlowProgrammer) LBIfaceUpdated(uuid string) {
	if p.stopping.Load() {
		return
	}
	metrics.EventCount.WithLabelValues("lbiface").Inc()
	p.queue.Dispatch("lbiface:"+uuid, func() { p.handleLBIfaceUpdate(uuid) })
}

// RdConfigUpdated exists to satisfy the policy listener contract; the
// access bridge has no routing-domain state.
func (p *AccessFlowProgrammer) RdConfigUpdated(uri string) {
}

// SetDropLog configures the drop-log mirror port and tunnel
// destination. IPv6 destinations are rejected and leave the prior
// configuration untouched.
func (p *AccessFlowProgrammer) SetDropLog(dropLogPort, remoteIP string, remotePort uint16) {
	p.dropLogMu.Lock()
	defer p.dropLogMu.Unlock()
	tunDst := net.ParseIP(remoteIP)
	switch {
	case tunDst == nil:
		klog.ErrorS(nil, "Invalid drop-log tunnel destination IP", "ip", remoteIP)
	case tunDst.To4() == nil:
		klog.ErrorS(nil, "IPv6 drop-log tunnel destinations are not supported", "ip", remoteIP)
	default:
		p.dropLogIface = dropLogPort
		p.dropLogDst = tunDst.To4()
		p.dropLogRemotePort = remotePort
		klog.InfoS("Drop-log port configured", "port", dropLogPort,
			"tunnelDestination", remoteIP, "remotePort", remotePort)
	}
}

// Cleanup garbage-collects identifier namespaces against the
// authoritative stores.
func (p *AccessFlowProgrammer) Cleanup() {
	p.ids.CollectGarbage(idNamespaceSecGroup, func(_, uri string) bool {
		return p.policies.SecGroupExists(uri)
	})
	p.ids.CollectGarbage(idNamespaceSecGroupSet, func(_, key string) bool {
		groups := types.SplitSecGrpSetKey(key)
		if len(groups) == 0 {
			// The reserved empty set stays allocated for the process
			// lifetime.
			return true
		}
		return !p.endpoints.SecGrpSetEmpty(groups)
	})
}

func (p *AccessFlowProgrammer) handleSecGrpUpdate(uri string) {
	for _, groups := range p.endpoints.GetSecGrpSetsForSecGrp(uri) {
		p.SecGroupSetUpdated(groups)
	}
}

func (p *AccessFlowProgrammer) handlePortStatusUpdate(name string, portNo uint32) {
	klog.V(2).InfoS("Port-status update", "interface", name, "port", portNo)
	eps := p.endpoints.GetEndpointsByAccessIface(name)
	eps = eps.Union(p.endpoints.GetEndpointsByAccessUplink(name))
	for _, uuid := range eps.UnsortedList() {
		p.EndpointUpdated(uuid)
	}
	p.dropLogMu.Lock()
	isDropLogIface := name == p.dropLogIface
	p.dropLogMu.Unlock()
	if isDropLogIface {
		p.updateDropLogCatchFlows()
	}
}

func (p *AccessFlowProgrammer) handleLBIfaceUpdate(uuid string) {
	if p.lbIfaces == nil {
		return
	}
	klog.V(2).InfoS("Updating learning bridge interface", "uuid", uuid)
	iface := p.lbIfaces.GetLBIface(uuid)
	if iface == nil || iface.InterfaceName == "" {
		return
	}
	for _, epUUID := range p.endpoints.GetEndpointsByIface(iface.InterfaceName).UnsortedList() {
		p.EndpointUpdated(epUUID)
	}
}

// systemSecGroupToken returns the URI substring identifying system
// security groups. A four-part domain path contributes a controller
// token so the name becomes e.g. "SG010197146194_SystemSecurityGroup".
func systemSecGroupToken(domain string) string {
	const base = "_SystemSecurityGroup"
	parts := strings.Split(domain, "/")
	if len(parts) == 4 {
		ctrlrParts := strings.Split(parts[2], "-")
		if len(ctrlrParts) == 3 {
			return ctrlrParts[2] + base
		}
	}
	return base
}

func (p *AccessFlowProgrammer) isSystemSecGroup(uri string) bool {
	return strings.Contains(uri, systemSecGroupToken(p.cfg.Domain))
}

// trunkVlanMasks collects the mask cover of every VLAN range trunked by
// learning-bridge interfaces over the endpoint's interface.
func (p *AccessFlowProgrammer) trunkVlanMasks(ep *types.Endpoint) []binding.Mask {
	if p.lbIfaces == nil || ep.InterfaceName == "" {
		return nil
	}
	var masks []binding.Mask
	for _, lbiUUID := range sets.List(p.lbIfaces.GetLBIfacesByIface(ep.InterfaceName)) {
		iface := p.lbIfaces.GetLBIface(lbiUUID)
		if iface == nil {
			continue
		}
		for _, rng := range iface.TrunkVlans {
			lo, hi := rng[0], rng[1]
			masks = append(masks, binding.PortRangeMasks(&lo, &hi)...)
		}
	}
	return masks
}
