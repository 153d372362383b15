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

// Package policystore provides a thread-safe in-memory policy
// inventory fed by the external model layer. Mutations notify a
// registered listener so the flow programmer can recompile.
package policystore

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/noironetworks/accessflow/pkg/agent/types"
)

// Listener receives policy change notifications.
type Listener interface {
	SecGroupUpdated(uri string)
	PacketDropLogConfigUpdated(uri string)
	PacketDropFlowConfigUpdated(uri string)
}

// Store implements types.PolicyStore.
type Store struct {
	mu        sync.RWMutex
	secGroups map[string][]*types.PolicyRule
	dropLogs  map[string]*types.DropLogConfig
	dropFlows map[string]*types.DropFlowConfig
	listener  Listener
}

// New returns an empty Store notifying listener. listener may be nil.
func New(listener Listener) *Store {
	return &Store{
		secGroups: make(map[string][]*types.PolicyRule),
		dropLogs:  make(map[string]*types.DropLogConfig),
		dropFlows: make(map[string]*types.DropFlowConfig),
		listener:  listener,
	}
}

// SetSecGroup declares or replaces a security group's ordered rules.
func (s *Store) SetSecGroup(uri string, rules []*types.PolicyRule) {
	s.mu.Lock()
	s.secGroups[uri] = rules
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.SecGroupUpdated(uri)
	}
}

// DeleteSecGroup withdraws a security group.
func (s *Store) DeleteSecGroup(uri string) {
	s.mu.Lock()
	delete(s.secGroups, uri)
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.SecGroupUpdated(uri)
	}
}

// GetSecGroupRules implements types.PolicyStore.
func (s *Store) GetSecGroupRules(uri string) []*types.PolicyRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secGroups[uri]
}

// SecGroupExists implements types.PolicyStore.
func (s *Store) SecGroupExists(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.secGroups[uri]
	return ok
}

// SetDropLogConfig declares or replaces a drop-log configuration.
func (s *Store) SetDropLogConfig(uri string, cfg *types.DropLogConfig) {
	s.mu.Lock()
	if cfg == nil {
		delete(s.dropLogs, uri)
	} else {
		s.dropLogs[uri] = cfg
	}
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.PacketDropLogConfigUpdated(uri)
	}
}

// GetDropLogConfig implements types.PolicyStore.
func (s *Store) GetDropLogConfig(uri string) *types.DropLogConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropLogs[uri]
}

// SetDropFlowConfig declares or replaces a drop-log filter.
func (s *Store) SetDropFlowConfig(uri string, cfg *types.DropFlowConfig) {
	s.mu.Lock()
	if cfg == nil {
		delete(s.dropFlows, uri)
	} else {
		s.dropFlows[uri] = cfg
	}
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.PacketDropFlowConfigUpdated(uri)
	}
}

// GetDropFlowConfig implements types.PolicyStore.
func (s *Store) GetDropFlowConfig(uri string) *types.DropFlowConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropFlows[uri]
}

// LBStore is a thread-safe learning-bridge interface inventory
// implementing types.LearningBridgeStore.
type LBStore struct {
	mu     sync.RWMutex
	byUUID map[string]*types.LBIface
}

// NewLBStore returns an empty LBStore.
func NewLBStore() *LBStore {
	return &LBStore{byUUID: make(map[string]*types.LBIface)}
}

// SetLBIface declares or replaces a learning-bridge interface.
func (s *LBStore) SetLBIface(iface *types.LBIface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUUID[iface.UUID] = iface
}

// DeleteLBIface withdraws a learning-bridge interface.
func (s *LBStore) DeleteLBIface(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUUID, uuid)
}

// GetLBIface implements types.LearningBridgeStore.
func (s *LBStore) GetLBIface(uuid string) *types.LBIface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUUID[uuid]
}

// GetLBIfacesByIface implements types.LearningBridgeStore.
func (s *LBStore) GetLBIfacesByIface(name string) sets.Set[string] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := sets.New[string]()
	for uuid, iface := range s.byUUID {
		if iface.InterfaceName == name {
			result.Insert(uuid)
		}
	}
	return result
}
