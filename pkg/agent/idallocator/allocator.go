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

// Package idallocator assigns stable, small integer identifiers to
// opaque string keys, partitioned by namespace. IDs are reused FIFO
// after garbage collection releases them.
package idallocator

import (
	"sync"

	"k8s.io/klog/v2"
)

// LivenessFunc reports whether the entity behind the given key still
// exists in its authoritative store.
type LivenessFunc func(namespace, key string) bool

type namespace struct {
	ids map[string]uint32
	// lastAllocatedID is the highest ID handed out; IDs above it are
	// available, IDs at or below it only if released.
	lastAllocatedID uint32
	availableSet    map[uint32]struct{}
	availableSlice  []uint32
}

func (n *namespace) allocate() uint32 {
	if len(n.availableSlice) > 0 {
		id := n.availableSlice[0]
		n.availableSlice = n.availableSlice[1:]
		delete(n.availableSet, id)
		return id
	}
	n.lastAllocatedID++
	return n.lastAllocatedID
}

func (n *namespace) release(id uint32) {
	if _, ok := n.availableSet[id]; ok {
		return
	}
	n.availableSet[id] = struct{}{}
	n.availableSlice = append(n.availableSlice, id)
}

// Allocator allocates uint32 IDs per namespace. It is thread-safe.
type Allocator struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
}

// New returns an empty Allocator.
func New() *Allocator {
	return &Allocator{namespaces: make(map[string]*namespace)}
}

// InitNamespace prepares a namespace for allocation. Initializing an
// existing namespace is a no-op.
func (a *Allocator) InitNamespace(ns string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getNamespace(ns)
}

func (a *Allocator) getNamespace(ns string) *namespace {
	n, ok := a.namespaces[ns]
	if !ok {
		n = &namespace{
			ids:          make(map[string]uint32),
			availableSet: make(map[uint32]struct{}),
		}
		a.namespaces[ns] = n
	}
	return n
}

// GetID returns the ID bound to key in the namespace, allocating one on
// first use. IDs start at 1 and are stable until collected.
func (a *Allocator) GetID(ns, key string) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.getNamespace(ns)
	if id, ok := n.ids[key]; ok {
		return id
	}
	id := n.allocate()
	n.ids[key] = id
	klog.V(4).InfoS("Allocated ID", "namespace", ns, "key", key, "id", id)
	return id
}

// Lookup returns the ID bound to key without allocating.
func (a *Allocator) Lookup(ns, key string) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.namespaces[ns]
	if !ok {
		return 0, false
	}
	id, ok := n.ids[key]
	return id, ok
}

// CollectGarbage releases every ID in the namespace whose key the
// liveness callback reports gone.
func (a *Allocator) CollectGarbage(ns string, alive LivenessFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.namespaces[ns]
	if !ok {
		return
	}
	for key, id := range n.ids {
		if alive(ns, key) {
			continue
		}
		delete(n.ids, key)
		n.release(id)
		klog.V(2).InfoS("Collected ID", "namespace", ns, "key", key, "id", id)
	}
}

// Keys returns a snapshot of the keys currently bound in the namespace.
func (a *Allocator) Keys(ns string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.namespaces[ns]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(n.ids))
	for key := range n.ids {
		keys = append(keys, key)
	}
	return keys
}
