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

// Package portindex maps switch interface names to OpenFlow port
// numbers and notifies listeners of changes.
package portindex

import (
	"sync"

	"k8s.io/klog/v2"

	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

// Listener is notified whenever a port mapping appears, changes, or
// goes away. On removal portNo is binding.PortNone.
type Listener interface {
	PortStatusUpdate(name string, portNo uint32)
}

// Index is a thread-safe interface-name to OpenFlow-port mapping.
type Index struct {
	mu        sync.RWMutex
	ports     map[string]uint32
	listeners []Listener
}

// New returns an empty Index.
func New() *Index {
	return &Index{ports: make(map[string]uint32)}
}

// RegisterListener adds a port-status listener. Listeners are invoked
// synchronously from the updating goroutine and must not block.
func (i *Index) RegisterListener(l Listener) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners = append(i.listeners, l)
}

// Find resolves an interface name to its port number, returning
// binding.PortNone when the name is unknown.
func (i *Index) Find(name string) uint32 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if port, ok := i.ports[name]; ok {
		return port
	}
	return binding.PortNone
}

// Set binds name to portNo and notifies listeners if the binding
// changed.
func (i *Index) Set(name string, portNo uint32) {
	i.mu.Lock()
	if old, ok := i.ports[name]; ok && old == portNo {
		i.mu.Unlock()
		return
	}
	i.ports[name] = portNo
	listeners := append([]Listener(nil), i.listeners...)
	i.mu.Unlock()

	klog.V(2).InfoS("Port mapping updated", "interface", name, "port", portNo)
	for _, l := range listeners {
		l.PortStatusUpdate(name, portNo)
	}
}

// Delete removes the binding for name and notifies listeners.
func (i *Index) Delete(name string) {
	i.mu.Lock()
	if _, ok := i.ports[name]; !ok {
		i.mu.Unlock()
		return
	}
	delete(i.ports, name)
	listeners := append([]Listener(nil), i.listeners...)
	i.mu.Unlock()

	klog.V(2).InfoS("Port mapping removed", "interface", name)
	for _, l := range listeners {
		l.PortStatusUpdate(name, binding.PortNone)
	}
}

// Rename moves a binding from oldName to newName, notifying listeners
// of both the removal and the addition.
func (i *Index) Rename(oldName, newName string) {
	i.mu.Lock()
	port, ok := i.ports[oldName]
	if !ok {
		i.mu.Unlock()
		return
	}
	delete(i.ports, oldName)
	i.ports[newName] = port
	listeners := append([]Listener(nil), i.listeners...)
	i.mu.Unlock()

	klog.V(2).InfoS("Port mapping renamed", "from", oldName, "to", newName, "port", port)
	for _, l := range listeners {
		l.PortStatusUpdate(oldName, binding.PortNone)
		l.PortStatusUpdate(newName, port)
	}
}
