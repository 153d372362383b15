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

// Package ctzone assigns connection-tracking zones to endpoints so
// conntrack state from different endpoints does not collide.
package ctzone

import (
	"fmt"
	"sync"
)

const (
	// MinZone is the first allocatable zone. Zone 0 is the default
	// zone of the datapath and is never handed out.
	MinZone uint16 = 1
	// MaxZone is the last allocatable zone. 65535 is reserved.
	MaxZone uint16 = 65534
)

// Allocator hands out one 16-bit conntrack zone per endpoint UUID. A
// UUID keeps its zone until Release. It is thread-safe.
type Allocator struct {
	mu    sync.Mutex
	min   uint16
	max   uint16
	zones map[string]uint16
	next  uint16
	free  []uint16
}

// New returns an Allocator over [min, max].
func New(min, max uint16) *Allocator {
	if min == 0 {
		min = MinZone
	}
	if max == 0 || max > MaxZone {
		max = MaxZone
	}
	return &Allocator{
		min:   min,
		max:   max,
		zones: make(map[string]uint16),
		next:  min,
	}
}

// GetZone returns the zone bound to uuid, allocating one on first use.
func (a *Allocator) GetZone(uuid string) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if zone, ok := a.zones[uuid]; ok {
		return zone, nil
	}
	var zone uint16
	switch {
	case len(a.free) > 0:
		zone = a.free[0]
		a.free = a.free[1:]
	case a.next <= a.max:
		zone = a.next
		a.next++
	default:
		return 0, fmt.Errorf("connection-tracking zone range [%d, %d] exhausted", a.min, a.max)
	}
	a.zones[uuid] = zone
	return zone, nil
}

// Release returns the uuid's zone to the pool. Releasing an unknown
// uuid is a no-op.
func (a *Allocator) Release(uuid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	zone, ok := a.zones[uuid]
	if !ok {
		return
	}
	delete(a.zones, uuid)
	a.free = append(a.free, zone)
}
