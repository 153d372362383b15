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

// Package metrics holds the agent's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventCount counts processed policy/endpoint/config events by type.
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessflow",
			Subsystem: "agent",
			Name:      "event_count",
			Help:      "Number of events processed by the access-bridge flow programmer.",
		},
		[]string{"type"},
	)

	// FlowWriteCount counts flow-set writes handed to the reconciler,
	// by pipeline table.
	FlowWriteCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessflow",
			Subsystem: "agent",
			Name:      "flow_write_count",
			Help:      "Number of flow-set writes per pipeline table.",
		},
		[]string{"table"},
	)

	registerOnce sync.Once
)

// Register installs the agent metrics into the given registry, or the
// default registry when nil. Safe to call more than once.
func Register(registry *prometheus.Registry) {
	registerOnce.Do(func() {
		if registry != nil {
			registry.MustRegister(EventCount, FlowWriteCount)
			return
		}
		prometheus.MustRegister(EventCount, FlowWriteCount)
	})
}
