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

// Package config loads and validates the agent configuration.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v2"
)

// DropLogConfig configures the drop-log mirror tunnel.
type DropLogConfig struct {
	// Interface is the switch port packets marked for capture are
	// mirrored out of.
	Interface string `yaml:"interface,omitempty"`
	// RemoteIP is the IPv4 tunnel destination of mirrored packets.
	RemoteIP string `yaml:"remoteIP,omitempty"`
	// RemotePort is the encapsulation destination port.
	RemotePort uint16 `yaml:"remotePort,omitempty"`
}

// AgentConfig is the top-level configuration of the access-bridge flow
// programmer agent.
type AgentConfig struct {
	// EndpointSourceDir is the directory of endpoint declaration
	// files.
	EndpointSourceDir string `yaml:"endpointSourceDir,omitempty"`
	// ConnTrack enables per-endpoint connection-tracking zones.
	ConnTrack bool `yaml:"connTrack,omitempty"`
	// AddL34FlowsWithoutSubnet programs L3/L4 matches for rules with
	// no remote subnet.
	AddL34FlowsWithoutSubnet bool `yaml:"addL34FlowsWithoutSubnet,omitempty"`
	// Domain is the agent's OpFlex domain path.
	Domain string `yaml:"domain,omitempty"`
	// Workers sizes the event handler pool.
	Workers int `yaml:"workers,omitempty"`
	// DropLog configures the drop-log mirror tunnel.
	DropLog DropLogConfig `yaml:"dropLog,omitempty"`
	// MetricsBindAddress serves Prometheus metrics when non-empty.
	MetricsBindAddress string `yaml:"metricsBindAddress,omitempty"`
}

// Load reads and validates an AgentConfig from a YAML file.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg AgentConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks field consistency.
func (c *AgentConfig) Validate() error {
	if c.EndpointSourceDir == "" {
		return fmt.Errorf("endpointSourceDir is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.DropLog.RemoteIP != "" {
		ip := net.ParseIP(c.DropLog.RemoteIP)
		if ip == nil {
			return fmt.Errorf("dropLog.remoteIP %q is not a valid IP", c.DropLog.RemoteIP)
		}
		if ip.To4() == nil {
			return fmt.Errorf("dropLog.remoteIP %q: IPv6 destinations are not supported", c.DropLog.RemoteIP)
		}
		if c.DropLog.Interface == "" {
			return fmt.Errorf("dropLog.interface is required when dropLog.remoteIP is set")
		}
	}
	return nil
}
