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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
endpointSourceDir: /var/lib/accessflow/endpoints
connTrack: true
domain: comp/prov-VMware/ctrlr-vmm-dom-SG1/sw-dvs
workers: 8
dropLog:
  interface: droplog0
  remoteIP: 10.20.0.1
  remotePort: 6081
metricsBindAddress: :10351
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/accessflow/endpoints", cfg.EndpointSourceDir)
	assert.True(t, cfg.ConnTrack)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "droplog0", cfg.DropLog.Interface)
	assert.Equal(t, uint16(6081), cfg.DropLog.RemotePort)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
endpointSourceDir: /tmp/eps
unknownKnob: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		cfg     AgentConfig
		wantErr bool
	}{
		"minimal": {
			cfg: AgentConfig{EndpointSourceDir: "/tmp/eps"},
		},
		"missing endpoint dir": {
			cfg:     AgentConfig{},
			wantErr: true,
		},
		"negative workers": {
			cfg:     AgentConfig{EndpointSourceDir: "/tmp/eps", Workers: -1},
			wantErr: true,
		},
		"invalid drop log ip": {
			cfg: AgentConfig{
				EndpointSourceDir: "/tmp/eps",
				DropLog:           DropLogConfig{Interface: "d0", RemoteIP: "nope"},
			},
			wantErr: true,
		},
		"ipv6 drop log ip": {
			cfg: AgentConfig{
				EndpointSourceDir: "/tmp/eps",
				DropLog:           DropLogConfig{Interface: "d0", RemoteIP: "fd00::1"},
			},
			wantErr: true,
		},
		"drop log ip without interface": {
			cfg: AgentConfig{
				EndpointSourceDir: "/tmp/eps",
				DropLog:           DropLogConfig{RemoteIP: "10.0.0.1"},
			},
			wantErr: true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
