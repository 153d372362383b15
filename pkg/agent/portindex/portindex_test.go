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

package portindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

type recordingListener struct {
	updates []struct {
		name string
		port uint32
	}
}

func (l *recordingListener) PortStatusUpdate(name string, portNo uint32) {
	l.updates = append(l.updates, struct {
		name string
		port uint32
	}{name, portNo})
}

func TestFindUnknown(t *testing.T) {
	idx := New()
	assert.Equal(t, binding.PortNone, idx.Find("veth0"))
}

func TestSetAndFind(t *testing.T) {
	idx := New()
	idx.Set("veth0", 5)
	assert.Equal(t, uint32(5), idx.Find("veth0"))
}

func TestListenerNotifications(t *testing.T) {
	idx := New()
	l := &recordingListener{}
	idx.RegisterListener(l)

	idx.Set("veth0", 5)
	idx.Set("veth0", 5) // unchanged, no notification
	idx.Set("veth0", 6)
	idx.Delete("veth0")
	idx.Delete("veth0") // already gone, no notification

	require.Len(t, l.updates, 3)
	assert.Equal(t, "veth0", l.updates[0].name)
	assert.Equal(t, uint32(5), l.updates[0].port)
	assert.Equal(t, uint32(6), l.updates[1].port)
	assert.Equal(t, binding.PortNone, l.updates[2].port)
}

func TestRename(t *testing.T) {
	idx := New()
	l := &recordingListener{}
	idx.Set("veth0", 5)
	idx.RegisterListener(l)

	idx.Rename("veth0", "veth1")
	assert.Equal(t, binding.PortNone, idx.Find("veth0"))
	assert.Equal(t, uint32(5), idx.Find("veth1"))

	require.Len(t, l.updates, 2)
	assert.Equal(t, "veth0", l.updates[0].name)
	assert.Equal(t, binding.PortNone, l.updates[0].port)
	assert.Equal(t, "veth1", l.updates[1].name)
	assert.Equal(t, uint32(5), l.updates[1].port)

	idx.Rename("missing", "other")
	assert.Len(t, l.updates, 2)
}
