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

package ctzone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetZoneStablePerUUID(t *testing.T) {
	a := New(0, 0)
	z1, err := a.GetZone("ep-1")
	require.NoError(t, err)
	z2, err := a.GetZone("ep-1")
	require.NoError(t, err)
	assert.Equal(t, z1, z2)

	z3, err := a.GetZone("ep-2")
	require.NoError(t, err)
	assert.NotEqual(t, z1, z3)
}

func TestZoneZeroNeverAllocated(t *testing.T) {
	a := New(0, 0)
	z, err := a.GetZone("ep-1")
	require.NoError(t, err)
	assert.NotZero(t, z)
}

func TestReleaseReturnsZone(t *testing.T) {
	a := New(1, 2)
	z1, err := a.GetZone("ep-1")
	require.NoError(t, err)
	_, err = a.GetZone("ep-2")
	require.NoError(t, err)

	_, err = a.GetZone("ep-3")
	require.Error(t, err)

	a.Release("ep-1")
	z3, err := a.GetZone("ep-3")
	require.NoError(t, err)
	assert.Equal(t, z1, z3)
}

func TestReleaseUnknownUUIDNoop(t *testing.T) {
	a := New(1, 2)
	a.Release("never-seen")
	_, err := a.GetZone("ep-1")
	assert.NoError(t, err)
}
