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

package cookie

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCookieSegments(t *testing.T) {
	a := NewAllocator(5)
	id := a.RequestWithObjectID(PolicyRule, 42)
	assert.Equal(t, uint64(5), id.Round())
	assert.Equal(t, PolicyRule, id.Category())
	assert.Equal(t, uint32(42), id.ObjectID())
}

func TestCookieCategoriesDistinct(t *testing.T) {
	a := NewAllocator(1)
	assert.NotEqual(t, a.Request(TableDrop).Raw(), a.Request(DNSResponse).Raw())
	assert.NotEqual(t, a.Request(Default).Raw(), a.Request(TableDrop).Raw())
}

func TestCookieMaskForRound(t *testing.T) {
	cookie, mask := CookieMaskForRound(7)
	a := NewAllocator(7)
	id := a.RequestWithObjectID(PolicyRule, 99)
	assert.Equal(t, cookie, id.Raw()&mask)
}

func TestCookieStrings(t *testing.T) {
	a := NewAllocator(1)
	assert.Contains(t, a.Request(DNSResponse).String(), "DNSResponse")
	assert.Equal(t, "Invalid", Category(200).String())
}
