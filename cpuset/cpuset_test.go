// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cpuset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	s, err := Parse("0,2-5,8")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 4, 5, 8}, s.Slice())
	assert.Equal(t, "0,2-5,8", s.String())
}

func TestParseEmpty(t *testing.T) {
	s, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, "", s.String())
}

func TestParseInvalidRange(t *testing.T) {
	_, err := Parse("5-2")
	assert.Error(t, err)
}

func TestSetAlgebra(t *testing.T) {
	a := New(1, 2, 3)
	b := New(2, 3, 4)
	assert.Equal(t, New(1, 2, 3, 4), Union(a, b))
	assert.Equal(t, New(2, 3), Intersect(a, b))
	assert.Equal(t, New(1), Difference(a, b))
	assert.True(t, Intersects(a, b))
	assert.False(t, Intersects(New(1), New(2)))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(New(1, 2), New(2, 1)))
	assert.False(t, Equal(New(1, 2), New(1, 2, 3)))
}

func TestParseHexMaskSingleWord(t *testing.T) {
	// cpu 0 and cpu 3 set: 0b1001 = 0x9
	s, err := ParseHexMask("00000009")
	require.NoError(t, err)
	assert.Equal(t, New(0, 3), s)
}

func TestParseHexMaskMultiWord(t *testing.T) {
	// two 32-bit words, comma separated, most significant first.
	// low word 0x1 -> cpu 0; high word 0x1 -> cpu 32.
	s, err := ParseHexMask("00000001,00000001")
	require.NoError(t, err)
	assert.Equal(t, New(0, 32), s)
}

func TestParseSubsetFile(t *testing.T) {
	data := `
# comment
lo: 1-4
hi: 5-8,10
`
	s, err := ParseSubsetFile(strings.NewReader(data), "lo")
	require.NoError(t, err)
	assert.Equal(t, New(1, 2, 3, 4), s)

	_, err = ParseSubsetFile(strings.NewReader(data), "missing")
	assert.Error(t, err)
}

func TestWith(t *testing.T) {
	a := New(1)
	b := a.With(2)
	assert.Equal(t, New(1), a)
	assert.Equal(t, New(1, 2), b)
}
