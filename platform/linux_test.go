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

//go:build linux

package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatCPUField(t *testing.T) {
	fields := make([]string, 0, 52)
	fields = append(fields, "S") // field 3: state
	for i := 4; i <= 52; i++ {
		if i == statCPUFieldIndex {
			fields = append(fields, "7")
		} else {
			fields = append(fields, "0")
		}
	}
	line := "1234 (my weird proc name) " + strings.Join(fields, " ")
	cpu, err := ParseStatCPUField(line, statCPUFieldIndex)
	require.NoError(t, err)
	assert.Equal(t, 7, cpu)
}

func TestParseStatCPUFieldMalformed(t *testing.T) {
	_, err := ParseStatCPUField("no closing paren here", statCPUFieldIndex)
	assert.Error(t, err)
}
