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

package control

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req := ParseRequest("NEWTASK -1,123/456\r\n")
	assert.Equal(t, "newtask", req.Command)
	assert.Equal(t, "-1,123/456", req.Args)

	req = ParseRequest("quit")
	assert.Equal(t, "quit", req.Command)
	assert.Equal(t, "", req.Args)
}

func TestParseNewTaskArgs(t *testing.T) {
	cpu, pid, tid, err := ParseNewTaskArgs("-1,123/456")
	require.NoError(t, err)
	assert.Equal(t, -1, cpu)
	assert.Equal(t, 123, pid)
	assert.Equal(t, 456, tid)

	_, _, _, err = ParseNewTaskArgs("garbage")
	assert.Error(t, err)

	_, _, _, err = ParseNewTaskArgs("1,nope/456")
	assert.Error(t, err)
}

func TestResponseRenderRoundTrip(t *testing.T) {
	resp := Response{Code: 200, Lines: []string{"MODE=THREAD", "INDEX=0", "CPU=2", "OK"}}
	wire := resp.Render()

	sc := bufio.NewScanner(strings.NewReader(string(wire)))
	var got []struct {
		code      int
		continues bool
		msg       string
	}
	for sc.Scan() {
		code, continues, msg, err := ParseResponseLine(sc.Text())
		require.NoError(t, err)
		got = append(got, struct {
			code      int
			continues bool
			msg       string
		}{code, continues, msg})
	}
	require.Len(t, got, 4)
	for _, g := range got {
		assert.Equal(t, 200, g.code)
	}
	assert.True(t, got[0].continues)
	assert.True(t, got[1].continues)
	assert.True(t, got[2].continues)
	assert.False(t, got[3].continues)
	assert.Equal(t, "OK", got[3].msg)
}

func TestSimpleResponse(t *testing.T) {
	resp := Simple(500, "Invalid command.")
	assert.Equal(t, "500 Invalid command.\r\n", string(resp.Render()))
}

func TestReadLineCollapsesContinuation(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("one\\\ntwo\nthree\n"))
	line, ok := readLine(sc)
	require.True(t, ok)
	assert.Equal(t, "onetwo", line)

	line, ok = readLine(sc)
	require.True(t, ok)
	assert.Equal(t, "three", line)

	_, ok = readLine(sc)
	assert.False(t, ok)
}

func TestReadLineTrimsCR(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("quit\r\n"))
	line, ok := readLine(sc)
	require.True(t, ok)
	assert.Equal(t, "quit", line)
}
