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
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseSubsetFile parses the "/etc/cpu_subsets" format: one subset per
// line, "<id>: <cpulist>", blank lines and "#" comments ignored. It returns
// the cpu list belonging to id.
func ParseSubsetFile(r io.Reader, id string) (Set, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if h := strings.IndexByte(line, '#'); h >= 0 {
			line = line[:h]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, list, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) != id {
			continue
		}
		return Parse(list)
	}
	if err := sc.Err(); err != nil {
		return Set{}, err
	}
	return Set{}, fmt.Errorf("cpuset: subset %q not found", id)
}
