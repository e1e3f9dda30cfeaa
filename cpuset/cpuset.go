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

// Package cpuset parses and manipulates sets of cpu numbers: the standard
// cpu-list notation used by sysfs ("0,2-5,8"), the little-endian nibble hex
// masks used by /proc/<pid>/status and /proc/timer_list, and the named
// subset lists read from CPU_SUBSET / /etc/cpu_subsets.
package cpuset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Set is an immutable-by-convention set of cpu numbers. The zero value is
// the empty set.
type Set struct {
	bits map[int]struct{}
}

// New returns a Set containing the given cpus.
func New(cpus ...int) Set {
	s := Set{bits: make(map[int]struct{}, len(cpus))}
	for _, c := range cpus {
		s.bits[c] = struct{}{}
	}
	return s
}

// Has reports whether cpu is a member of s.
func (s Set) Has(cpu int) bool {
	if s.bits == nil {
		return false
	}
	_, ok := s.bits[cpu]
	return ok
}

// Len returns the cardinality of s.
func (s Set) Len() int {
	return len(s.bits)
}

// Slice returns the sorted cpu numbers in s.
func (s Set) Slice() []int {
	out := make([]int, 0, len(s.bits))
	for c := range s.bits {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// With returns a new Set with cpu added.
func (s Set) With(cpu int) Set {
	out := s.clone()
	out.bits[cpu] = struct{}{}
	return out
}

func (s Set) clone() Set {
	out := Set{bits: make(map[int]struct{}, len(s.bits))}
	for c := range s.bits {
		out.bits[c] = struct{}{}
	}
	return out
}

// Union returns a ∪ b.
func Union(a, b Set) Set {
	out := a.clone()
	for c := range b.bits {
		out.bits[c] = struct{}{}
	}
	return out
}

// Intersect returns a ∩ b.
func Intersect(a, b Set) Set {
	out := Set{bits: make(map[int]struct{})}
	for c := range a.bits {
		if b.Has(c) {
			out.bits[c] = struct{}{}
		}
	}
	return out
}

// Difference returns a \ b.
func Difference(a, b Set) Set {
	out := Set{bits: make(map[int]struct{})}
	for c := range a.bits {
		if !b.Has(c) {
			out.bits[c] = struct{}{}
		}
	}
	return out
}

// Intersects reports whether a and b share at least one cpu.
func Intersects(a, b Set) bool {
	small, big := a, b
	if len(big.bits) < len(small.bits) {
		small, big = big, small
	}
	for c := range small.bits {
		if big.Has(c) {
			return true
		}
	}
	return false
}

// Equal reports whether a and b contain exactly the same cpus.
func Equal(a, b Set) bool {
	if len(a.bits) != len(b.bits) {
		return false
	}
	for c := range a.bits {
		if !b.Has(c) {
			return false
		}
	}
	return true
}

// String renders s using the same "0,2-5,8" notation accepted by Parse.
func (s Set) String() string {
	cpus := s.Slice()
	if len(cpus) == 0 {
		return ""
	}
	var b strings.Builder
	start := cpus[0]
	prev := cpus[0]
	flush := func(end int) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d-%d", start, end)
		}
	}
	for _, c := range cpus[1:] {
		if c == prev+1 {
			prev = c
			continue
		}
		flush(prev)
		start, prev = c, c
	}
	flush(prev)
	return b.String()
}

// Parse parses a cpu-list string such as "0,2-5,8" into a Set. Whitespace
// around commas and ranges is tolerated. An empty string yields the empty
// set.
func Parse(s string) (Set, error) {
	out := Set{bits: make(map[int]struct{})}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(field, "-"); ok {
			a, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return Set{}, fmt.Errorf("cpuset: invalid range %q: %w", field, err)
			}
			b, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return Set{}, fmt.Errorf("cpuset: invalid range %q: %w", field, err)
			}
			if b < a {
				return Set{}, fmt.Errorf("cpuset: invalid range %q: end before start", field)
			}
			for c := a; c <= b; c++ {
				out.bits[c] = struct{}{}
			}
			continue
		}
		c, err := strconv.Atoi(field)
		if err != nil {
			return Set{}, fmt.Errorf("cpuset: invalid cpu %q: %w", field, err)
		}
		out.bits[c] = struct{}{}
	}
	return out, nil
}

// ParseHexMask parses a cpu affinity mask as printed by the kernel in
// /proc/<pid>/status ("Cpus_allowed:") and /proc/timer_list ("Broadcast
// device" masks): a little-endian sequence of 32-bit hex words joined by
// commas, most-significant word first, each word's nibbles read
// least-significant-bit-first within the word.
func ParseHexMask(s string) (Set, error) {
	out := Set{bits: make(map[int]struct{})}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	words := strings.Split(s, ",")
	// words[0] is the most-significant 32-bit word; cpu 0 lives in the
	// least-significant bit of the last word.
	base := 0
	for i := len(words) - 1; i >= 0; i-- {
		word := strings.TrimSpace(words[i])
		if word == "" {
			continue
		}
		if err := parseHexWord(word, base, out.bits); err != nil {
			return Set{}, err
		}
		base += 32
	}
	return out, nil
}

// parseHexWord decodes one 32-bit hex word, nibble by nibble, each nibble
// contributing 4 consecutive cpu bits starting at base+4*nibbleIndex.
func parseHexWord(word string, base int, bits map[int]struct{}) error {
	word = strings.TrimPrefix(word, "0x")
	// nibbles are read left-to-right in the string but the rightmost
	// nibble is the least-significant (covers cpus [base, base+3]).
	n := len(word)
	for i := 0; i < n; i++ {
		ch := word[n-1-i]
		v, err := strconv.ParseUint(string(ch), 16, 8)
		if err != nil {
			return fmt.Errorf("cpuset: invalid hex mask %q: %w", word, err)
		}
		for b := 0; b < 4; b++ {
			if v&(1<<uint(b)) != 0 {
				bits[base+4*i+b] = struct{}{}
			}
		}
	}
	return nil
}
