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

package manager

import (
	"fmt"
	"sync"

	"github.com/cloudwego/gopkg/unsafex/malloc"
)

// arenaBlockSize matches ring.AreaSize: one block of capacity-accounting
// backs exactly one worker's pair of Rings.
const arenaBlockSize = 4096

// Arena tracks how much of a fixed-capacity mapped region each worker
// slot's pair of Rings would occupy. isold's own Ring keeps its actual
// storage on the Go heap (there is no cross-process shared memory to
// manage in this port — see ring.New's doc comment), so Arena exists
// purely as the admission-control ledger a real mapped-region daemon
// would need, exercised by the teacher's own bitmap allocator rather
// than a hand-rolled counter.
type Arena struct {
	mu     sync.Mutex
	alloc  *malloc.BitmapAllocator
	blocks map[int][]byte
}

// NewArena sizes the backing region for up to maxSlots worker reservations.
func NewArena(maxSlots int) (*Arena, error) {
	if maxSlots < 1 {
		maxSlots = 1
	}
	backing := make([]byte, maxSlots*arenaBlockSize*2)
	alloc, err := malloc.NewBitmapAllocatorWithBlockSize(backing, arenaBlockSize, arenaBlockSize*2)
	if err != nil {
		return nil, fmt.Errorf("manager: sizing worker arena: %w", err)
	}
	return &Arena{alloc: alloc, blocks: make(map[int][]byte)}, nil
}

// Reserve admits slot index idx, returning false if the arena has no
// room left. Reserving an already-reserved index is a no-op success.
func (a *Arena) Reserve(idx int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blocks[idx]; ok {
		return true
	}
	block := a.alloc.Alloc(arenaBlockSize)
	if block == nil {
		return false
	}
	a.blocks[idx] = block
	return true
}

// Release returns idx's reservation, if any.
func (a *Arena) Release(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	block, ok := a.blocks[idx]
	if !ok {
		return
	}
	a.alloc.Free(block)
	delete(a.blocks, idx)
}

// Available reports the number of free base blocks remaining.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc.Available()
}
