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

package ring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/cloudwego/gopkg/cache/mempool"
)

const (
	// AreaSize is the default per-Ring message budget in bytes, header
	// included, matching AREA_SIZE in the coordination protocol this
	// package speaks: a default-sized Ring holds one message of this
	// total size.
	AreaSize = 4096
	// blockBytes is the on-wire size of one block: 7 payload bytes plus
	// one presence bit per stored byte.
	blockBytes = 8
	// payloadPerBlock is the number of payload bytes one block encodes.
	payloadPerBlock = 7
	// NumBlocks is the number of blocks in a default-sized Ring: enough
	// to encode AreaSize bytes at payloadPerBlock bytes per block (586
	// blocks, 4688 bytes of backing store).
	NumBlocks = (AreaSize + payloadPerBlock - 1) / payloadPerBlock
)

// presenceMask has the low bit of every byte set; a block is free iff its
// word is zero and ready iff word&presenceMask == presenceMask.
const presenceMask = 0x0101010101010101

var (
	// ErrWouldBlock is returned by Put when the ring has no free run of
	// blocks large enough for the message; the caller should retry later.
	ErrWouldBlock = errors.New("ring: would block")
	// ErrEmpty is returned by Get when no message is available.
	ErrEmpty = errors.New("ring: empty")
	// ErrTooLarge is returned by Get when the caller's buffer is smaller
	// than the pending message's payload.
	ErrTooLarge = errors.New("ring: message too large for buffer")
	// ErrMessageTooBig is returned by Put when the message could never
	// fit in this ring regardless of its current occupancy.
	ErrMessageTooBig = errors.New("ring: message exceeds ring capacity")
	// ErrCorrupt indicates a decoded header failed a sanity check; it
	// should never occur absent a bug on the producer side.
	ErrCorrupt = errors.New("ring: corrupt block header")
)

// ring is the shared state between exactly one Writer and one Reader.
// wptr is mutated only by the Writer, rptr only by the Reader; the blocks
// themselves are the sole synchronization point, each read and written
// with a sequentially consistent atomic access.
type ring struct {
	blocks    []atomic.Uint64
	numBlocks int
	wptr      int // writer-private
	rptr      int // reader-private
}

// Writer is the producer-side view of a Ring. Exactly one goroutine may
// call its methods for the Ring's lifetime.
type Writer struct {
	r *ring
}

// Reader is the consumer-side view of a Ring. Exactly one goroutine may
// call its methods for the Ring's lifetime.
type Reader struct {
	r *ring
}

// New creates a Ring with the default block count and returns its two
// exclusive views. The Ring's memory lives entirely on the Go heap; it
// does not model cross-process shared memory (see manager.Arena for the
// capacity-accounting analog of the mapped region).
func New() (*Writer, *Reader) {
	return NewSize(NumBlocks)
}

// NewSize creates a Ring with numBlocks blocks. numBlocks must be at
// least 1.
func NewSize(numBlocks int) (*Writer, *Reader) {
	if numBlocks < 1 {
		numBlocks = 1
	}
	r := &ring{blocks: make([]atomic.Uint64, numBlocks), numBlocks: numBlocks}
	return &Writer{r: r}, &Reader{r: r}
}

func blocksFor(totalSize int) int {
	return (totalSize + payloadPerBlock - 1) / payloadPerBlock
}

// encodeBlock packs 7 payload bytes into the 8-byte wire block, setting
// the presence bit (the low bit) of every stored byte.
func encodeBlock(data [payloadPerBlock]byte) uint64 {
	var acc uint64
	for i, b := range data {
		acc |= uint64(b) << uint(8*i)
	}
	var word uint64
	for i := 0; i < blockBytes; i++ {
		seven := (acc >> uint(7*i)) & 0x7F
		word |= (seven<<1 | 1) << uint(8*i)
	}
	return word
}

// decodeBlock is the inverse of encodeBlock; the presence bits are
// dropped.
func decodeBlock(word uint64) [payloadPerBlock]byte {
	var acc uint64
	for i := 0; i < blockBytes; i++ {
		stored := (word >> uint(8*i)) & 0xFF
		seven := stored >> 1
		acc |= seven << uint(7*i)
	}
	var data [payloadPerBlock]byte
	for i := range data {
		data[i] = byte(acc >> uint(8*i))
	}
	return data
}

// Put atomically enqueues one message. It never blocks: if the ring does
// not currently have enough free, contiguous-with-wraparound blocks it
// returns ErrWouldBlock and the ring is left unchanged.
func (w *Writer) Put(kind Kind, payload []byte) error {
	total := headerSize + len(payload)
	need := blocksFor(total)
	if need > w.r.numBlocks {
		return ErrMessageTooBig
	}
	if !w.r.freeRun(w.r.wptr, need) {
		return ErrWouldBlock
	}

	raw := mempool.Malloc(need * payloadPerBlock)
	defer mempool.Free(raw)
	for i := range raw {
		raw[i] = 0
	}
	raw[0] = byte(kind)
	binary.LittleEndian.PutUint32(raw[1:5], uint32(total))
	copy(raw[headerSize:], payload)

	// Data blocks are published before the header block so that a reader
	// who observes the header block's presence bit (via CheckNew or the
	// first word of Get) is guaranteed to see fully-written data blocks:
	// the header block is both the first block in ring order and the
	// last one written.
	for i := need - 1; i >= 0; i-- {
		var blk [payloadPerBlock]byte
		copy(blk[:], raw[i*payloadPerBlock:(i+1)*payloadPerBlock])
		idx := (w.r.wptr + i) % w.r.numBlocks
		w.r.blocks[idx].Store(encodeBlock(blk))
	}
	w.r.wptr = (w.r.wptr + need) % w.r.numBlocks
	return nil
}

// freeRun reports whether the need blocks starting at start (wrapping)
// are all free (word == 0, i.e. untouched or fully drained by the reader).
func (r *ring) freeRun(start, need int) bool {
	for i := 0; i < need; i++ {
		idx := (start + i) % r.numBlocks
		if r.blocks[idx].Load() != 0 {
			return false
		}
	}
	return true
}

// CheckNew is an allocation-free, syscall-free probe of the presence bit
// of the block the next Get would consume. It is the only operation safe
// to call from a hot loop that must not touch shared counters.
func (r *Reader) CheckNew() bool {
	return r.r.blocks[r.r.rptr].Load()&1 != 0
}

// Get reads the next pending message's payload into buf and returns its
// length. It returns ErrEmpty if no message is pending, or ErrTooLarge if
// buf is smaller than the payload (in which case nothing is consumed).
func (r *Reader) Get(buf []byte) (Kind, int, error) {
	word0 := r.r.blocks[r.r.rptr].Load()
	if word0&1 == 0 {
		return None, 0, ErrEmpty
	}
	blk0 := decodeBlock(word0)
	kind := Kind(blk0[0])
	total := int(binary.LittleEndian.Uint32(blk0[1:5]))
	payloadLen := total - headerSize
	if payloadLen < 0 || blocksFor(total) > r.r.numBlocks {
		return None, 0, ErrCorrupt
	}
	if payloadLen > len(buf) {
		return None, 0, ErrTooLarge
	}

	need := blocksFor(total)
	raw := mempool.Malloc(need * payloadPerBlock)
	defer mempool.Free(raw)
	copy(raw[0:payloadPerBlock], blk0[:])
	for i := 1; i < need; i++ {
		idx := (r.r.rptr + i) % r.r.numBlocks
		blk := decodeBlock(r.r.blocks[idx].Load())
		copy(raw[i*payloadPerBlock:(i+1)*payloadPerBlock], blk[:])
	}
	copy(buf, raw[headerSize:headerSize+payloadLen])

	for i := 0; i < need; i++ {
		idx := (r.r.rptr + i) % r.r.numBlocks
		r.r.blocks[idx].Store(0)
	}
	r.r.rptr = (r.r.rptr + need) % r.r.numBlocks
	return kind, payloadLen, nil
}

// GetMessage is a convenience wrapper around Get that allocates a
// pool-backed buffer sized to MaxMsg. Callers should call Release on the
// returned Message once done with its Payload.
func (r *Reader) GetMessage() (Message, error) {
	buf := mempool.Malloc(MaxMsg)
	kind, n, err := r.Get(buf)
	if err != nil {
		mempool.Free(buf)
		return Message{}, err
	}
	return Message{Kind: kind, Payload: buf[:n]}, nil
}

// Release returns a Message obtained from GetMessage to the buffer pool.
// It is a no-op for messages not obtained that way.
func (m Message) Release() {
	mempool.Free(m.Payload[:cap(m.Payload)])
}
