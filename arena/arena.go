// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package arena implements a bump allocator backed by OS-mapped memory
// chunks that grow by doubling. Every allocation is accounted against a
// memtracker.Tracker; Reset returns the arena to an empty state in O(1)
// without running any per-object destructor, and Release unmaps every
// chunk.
//
// Allocations are addressed by Ptr, a logical offset into the arena's
// concatenated chunks rather than a raw pointer, so that values can be
// stored in ordinary Go data structures (e.g. a skiplist.Index) without
// requiring the arena's backing memory to be pinned against the garbage
// collector.
package arena

import (
	"fmt"

	"github.com/tablewrite/memtable/memtracker"
)

const (
	ptrAlign = 8 // align every allocation to the platform's pointer width
)

// Ptr is an offset into an Arena's logical address space. The zero
// value refers to the very first byte ever allocated from the arena;
// it is a valid handle, not a nil sentinel — callers that need a
// "no handle" marker must carry that out of band (skiplist does, via
// a reserved node index).
type Ptr uint32

type chunk struct {
	mem []byte
	off int // bump offset into mem
}

// Arena is a single bump allocator. It is not safe for concurrent use;
// a memtable owns exactly two (a table arena and a buffer arena) and
// never shares either across goroutines.
type Arena struct {
	tracker  *memtracker.Tracker
	chunks   []chunk
	starts   []uint32 // starts[i] is the logical offset of chunks[i]
	total    uint32   // current logical size (sum of chunk capacities)
	nextSize int      // size of the next chunk to map, doubles each time
}

// New creates an Arena that reports its allocations to tracker. No
// chunk is mapped until the first Allocate, which maps initialChunk
// bytes (at least ptrAlign).
func New(tracker *memtracker.Tracker, initialChunk int) *Arena {
	if initialChunk < ptrAlign {
		initialChunk = ptrAlign
	}
	return &Arena{
		tracker:  tracker,
		nextSize: initialChunk,
	}
}

// Allocate reserves n bytes aligned to the platform pointer width and
// returns a Ptr to the start of the region. It fails only when the
// tracker chain denies the growth.
func (a *Arena) Allocate(n int) (Ptr, error) {
	if n < 0 {
		panic("arena: negative allocation size")
	}
	aligned := (n + ptrAlign - 1) &^ (ptrAlign - 1)

	if len(a.chunks) > 0 {
		c := &a.chunks[len(a.chunks)-1]
		if c.off+aligned <= cap(c.mem) {
			p := a.starts[len(a.starts)-1] + uint32(c.off)
			c.off += aligned
			return Ptr(p), nil
		}
	}
	return a.growAndAllocate(aligned)
}

func (a *Arena) growAndAllocate(aligned int) (Ptr, error) {
	size := a.nextSize
	for size < aligned {
		size *= 2
	}
	if err := a.tracker.Consume(int64(size)); err != nil {
		return 0, fmt.Errorf("arena: %w", err)
	}
	mem, err := mapChunk(size)
	if err != nil {
		a.tracker.Release(int64(size))
		return 0, fmt.Errorf("arena: map %d bytes: %w", size, err)
	}
	start := a.total
	a.chunks = append(a.chunks, chunk{mem: mem[:0:size]})
	a.starts = append(a.starts, start)
	a.total += uint32(size)
	a.nextSize = size * 2

	c := &a.chunks[len(a.chunks)-1]
	c.off = aligned
	return Ptr(start), nil
}

// Bytes dereferences a Ptr previously returned by Allocate, returning
// the n-byte region starting at p. The returned slice aliases the
// arena's backing memory and must not be used after Reset or Release.
func (a *Arena) Bytes(p Ptr, n int) []byte {
	idx := a.chunkFor(p)
	c := &a.chunks[idx]
	off := int(uint32(p) - a.starts[idx])
	return c.mem[off : off+n : off+n]
}

func (a *Arena) chunkFor(p Ptr) int {
	// chunks grow monotonically and starts is sorted ascending, so a
	// reverse linear scan finds the containing chunk in O(number of
	// chunks), which is O(log(total size)) since chunk sizes double
	for i := len(a.starts) - 1; i >= 0; i-- {
		if uint32(p) >= a.starts[i] {
			return i
		}
	}
	panic("arena: invalid Ptr")
}

// Reset returns every byte allocated from the arena to a free state in
// O(1): it rewinds the bump offset of each mapped chunk without
// unmapping any of them. Allocate only bumps within the most recently
// mapped chunk, so the next round of allocations starts at the
// beginning of that chunk; earlier chunks stay mapped but receive no
// further allocations. The tracker's
// accounting is NOT touched by Reset — the chunks remain resident and
// their bytes remain consumed against the tracker until Release.
func (a *Arena) Reset() {
	for i := range a.chunks {
		a.chunks[i].off = 0
	}
}

// Release unmaps every chunk and gives back all of its accounted bytes
// to the tracker. The arena must not be used again afterward.
func (a *Arena) Release() error {
	var firstErr error
	for _, c := range a.chunks {
		if err := unmapChunk(c.mem[:cap(c.mem)]); err != nil && firstErr == nil {
			firstErr = err
		}
		a.tracker.Release(int64(cap(c.mem)))
	}
	a.chunks = nil
	a.starts = nil
	a.total = 0
	return firstErr
}

// HighWater returns the total number of bytes currently mapped by the
// arena (i.e. the sum of its chunks' capacities, which only grows,
// even across Reset calls — Reset does not shrink the arena).
func (a *Arena) HighWater() int64 {
	return int64(a.total)
}
