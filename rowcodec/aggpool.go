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

package rowcodec

import "golang.org/x/exp/slices"

// State is implemented by aggregate-state cell values (an HLL sketch,
// a bitmap, ...) that live out-of-line in an AggPool and are referenced
// from a row's HLL/Bitmap cells by handle.
type State interface {
	// Merge combines other into the receiver in place.
	Merge(other State)
	// Finalize converts accumulated state into its externally visible
	// representation. It may be called more than once; implementations
	// must make the second call a no-op.
	Finalize()
	// Cleanup releases any external resource the state holds (file
	// descriptors, off-heap memory, ...). Most states never need to
	// do anything here; the durable pool calls it once, at Release
	// time, for every object it ever acquired.
	Cleanup()
}

// AggHandle indexes an object held by an AggPool.
type AggHandle uint32

// AggPool holds the aggregate-state objects referenced by a row's
// HLL/Bitmap cells. A memtable keeps two pools: a scratch pool
// co-scoped with the buffer arena (reset after every insert) and a
// durable pool co-scoped with the table arena (lives for the memtable's
// whole lifetime).
type AggPool struct {
	objs []State
}

// New appends obj to the pool and returns its handle.
func (p *AggPool) New(obj State) AggHandle {
	p.objs = append(p.objs, obj)
	return AggHandle(len(p.objs) - 1)
}

// Get returns the object previously registered under h.
func (p *AggPool) Get(h AggHandle) State {
	return p.objs[h]
}

// Len reports how many objects the pool currently holds.
func (p *AggPool) Len() int { return len(p.objs) }

// Reset drops the pool's bookkeeping. It must only be called once
// ownership of every object the pool currently holds has already been
// transferred elsewhere (via AcquireFrom) or the objects are genuinely
// abandoned (the "found, merge in place" insert path never registers
// anything new in the durable pool, so the scratch copy it built is
// simply dropped here and left for the garbage collector).
func (p *AggPool) Reset() {
	p.objs = p.objs[:0]
}

// AcquireFrom transfers ownership of every object currently held by
// scratch into p, preserving relative order, and returns the mapping
// from the object's old (scratch-local) handle to its new (p-local)
// handle. It does not reset scratch; the caller calls scratch.Reset()
// afterward once it has finished rewriting any cells that referenced
// the old handles.
func (p *AggPool) AcquireFrom(scratch *AggPool) []AggHandle {
	p.objs = slices.Grow(p.objs, len(scratch.objs))
	remap := make([]AggHandle, len(scratch.objs))
	for i, obj := range scratch.objs {
		remap[i] = p.New(obj)
	}
	return remap
}

// Release calls Cleanup on every object the pool still holds. Only the
// durable pool's owner (the memtable façade) should call this, and only
// once, as part of Close.
func (p *AggPool) Release() {
	for _, obj := range p.objs {
		obj.Cleanup()
	}
	p.objs = nil
}
