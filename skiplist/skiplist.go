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

// Package skiplist implements the memtable's ordered index: a
// probabilistic skip list over rows that live in an arena.Arena, kept
// in the order a keycmp.Comparator defines.
//
// Nodes are held in an ordinary Go slice rather than placed directly
// into arena-backed memory with unsafe pointer arithmetic: a node's
// forward pointers are themselves references that must stay valid
// across the arena's Reset, and teaching the garbage collector to
// trust a hand-rolled pointer into mmap'd memory is a bigger departure
// from idiomatic Go than the cost of one extra indirection buys back.
// Node towers live on the Go heap and are not charged against the
// table arena's tracker; only the rows they reference are.
package skiplist

import (
	"math/rand"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/tablewrite/memtable/arena"
	"github.com/tablewrite/memtable/keycmp"
)

// maxHeight bounds a node's tower height. 12 levels comfortably cover
// skip lists up to roughly 4^12 entries at the p=1/4 growth rate used
// by randomHeight before the tail probability of needing a 13th level
// becomes negligible.
const maxHeight = 12

// nilID marks the absence of a forward pointer. Real nodes are stored
// starting at index 1 so that the zero value of an id is usable as a
// sentinel without a separate boolean.
const nilID uint32 = 0

type node struct {
	row    arena.Ptr
	height int
	next   [maxHeight]uint32
}

// Hint is the predecessor trail a Find call walks to locate a key. It
// lets a subsequent InsertWithHint resume from where Find left off
// instead of re-walking the list. In the skip list's single-writer
// usage a hint is always consumed by the very next call, so staleness
// (another mutation landing between Find and Insert) cannot occur.
type Hint struct {
	update  [maxHeight]uint32
	foundID uint32
	found   bool
}

// Index is a probabilistic skip list ordering arena-resident rows
// under a keycmp.Comparator. It is not safe for concurrent use.
type Index struct {
	cmp       *keycmp.Comparator
	rowWidth  int
	table     *arena.Arena
	allowDup  bool
	rng       *rand.Rand
	nodes     []node
	head      [maxHeight]uint32
	height    int
	count     int
}

// New builds an empty Index. cmp orders rows, whose fixed encoded
// width is rowWidth; table is the arena the indexed rows' bytes live
// in (the index never stores row bytes itself, only the arena.Ptr
// referencing them; its own node towers are ordinary Go memory and
// are not reported to the table arena's tracker). allowDup selects whether Insert accepts a
// second row with an already-present key (the DUP key model) or
// reports it to the caller instead (AGG and UNIQUE). seed derives a
// deterministic height sequence from the owning memtable's identity so
// repeated runs over identical input reproduce identical tower shapes.
func New(cmp *keycmp.Comparator, table *arena.Arena, rowWidth int, allowDup bool, seed uint64) *Index {
	h := siphash.Hash(0x736b69706c697374, seed, nil) // "skiplist" domain tag, distinct from other siphash uses
	return &Index{
		cmp:      cmp,
		rowWidth: rowWidth,
		table:    table,
		allowDup: allowDup,
		rng:      rand.New(rand.NewSource(int64(h))),
		nodes:    make([]node, 1, 64), // index 0 reserved as nilID
		height:   1,
	}
}

// Len reports the number of rows currently indexed.
func (idx *Index) Len() int { return idx.count }

// Key returns the encoded row bytes a node id refers to.
func (idx *Index) Key(id uint32) []byte {
	return idx.table.Bytes(idx.nodes[id].row, idx.rowWidth)
}

// randomHeight draws a tower height using the standard geometric
// skip-list distribution (p=1/4 per additional level), capped at
// maxHeight.
func (idx *Index) randomHeight() int {
	h := 1
	for h < maxHeight && idx.rng.Intn(4) == 0 {
		h++
	}
	return h
}

func (idx *Index) next(id uint32, level int) uint32 {
	if id == nilID {
		return idx.head[level]
	}
	return idx.nodes[id].next[level]
}

func (idx *Index) setNext(id uint32, level int, v uint32) {
	if id == nilID {
		idx.head[level] = v
		return
	}
	idx.nodes[id].next[level] = v
}

// Find walks the index for key, returning the id of an existing node
// whose row compares equal to key (found=true) or the id it would
// immediately follow if inserted (found=false, id may be nilID if key
// sorts before everything). The returned Hint captures the predecessor
// at each level and must be passed to InsertWithHint, if at all, before
// any other mutation of the index.
//
// When the index allows duplicates (the DUP key model), the descent
// does not stop at the first node comparing equal to key: it walks
// past the entire run of equal-key nodes at every level, so the
// returned Hint lands after the last of them. This is what makes a
// duplicate Insert link the new node in after every previously
// inserted row sharing its key, preserving arrival order, instead of
// splicing it in before the earliest one.
func (idx *Index) Find(key []byte) (id uint32, hint Hint, found bool) {
	var cur uint32 = nilID
	for level := idx.height - 1; level >= 0; level-- {
		for {
			n := idx.next(cur, level)
			if n == nilID {
				break
			}
			c := idx.cmp.Compare(idx.Key(n), key)
			if c > 0 || (c == 0 && !idx.allowDup) {
				break
			}
			cur = n
		}
		hint.update[level] = cur
	}
	if n := idx.next(cur, 0); n != nilID && idx.cmp.Compare(idx.Key(n), key) == 0 {
		hint.foundID = n
		hint.found = true
		return n, hint, true
	}
	return cur, hint, false
}

// SeekFirst returns the id of the lowest-ordered node, or nilID if the
// index is empty.
func (idx *Index) SeekFirst() uint32 {
	return idx.head[0]
}

// Next returns the id immediately following id in key order, or nilID
// at the end of the index.
func (idx *Index) Next(id uint32) uint32 {
	return idx.next(id, 0)
}

// Valid reports whether id refers to a real node rather than the
// sentinel end-of-list value.
func (idx *Index) Valid(id uint32) bool { return id != nilID }

// Insert adds row (an arena.Ptr into the table arena this Index was
// built with) at its sorted position, performing its own Find. It
// returns the id of the node actually holding the key after the call:
// when allowDup is false and an equal key already exists, the existing
// id is returned and ok is false; the caller owns deciding what to do
// with the rejected row (merge it into the existing one, for AGG and
// UNIQUE).
func (idx *Index) Insert(key []byte, row arena.Ptr) (id uint32, ok bool) {
	existing, hint, found := idx.Find(key)
	if found && !idx.allowDup {
		return existing, false
	}
	return idx.InsertWithHint(hint, row), true
}

// InsertWithHint inserts row using a Hint obtained from an immediately
// preceding Find, skipping the redundant search Insert would otherwise
// perform. It does not check for an existing key; callers that care
// about duplicate rejection must inspect the Hint their Find call
// already returned before choosing to call this.
func (idx *Index) InsertWithHint(hint Hint, row arena.Ptr) uint32 {
	height := idx.randomHeight()
	if height > idx.height {
		for level := idx.height; level < height; level++ {
			hint.update[level] = nilID
		}
		idx.height = height
	}

	idx.nodes = slices.Grow(idx.nodes, 1)
	idx.nodes = append(idx.nodes, node{row: row, height: height})
	id := uint32(len(idx.nodes) - 1)

	for level := 0; level < height; level++ {
		pred := hint.update[level]
		idx.nodes[id].next[level] = idx.next(pred, level)
		idx.setNext(pred, level, id)
	}

	idx.count++
	return id
}
