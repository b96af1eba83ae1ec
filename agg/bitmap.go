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

package agg

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/tablewrite/memtable/rowcodec"
)

// Bitmap is a growable set of bit flags, the aggregate state behind a
// memtable's Bitmap columns (small-domain exact set columns, as
// opposed to HLL's approximate one).
type Bitmap struct {
	bits []byte
}

var _ rowcodec.State = (*Bitmap)(nil)

// NewBitmap returns a bitmap with room for at least n bits.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{bits: make([]byte, (n+7)/8)}
}

// NewBitmapFromBytes seeds a single-value bitmap by setting the bit
// named by the raw column value, interpreted as a little-endian
// unsigned bit index.
func NewBitmapFromBytes(raw []byte) *Bitmap {
	n := 0
	for i, b := range raw {
		if i >= 8 {
			break
		}
		n |= int(b) << (8 * i)
	}
	bm := NewBitmap(n + 1)
	bm.Set(n)
	return bm
}

// Get reports whether bit n is set.
func (b *Bitmap) Get(n int) bool {
	i, m := n/8, n%8
	if i >= len(b.bits) {
		return false
	}
	return b.bits[i]&(1<<m) != 0
}

// Set sets bit n, growing the backing storage if needed.
func (b *Bitmap) Set(n int) {
	i, m := n/8, n%8
	if i >= len(b.bits) {
		b.bits = slices.Grow(b.bits, i+1-len(b.bits))[:i+1]
	}
	b.bits[i] |= 1 << m
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, v := range b.bits {
		for v != 0 {
			n += int(v & 1)
			v >>= 1
		}
	}
	return n
}

// Merge implements rowcodec.State as a bitwise OR, growing the
// receiver to cover the wider of the two bitmaps.
func (b *Bitmap) Merge(other rowcodec.State) {
	o, ok := other.(*Bitmap)
	if !ok {
		panic(fmt.Sprintf("agg: Bitmap.Merge got %T", other))
	}
	if len(o.bits) > len(b.bits) {
		b.bits = slices.Grow(b.bits, len(o.bits)-len(b.bits))[:len(o.bits)]
	}
	for i, v := range o.bits {
		b.bits[i] |= v
	}
}

// Finalize is a no-op: a bitmap's externally visible representation is
// itself, with no separate summary to compute.
func (b *Bitmap) Finalize() {}

// Cleanup is a no-op: a bitmap holds no external resources.
func (b *Bitmap) Cleanup() {}
