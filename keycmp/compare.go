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

// Package keycmp implements the memtable's total order over encoded
// rows: either plain lexicographic comparison of the leading key
// columns, or a Z-order (Morton) interleaving of the first k sort
// columns with a lexicographic tie-break on the remainder.
//
// A Comparator is owned by exactly one memtable and is not safe for
// concurrent use, matching the single-writer model the rest of the
// package follows.
package keycmp

import (
	"bytes"
	"math"

	"github.com/tablewrite/memtable/rowcodec"
)

// SortKind selects the comparator's ordering discipline.
type SortKind uint8

const (
	Lexicographic SortKind = iota
	ZOrder
)

// SortSpec configures a Comparator: which discipline to use and, for
// both disciplines, how many leading columns participate before
// falling back to comparing the rest of the key lexicographically.
type SortSpec struct {
	Kind SortKind
	K    int
}

// Comparator provides a pure three-way comparison over two encoded row
// pointers, per schema and sort spec. One Comparator is owned per
// memtable.
type Comparator struct {
	schema *rowcodec.Schema
	codec  *rowcodec.Codec
	spec   SortSpec
}

// New builds a Comparator for schema under spec. codec resolves
// Bytes-typed key columns' out-of-band payloads during comparison
// (each cell's VarPtr already says which of the codec's two arenas it
// was allocated from).
func New(schema *rowcodec.Schema, codec *rowcodec.Codec, spec SortSpec) *Comparator {
	if spec.K <= 0 || spec.K > schema.KeyColumns {
		spec.K = schema.KeyColumns
	}
	return &Comparator{schema: schema, codec: codec, spec: spec}
}

func (c *Comparator) derefBytes(vp rowcodec.VarPtr) []byte {
	return c.codec.Deref(vp)
}

// Compare returns <0, 0, >0 as a's key orders before, equal to, or
// after b's key.
func (c *Comparator) Compare(a, b []byte) int {
	switch c.spec.Kind {
	case ZOrder:
		return c.compareZ(a, b)
	default:
		return c.compareLex(a, b, 0, c.schema.KeyColumns)
	}
}

// compareLex compares columns [from, to) in order, nulls sort low.
func (c *Comparator) compareLex(a, b []byte, from, to int) int {
	for col := from; col < to; col++ {
		an, bn := c.codec.IsNull(a, col), c.codec.IsNull(b, col)
		if an || bn {
			if an == bn {
				continue
			}
			if an {
				return -1
			}
			return 1
		}
		if d := c.compareColumn(a, b, col); d != 0 {
			return d
		}
	}
	return 0
}

func (c *Comparator) compareColumn(a, b []byte, col int) int {
	switch c.schema.Columns[col].Type {
	case rowcodec.Float64:
		av, bv := c.codec.Float64(a, col), c.codec.Float64(b, col)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case rowcodec.Bytes:
		av := c.derefBytes(c.codec.VarPtr(a, col))
		bv := c.derefBytes(c.codec.VarPtr(b, col))
		return bytes.Compare(av, bv)
	default: // Int64
		av, bv := c.codec.Int64(a, col), c.codec.Int64(b, col)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
}

func (c *Comparator) compareZ(a, b []byte) int {
	k := c.spec.K
	za := c.zKey(a, k)
	zb := c.zKey(b, k)
	if d := bytes.Compare(za, zb); d != 0 {
		return d
	}
	return c.compareLex(a, b, k, c.schema.KeyColumns)
}

// zKey produces the Z-order interleaving of the first k key columns of
// row, using the fixed bit-rank schedule: for column j (0-based among
// the k interleaved columns) and bit i (0 = least significant), the
// interleaved bit lands at position i*k + (k-1-j). Earlier columns
// therefore occupy the higher-order interleaved bit of each group,
// matching the two-column Morton order used by the literal spec
// scenario (x,y) -> (0,0),(1,1),(0,3),(3,0),(3,3).
func (c *Comparator) zKey(row []byte, k int) []byte {
	vals := make([]uint64, k)
	widths := make([]int, k)
	total := 0
	for j := 0; j < k; j++ {
		w := c.schema.ZWidth(j)
		widths[j] = w
		total += w
		vals[j] = zOrderableBits(c, row, j, w)
	}
	buf := make([]byte, (total+7)/8)
	bitBase := 0
	for j := 0; j < k; j++ {
		w := widths[j]
		v := vals[j]
		for i := 0; i < w; i++ {
			if v&(uint64(1)<<uint(i)) != 0 {
				pos := bitBase + i*k + (k - 1 - j)
				setBitMSB(buf, pos, total)
			}
		}
	}
	_ = bitBase // reserved for future support of per-column bit offsets
	return buf
}

// zOrderableBits reads column j's value as an order-preserving
// unsigned bit pattern truncated to w bits.
func zOrderableBits(c *Comparator, row []byte, col, w int) uint64 {
	var u uint64
	switch c.schema.Columns[col].Type {
	case rowcodec.Float64:
		bits := math.Float64bits(c.codec.Float64(row, col))
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		u = bits
	default:
		v := c.codec.Int64(row, col)
		u = uint64(v) ^ (1 << 63) // flip sign bit so two's-complement order matches unsigned order
	}
	if w < 64 {
		u &= (uint64(1) << uint(w)) - 1
	}
	return u
}

// setBitMSB sets bit number pos (0 = least significant of a
// totalBits-wide value) within buf, a big-endian byte slice of
// totalBits bits.
func setBitMSB(buf []byte, pos, totalBits int) {
	bitFromMSB := totalBits - 1 - pos
	byteIdx := bitFromMSB / 8
	bitIdx := 7 - (bitFromMSB % 8)
	buf[byteIdx] |= 1 << uint(bitIdx)
}
