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

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tablewrite/memtable/arena"
)

// InputRow is the accessor the memtable consumes incoming rows
// through: a lightweight view over an upstream tuple buffer. The
// memtable never retains pointers derived from an InputRow beyond a
// single Encode call.
type InputRow interface {
	// Null reports whether slot is null.
	Null(slot int) bool
	Int64(slot int) int64
	Float64(slot int) float64
	// Bytes returns the slot's variable-length payload. The returned
	// slice is only valid for the duration of the Encode call.
	Bytes(slot int) []byte
	// Agg returns a freshly constructed, single-value aggregate state
	// for an HLL/Bitmap slot (e.g. a one-element HLL register set
	// seeded from the raw input value). Constructing the seed value
	// from the raw column bytes is the planner's concern and is opaque
	// to the codec.
	Agg(slot int) State
}

// Codec encodes InputRows into, and reads cells out of, the memtable's
// fixed-width row layout for one Schema. It holds references to both
// of the memtable's arenas so that a Bytes-typed cell it writes can be
// tagged with the arena its payload actually lives in: the two arenas
// allocate from independent, zero-based Ptr spaces, so a VarPtr cannot
// say which arena it belongs to without carrying the tag itself.
type Codec struct {
	schema *Schema
	table  *arena.Arena
	buffer *arena.Arena
}

// NewCodec builds a Codec for schema. table and buffer are the
// memtable's two arenas; Encode allocates Bytes payloads from whichever
// one its ArenaKind argument selects.
func NewCodec(schema *Schema, table, buffer *arena.Arena) *Codec {
	return &Codec{schema: schema, table: table, buffer: buffer}
}

// Schema returns the codec's schema.
func (c *Codec) Schema() *Schema { return c.schema }

// arenaFor resolves which *arena.Arena ArenaKind refers to.
func (c *Codec) arenaFor(kind ArenaKind) *arena.Arena {
	if kind == TableArena {
		return c.table
	}
	return c.buffer
}

// Encode populates dst (a Schema.RowWidth()-byte buffer obtained from
// the same arena named by into) from in. Bytes payloads are allocated
// from that arena and tagged with into; aggregate-state objects are
// registered in pool.
//
// Encode returns an error only when a Bytes column's payload
// allocation is denied by the destination arena's memory tracker; the
// caller (the memtable façade) wraps this as a MemoryLimitExceeded
// condition, per the failure-semantics contract that treats every
// tracker-denied arena growth during Insert as recoverable. A length
// or type mismatch between in and the schema is a caller bug, not a
// resource condition, and still panics.
func (c *Codec) Encode(dst []byte, in InputRow, into ArenaKind, pool *AggPool) error {
	if len(dst) != c.schema.RowWidth() {
		panic(fmt.Sprintf("rowcodec: dst has %d bytes, want %d", len(dst), c.schema.RowWidth()))
	}
	payload := c.arenaFor(into)
	for i := range dst[:c.schema.nullBytes()] {
		dst[i] = 0
	}
	for col, cd := range c.schema.Columns {
		if in.Null(col) {
			c.setNull(dst, col, true)
			continue
		}
		switch cd.Type {
		case Int64:
			c.SetInt64(dst, col, in.Int64(col))
		case Float64:
			c.SetFloat64(dst, col, in.Float64(col))
		case Bytes:
			raw := in.Bytes(col)
			p, err := payload.Allocate(len(raw))
			if err != nil {
				return fmt.Errorf("rowcodec: payload allocation failed for column %q: %w", cd.Name, err)
			}
			copy(payload.Bytes(p, len(raw)), raw)
			c.SetVarPtr(dst, col, VarPtr{Ptr: p, Len: uint32(len(raw)), Arena: into})
		case HLL, Bitmap:
			h := pool.New(in.Agg(col))
			c.SetAggHandle(dst, col, h)
		default:
			panic(fmt.Sprintf("rowcodec: unknown column type %d", cd.Type))
		}
	}
	return nil
}

func (c *Codec) setNull(row []byte, col int, isNull bool) {
	byteIdx := col / 8
	bit := byte(1) << uint(col%8)
	if isNull {
		row[byteIdx] |= bit
	} else {
		row[byteIdx] &^= bit
	}
}

// IsNull reports whether column col is null in row.
func (c *Codec) IsNull(row []byte, col int) bool {
	byteIdx := col / 8
	bit := byte(1) << uint(col%8)
	return row[byteIdx]&bit != 0
}

// SetNull marks column col null or non-null in row.
func (c *Codec) SetNull(row []byte, col int, isNull bool) { c.setNull(row, col, isNull) }

func (c *Codec) cell(row []byte, col int) []byte {
	off := c.schema.cellOffset(col)
	return row[off : off+cellWidth]
}

// Int64 reads column col as an int64 cell.
func (c *Codec) Int64(row []byte, col int) int64 {
	return int64(binary.LittleEndian.Uint64(c.cell(row, col)))
}

// SetInt64 writes v into column col's cell.
func (c *Codec) SetInt64(row []byte, col int, v int64) {
	binary.LittleEndian.PutUint64(c.cell(row, col), uint64(v))
}

// Float64 reads column col as a float64 cell.
func (c *Codec) Float64(row []byte, col int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(c.cell(row, col)))
}

// SetFloat64 writes v into column col's cell.
func (c *Codec) SetFloat64(row []byte, col int, v float64) {
	binary.LittleEndian.PutUint64(c.cell(row, col), math.Float64bits(v))
}

// VarPtr reads column col as a variable-length payload reference. The
// cell layout is a 4-byte Ptr, a 3-byte length (payloads wider than
// 16 MiB are not supported by a single cell), and a 1-byte ArenaKind
// tag in the final byte.
func (c *Codec) VarPtr(row []byte, col int) VarPtr {
	cell := c.cell(row, col)
	var lenBuf [4]byte
	copy(lenBuf[0:3], cell[4:7])
	return VarPtr{
		Ptr:   arena.Ptr(binary.LittleEndian.Uint32(cell[0:4])),
		Len:   binary.LittleEndian.Uint32(lenBuf[:]),
		Arena: ArenaKind(cell[7]),
	}
}

// SetVarPtr writes a variable-length payload reference into column col's cell.
func (c *Codec) SetVarPtr(row []byte, col int, v VarPtr) {
	if v.Len >= 1<<24 {
		panic(fmt.Sprintf("rowcodec: payload length %d exceeds single-cell limit", v.Len))
	}
	cell := c.cell(row, col)
	binary.LittleEndian.PutUint32(cell[0:4], uint32(v.Ptr))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], v.Len)
	copy(cell[4:7], lenBuf[0:3])
	cell[7] = byte(v.Arena)
}

// Deref returns the slice a VarPtr refers to, resolving which of the
// codec's two arenas owns it from the VarPtr's own Arena tag.
func (c *Codec) Deref(v VarPtr) []byte {
	return c.arenaFor(v.Arena).Bytes(v.Ptr, int(v.Len))
}

// AggHandle reads column col as an aggregate-pool handle.
func (c *Codec) AggHandle(row []byte, col int) AggHandle {
	return AggHandle(binary.LittleEndian.Uint32(c.cell(row, col)[0:4]))
}

// SetAggHandle writes an aggregate-pool handle into column col's cell.
func (c *Codec) SetAggHandle(row []byte, col int, h AggHandle) {
	binary.LittleEndian.PutUint32(c.cell(row, col)[0:4], uint32(h))
}

// PromoteCell copies column col's cell and null bit from src to dst.
// A Bytes payload is re-homed into the arena named by into: its bytes
// are reallocated there and dst's VarPtr is retagged accordingly,
// since src and dst may belong to different arenas (the usual case is
// src in the buffer arena, dst in the table arena). Every other
// column type is copied verbatim; an HLL/Bitmap cell's AggHandle is
// assumed to already refer to an object reachable from whichever pool
// dst's handles are read against (callers remap scratch-pool handles
// into the durable pool before calling this, via AggPool.AcquireFrom
// and RemapAggHandles, rather than this method reaching into a pool
// itself).
//
// PromoteCell returns an error when re-homing a Bytes payload is
// denied by the destination arena's memory tracker; this is a
// recoverable MemoryLimitExceeded condition for the caller to wrap,
// not a fatal assertion.
func (c *Codec) PromoteCell(dst []byte, into ArenaKind, src []byte, col int) error {
	isNull := c.IsNull(src, col)
	c.setNull(dst, col, isNull)
	if isNull {
		return nil
	}
	if c.schema.Columns[col].Type == Bytes {
		raw := c.Deref(c.VarPtr(src, col))
		target := c.arenaFor(into)
		p, err := target.Allocate(len(raw))
		if err != nil {
			return fmt.Errorf("rowcodec: promote allocation failed for column %q: %w", c.schema.Columns[col].Name, err)
		}
		copy(target.Bytes(p, len(raw)), raw)
		c.SetVarPtr(dst, col, VarPtr{Ptr: p, Len: uint32(len(raw)), Arena: into})
		return nil
	}
	copy(c.cell(dst, col), c.cell(src, col))
	return nil
}

// PromoteRow copies every column of src into dst, cell by cell, via
// PromoteCell. It is how a row that was encoded into the buffer arena
// becomes durable: dst is a freshly allocated table-arena row, src the
// buffer-arena row being committed. It returns the first error any
// column's PromoteCell reports, leaving the remaining columns
// unpromoted.
func (c *Codec) PromoteRow(dst []byte, into ArenaKind, src []byte) error {
	for col := range c.schema.Columns {
		if err := c.PromoteCell(dst, into, src, col); err != nil {
			return err
		}
	}
	return nil
}

// RemapAggHandles rewrites every HLL/Bitmap column's handle in row
// using remap (indexed by the handle's previous, scratch-pool-local
// value). It is called exactly once on a new key's buffer-arena row,
// right after AcquireFrom and before PromoteRow copies that row into
// the table arena, to repoint its aggregate cells at their newly
// durable objects.
func (c *Codec) RemapAggHandles(row []byte, remap []AggHandle) {
	for col, cd := range c.schema.Columns {
		if cd.Type != HLL && cd.Type != Bitmap {
			continue
		}
		if c.IsNull(row, col) {
			continue
		}
		old := c.AggHandle(row, col)
		c.SetAggHandle(row, col, remap[old])
	}
}
