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

package keycmp

import (
	"sort"
	"testing"

	"github.com/tablewrite/memtable/arena"
	"github.com/tablewrite/memtable/memtracker"
	"github.com/tablewrite/memtable/rowcodec"
)

type xyRow struct{ x, y int64 }

func encodeXY(t *testing.T, codec *rowcodec.Codec, schema *rowcodec.Schema, kind rowcodec.ArenaKind, x, y int64) []byte {
	t.Helper()
	buf := make([]byte, schema.RowWidth())
	codec.SetInt64(buf, 0, x)
	codec.SetInt64(buf, 1, y)
	_ = kind
	return buf
}

// TestZOrderLiteralScenario reproduces the documented (x,y) Z-order
// example: two 8-bit columns interleaved must sort
// (0,0),(1,1),(0,3),(3,0),(3,3).
func TestZOrderLiteralScenario(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 2,
		Columns: []rowcodec.Column{
			{Name: "x", Type: rowcodec.Int64, Key: true, ZBits: 8},
			{Name: "y", Type: rowcodec.Int64, Key: true, ZBits: 8},
		},
	}
	tracker := memtracker.NewRoot("root", 0)
	table := arena.New(tracker, 256)
	buffer := arena.New(tracker, 256)
	codec := rowcodec.NewCodec(schema, table, buffer)
	cmp := New(schema, codec, SortSpec{Kind: ZOrder, K: 2})

	rows := []xyRow{{3, 3}, {0, 0}, {3, 0}, {1, 1}, {0, 3}}
	bufs := make([][]byte, len(rows))
	for i, r := range rows {
		bufs[i] = encodeXY(t, codec, schema, rowcodec.TableArena, r.x, r.y)
	}
	sort.Slice(bufs, func(i, j int) bool { return cmp.Compare(bufs[i], bufs[j]) < 0 })

	want := []xyRow{{0, 0}, {1, 1}, {0, 3}, {3, 0}, {3, 3}}
	for i, w := range want {
		gx := codec.Int64(bufs[i], 0)
		gy := codec.Int64(bufs[i], 1)
		if gx != w.x || gy != w.y {
			t.Fatalf("position %d = (%d,%d), want (%d,%d)", i, gx, gy, w.x, w.y)
		}
	}
}

func TestLexicographicOrder(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns:    []rowcodec.Column{{Name: "k", Type: rowcodec.Int64, Key: true}},
	}
	tracker := memtracker.NewRoot("root", 0)
	table := arena.New(tracker, 64)
	buffer := arena.New(tracker, 64)
	codec := rowcodec.NewCodec(schema, table, buffer)
	cmp := New(schema, codec, SortSpec{Kind: Lexicographic})

	a := make([]byte, schema.RowWidth())
	b := make([]byte, schema.RowWidth())
	codec.SetInt64(a, 0, 5)
	codec.SetInt64(b, 0, 9)
	if cmp.Compare(a, b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if cmp.Compare(b, a) <= 0 {
		t.Fatalf("expected b > a")
	}
	if cmp.Compare(a, a) != 0 {
		t.Fatalf("expected a == a")
	}
}

// TestBytesKeyColumnCompareAcrossArenas exercises the case a plain
// Ptr-magnitude check cannot handle: a table-arena row and a
// buffer-arena probe row whose VarPtr cells hold numerically identical
// offsets into two different arenas. The comparator must dereference
// each cell from the arena its own tag names, not guess from the Ptr
// value.
func TestBytesKeyColumnCompareAcrossArenas(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns:    []rowcodec.Column{{Name: "k", Type: rowcodec.Bytes, Key: true}},
	}
	tracker := memtracker.NewRoot("root", 0)
	table := arena.New(tracker, 64)
	buffer := arena.New(tracker, 64)
	codec := rowcodec.NewCodec(schema, table, buffer)
	cmp := New(schema, codec, SortSpec{Kind: Lexicographic})

	tableRow := make([]byte, schema.RowWidth())
	tp, _ := table.Allocate(3)
	copy(table.Bytes(tp, 3), []byte("bbb"))
	codec.SetVarPtr(tableRow, 0, rowcodec.VarPtr{Ptr: tp, Len: 3, Arena: rowcodec.TableArena})

	bufferRow := make([]byte, schema.RowWidth())
	bp, _ := buffer.Allocate(3)
	copy(buffer.Bytes(bp, 3), []byte("aaa"))
	codec.SetVarPtr(bufferRow, 0, rowcodec.VarPtr{Ptr: bp, Len: 3, Arena: rowcodec.BufferArena})

	if tp != bp {
		t.Fatalf("test requires identical numeric offsets in both arenas, got %d and %d", tp, bp)
	}
	if d := cmp.Compare(bufferRow, tableRow); d >= 0 {
		t.Fatalf("Compare(%q, %q) = %d, want < 0", "aaa", "bbb", d)
	}
}
