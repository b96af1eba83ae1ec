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

package memtable

import (
	"errors"
	"testing"

	"github.com/tablewrite/memtable/config"
	"github.com/tablewrite/memtable/keycmp"
	"github.com/tablewrite/memtable/memtracker"
	"github.com/tablewrite/memtable/rowcodec"
	"github.com/tablewrite/memtable/rowset"
)

// intRow is an InputRow over a flat list of int64 slot values; every
// scenario test below uses only Int64 columns.
type intRow []int64

func (r intRow) Null(int) bool          { return false }
func (r intRow) Int64(slot int) int64   { return r[slot] }
func (r intRow) Float64(int) float64    { return 0 }
func (r intRow) Bytes(int) []byte       { return nil }
func (r intRow) Agg(int) rowcodec.State { panic("intRow never carries an aggregate-state column") }

func newTable(t *testing.T, schema *rowcodec.Schema, model KeyModel, sort keycmp.SortSpec) *MemTable {
	t.Helper()
	mt, err := New(Config{
		TableID:  "test-table",
		Schema:   schema,
		KeyModel: model,
		Sort:     sort,
		Tunables: config.DefaultTunables(),
		Parent:   memtracker.NewRoot("root", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { mt.Close() })
	return mt
}

// collectRows drains an Iterator into a [][]int64, reading every
// column as Int64 regardless of its logical meaning (fine since every
// scenario test below only uses Int64 columns).
func collectRows(t *testing.T, mt *MemTable) [][]int64 {
	t.Helper()
	var out [][]int64
	it := mt.Iterator()
	for it.Next() {
		cols := it.Row()
		row := make([]int64, len(cols))
		for i, c := range cols {
			row[i] = c.Int64
		}
		out = append(out, row)
	}
	return out
}

func mustInsert(t *testing.T, mt *MemTable, row intRow) {
	t.Helper()
	if err := mt.Insert(row); err != nil {
		t.Fatalf("Insert(%v): %v", []int64(row), err)
	}
}

// Scenario 1: DUP, 3 rows same key.
func TestScenarioDUPSameKey(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "v", Type: rowcodec.Int64},
		},
	}
	mt := newTable(t, schema, DUP, keycmp.SortSpec{})
	for _, v := range []int64{10, 20, 30} {
		mustInsert(t, mt, intRow{1, v})
	}

	got := collectRows(t, mt)
	want := [][]int64{{1, 10}, {1, 20}, {1, 30}}
	assertRowsEqual(t, got, want)
	if mt.RowsInserted() != 3 {
		t.Fatalf("RowsInserted() = %d, want 3", mt.RowsInserted())
	}
}

// Scenario 2: AGG sum.
func TestScenarioAGGSum(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "v", Type: rowcodec.Int64, Agg: rowcodec.AggSum},
		},
	}
	mt := newTable(t, schema, AGG, keycmp.SortSpec{})
	for _, row := range []intRow{{1, 10}, {2, 5}, {1, 20}, {1, 7}} {
		mustInsert(t, mt, row)
	}

	got := collectRows(t, mt)
	want := [][]int64{{1, 37}, {2, 5}}
	assertRowsEqual(t, got, want)
}

// Scenario 3: AGG mixed min/max.
func TestScenarioAGGMinMax(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "a", Type: rowcodec.Int64, Agg: rowcodec.AggMin},
			{Name: "b", Type: rowcodec.Int64, Agg: rowcodec.AggMax},
		},
	}
	mt := newTable(t, schema, AGG, keycmp.SortSpec{})
	for _, row := range []intRow{{1, 5, 5}, {1, 3, 9}, {1, 7, 6}} {
		mustInsert(t, mt, row)
	}

	got := collectRows(t, mt)
	want := [][]int64{{1, 3, 9}}
	assertRowsEqual(t, got, want)
}

// Scenario 4: UNIQUE latest wins, no sequence column.
func TestScenarioUNIQUENoSequence(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "v", Type: rowcodec.Int64, Agg: rowcodec.AggReplace},
		},
	}
	mt := newTable(t, schema, UNIQUE, keycmp.SortSpec{})
	for _, row := range []intRow{{1, 100}, {1, 200}, {1, 150}} {
		mustInsert(t, mt, row)
	}

	got := collectRows(t, mt)
	want := [][]int64{{1, 150}}
	assertRowsEqual(t, got, want)
}

// Scenario 5: UNIQUE with a sequence column; ties broken by arrival order.
func TestScenarioUNIQUEWithSequence(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "v", Type: rowcodec.Int64, Agg: rowcodec.AggReplace},
			{Name: "seq", Type: rowcodec.Int64, Sequence: true},
		},
	}
	mt := newTable(t, schema, UNIQUE, keycmp.SortSpec{})
	for _, row := range []intRow{{1, 100, 5}, {1, 200, 3}, {1, 150, 7}, {1, 999, 7}} {
		mustInsert(t, mt, row)
	}

	got := collectRows(t, mt)
	want := [][]int64{{1, 999, 7}}
	assertRowsEqual(t, got, want)
}

// Scenario 6: Z-order two-column sort.
func TestScenarioZOrderTwoColumn(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 2,
		Columns: []rowcodec.Column{
			{Name: "x", Type: rowcodec.Int64, Key: true, ZBits: 8},
			{Name: "y", Type: rowcodec.Int64, Key: true, ZBits: 8},
		},
	}
	mt := newTable(t, schema, DUP, keycmp.SortSpec{Kind: keycmp.ZOrder, K: 2})
	for _, row := range []intRow{{0, 0}, {3, 0}, {0, 3}, {3, 3}, {1, 1}} {
		mustInsert(t, mt, row)
	}

	got := collectRows(t, mt)
	want := [][]int64{{0, 0}, {1, 1}, {0, 3}, {3, 0}, {3, 3}}
	assertRowsEqual(t, got, want)
}

func assertRowsEqual(t *testing.T, got, want [][]int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d: got=%v want=%v", len(got), len(want), got, want)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("row %d: got %v, want %v", i, got[i], want[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("row %d: got %v, want %v", i, got[i], want[i])
			}
		}
	}
}

// Invariant 8: flush of an empty memtable yields zero AddRow calls and
// one completion.
func TestFlushIdempotenceOnEmpty(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns:    []rowcodec.Column{{Name: "k", Type: rowcodec.Int64, Key: true}},
	}
	mt := newTable(t, schema, DUP, keycmp.SortSpec{})

	w := &countingWriter{}
	if _, err := mt.Flush(w); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.addRows != 0 {
		t.Fatalf("AddRow called %d times on an empty memtable, want 0", w.addRows)
	}
	if w.flushes != 1 {
		t.Fatalf("Flush called %d times, want 1", w.flushes)
	}
}

// Invariant 6: the buffer arena never grows past its initial chunk
// under the AGG/UNIQUE path, since every insert resets it to empty
// before returning and a single row always fits the initial chunk.
func TestBufferArenaBoundedAfterInsert(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "v", Type: rowcodec.Int64, Agg: rowcodec.AggSum},
		},
	}
	mt := newTable(t, schema, AGG, keycmp.SortSpec{})
	// the arena maps its first chunk lazily on the first Allocate, so the
	// expected high-water is exactly one initial chunk
	before := int64(config.DefaultTunables().ArenaInitialChunkBytes)
	for i := int64(0); i < 200; i++ {
		mustInsert(t, mt, intRow{i % 7, 1})
	}
	if after := mt.buffer.HighWater(); after != before {
		t.Fatalf("buffer arena grew from %d to %d bytes across inserts", before, after)
	}
}

// Row-counter placement: a failed insert (memory limit denied) must
// not increment rows_inserted.
func TestRowsInsertedNotIncrementedOnFailure(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "v", Type: rowcodec.Int64},
		},
	}
	mt, err := New(Config{
		TableID:  "tiny",
		Schema:   schema,
		KeyModel: DUP,
		Tunables: config.Tunables{ArenaInitialChunkBytes: 64, MemoryLimitBytes: 64},
		Parent:   memtracker.NewRoot("root", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mt.Close()

	var lastErr error
	successes := 0
	for i := int64(0); i < 64; i++ {
		if err := mt.Insert(intRow{i, i}); err != nil {
			lastErr = err
			break
		}
		successes++
	}
	if lastErr == nil {
		t.Fatalf("expected the tiny memory limit to eventually reject an insert")
	}
	var memErr *Error
	if !errors.As(lastErr, &memErr) || memErr.Kind != MemoryLimitExceeded {
		t.Fatalf("expected a MemoryLimitExceeded Error, got %v", lastErr)
	}
	if mt.RowsInserted() != int64(successes) {
		t.Fatalf("RowsInserted() = %d, want %d (the failed insert must not count)", mt.RowsInserted(), successes)
	}
}

// Invariant 2: AGG/UNIQUE never flush two rows sharing a key.
func TestKeyUniquenessUnderMerge(t *testing.T) {
	schema := &rowcodec.Schema{
		KeyColumns: 1,
		Columns: []rowcodec.Column{
			{Name: "k", Type: rowcodec.Int64, Key: true},
			{Name: "v", Type: rowcodec.Int64, Agg: rowcodec.AggSum},
		},
	}
	mt := newTable(t, schema, AGG, keycmp.SortSpec{})
	for i := 0; i < 100; i++ {
		mustInsert(t, mt, intRow{int64(i % 10), 1})
	}
	got := collectRows(t, mt)
	if len(got) != 10 {
		t.Fatalf("got %d distinct keys, want 10", len(got))
	}
	seen := map[int64]bool{}
	for _, row := range got {
		if seen[row[0]] {
			t.Fatalf("key %d appears more than once in flushed output", row[0])
		}
		seen[row[0]] = true
	}
}

type countingWriter struct {
	addRows int
	flushes int
}

func (w *countingWriter) AddRow(cols []rowset.Value) error {
	w.addRows++
	return nil
}

func (w *countingWriter) Flush() (rowset.FlushResult, error) {
	w.flushes++
	return rowset.FlushResult{FlushID: "test"}, nil
}
