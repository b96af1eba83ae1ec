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

// Package memtable is the write-path buffer for a single tablet: it
// absorbs incoming rows in whatever order they arrive, orders and
// optionally merges them per the tablet's key model, and flushes a
// sorted, finalized result into a rowset.Writer. It coordinates the
// arena, rowcodec, keycmp, skiplist, and agg packages; callers only
// ever see this façade.
package memtable

import (
	"fmt"
	"log"

	"github.com/dchest/siphash"

	"github.com/tablewrite/memtable/agg"
	"github.com/tablewrite/memtable/arena"
	"github.com/tablewrite/memtable/config"
	"github.com/tablewrite/memtable/keycmp"
	"github.com/tablewrite/memtable/memtracker"
	"github.com/tablewrite/memtable/rowcodec"
	"github.com/tablewrite/memtable/rowset"
	"github.com/tablewrite/memtable/skiplist"
)

// KeyModel selects how the memtable combines rows that share a key.
type KeyModel int

const (
	// DUP retains every row; the index permits duplicate keys.
	DUP KeyModel = iota
	// AGG merges equal-key rows column-wise per each column's AggFunc.
	AGG
	// UNIQUE replaces equal-key rows outright, tie-broken by an
	// optional sequence column.
	UNIQUE
)

func (k KeyModel) String() string {
	switch k {
	case DUP:
		return "DUP"
	case AGG:
		return "AGG"
	case UNIQUE:
		return "UNIQUE"
	default:
		return fmt.Sprintf("KeyModel(%d)", int(k))
	}
}

// State is the memtable's lifecycle position.
type State int

const (
	Open State = iota
	Flushing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Flushing:
		return "Flushing"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config constructs a MemTable. TableID names the tablet this
// memtable belongs to: it derives the skip-list's height-seed and the
// memory tracker's child name, so two memtables opened for the same
// tablet ID build identically shaped indexes given the same input
// sequence.
type Config struct {
	TableID  string
	Schema   *rowcodec.Schema
	KeyModel KeyModel
	Sort     keycmp.SortSpec
	Tunables config.Tunables
	// Parent is the memory tracker this memtable's own tracker reports
	// into. If nil, a root tracker is created instead.
	Parent *memtracker.Tracker
	// Logger is kept on the memtable for non-fatal diagnostics.
	// Defaults to log.Default(). No code path in this package writes
	// to it; a writer declining its FlushSingleMemtable fast path is
	// handled by rowset.FlushSource without logging.
	Logger *log.Logger
}

// tableSeedK0/tableSeedK1 are fixed siphash keys used only to derive a
// table's skip-list height seed from its ID; they carry no security
// property, just domain separation from the other siphash uses in
// this tree (rowset's key derivation, skiplist's own internal seeding
// of its node-height RNG).
const (
	tableSeedK0 = 0x6d656d7461626c65
	tableSeedK1 = 0x7365656466726f6d
)

// MemTable is the write-path buffer for one tablet. It is not safe for
// concurrent use; ingest parallelism comes from running many
// memtables, not from sharing one.
type MemTable struct {
	tableID  string
	schema   *rowcodec.Schema
	keyModel KeyModel

	tracker *memtracker.Tracker
	table   *arena.Arena
	buffer  *arena.Arena

	durablePool *rowcodec.AggPool
	scratchPool *rowcodec.AggPool

	codec *rowcodec.Codec
	cmp   *keycmp.Comparator
	index *skiplist.Index

	logger *log.Logger

	state        State
	closed       bool
	rowsInserted int64

	flushed     bool
	flushErr    error
	flushResult rowset.FlushResult
}

// New constructs an empty, Open memtable for schema under cfg.
func New(cfg Config) (*MemTable, error) {
	if cfg.Schema == nil {
		return nil, &Error{Kind: InvariantViolation, Context: "Config.Schema must not be nil"}
	}

	tunables := cfg.Tunables
	if tunables.ArenaInitialChunkBytes <= 0 {
		tunables = config.DefaultTunables()
	}
	limit := tunables.MemoryLimitBytes
	if limit <= 0 {
		limit = memtracker.DefaultLimit()
	}
	var tracker *memtracker.Tracker
	if cfg.Parent != nil {
		tracker = cfg.Parent.Child(cfg.TableID, limit)
	} else {
		tracker = memtracker.NewRoot(cfg.TableID, limit)
	}

	table := arena.New(tracker, tunables.ArenaInitialChunkBytes)
	buffer := arena.New(tracker, tunables.ArenaInitialChunkBytes)
	codec := rowcodec.NewCodec(cfg.Schema, table, buffer)
	cmp := keycmp.New(cfg.Schema, codec, cfg.Sort)

	seed := siphash.Hash(tableSeedK0, tableSeedK1, []byte(cfg.TableID))
	index := skiplist.New(cmp, table, cfg.Schema.RowWidth(), cfg.KeyModel == DUP, seed)

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &MemTable{
		tableID:     cfg.TableID,
		schema:      cfg.Schema,
		keyModel:    cfg.KeyModel,
		tracker:     tracker,
		table:       table,
		buffer:      buffer,
		durablePool: &rowcodec.AggPool{},
		scratchPool: &rowcodec.AggPool{},
		codec:       codec,
		cmp:         cmp,
		index:       index,
		logger:      logger,
		state:       Open,
	}, nil
}

// State reports the memtable's current lifecycle position.
func (m *MemTable) State() State { return m.state }

// RowsInserted reports the number of successful Insert calls so far.
func (m *MemTable) RowsInserted() int64 { return m.rowsInserted }

// Len reports the number of rows currently held in the index (equal
// to RowsInserted under DUP; may be smaller under AGG/UNIQUE once
// collisions have merged).
func (m *MemTable) Len() int { return m.index.Len() }

// allocRow reserves one schema.RowWidth()-byte block from a and
// returns both its handle and the writable slice backing it, wrapping
// any tracker denial as a MemoryLimitExceeded Error.
func (m *MemTable) allocRow(a *arena.Arena) (arena.Ptr, []byte, error) {
	width := m.schema.RowWidth()
	p, err := a.Allocate(width)
	if err != nil {
		return 0, nil, &Error{Kind: MemoryLimitExceeded, Context: "allocate row", Err: err}
	}
	return p, a.Bytes(p, width), nil
}

// Insert encodes in and adds it to the memtable, applying the
// configured key model's collision rule. rows_inserted is incremented
// only once Insert has fully succeeded, so a failed insert never
// leaves the counter ahead of the index's actual contents.
func (m *MemTable) Insert(in rowcodec.InputRow) error {
	if m.state != Open {
		return &Error{Kind: InvariantViolation, Context: fmt.Sprintf("insert called in state %s, want Open", m.state)}
	}

	var err error
	if m.keyModel == DUP {
		err = m.insertDup(in)
	} else {
		err = m.insertMerge(in)
	}
	if err != nil {
		return err
	}
	m.rowsInserted++
	return nil
}

func (m *MemTable) insertDup(in rowcodec.InputRow) error {
	ptr, row, err := m.allocRow(m.table)
	if err != nil {
		return err
	}
	if err := m.codec.Encode(row, in, rowcodec.TableArena, m.durablePool); err != nil {
		return &Error{Kind: MemoryLimitExceeded, Context: "encode row", Err: err}
	}
	if _, ok := m.index.Insert(row, ptr); !ok {
		return &Error{Kind: InvariantViolation, Context: "duplicate-key overwrite observed under DUP"}
	}
	return nil
}

// insertMerge implements the AGG/UNIQUE branch of Insert: encode into
// the buffer arena, probe the index, and either merge in place or
// promote the scratch row into a new durable one. The buffer arena
// and scratch aggregate pool are always reset before returning,
// bounding the buffer arena's live allocation to zero between Insert
// calls regardless of which path was taken.
func (m *MemTable) insertMerge(in rowcodec.InputRow) error {
	defer func() {
		m.buffer.Reset()
		m.scratchPool.Reset()
	}()

	_, scratchRow, err := m.allocRow(m.buffer)
	if err != nil {
		return err
	}
	if err := m.codec.Encode(scratchRow, in, rowcodec.BufferArena, m.scratchPool); err != nil {
		return &Error{Kind: MemoryLimitExceeded, Context: "encode row", Err: err}
	}

	existingID, hint, found := m.index.Find(scratchRow)
	if found {
		dst := m.index.Key(existingID)
		switch m.keyModel {
		case AGG:
			if err := agg.MergeInto(m.codec, m.schema, rowcodec.TableArena, dst, scratchRow, m.durablePool); err != nil {
				return &Error{Kind: MemoryLimitExceeded, Context: "merge row", Err: err}
			}
		case UNIQUE:
			if _, err := agg.ReplaceIfNewer(m.codec, m.schema, rowcodec.TableArena, dst, scratchRow); err != nil {
				return &Error{Kind: MemoryLimitExceeded, Context: "replace row", Err: err}
			}
		}
		return nil
	}

	ptr, dstRow, err := m.allocRow(m.table)
	if err != nil {
		return err
	}
	remap := m.durablePool.AcquireFrom(m.scratchPool)
	m.codec.RemapAggHandles(scratchRow, remap)
	if err := m.codec.PromoteRow(dstRow, rowcodec.TableArena, scratchRow); err != nil {
		return &Error{Kind: MemoryLimitExceeded, Context: "promote row", Err: err}
	}
	m.index.InsertWithHint(hint, ptr)
	return nil
}

// finalizeRow converts every aggregate-state column of row into its
// externally visible representation. Finalize is idempotent per
// rowcodec.State's contract, so calling this more than once on the
// same row (once via Iterator, again via a later Flush) is harmless.
func (m *MemTable) finalizeRow(row []byte) {
	for col, cd := range m.schema.Columns {
		if cd.Type != rowcodec.HLL && cd.Type != rowcodec.Bitmap {
			continue
		}
		if m.codec.IsNull(row, col) {
			continue
		}
		m.durablePool.Get(m.codec.AggHandle(row, col)).Finalize()
	}
}

func (m *MemTable) rowValues(row []byte) []rowset.Value {
	vals := make([]rowset.Value, len(m.schema.Columns))
	for col, cd := range m.schema.Columns {
		if m.codec.IsNull(row, col) {
			vals[col] = rowset.Value{Null: true, Type: cd.Type}
			continue
		}
		switch cd.Type {
		case rowcodec.Int64:
			vals[col] = rowset.Value{Type: cd.Type, Int64: m.codec.Int64(row, col)}
		case rowcodec.Float64:
			vals[col] = rowset.Value{Type: cd.Type, Float64: m.codec.Float64(row, col)}
		case rowcodec.Bytes:
			vals[col] = rowset.Value{Type: cd.Type, Bytes: m.codec.Deref(m.codec.VarPtr(row, col))}
		case rowcodec.HLL, rowcodec.Bitmap:
			vals[col] = rowset.Value{Type: cd.Type, Agg: m.durablePool.Get(m.codec.AggHandle(row, col))}
		}
	}
	return vals
}

// snapshotSource is the rowset.Source a Flush call drives: the set of
// row ids present in the index at the moment Flush started, walked
// once up front since skiplist.Index only exposes forward iteration
// but rowset.Source needs random access by position.
type snapshotSource struct {
	mt  *MemTable
	ids []uint32
}

func (m *MemTable) snapshot() *snapshotSource {
	ids := make([]uint32, 0, m.index.Len())
	for id := m.index.SeekFirst(); m.index.Valid(id); id = m.index.Next(id) {
		ids = append(ids, id)
	}
	return &snapshotSource{mt: m, ids: ids}
}

func (s *snapshotSource) Len() int { return len(s.ids) }

func (s *snapshotSource) Row(i int) []rowset.Value {
	row := s.mt.index.Key(s.ids[i])
	s.mt.finalizeRow(row)
	return s.mt.rowValues(row)
}

// Flush finalizes every row currently in the index, in comparator
// order, and hands them to w — via w's FlushSingleMemtable fast path
// if it implements one, falling back to one AddRow call per row
// otherwise. Flush is idempotent if called exactly once; a second
// call returns the first call's cached result without touching w
// again, since a memtable's contents are undefined to mutate once
// Flushing has been entered.
func (m *MemTable) Flush(w rowset.Writer) (rowset.FlushResult, error) {
	if m.flushed {
		return m.flushResult, m.flushErr
	}
	m.flushed = true
	m.state = Flushing

	result, err := rowset.FlushSource(w, m.snapshot())
	if err != nil {
		m.flushErr = &Error{Kind: WriterError, Context: fmt.Sprintf("flush table %q", m.tableID), Err: err}
		return rowset.FlushResult{}, m.flushErr
	}

	m.flushResult = result
	m.state = Closed
	return result, nil
}

// Close releases both arenas and the durable aggregate pool's
// resources. It is safe to call whether or not Flush was called, and
// safe to call more than once; if a prior Flush failed, Close
// re-raises that same error instead of attempting to flush again.
func (m *MemTable) Close() error {
	if m.closed {
		return m.flushErr
	}
	m.closed = true
	m.state = Closed

	var releaseErr error
	if err := m.table.Release(); err != nil {
		releaseErr = fmt.Errorf("memtable: release table arena: %w", err)
	}
	if err := m.buffer.Release(); err != nil && releaseErr == nil {
		releaseErr = fmt.Errorf("memtable: release buffer arena: %w", err)
	}
	m.durablePool.Release()
	m.scratchPool.Release()

	if m.flushErr != nil {
		return m.flushErr
	}
	return releaseErr
}

// Iterator returns a forward iterator over the memtable's rows in
// comparator order, finalizing each row lazily as it's visited. The
// returned Iterator must not be used after the memtable is closed.
func (m *MemTable) Iterator() *Iterator {
	return &Iterator{mt: m}
}

// Iterator is a forward cursor over a MemTable's rows, in comparator
// order.
type Iterator struct {
	mt      *MemTable
	id      uint32
	started bool
}

// Next advances the iterator and reports whether a row is available.
func (it *Iterator) Next() bool {
	if !it.started {
		it.id = it.mt.index.SeekFirst()
		it.started = true
	} else {
		it.id = it.mt.index.Next(it.id)
	}
	return it.mt.index.Valid(it.id)
}

// Row returns the current row's finalized column values, in schema
// order. It is only valid to call after a Next call that returned
// true, and before the following Next call.
func (it *Iterator) Row() []rowset.Value {
	row := it.mt.index.Key(it.id)
	it.mt.finalizeRow(row)
	return it.mt.rowValues(row)
}
