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

// Package rowset defines the memtable's flush-time collaborator: a
// Writer that a fully sorted memtable hands its durable rows to once
// its write path is done with them. The memtable knows nothing about
// a Writer's on-disk representation; it only knows the Writer/Source
// contract this package defines.
package rowset

import (
	"errors"

	"github.com/tablewrite/memtable/rowcodec"
)

// ErrNotImplemented is returned by a Writer's FlushSingleMemtable to
// signal that it has no fast path for flushing a single, already-
// sorted memtable directly and the caller should fall back to driving
// it through AddRow one row at a time. It is a sentinel rather than a
// wrapped error because the decision to fall back is made by
// comparing against it with errors.Is, not by inspecting its contents.
var ErrNotImplemented = errors.New("rowset: FlushSingleMemtable not implemented")

// Value is one column's resolved contribution to a flushed row: the
// memtable has already dereferenced any Bytes payload and finalized
// any aggregate state by the time a Writer sees it, so a Writer never
// needs access to the memtable's arenas or pools directly. Type names
// which of the fields below is meaningful; a zero Int64 or Float64 is
// a real value; Type is what tells AddRow so it doesn't have to guess.
type Value struct {
	Null    bool
	Type    rowcodec.Type
	Int64   int64
	Float64 float64
	Bytes   []byte
	Agg     rowcodec.State
}

// Source iterates a memtable's durable rows in sorted order at flush
// time.
type Source interface {
	// Len returns the number of rows the source will yield.
	Len() int
	// Row returns row i's column values, in schema order.
	Row(i int) []Value
}

// Writer accepts rows one at a time and produces a durable
// representation of them on Flush.
type Writer interface {
	AddRow(cols []Value) error
	Flush() (FlushResult, error)
}

// FastFlusher is optionally implemented by a Writer that can encode an
// entire already-sorted Source more efficiently than row-by-row
// AddRow calls (e.g. by memcpying whole column runs instead of
// re-framing each value). FlushSource tries this path first and falls
// back to the generic one when it returns ErrNotImplemented.
type FastFlusher interface {
	FlushSingleMemtable(src Source) (FlushResult, error)
}

// FlushResult describes one completed flush.
type FlushResult struct {
	// FlushID uniquely identifies this flush, for the benefit of
	// callers correlating it against a manifest or compaction log.
	FlushID string
	// Bytes is the size of the durable representation actually
	// written, after compression.
	Bytes int64
}

// FlushSource drains src into w, preferring w's fast path when it
// implements one. A Writer that doesn't implement FastFlusher, or
// whose fast path declines via ErrNotImplemented, is driven through
// the generic per-row path instead.
func FlushSource(w Writer, src Source) (FlushResult, error) {
	if ff, ok := w.(FastFlusher); ok {
		result, err := ff.FlushSingleMemtable(src)
		if !errors.Is(err, ErrNotImplemented) {
			return result, err
		}
	}
	n := src.Len()
	for i := 0; i < n; i++ {
		if err := w.AddRow(src.Row(i)); err != nil {
			return FlushResult{}, err
		}
	}
	return w.Flush()
}
