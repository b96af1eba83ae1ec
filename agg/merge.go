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

// Package agg additionally implements the column-wise merge rules the
// AGG key model applies when a newly encoded row's key already exists
// in the index, and the UNIQUE key model's replace/tie-break rule.
package agg

import (
	"fmt"

	"github.com/tablewrite/memtable/rowcodec"
)

// MergeInto combines src's non-key columns into dst in place,
// according to each column's configured AggFunc. It is the AGG key
// model's insert-time collision handler: dst is the row already
// durable in the table arena, src the newly encoded row about to be
// discarded once its contribution has been folded in. into names the
// arena dst's row lives in, so a Bytes column copied verbatim from src
// (e.g. under AggReplace) gets its payload re-homed there rather than
// left pointing at src's arena.
//
// MergeInto returns an error when re-homing a Bytes column's payload
// is denied by the destination arena's memory tracker. dst may be left
// partially merged in that case; the caller treats this as a
// MemoryLimitExceeded condition on the whole Insert, not a partial
// success.
func MergeInto(codec *rowcodec.Codec, schema *rowcodec.Schema, into rowcodec.ArenaKind, dst, src []byte, pool *rowcodec.AggPool) error {
	for col, cd := range schema.Columns {
		if cd.Key {
			continue
		}
		if codec.IsNull(src, col) {
			continue
		}
		if codec.IsNull(dst, col) {
			if err := codec.PromoteCell(dst, into, src, col); err != nil {
				return err
			}
			continue
		}
		switch cd.Type {
		case rowcodec.HLL, rowcodec.Bitmap:
			pool.Get(codec.AggHandle(dst, col)).Merge(pool.Get(codec.AggHandle(src, col)))
		default:
			if err := mergeScalar(codec, cd, into, dst, src, col); err != nil {
				return err
			}
		}
	}
	return nil
}

func mergeScalar(codec *rowcodec.Codec, cd rowcodec.Column, into rowcodec.ArenaKind, dst, src []byte, col int) error {
	switch cd.Agg {
	case rowcodec.AggSum:
		if cd.Type == rowcodec.Float64 {
			codec.SetFloat64(dst, col, codec.Float64(dst, col)+codec.Float64(src, col))
		} else {
			codec.SetInt64(dst, col, codec.Int64(dst, col)+codec.Int64(src, col))
		}
	case rowcodec.AggMin:
		if cd.Type == rowcodec.Float64 {
			if v := codec.Float64(src, col); v < codec.Float64(dst, col) {
				codec.SetFloat64(dst, col, v)
			}
		} else if v := codec.Int64(src, col); v < codec.Int64(dst, col) {
			codec.SetInt64(dst, col, v)
		}
	case rowcodec.AggMax:
		if cd.Type == rowcodec.Float64 {
			if v := codec.Float64(src, col); v > codec.Float64(dst, col) {
				codec.SetFloat64(dst, col, v)
			}
		} else if v := codec.Int64(src, col); v > codec.Int64(dst, col) {
			codec.SetInt64(dst, col, v)
		}
	case rowcodec.AggReplace:
		return codec.PromoteCell(dst, into, src, col)
	default:
		panic(fmt.Sprintf("agg: column %q has no merge function configured under AGG", cd.Name))
	}
	return nil
}

// ReplaceIfNewer implements the UNIQUE key model's collision rule: src
// replaces dst's non-key columns wholesale. When schema has a
// configured sequence column, the replace only takes effect if src's
// sequence value is greater than or equal to dst's (so a late-arriving
// row carrying an older sequence number is silently dropped instead of
// clobbering newer state); without a sequence column every collision
// is last-write-wins and always replaces. It reports whether the
// replace was applied. into names the arena dst's row lives in, so a
// replaced Bytes column's payload is re-homed there rather than left
// pointing at src's arena.
//
// ReplaceIfNewer returns an error when re-homing a replaced Bytes
// column's payload is denied by the destination arena's memory
// tracker. dst may be left partially replaced in that case; the caller
// treats this as a MemoryLimitExceeded condition on the whole Insert.
func ReplaceIfNewer(codec *rowcodec.Codec, schema *rowcodec.Schema, into rowcodec.ArenaKind, dst, src []byte) (bool, error) {
	if seqCol := schema.SequenceColumn(); seqCol >= 0 {
		if codec.Int64(src, seqCol) < codec.Int64(dst, seqCol) {
			return false, nil
		}
	}
	for col, cd := range schema.Columns {
		if cd.Key {
			continue
		}
		if codec.IsNull(src, col) {
			codec.SetNull(dst, col, true)
			continue
		}
		if err := codec.PromoteCell(dst, into, src, col); err != nil {
			return false, err
		}
	}
	return true, nil
}
