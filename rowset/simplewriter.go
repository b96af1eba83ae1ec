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

package rowset

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/tablewrite/memtable/rowcodec"
)

// tag identifies a Value's physical encoding within a row's frame.
type tag byte

const (
	tagNull tag = iota
	tagInt64
	tagFloat64
	tagBytes
	tagAgg
)

// TrailerKey signs the trailer SimpleWriter appends to every flushed
// block, the same way a manifest entry is authenticated elsewhere in
// the write path: a block with a valid signature is known to have been
// produced by a writer holding the key, not merely to have valid zstd
// framing.
type TrailerKey [32]byte

// SimpleWriter is the default rowset.Writer: it frames every row as a
// flat sequence of tagged cells, concatenates rows into a single
// buffer, compresses the buffer with zstd, and appends a blake2b-keyed
// signature trailer that Verify checks. Flush reports the signed
// block's size but does not retain or emit the block itself.
//
// SimpleWriter also implements FastFlusher: FlushSingleMemtable walks
// a Source directly instead of going through the per-call AddRow
// interface, so a single already-sorted memtable's rows reach the
// pending buffer without the extra method-call and slice-header
// overhead AddRow's one-row-at-a-time contract otherwise imposes.
type SimpleWriter struct {
	key   TrailerKey
	level zstd.EncoderLevel
	raw   []byte
	rows  int
}

var _ Writer = (*SimpleWriter)(nil)
var _ FastFlusher = (*SimpleWriter)(nil)

// NewSimpleWriter builds a SimpleWriter that signs its output with
// key and compresses at level.
func NewSimpleWriter(key TrailerKey, level int) *SimpleWriter {
	return &SimpleWriter{key: key, level: zstd.EncoderLevel(level)}
}

// AddRow appends one row's cells to the pending buffer.
func (w *SimpleWriter) AddRow(cols []Value) error {
	for _, v := range cols {
		if err := w.appendValue(v); err != nil {
			return err
		}
	}
	w.rows++
	return nil
}

func (w *SimpleWriter) appendValue(v Value) error {
	if v.Null {
		w.raw = append(w.raw, byte(tagNull))
		return nil
	}
	switch v.Type {
	case rowcodec.HLL, rowcodec.Bitmap:
		v.Agg.Finalize()
		enc, err := encodeAggState(v.Agg)
		if err != nil {
			return err
		}
		w.raw = append(w.raw, byte(tagAgg))
		w.raw = appendUvarint(w.raw, uint64(len(enc)))
		w.raw = append(w.raw, enc...)
	case rowcodec.Bytes:
		w.raw = append(w.raw, byte(tagBytes))
		w.raw = appendUvarint(w.raw, uint64(len(v.Bytes)))
		w.raw = append(w.raw, v.Bytes...)
	case rowcodec.Float64:
		w.raw = append(w.raw, byte(tagFloat64))
		w.raw = appendUint64(w.raw, math.Float64bits(v.Float64))
	default: // rowcodec.Int64
		w.raw = append(w.raw, byte(tagInt64))
		w.raw = appendUint64(w.raw, uint64(v.Int64))
	}
	return nil
}

// FlushSingleMemtable drains src's rows straight into the pending
// buffer and flushes, bypassing the AddRow interface call per row.
// Any per-row encoding failure still surfaces as an error rather than
// a partial block: the pending buffer is rolled back to what it held
// before the call, so SimpleWriter has no pending state left over from
// a failed fast-path attempt, and FlushSource callers never need to
// fall back mid-flush.
func (w *SimpleWriter) FlushSingleMemtable(src Source) (FlushResult, error) {
	startLen, startRows := len(w.raw), w.rows
	n := src.Len()
	for i := 0; i < n; i++ {
		for _, v := range src.Row(i) {
			if err := w.appendValue(v); err != nil {
				w.raw, w.rows = w.raw[:startLen], startRows
				return FlushResult{}, err
			}
		}
		w.rows++
	}
	return w.Flush()
}

// encodeAggState encodes a finalized aggregate state's externally
// visible value. SimpleWriter only needs to distinguish an estimator
// that exposes an Estimate() uint64 (HLL) from one that exposes a
// Count() int (Bitmap); anything else is rejected rather than silently
// dropped, since a flushed block with a missing column is a
// correctness bug, not a recoverable condition.
func encodeAggState(s interface{ Finalize() }) ([]byte, error) {
	switch v := s.(type) {
	case interface{ Estimate() uint64 }:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v.Estimate())
		return buf, nil
	case interface{ Count() int }:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.Count()))
		return buf, nil
	default:
		return nil, fmt.Errorf("rowset: aggregate state %T exposes no known summary accessor", s)
	}
}

// Flush compresses the pending buffer, signs it, and resets the
// writer for the next block. The signed block is not kept or handed
// to anything: Flush returns only its size (FlushResult.Bytes) and a
// fresh flush ID.
func (w *SimpleWriter) Flush() (FlushResult, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(w.level))
	if err != nil {
		return FlushResult{}, fmt.Errorf("rowset: build zstd encoder: %w", err)
	}
	defer enc.Close()

	compressed := enc.EncodeAll(w.raw, nil)
	signed, err := w.sign(compressed)
	if err != nil {
		return FlushResult{}, err
	}

	id := uuid.New().String()
	w.raw = nil
	w.rows = 0
	return FlushResult{FlushID: id, Bytes: int64(len(signed))}, nil
}

// sign appends a fixed-length (blake2b.Size256) keyed MAC trailer to
// block, so a downstream reader can always find the signature by
// counting back from the end of the blob regardless of its content.
func (w *SimpleWriter) sign(block []byte) ([]byte, error) {
	h, err := blake2b.New256(w.key[:])
	if err != nil {
		return nil, fmt.Errorf("rowset: build signer: %w", err)
	}
	if _, err := h.Write(block); err != nil {
		return nil, fmt.Errorf("rowset: sign block: %w", err)
	}
	return h.Sum(block), nil
}

// Verify reports whether block's trailing blake2b-256 signature
// matches key, returning the unsigned payload when it does.
func Verify(key TrailerKey, block []byte) ([]byte, bool) {
	const sigLen = blake2b.Size256
	if len(block) < sigLen {
		return nil, false
	}
	payload, sig := block[:len(block)-sigLen], block[len(block)-sigLen:]
	h, err := blake2b.New256(key[:])
	if err != nil {
		return nil, false
	}
	h.Write(payload)
	want := h.Sum(nil)
	if len(want) != len(sig) {
		return nil, false
	}
	for i := range want {
		if want[i] != sig[i] {
			return nil, false
		}
	}
	return payload, true
}

// DeriveKey deterministically derives a TrailerKey from a table's
// identity, so that a memtable never needs its own key management:
// every flush from the same table signs with the same key, and a
// different table's blocks never verify against it.
func DeriveKey(tableID string) TrailerKey {
	var key TrailerKey
	h0 := siphash.Hash(0x726f777365746b65, 0x7931000000000000, []byte(tableID))
	h1 := siphash.Hash(0x726f777365746b65, 0x7932000000000000, []byte(tableID))
	binary.LittleEndian.PutUint64(key[0:8], h0)
	binary.LittleEndian.PutUint64(key[8:16], h1)
	binary.LittleEndian.PutUint64(key[16:24], h0^h1)
	binary.LittleEndian.PutUint64(key[24:32], h0+h1)
	return key
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}
