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

// Package agg implements the aggregate-state values a memtable's
// HLL and Bitmap columns hold by handle: a HyperLogLog sketch for
// approximate distinct counting, and a plain bitmap for exact small-
// domain set columns. Both satisfy rowcodec.State.
package agg

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/dchest/siphash"

	"github.com/tablewrite/memtable/rowcodec"
)

// hllPrecision controls the register count (2^hllPrecision) and
// therefore the sketch's accuracy/size tradeoff; 14 gives roughly 0.8%
// standard error at 16 KiB per sketch, the precision most production
// HLL column implementations settle on.
const hllPrecision = 14

const hllBuckets = 1 << hllPrecision

// HLL is a HyperLogLog cardinality sketch, kept as one byte per
// register (the register's run length), merged by taking the
// register-wise max and estimated with the original Flajolet et al.
// bias-corrected formula.
type HLL struct {
	buckets   []byte
	estimate  uint64
	finalized bool
}

var _ rowcodec.State = (*HLL)(nil)

// NewHLL returns an empty sketch.
func NewHLL() *HLL {
	return &HLL{buckets: make([]byte, hllBuckets)}
}

// NewHLLFromBytes seeds a single-value sketch from raw column bytes.
// Hashing the raw value is the only place an HLL column touches the
// siphash dependency; everything downstream operates on the resulting
// 64-bit hash.
func NewHLLFromBytes(raw []byte) *HLL {
	h := NewHLL()
	h.AddHash(siphash.Hash(0x686c6c6861736831, 0x686c6c6861736832, raw))
	return h
}

// AddHash folds one already-hashed value into the sketch: the low
// hllPrecision bits select a register, and the register stores the
// 1-based position of the lowest set bit among the remaining bits (its
// "run length"), keeping the maximum ever observed.
func (h *HLL) AddHash(hash uint64) {
	idx := hash & (hllBuckets - 1)
	rest := hash >> hllPrecision
	var run byte
	if rest == 0 {
		run = byte(64 - hllPrecision + 1)
	} else {
		run = byte(bits.TrailingZeros64(rest) + 1)
	}
	if run > h.buckets[idx] {
		h.buckets[idx] = run
	}
}

// Merge implements rowcodec.State by taking the register-wise max of
// the two sketches, the standard HLL union operation.
func (h *HLL) Merge(other rowcodec.State) {
	o, ok := other.(*HLL)
	if !ok {
		panic(fmt.Sprintf("agg: HLL.Merge got %T", other))
	}
	if len(o.buckets) != len(h.buckets) {
		panic(fmt.Sprintf("agg: incompatible HLL sketch sizes %d and %d", len(h.buckets), len(o.buckets)))
	}
	for i, v := range o.buckets {
		if v > h.buckets[i] {
			h.buckets[i] = v
		}
	}
	h.finalized = false
}

// Finalize computes the sketch's cardinality estimate. It is
// idempotent: a second call is a no-op, since Merge after Finalize
// would otherwise silently leave a stale estimate in place.
func (h *HLL) Finalize() {
	if h.finalized {
		return
	}
	h.estimate = uint64(hllEstimate(h.buckets))
	h.finalized = true
}

// Estimate returns the sketch's cardinality estimate. Finalize must
// have been called first.
func (h *HLL) Estimate() uint64 { return h.estimate }

// Cleanup is a no-op: an HLL sketch holds no external resources.
func (h *HLL) Cleanup() {}

func hllEstimate(b []byte) float64 {
	e := hllRawEstimate(b)
	m := float64(len(b))

	if e < 5*m/2 {
		if v := hllZeroCount(b); v != 0 {
			return m * math.Log(m/float64(v))
		}
		return e
	}

	const pow32 = float64(1 << 32)
	if e > pow32/30 {
		return -pow32 * math.Log(1-e/pow32)
	}
	return e
}

func hllRawEstimate(b []byte) float64 {
	sum := 0.0
	for _, v := range b {
		sum += pow2Int(-int(v))
	}
	m := len(b)
	return hllAlpha(m) * float64(m) * float64(m) / sum
}

func hllZeroCount(b []byte) int {
	n := 0
	for _, v := range b {
		if v == 0 {
			n++
		}
	}
	return n
}

func hllAlpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	}
	return 0.7213 / (1.0 + 1.079/float64(m))
}

// pow2Int computes 2^exp via direct float64 bit construction rather
// than math.Pow, matching the exponent range every register run length
// ever falls in.
func pow2Int(exp int) float64 {
	const bias = 1023
	const exponentShift = 52
	return math.Float64frombits(uint64(exp+bias) << exponentShift)
}
