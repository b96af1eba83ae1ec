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

package arena

import (
	"testing"

	"github.com/tablewrite/memtable/memtracker"
)

func TestAllocateAndDeref(t *testing.T) {
	tr := memtracker.NewRoot("root", 0)
	a := New(tr, 64)

	p1, err := a.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b1 := a.Bytes(p1, 16)
	copy(b1, []byte("0123456789abcdef"))

	p2, err := a.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b2 := a.Bytes(p2, 16)
	copy(b2, []byte("fedcba9876543210"))

	if string(a.Bytes(p1, 16)) != "0123456789abcdef" {
		t.Fatalf("first allocation corrupted: %q", a.Bytes(p1, 16))
	}
	if string(a.Bytes(p2, 16)) != "fedcba9876543210" {
		t.Fatalf("second allocation corrupted: %q", a.Bytes(p2, 16))
	}
}

func TestGrowsAcrossChunks(t *testing.T) {
	tr := memtracker.NewRoot("root", 0)
	a := New(tr, 32)

	var ptrs []Ptr
	for i := 0; i < 64; i++ {
		p, err := a.Allocate(32)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		b := a.Bytes(p, 32)
		b[0] = byte(i)
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		if got := a.Bytes(p, 32)[0]; got != byte(i) {
			t.Fatalf("ptr %d: got %d, want %d", i, got, i)
		}
	}
	if a.HighWater() == 0 {
		t.Fatalf("expected nonzero high water mark")
	}
}

func TestResetIsLogicalOnly(t *testing.T) {
	tr := memtracker.NewRoot("root", 0)
	a := New(tr, 64)
	if _, err := a.Allocate(48); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	before := a.HighWater()
	a.Reset()
	if a.HighWater() != before {
		t.Fatalf("Reset must not change the mapped high-water mark: got %d, want %d", a.HighWater(), before)
	}
	// the chunk should be reusable after Reset without remapping
	p, err := a.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate after Reset: %v", err)
	}
	if p != 0 {
		t.Fatalf("Allocate after Reset should reuse chunk from offset 0, got Ptr(%d)", p)
	}
}

func TestAllocateDeniedByTracker(t *testing.T) {
	tr := memtracker.NewRoot("root", 16) // smaller than one chunk
	a := New(tr, 64)
	if _, err := a.Allocate(8); err == nil {
		t.Fatalf("expected Allocate to fail when tracker limit is smaller than the chunk size")
	}
}

func TestReleaseGivesBackTrackerBytes(t *testing.T) {
	tr := memtracker.NewRoot("root", 0)
	a := New(tr, 64)
	if _, err := a.Allocate(16); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if tr.Used() == 0 {
		t.Fatalf("expected nonzero tracker usage after Allocate")
	}
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if tr.Used() != 0 {
		t.Fatalf("tracker usage after Release = %d, want 0", tr.Used())
	}
}
