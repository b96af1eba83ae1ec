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

// Package memtracker implements a hierarchical memory accounting tree.
//
// A Tracker may have a parent; consuming bytes against a child also
// consumes them against every ancestor up to the root, and a consume
// call fails if it would push any tracker in the chain past its limit.
// Trackers are safe for concurrent use because many memtables may share
// one root tracker even though no single memtable is itself concurrent.
package memtracker

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
)

// ErrLimitExceeded is returned by Consume when growing the tracker
// (or one of its ancestors) past its configured limit.
var ErrLimitExceeded = errors.New("memtracker: limit exceeded")

// Tracker is one node in a hierarchy of memory accounting limits.
// The zero value is not usable; construct one with NewRoot or Child.
type Tracker struct {
	name   string
	parent *Tracker
	limit  int64 // 0 means unbounded
	used   int64 // atomic
}

// NewRoot creates a root tracker with the given name and limit.
// A limit of 0 means unbounded (only useful for tests; production
// callers should size the root after DefaultLimit or an operator-supplied
// budget).
func NewRoot(name string, limit int64) *Tracker {
	return &Tracker{name: name, limit: limit}
}

// Child creates a tracker that reports into t. The child's own limit
// is independent of (and checked in addition to) every ancestor's limit.
func (t *Tracker) Child(name string, limit int64) *Tracker {
	return &Tracker{name: name, parent: t, limit: limit}
}

// Name returns the tracker's name, usually the owning tablet ID.
func (t *Tracker) Name() string { return t.name }

// Used returns the number of bytes currently accounted to t (not
// including descendants' private accounting beyond what they've
// reported up through Consume).
func (t *Tracker) Used() int64 { return atomic.LoadInt64(&t.used) }

// Limit returns the configured limit for t, or 0 if unbounded.
func (t *Tracker) Limit() int64 { return t.limit }

// Consume reports n additional bytes of usage against t and every
// ancestor. If any tracker in the chain would exceed its limit, no
// tracker is modified and ErrLimitExceeded is returned.
func (t *Tracker) Consume(n int64) error {
	if n == 0 {
		return nil
	}
	// walk to the root checking limits first so that a failure
	// never leaves a partial update applied to some trackers but
	// not others
	for cur := t; cur != nil; cur = cur.parent {
		if cur.limit > 0 && atomic.LoadInt64(&cur.used)+n > cur.limit {
			return fmt.Errorf("%w: tracker %q at %d+%d bytes exceeds limit %d",
				ErrLimitExceeded, cur.name, atomic.LoadInt64(&cur.used), n, cur.limit)
		}
	}
	for cur := t; cur != nil; cur = cur.parent {
		atomic.AddInt64(&cur.used, n)
	}
	return nil
}

// Release gives back n bytes of previously consumed usage to t and
// every ancestor.
func (t *Tracker) Release(n int64) {
	if n == 0 {
		return
	}
	for cur := t; cur != nil; cur = cur.parent {
		atomic.AddInt64(&cur.used, -n)
	}
}

// DefaultLimit picks a process-wide memtable budget when no explicit
// limit is configured. It prefers the total usable DRAM reported by
// /proc/meminfo on Linux, divided down to a conservative fraction, and
// falls back to an arbitrary fixed budget on platforms where that isn't
// available.
func DefaultLimit() int64 {
	const fraction = 4 // use at most 1/4 of total memory for memtables
	const fallback = 1 << 30

	if runtime.GOOS != "linux" {
		return fallback
	}
	total, err := readMemTotalKB()
	if err != nil || total <= 0 {
		return fallback
	}
	return (total * 1024) / fraction
}

func readMemTotalKB() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var kb int64
	if _, err := fmt.Fscanf(f, "MemTotal: %d kB\n", &kb); err != nil {
		return 0, err
	}
	return kb, nil
}
