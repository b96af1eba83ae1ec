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

// Package config loads the tunable parameters a memtable is
// constructed with from a YAML definition file, the same way a
// tablet's table definition is authored and checked into source
// control alongside the rest of its schema.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Tunables are the memtable parameters an operator is expected to vary
// per table rather than hardcode: how memory is budgeted between the
// table and buffer arenas, and how aggressively the row-set writer
// compresses flushed output.
type Tunables struct {
	// ArenaInitialChunkBytes sizes the first chunk mapped by both the
	// table and buffer arenas; subsequent chunks double from here.
	ArenaInitialChunkBytes int `json:"arenaInitialChunkBytes"`
	// MemoryLimitBytes caps the memtable's total memory tracker. Zero
	// (or a negative value) selects memtracker.DefaultLimit, derived
	// from the host's memory, at construction time.
	MemoryLimitBytes int64 `json:"memoryLimitBytes"`
	// FlushThresholdBytes is the table-arena high-water mark at which
	// the memtable's owner should call Flush; the memtable itself never
	// triggers a flush on its own.
	FlushThresholdBytes int64 `json:"flushThresholdBytes"`
	// CompressionLevel is passed through to the row-set writer's zstd
	// encoder.
	CompressionLevel int `json:"compressionLevel"`
}

// DefaultTunables returns the values a table definition may omit.
func DefaultTunables() Tunables {
	return Tunables{
		ArenaInitialChunkBytes: 1 << 20,
		MemoryLimitBytes:       0,
		FlushThresholdBytes:    64 << 20,
		CompressionLevel:       3,
	}
}

// Load reads and parses a YAML (or JSON, a subset of YAML) table
// definition file, applying DefaultTunables for any field the file
// leaves unset.
func Load(path string) (Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses definition bytes already read from storage.
func Parse(data []byte) (Tunables, error) {
	t := DefaultTunables()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tunables{}, fmt.Errorf("config: parse definition: %w", err)
	}
	if t.ArenaInitialChunkBytes <= 0 {
		return Tunables{}, fmt.Errorf("config: arenaInitialChunkBytes must be positive, got %d", t.ArenaInitialChunkBytes)
	}
	if t.CompressionLevel < 0 {
		return Tunables{}, fmt.Errorf("config: compressionLevel must be non-negative, got %d", t.CompressionLevel)
	}
	return t, nil
}
