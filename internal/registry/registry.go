// Package registry implements C1 (the module table) and C2 (the class
// map) from the plugin loader spec: an ordered table of known libraries
// plus the clsid -> (module index, factory descriptor) index used at
// object-creation time.
//
// Table is mutated only by the loader, and only from the loader's
// designated main thread (spec §5) — it carries no internal locking. The
// loader's loading/unloading guards are what make that safe, not a mutex
// here.
package registry

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/c4pt0r/x3plugin/internal/abi"
	"github.com/c4pt0r/x3plugin/internal/clsid"
)

// Handle is an opaque OS (or WASM runtime) library handle. Unrealized is
// the sentinel for a delay-load placeholder that has not yet been
// materialized from disk.
type Handle uintptr

// Unrealized marks a module record backed only by a class-cache entry.
const Unrealized Handle = 0

// ModuleRecord is one entry in C1 (spec §3).
type ModuleRecord struct {
	Handle     Handle
	Filename   string
	Owned      bool
	Inited     bool
	CLSIDs     []clsid.CLSID
	Capability abi.ModuleCapability
	Hooks      *abi.Hooks
}

// Realized reports whether this record is backed by an actual handle as
// opposed to being a cache-only placeholder.
func (m *ModuleRecord) Realized() bool {
	return m.Handle != Unrealized
}

type classMapItem struct {
	moduleIndex int
	descriptor  abi.FactoryDescriptor
}

// Table is the paired C1/C2 structure.
type Table struct {
	modules []*ModuleRecord
	classes map[string]classMapItem // keyed by clsid.String()
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{classes: make(map[string]classMapItem)}
}

// Size returns the number of module records (|C1|).
func (t *Table) Size() int { return len(t.modules) }

// At returns the module record at index i, or nil if out of range.
func (t *Table) At(i int) *ModuleRecord {
	if i < 0 || i >= len(t.modules) {
		return nil
	}
	return t.modules[i]
}

func basename(path string) string {
	return filepath.Base(filepath.FromSlash(path))
}

// SameBasename implements the identity comparison spec §3 invariant 1
// requires: case-insensitive basename equality.
func SameBasename(a, b string) bool {
	return strings.EqualFold(basename(a), basename(b))
}

// FindByBasename returns the index of the module whose filename has the
// same case-insensitive basename, or -1.
func (t *Table) FindByBasename(filename string) int {
	for i, m := range t.modules {
		if SameBasename(m.Filename, filename) {
			return i
		}
	}
	return -1
}

// FindByHandle returns the index of the module with the given realized
// handle, or -1. Unrealized never matches (many placeholders share it).
func (t *Table) FindByHandle(h Handle) int {
	if h == Unrealized {
		return -1
	}
	for i, m := range t.modules {
		if m.Handle == h {
			return i
		}
	}
	return -1
}

// Append adds a new module record and returns its index.
func (t *Table) Append(m *ModuleRecord) int {
	t.modules = append(t.modules, m)
	return len(t.modules) - 1
}

// ReplaceAt overwrites the record at index i in place, preserving the
// index (spec §4.1 RegisterPlugin step 4: upgrading a delay-load
// placeholder must not renumber it).
func (t *Table) ReplaceAt(i int, m *ModuleRecord) error {
	if i < 0 || i >= len(t.modules) {
		return fmt.Errorf("registry: index %d out of range", i)
	}
	t.modules[i] = m
	return nil
}

// RemoveAt deletes the record at index i, drops its class-map entries,
// and shifts every class-map entry pointing above i down by one so
// invariant 2 (0 <= index < |C1|) keeps holding after the table shrinks.
func (t *Table) RemoveAt(i int) error {
	if i < 0 || i >= len(t.modules) {
		return fmt.Errorf("registry: index %d out of range", i)
	}
	for key, item := range t.classes {
		switch {
		case item.moduleIndex == i:
			delete(t.classes, key)
		case item.moduleIndex > i:
			item.moduleIndex--
			t.classes[key] = item
		}
	}
	t.modules = append(t.modules[:i], t.modules[i+1:]...)
	return nil
}

// Lookup returns the class-map entry for id, per C2's authoritative
// lookup used at object-creation time.
func (t *Table) Lookup(id clsid.CLSID) (moduleIndex int, desc abi.FactoryDescriptor, ok bool) {
	item, found := t.classes[id.String()]
	if !found {
		return -1, abi.FactoryDescriptor{}, false
	}
	return item.moduleIndex, item.descriptor, true
}

// Insert records clsid -> (moduleIndex, desc). Collisions between
// descriptors from different modules are resolved first-writer-wins: the
// loser is dropped and Insert returns false (spec §4.1 step 5).
func (t *Table) Insert(moduleIndex int, desc abi.FactoryDescriptor) bool {
	key := desc.CLSID.String()
	if existing, found := t.classes[key]; found && existing.moduleIndex != moduleIndex {
		return false
	}
	t.classes[key] = classMapItem{moduleIndex: moduleIndex, descriptor: desc}
	return true
}

// RemoveClassesOf drops every class-map entry owned by moduleIndex,
// without touching the module table itself (used by Unload, which keeps
// the record around as owned=false/hdll=nil in some designs but here
// simply removes it via RemoveAt after this call).
func (t *Table) RemoveClassesOf(moduleIndex int) {
	for key, item := range t.classes {
		if item.moduleIndex == moduleIndex {
			delete(t.classes, key)
		}
	}
}

// ClassCount reports |C2|, mostly for tests asserting scenario outcomes.
func (t *Table) ClassCount() int {
	return len(t.classes)
}

// CheckInvariants verifies spec §3 invariants 1-3 hold. The registry's
// own tests call it after mutating a table; the loader does not call it.
func (t *Table) CheckInvariants() error {
	seen := make(map[string]int)
	for i, m := range t.modules {
		if !m.Realized() {
			continue
		}
		key := strings.ToLower(basename(m.Filename))
		if j, dup := seen[key]; dup {
			return fmt.Errorf("registry: invariant 1 violated: modules %d and %d share basename %q", j, i, key)
		}
		seen[key] = i
	}

	for key, item := range t.classes {
		if item.moduleIndex < 0 || item.moduleIndex >= len(t.modules) {
			return fmt.Errorf("registry: invariant 2 violated: clsid %s points at out-of-range index %d", key, item.moduleIndex)
		}
		owner := t.modules[item.moduleIndex]
		found := false
		for _, c := range owner.CLSIDs {
			if c.String() == key {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("registry: invariant 2 violated: clsid %s maps to module %d which does not declare it", key, item.moduleIndex)
		}
	}

	for i, m := range t.modules {
		for _, c := range m.CLSIDs {
			item, found := t.classes[c.String()]
			if !found {
				if !m.Realized() {
					continue // materialized only from cache; invariant 3 exception
				}
				return fmt.Errorf("registry: invariant 3 violated: module %d declares clsid %s absent from the class map", i, c)
			}
			if item.moduleIndex != i {
				return fmt.Errorf("registry: invariant 3 violated: clsid %s declared by module %d but mapped to %d", c, i, item.moduleIndex)
			}
		}
	}

	return nil
}
