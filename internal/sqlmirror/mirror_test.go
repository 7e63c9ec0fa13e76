package sqlmirror

import (
	"path/filepath"
	"testing"

	"github.com/c4pt0r/x3plugin/internal/abi"
	"github.com/c4pt0r/x3plugin/internal/clsid"
	"github.com/c4pt0r/x3plugin/internal/registry"
)

func openTestMirror(t *testing.T) *Mirror {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirror.db")
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSyncModuleThenRemoveModule(t *testing.T) {
	m := openTestMirror(t)

	idA, err := clsid.Parse("11111111-1111-1111-1111-111111111111")
	if err != nil {
		t.Fatalf("clsid.Parse: %v", err)
	}
	rec := &registry.ModuleRecord{
		Filename: "/opt/A.plugin.so",
		Owned:    true,
		Inited:   true,
		CLSIDs:   []clsid.CLSID{idA},
	}
	tbl := registry.NewTable()
	moduleIndex := tbl.Append(rec)
	tbl.Insert(moduleIndex, abi.FactoryDescriptor{CLSID: idA, ClassName: "Foo"})

	if err := m.SyncModule(tbl, rec); err != nil {
		t.Fatalf("SyncModule: %v", err)
	}

	var count int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM x3_modules WHERE filename = ?`, rec.Filename).Scan(&count); err != nil {
		t.Fatalf("query modules: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one module row, got %d", count)
	}
	var className string
	if err := m.db.QueryRow(`SELECT class_name FROM x3_clsids WHERE filename = ?`, rec.Filename).Scan(&className); err != nil {
		t.Fatalf("query clsids: %v", err)
	}
	if className != "Foo" {
		t.Fatalf("class_name = %q, want %q", className, "Foo")
	}

	if err := m.RemoveModule(rec.Filename); err != nil {
		t.Fatalf("RemoveModule: %v", err)
	}
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM x3_modules WHERE filename = ?`, rec.Filename).Scan(&count); err != nil {
		t.Fatalf("query modules after remove: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected module row gone after remove, got %d", count)
	}
}

func TestSyncModuleIsIdempotent(t *testing.T) {
	m := openTestMirror(t)
	rec := &registry.ModuleRecord{Filename: "/opt/A.plugin.so", Owned: true}
	tbl := registry.NewTable()
	tbl.Append(rec)

	if err := m.SyncModule(tbl, rec); err != nil {
		t.Fatalf("first SyncModule: %v", err)
	}
	if err := m.SyncModule(tbl, rec); err != nil {
		t.Fatalf("second SyncModule: %v", err)
	}

	var count int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM x3_modules`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row after two syncs, got %d", count)
	}
}
