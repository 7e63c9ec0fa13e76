package cache

import (
	"path/filepath"
	"testing"

	"github.com/c4pt0r/x3plugin/internal/abi"
	"github.com/c4pt0r/x3plugin/internal/clsid"
	"github.com/c4pt0r/x3plugin/internal/registry"
)

func TestLoadClsidsFromCacheMaterializesPlaceholder(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "testhost", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	idA := clsid.MustParse("11111111-1111-1111-1111-111111111111")

	tbl := registry.NewTable()
	moduleIndex := tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(1), Filename: "A.plugin.so", CLSIDs: []clsid.CLSID{idA}})
	tbl.Insert(moduleIndex, abi.FactoryDescriptor{CLSID: idA, ClassName: "Foo"})
	if !c.BuildPluginCache(tbl, moduleIndex, false) {
		t.Fatal("expected BuildPluginCache to report a change on first write")
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh table + fresh cache handle simulates a cold-started process.
	reopened, err := Open(dir, "testhost", nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	fresh := registry.NewTable()
	if !reopened.LoadClsidsFromCache(fresh, "A.plugin.so") {
		t.Fatal("expected cache hit for A.plugin.so")
	}

	modIdx := fresh.FindByBasename("A.plugin.so")
	if modIdx < 0 {
		t.Fatal("expected an unrealized placeholder module for A.plugin.so")
	}
	if fresh.At(modIdx).Realized() {
		t.Fatal("placeholder materialized from cache should remain unrealized")
	}
	mi, desc, ok := fresh.Lookup(idA)
	if !ok || mi != modIdx || desc.New != nil {
		t.Fatalf("expected a creator-less placeholder descriptor pointing at %d, got mi=%d desc=%+v ok=%v", modIdx, mi, desc, ok)
	}
}

func TestBuildPluginCacheNoOpWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "testhost", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	idA := clsid.MustParse("11111111-1111-1111-1111-111111111111")
	tbl := registry.NewTable()
	idx := tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(1), Filename: "A.plugin.so", CLSIDs: []clsid.CLSID{idA}})
	tbl.Insert(idx, abi.FactoryDescriptor{CLSID: idA, ClassName: "Foo"})

	if !c.BuildPluginCache(tbl, idx, false) {
		t.Fatal("expected the first build to report a change")
	}
	if c.BuildPluginCache(tbl, idx, false) {
		t.Fatal("expected the second build with an unchanged clsid list to report no change")
	}
}

func TestBuildPluginCacheOnlyRecordsObserverSubscriptionWhenDelayed(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "testhost", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	idA := clsid.MustParse("11111111-1111-1111-1111-111111111111")
	tbl := registry.NewTable()
	idx := tbl.Append(&registry.ModuleRecord{
		Handle:   registry.Handle(1),
		Filename: "A.plugin.so",
		CLSIDs:   []clsid.CLSID{idA},
		Hooks:    &abi.Hooks{HasClassObject: true},
	})
	tbl.Insert(idx, abi.FactoryDescriptor{CLSID: idA, ClassName: "Foo"})

	c.BuildPluginCache(tbl, idx, false)
	if subs := c.ObserverSubscribers(abi.ObserverTypeComPlugin, ""); len(subs) != 0 {
		t.Fatalf("eager BuildPluginCache recorded a subscription: %v", subs)
	}

	c.BuildPluginCache(tbl, idx, true)
	subs := c.ObserverSubscribers(abi.ObserverTypeComPlugin, "")
	if len(subs) != 1 || subs[0] != "A.plugin.so" {
		t.Fatalf("delayed BuildPluginCache subscribers = %v, want [A.plugin.so]", subs)
	}
}

func TestCacheFilenameFallsBackToWorkdirWithoutConfigDir(t *testing.T) {
	dir := t.TempDir()
	if got, want := Filename(dir, "app"), filepath.Join(dir, "app.clsbuf"); got != want {
		t.Errorf("Filename without config/ = %q, want %q", got, want)
	}
}
