package loader

import (
	"testing"

	"github.com/c4pt0r/x3plugin/internal/abi"
	"github.com/c4pt0r/x3plugin/internal/clsid"
	"github.com/c4pt0r/x3plugin/internal/registry"
)

type fakeCapability struct {
	descs   []abi.FactoryDescriptor
	cleared bool
}

func (f *fakeCapability) Factories() ([]abi.FactoryDescriptor, error) { return f.descs, nil }
func (f *fakeCapability) ClearModuleItems()                           { f.cleared = true }

type fakeCache struct {
	hits      map[string]bool
	consulted map[string]bool
	built     map[int]bool
	delayed   map[int]bool
	saved     bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{hits: map[string]bool{}, consulted: map[string]bool{}, built: map[int]bool{}, delayed: map[int]bool{}}
}

func (c *fakeCache) LoadClsidsFromCache(t *registry.Table, filename string) bool {
	c.consulted[filename] = true
	return c.hits[filename]
}
func (c *fakeCache) BuildPluginCache(t *registry.Table, moduleIndex int, delayed bool) bool {
	c.built[moduleIndex] = true
	c.delayed[moduleIndex] = delayed
	return true
}
func (c *fakeCache) Save() error { c.saved = true; return nil }

func mustCLSID(t *testing.T, s string) clsid.CLSID {
	t.Helper()
	id, err := clsid.Parse(s)
	if err != nil {
		t.Fatalf("clsid.Parse(%q): %v", s, err)
	}
	return id
}

func TestLoadPluginOrDelayShortCircuitsWhenAlreadyInTable(t *testing.T) {
	tbl := registry.NewTable()
	tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(1), Filename: "/opt/A.plugin.so"})
	cache := newFakeCache()
	l := New("/opt/host", tbl, cache)

	if !l.LoadPluginOrDelay("/opt/A.plugin.so", false) {
		t.Fatal("expected success for an already-registered basename")
	}
	if cache.consulted["/opt/A.plugin.so"] {
		t.Fatal("cache should not have been consulted")
	}
}

func TestLoadPluginOrDelayRefusesDuringShutdown(t *testing.T) {
	tbl := registry.NewTable()
	l := New("/opt/host", tbl, newFakeCache())
	l.unloading = 1

	if l.LoadPluginOrDelay("/opt/A.plugin.so", false) {
		t.Fatal("expected refusal while unloading is in progress")
	}
}

func TestLoadPluginOrDelayHitsCache(t *testing.T) {
	tbl := registry.NewTable()
	cache := newFakeCache()
	cache.hits["/opt/A.plugin.so"] = true
	l := New("/opt/host", tbl, cache)

	if !l.LoadPluginOrDelay("/opt/A.plugin.so", true) {
		t.Fatal("expected a cache hit to count as success")
	}
	if tbl.Size() != 0 {
		t.Fatal("a cache hit should not itself mutate the table; LoadClsidsFromCache does that")
	}
}

func TestLoadOneIdempotentForSamePath(t *testing.T) {
	tbl := registry.NewTable()
	idA := mustCLSID(t, "11111111-1111-1111-1111-111111111111")
	cap := &fakeCapability{descs: []abi.FactoryDescriptor{{CLSID: idA, ClassName: "Foo"}}}
	idx := tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(42), Filename: "/opt/A.plugin.so", Owned: true, Capability: cap})
	tbl.Insert(idx, abi.FactoryDescriptor{CLSID: idA, ClassName: "Foo"})

	l := New("/opt/host", tbl, newFakeCache())
	if !l.LoadOne("/opt/A.plugin.so") {
		t.Fatal("expected idempotent success for the same path")
	}
	if tbl.Size() != 1 {
		t.Fatalf("table size changed to %d, expected no mutation", tbl.Size())
	}
}

func TestLoadOneRejectsBasenameCollisionFromDifferentPath(t *testing.T) {
	tbl := registry.NewTable()
	tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(42), Filename: "/opt/p/A.plugin.so", Owned: true, Capability: &fakeCapability{}})

	l := New("/opt/host", tbl, newFakeCache())
	if l.LoadOne("/alt/A.plugin.so") {
		t.Fatal("expected a basename collision from a different path to fail")
	}
	if tbl.Size() != 1 {
		t.Fatal("collision must not add a second record")
	}
}

func TestRegisterPluginRejectsAlreadyRegisteredHandle(t *testing.T) {
	tbl := registry.NewTable()
	tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(7), Filename: "/opt/A.plugin.so", Capability: &fakeCapability{}})
	l := New("/opt/host", tbl, newFakeCache())

	if l.RegisterPlugin(7, "/opt/B.plugin.so") {
		t.Fatal("expected rejection of a handle already present in the table")
	}
}

func TestUnloadHonorsCanUnloadVeto(t *testing.T) {
	tbl := registry.NewTable()
	idx := tbl.Append(&registry.ModuleRecord{
		Handle:     registry.Handle(1),
		Filename:   "/opt/A.plugin.so",
		Owned:      true,
		Capability: &fakeCapability{},
		Hooks:      &abi.Hooks{CanUnload: func() bool { return false }},
	})
	l := New("/opt/host", tbl, newFakeCache())

	if l.Unload("A.plugin.so") {
		t.Fatal("expected the can-unload veto to block unload")
	}
	if tbl.At(idx) == nil {
		t.Fatal("vetoed module must remain in the table")
	}
}

func TestUnloadRemovesClassMapEntries(t *testing.T) {
	tbl := registry.NewTable()
	idA := mustCLSID(t, "11111111-1111-1111-1111-111111111111")
	idx := tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(1), Filename: "/opt/A.plugin.so", Owned: true, Capability: &fakeCapability{}})
	tbl.Insert(idx, abi.FactoryDescriptor{CLSID: idA})

	l := New("/opt/host", tbl, newFakeCache())
	if !l.Unload("A.plugin.so") {
		t.Fatal("expected unload to succeed with no veto")
	}
	if tbl.Size() != 0 {
		t.Fatal("expected the module record to be removed")
	}
	if _, _, ok := tbl.Lookup(idA); ok {
		t.Fatal("expected the clsid to be removed from the class map")
	}
}

func TestUnloadAllGoesInReverseOrder(t *testing.T) {
	tbl := registry.NewTable()
	var order []string
	mk := func(name string) *registry.ModuleRecord {
		return &registry.ModuleRecord{
			Handle: registry.Handle(len(order) + 1), Filename: name, Owned: true,
			Capability: &fakeCapability{},
			Hooks: &abi.Hooks{Uninitialize: func() {
				order = append(order, name)
			}},
		}
	}
	tbl.Append(mk("/opt/A.plugin.so"))
	tbl.Append(mk("/opt/B.plugin.so"))

	l := New("/opt/host", tbl, newFakeCache())
	if n := l.UnloadAll(); n != 2 {
		t.Fatalf("UnloadAll = %d, want 2", n)
	}
	if len(order) != 2 || order[0] != "/opt/B.plugin.so" || order[1] != "/opt/A.plugin.so" {
		t.Fatalf("unload order = %v, want [B A]", order)
	}
}

func TestLoadDelayedPluginFailsWithoutPlaceholder(t *testing.T) {
	tbl := registry.NewTable()
	l := New("/opt/host", tbl, newFakeCache())

	if l.LoadDelayedPlugin("missing.plugin.so") {
		t.Fatal("expected failure when no cache placeholder exists")
	}
}

func TestLoadDelayedPluginNoOpWhenAlreadyRealized(t *testing.T) {
	tbl := registry.NewTable()
	tbl.Append(&registry.ModuleRecord{Handle: registry.Handle(1), Filename: "/opt/A.plugin.so", Capability: &fakeCapability{}})
	l := New("/opt/host", tbl, newFakeCache())

	if !l.LoadDelayedPlugin("A.plugin.so") {
		t.Fatal("expected success for an already-realized module")
	}
}

func TestCheckMainThreadSkippedWhenUnbound(t *testing.T) {
	l := New("/opt/host", registry.NewTable(), newFakeCache())
	if err := l.checkMainThread(); err != nil {
		t.Fatalf("unbound loader should not enforce thread affinity, got %v", err)
	}
}

func TestCheckMainThreadRejectsOtherGoroutine(t *testing.T) {
	l := New("/opt/host", registry.NewTable(), newFakeCache())
	l.Bind()

	errCh := make(chan error, 1)
	go func() { errCh <- l.checkMainThread() }()
	if err := <-errCh; err != ErrWrongThread {
		t.Fatalf("checkMainThread from another goroutine = %v, want ErrWrongThread", err)
	}
}
