// Package loader implements C3, the central orchestrator that discovers,
// loads, registers, initializes, and unloads plugin libraries, mutating
// the module table and class map (internal/registry) under the
// loading/unloading reentrancy guards spec §5 describes.
//
// A Loader is confined to one goroutine: Bind records the caller's
// goroutine as the only one allowed to mutate it, the way the original
// design confines the real loader to the process's main thread. Grounded
// on the teacher's pfs-server/pkg/plugin/loader, generalized from a
// single-vtable filesystem-plugin loader to the spec's multi-class,
// delay-loadable registry.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/c4pt0r/x3plugin/internal/abi"
	"github.com/c4pt0r/x3plugin/internal/pathutil"
	"github.com/c4pt0r/x3plugin/internal/registry"
	"github.com/ebitengine/purego"
	log "github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
)

// wasmHandleBase seeds the synthetic handle counter used for WASM
// modules well above any plausible heap address a real dlopen handle
// could return, so FindByHandle never confuses the two spaces.
const wasmHandleBase = uintptr(1) << 56

// ClassCache is the subset of *cache.Cache the loader drives. Declared
// here (rather than importing the concrete type into every call site) so
// loader tests can substitute a fake.
type ClassCache interface {
	LoadClsidsFromCache(t *registry.Table, filename string) bool
	BuildPluginCache(t *registry.Table, moduleIndex int, delayed bool) bool
	Save() error
}

// RegistryMirror is the optional SQL projection (spec §4.7, domain
// addition D2) kept in sync with every registration/removal. A nil
// mirror disables the feature entirely.
type RegistryMirror interface {
	SyncModule(t *registry.Table, m *registry.ModuleRecord) error
	RemoveModule(filename string) error
}

// Loader is C3. It is NOT safe for concurrent use; every exported method
// must run on the goroutine Bind recorded (spec §5).
type Loader struct {
	hostLibrary string
	table       *registry.Table
	cache       ClassCache
	mirror      RegistryMirror

	mainGoroutineID uint64
	bound           bool

	loading   int
	unloading int

	wasmCtx       context.Context
	wasmRuntime   wazero.Runtime
	wasmModules   map[registry.Handle]wazeroapi.Module
	wasmHandleSeq uintptr
}

// Option configures optional Loader dependencies.
type Option func(*Loader)

// WithSQLMirror wires a write-only SQL projection of C1/C2 into the
// loader's register/unload paths.
func WithSQLMirror(m RegistryMirror) Option {
	return func(l *Loader) { l.mirror = m }
}

// WithWasmRuntime enables .wasm plugin loading (spec §4.6, domain
// addition D1) through rt.
func WithWasmRuntime(ctx context.Context, rt wazero.Runtime) Option {
	return func(l *Loader) {
		l.wasmCtx = ctx
		l.wasmRuntime = rt
	}
}

// New builds a Loader over an existing table and class cache. hostLibrary
// is the path relative-directory resolution is anchored to (spec §4.1).
func New(hostLibrary string, table *registry.Table, cache ClassCache, opts ...Option) *Loader {
	l := &Loader{
		hostLibrary:   hostLibrary,
		table:         table,
		cache:         cache,
		wasmModules:   make(map[registry.Handle]wazeroapi.Module),
		wasmHandleSeq: wasmHandleBase,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.wasmCtx == nil {
		l.wasmCtx = context.Background()
	}
	return l
}

// Bind designates the calling goroutine as the loader's main thread.
// Call it once, early, from the goroutine that will drive all loading.
func (l *Loader) Bind() {
	l.mainGoroutineID = goroutineID()
	l.bound = true
}

// Table exposes the underlying module table/class map for read-only
// introspection (host status endpoints, tests).
func (l *Loader) Table() *registry.Table { return l.table }

func (l *Loader) checkMainThread() error {
	if !l.bound {
		return nil
	}
	if goroutineID() != l.mainGoroutineID {
		return ErrWrongThread
	}
	return nil
}

// LoadFromDirectory resolves path (against hostLibrary's directory, if
// relative), enumerates files ending in extension, and loads each (spec
// §4.1). It returns the count of successfully loaded or delay-registered
// libraries.
func (l *Loader) LoadFromDirectory(path, extension string, recursive, enableDelay bool) (int, error) {
	dir := pathutil.ResolveDir(l.hostLibrary, path)
	files, err := pathutil.ScanDir(strings.TrimSuffix(dir, string(filepath.Separator)), extension, recursive)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPathResolutionFailed, err)
	}

	count := 0
	for _, f := range files {
		if l.LoadPluginOrDelay(f, enableDelay) {
			count++
		}
	}
	return count, nil
}

// LoadFromList loads the comma/semicolon/whitespace-separated names in
// list, each resolved against path, appending ".plugin" plus the
// platform's default plugin extension to any bare name (spec §4.1).
func (l *Loader) LoadFromList(path, list string, enableDelay bool) int {
	dir := pathutil.ResolveDir(l.hostLibrary, path)
	count := 0
	for _, name := range pathutil.SplitNameList(list) {
		full := filepath.Join(dir, name)
		if l.LoadPluginOrDelay(full, enableDelay) {
			count++
		}
	}
	return count
}

// LoadPluginOrDelay implements the delay-load decision (spec §4.3): a
// library already present in C1 counts as success; a shutdown in
// progress refuses new loads; otherwise, if delay-loading is enabled and
// a cache hit materializes at least one clsid or observer subscription,
// that's success without touching the OS loader. Everything else falls
// through to an eager LoadOne, followed by a cache refresh.
func (l *Loader) LoadPluginOrDelay(filename string, enableDelay bool) bool {
	if idx := l.table.FindByBasename(filename); idx >= 0 {
		return true
	}
	if l.unloading > 0 {
		log.Warnf("loader: refusing to load %s, shutdown in progress", filename)
		return false
	}
	if enableDelay && l.cache != nil {
		if l.cache.LoadClsidsFromCache(l.table, filename) {
			return true
		}
	}
	if !l.LoadOne(filename) {
		return false
	}
	if idx := l.table.FindByBasename(filename); idx >= 0 && l.cache != nil {
		l.cache.BuildPluginCache(l.table, idx, false)
	}
	return true
}

// LoadOne loads a single library, realizing an existing delay-load
// placeholder in place if one exists for the same basename (spec §4.1
// "Load algorithm for one file"). It is idempotent: calling it again for
// an already-realized basename succeeds without mutating C1/C2 when the
// path is identical, and fails when a different path claims the same
// basename.
func (l *Loader) LoadOne(filename string) bool {
	if err := l.checkMainThread(); err != nil {
		log.Error(err)
		return false
	}
	l.loading++
	defer func() { l.loading-- }()

	absPath, err := filepath.Abs(filename)
	if err != nil {
		log.Errorf("%v: %s: %v", ErrPathResolutionFailed, filename, err)
		return false
	}

	if existing := l.table.FindByBasename(filename); existing >= 0 {
		m := l.table.At(existing)
		if m.Realized() {
			if samePath(m.Filename, absPath) {
				return true
			}
			log.Warnf("%v: %s already loaded from %s, refusing %s", ErrDuplicateBasename, filepath.Base(filename), m.Filename, absPath)
			return false
		}
		// Unrealized delay-load placeholder: fall through and realize it.
	}

	handle, capability, hooks, err := l.openLibrary(absPath)
	if err != nil {
		if _, statErr := os.Stat(absPath); statErr == nil {
			log.Error(&OsLoadError{Path: absPath, Err: err})
		} else {
			log.Debugf("loader: %s does not exist: %v", absPath, err)
		}
		return false
	}

	if idx := l.table.FindByHandle(registry.Handle(handle)); idx >= 0 {
		log.Warnf("%v: %s opened the handle already registered for %s", ErrRegistrationRejected, absPath, l.table.At(idx).Filename)
		l.closeLibrary(absPath, handle)
		return false
	}
	if !l.registerHandle(handle, absPath, true, capability, hooks) {
		l.closeLibrary(absPath, handle)
		return false
	}
	return true
}

// RegisterPlugin registers a library whose loading was performed
// externally to the loader (filename is supplied by the caller, since
// purego offers no reverse handle->path lookup). The record is marked
// owned = false, so Unload will never call the OS loader's release path
// for it (spec §4.1 RegisterPlugin).
func (l *Loader) RegisterPlugin(handle uintptr, filename string) bool {
	if err := l.checkMainThread(); err != nil {
		log.Error(err)
		return false
	}
	if idx := l.table.FindByHandle(registry.Handle(handle)); idx >= 0 {
		log.Warnf("%v: handle already registered for %s", ErrRegistrationRejected, l.table.At(idx).Filename)
		return false
	}
	capability, hooks, err := abi.LoadNativeCapability(handle)
	if err != nil {
		log.Warnf("%v: %s: %v", ErrRegistrationRejected, filename, err)
		return false
	}
	return l.registerHandle(handle, filename, false, capability, hooks)
}

// registerHandle implements the common body of LoadOne/RegisterPlugin's
// registration step (spec §4.1 "RegisterPlugin algorithm" steps 3-5; step
// 1's duplicate-handle rejection happens in each caller above: in
// RegisterPlugin before any symbol resolution is attempted, in LoadOne
// right after the library is opened).
func (l *Loader) registerHandle(handle uintptr, filename string, owned bool, capability abi.ModuleCapability, hooks *abi.Hooks) bool {
	record := &registry.ModuleRecord{
		Handle:     registry.Handle(handle),
		Filename:   filename,
		Owned:      owned,
		Capability: capability,
		Hooks:      hooks,
	}

	moduleIndex := l.table.FindByBasename(filename)
	if moduleIndex >= 0 {
		if err := l.table.ReplaceAt(moduleIndex, record); err != nil {
			log.Errorf("loader: %v", err)
			return false
		}
	} else {
		moduleIndex = l.table.Append(record)
	}

	descs, err := capability.Factories()
	if err != nil {
		log.Warnf("loader: %s: failed to enumerate factories: %v", filename, err)
	}
	for _, d := range descs {
		if l.table.Insert(moduleIndex, d) {
			record.CLSIDs = append(record.CLSIDs, d.CLSID)
		} else {
			log.Warnf("%v: clsid %s from %s lost to an earlier registration", ErrClsidCollision, d.CLSID, filename)
		}
	}

	if l.mirror != nil {
		if err := l.mirror.SyncModule(l.table, record); err != nil {
			log.Warnf("loader: sql mirror sync for %s: %v", filename, err)
		}
	}

	return true
}

// InitializePlugins runs the init hook on each uninitialized module
// (spec §4.1 "Initialization"). An unrealized placeholder is marked
// inited trivially. Init failure unloads the library and corrects the
// scan index so the shifted successor is not skipped. The class cache is
// persisted once at the end.
func (l *Loader) InitializePlugins() int {
	if err := l.checkMainThread(); err != nil {
		log.Error(err)
		return 0
	}
	l.loading++
	defer func() { l.loading-- }()

	count := 0
	for i := 0; i < l.table.Size(); i++ {
		m := l.table.At(i)
		if m == nil || m.Inited {
			continue
		}
		if !m.Realized() {
			m.Inited = true
			count++
			continue
		}

		ok := true
		if m.Hooks != nil && m.Hooks.Initialize != nil {
			ok = m.Hooks.Initialize()
		}
		if !ok {
			log.Warnf("%v: %s, unloading", ErrInitHookFailed, m.Filename)
			l.unloadAt(i, false)
			i-- // the module at i+1 just shifted down to i
			continue
		}

		m.Inited = true
		count++
		if l.cache != nil {
			l.cache.BuildPluginCache(l.table, i, false)
		}
	}

	if l.cache != nil {
		if err := l.cache.Save(); err != nil {
			log.Warnf("loader: persist class cache: %v", err)
		}
	}
	return count
}

// Unload unloads one library by basename, honoring its optional
// can-unload predicate (spec §4.1 "Unload algorithm").
func (l *Loader) Unload(name string) bool {
	if err := l.checkMainThread(); err != nil {
		log.Error(err)
		return false
	}
	l.unloading++
	defer func() { l.unloading-- }()

	idx := l.table.FindByBasename(name)
	if idx < 0 {
		log.Warnf("loader: %s is not loaded", name)
		return false
	}
	return l.unloadAt(idx, true)
}

// UnloadAll unloads every library in reverse registration order,
// returning the count actually unloaded (a can-unload veto is possible
// and is not counted).
func (l *Loader) UnloadAll() int {
	if err := l.checkMainThread(); err != nil {
		log.Error(err)
		return 0
	}
	l.unloading++
	defer func() { l.unloading-- }()

	count := 0
	for i := l.table.Size() - 1; i >= 0; i-- {
		if l.unloadAt(i, true) {
			count++
		}
	}
	return count
}

// unloadAt performs the shared unload body for index i. honorVeto is
// false when called from an init-failure path, where the module never
// successfully initialized and there is nothing left to veto.
func (l *Loader) unloadAt(i int, honorVeto bool) bool {
	m := l.table.At(i)
	if m == nil {
		return false
	}

	if honorVeto && m.Hooks != nil && m.Hooks.CanUnload != nil && !m.Hooks.CanUnload() {
		log.Infof("%v: %s", ErrUnloadVetoed, m.Filename)
		return false
	}

	if m.Hooks != nil && m.Hooks.Uninitialize != nil {
		m.Hooks.Uninitialize()
	}
	if m.Capability != nil {
		m.Capability.ClearModuleItems()
	}
	if m.Owned && m.Realized() {
		l.closeLibrary(m.Filename, uintptr(m.Handle))
	}

	filename := m.Filename
	l.table.RemoveClassesOf(i)
	if err := l.table.RemoveAt(i); err != nil {
		log.Errorf("loader: %v", err)
		return false
	}

	if l.mirror != nil {
		if err := l.mirror.RemoveModule(filename); err != nil {
			log.Warnf("loader: sql mirror remove for %s: %v", filename, err)
		}
	}
	return true
}

// LoadDelayedPlugin realizes an unrealized cache placeholder (spec §4.4).
// It satisfies observer.Realizer, so the observer bus can call it
// directly when a subscribed event fires for the first time.
func (l *Loader) LoadDelayedPlugin(basename string) bool {
	if err := l.checkMainThread(); err != nil {
		log.Error(err)
		return false
	}
	l.loading++
	defer func() { l.loading-- }()

	idx := l.table.FindByBasename(basename)
	if idx < 0 {
		log.Warnf("loader: no cache placeholder for %s", basename)
		return false
	}
	m := l.table.At(idx)
	if m.Realized() {
		return true
	}

	filename := m.Filename
	if !l.LoadOne(filename) {
		return false
	}

	newIdx := l.table.FindByBasename(filename)
	if newIdx < 0 {
		return false
	}
	nm := l.table.At(newIdx)

	ok := true
	if nm.Hooks != nil && nm.Hooks.Initialize != nil {
		ok = nm.Hooks.Initialize()
	}
	if !ok {
		log.Warnf("%v: delayed init for %s, unloading", ErrInitHookFailed, filename)
		l.unloadAt(newIdx, false)
		return false
	}

	nm.Inited = true
	if l.cache != nil {
		l.cache.BuildPluginCache(l.table, newIdx, true)
		if err := l.cache.Save(); err != nil {
			log.Warnf("loader: persist class cache after delayed load: %v", err)
		}
	}
	return true
}

func (l *Loader) openLibrary(absPath string) (uintptr, abi.ModuleCapability, *abi.Hooks, error) {
	if strings.EqualFold(filepath.Ext(absPath), ".wasm") {
		return l.openWasm(absPath)
	}
	return l.openNative(absPath)
}

func (l *Loader) openNative(absPath string) (uintptr, abi.ModuleCapability, *abi.Hooks, error) {
	handle, err := purego.Dlopen(absPath, dlopenFlags())
	if err != nil {
		return 0, nil, nil, err
	}
	capability, hooks, err := abi.LoadNativeCapability(handle)
	if err != nil {
		return handle, nil, nil, err
	}
	return handle, capability, hooks, nil
}

func (l *Loader) openWasm(absPath string) (uintptr, abi.ModuleCapability, *abi.Hooks, error) {
	if l.wasmRuntime == nil {
		return 0, nil, nil, fmt.Errorf("loader: no wasm runtime configured for %s", absPath)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return 0, nil, nil, err
	}
	compiled, err := l.wasmRuntime.CompileModule(l.wasmCtx, data)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("compile: %w", err)
	}
	mod, err := l.wasmRuntime.InstantiateModule(l.wasmCtx, compiled, wazero.NewModuleConfig().WithName(filepath.Base(absPath)))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("instantiate: %w", err)
	}
	capability, hooks, err := abi.LoadWasmCapability(l.wasmCtx, mod)
	if err != nil {
		mod.Close(l.wasmCtx)
		return 0, nil, nil, err
	}

	handle := l.wasmHandleSeq
	l.wasmHandleSeq++
	l.wasmModules[registry.Handle(handle)] = mod
	return handle, capability, hooks, nil
}

func (l *Loader) closeLibrary(filename string, handle uintptr) {
	if mod, ok := l.wasmModules[registry.Handle(handle)]; ok {
		if err := mod.Close(l.wasmCtx); err != nil {
			log.Warnf("loader: closing wasm module %s: %v", filename, err)
		}
		delete(l.wasmModules, registry.Handle(handle))
		return
	}
	// purego has no Dlclose; the mapped library stays resident for the
	// life of the process, same limitation the teacher's loader notes.
	log.Infof("loader: released %s (native library remains mapped)", filename)
}

func samePath(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(filepath.Clean(a), filepath.Clean(b))
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

func dlopenFlags() int {
	const (
		rtldNow   = 0x2
		rtldLocal = 0x0
	)
	if runtime.GOOS == "windows" {
		return 0
	}
	return rtldNow | rtldLocal
}
