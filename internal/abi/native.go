package abi

import (
	"fmt"

	"github.com/c4pt0r/x3plugin/internal/clsid"
	"github.com/ebitengine/purego"
	log "github.com/sirupsen/logrus"
)

// NativeCapability adapts a dlopen'd library's exported functions to
// ModuleCapability. Grounded on the host-side purego vtable pattern the
// teacher's loader uses for its plugin functions (loadPluginVTable).
type NativeCapability struct {
	handle         uintptr
	factoryCount   func() int32
	classIDAt      func(int32) string
	classNameAt    func(int32) string
	createInstance func(int32) uintptr
	clearItems     func()
}

// LoadNativeCapability resolves the module-capability and optional
// lifecycle symbols from a dlopen'd handle. It fails only if the required
// factory-count entry point is absent.
func LoadNativeCapability(handle uintptr) (*NativeCapability, *Hooks, error) {
	nc := &NativeCapability{handle: handle}

	if !registerRequired(handle, SymModuleCapabilityCount, &nc.factoryCount) {
		return nil, nil, ErrNoModuleCapability
	}
	registerOptional(handle, SymModuleCapabilityClassID, &nc.classIDAt)
	registerOptional(handle, SymModuleCapabilityClassName, &nc.classNameAt)
	registerOptional(handle, SymModuleCreateInstance, &nc.createInstance)
	registerOptional(handle, SymModuleClearItems, &nc.clearItems)

	hooks := &Hooks{}
	registerOptional(handle, SymInitialize, &hooks.Initialize)
	registerOptional(handle, SymCanUnload, &hooks.CanUnload)
	registerOptional(handle, SymUninitialize, &hooks.Uninitialize)
	hooks.HasClassObject = symbolExists(handle, SymDllGetClassObject)

	return nc, hooks, nil
}

// Factories enumerates the library's declared classes by index, using the
// count/classID/className accessors resolved at load time.
func (nc *NativeCapability) Factories() ([]FactoryDescriptor, error) {
	if nc.factoryCount == nil {
		return nil, nil
	}
	n := int(nc.factoryCount())
	descs := make([]FactoryDescriptor, 0, n)
	for i := 0; i < n; i++ {
		var idStr string
		if nc.classIDAt != nil {
			idStr = nc.classIDAt(int32(i))
		}
		id, err := clsid.Parse(idStr)
		if err != nil {
			log.Warnf("abi: module at %#x declared an unparseable clsid %q at index %d: %v", nc.handle, idStr, i, err)
			continue
		}

		var className string
		if nc.classNameAt != nil {
			className = nc.classNameAt(int32(i))
		}

		idx := int32(i)
		create := nc.createInstance
		descs = append(descs, FactoryDescriptor{
			CLSID:     id,
			ClassName: className,
			New: func() (any, error) {
				if create == nil {
					return nil, fmt.Errorf("abi: module does not export %s", SymModuleCreateInstance)
				}
				ptr := create(idx)
				if ptr == 0 {
					return nil, fmt.Errorf("abi: factory for clsid %s returned a null instance", id)
				}
				return ptr, nil
			},
		})
	}
	return descs, nil
}

// ClearModuleItems invalidates any live instances the module is tracking,
// called immediately before the loader releases the library's handle.
func (nc *NativeCapability) ClearModuleItems() {
	if nc.clearItems != nil {
		nc.clearItems()
	}
}

// registerRequired binds fptr to the named symbol, returning false (and
// logging) if the symbol is absent. purego.RegisterLibFunc panics on a
// missing symbol, so this recovers the way the teacher's loadFunc does.
func registerRequired(handle uintptr, name string, fptr interface{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("abi: required symbol %s not found: %v", name, r)
			ok = false
		}
	}()
	purego.RegisterLibFunc(fptr, handle, name)
	return true
}

// registerOptional is registerRequired without the return value: a
// missing optional symbol just leaves fptr at its zero value.
func registerOptional(handle uintptr, name string, fptr interface{}) {
	registerRequired(handle, name, fptr)
}

// symbolExists probes for a symbol's presence without binding a callable
// to it — used only to detect DllGetClassObject for observer subscription.
func symbolExists(handle uintptr, name string) bool {
	_, err := purego.Dlsym(handle, name)
	return err == nil
}
