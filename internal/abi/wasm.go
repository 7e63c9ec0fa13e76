package abi

import (
	"context"
	"fmt"

	"github.com/c4pt0r/x3plugin/internal/clsid"
	log "github.com/sirupsen/logrus"
	wazeroapi "github.com/tetratelabs/wazero/api"
)

// WasmCapability is the WASM-module counterpart to NativeCapability
// (spec §4.6's D1 domain addition): the same fixed symbol names, resolved
// as wazero exported functions instead of dlopen'd C functions.
type WasmCapability struct {
	ctx       context.Context
	mod       wazeroapi.Module
	count     wazeroapi.Function
	classID   wazeroapi.Function
	className wazeroapi.Function
	create    wazeroapi.Function
	clear     wazeroapi.Function
}

// LoadWasmCapability resolves the module-capability and optional
// lifecycle exports from an instantiated wazero module.
func LoadWasmCapability(ctx context.Context, mod wazeroapi.Module) (*WasmCapability, *Hooks, error) {
	wc := &WasmCapability{ctx: ctx, mod: mod}
	wc.count = mod.ExportedFunction(SymModuleCapabilityCount)
	if wc.count == nil {
		return nil, nil, ErrNoModuleCapability
	}
	wc.classID = mod.ExportedFunction(SymModuleCapabilityClassID)
	wc.className = mod.ExportedFunction(SymModuleCapabilityClassName)
	wc.create = mod.ExportedFunction(SymModuleCreateInstance)
	wc.clear = mod.ExportedFunction(SymModuleClearItems)

	hooks := &Hooks{}
	if fn := mod.ExportedFunction(SymInitialize); fn != nil {
		hooks.Initialize = func() bool {
			res, err := fn.Call(ctx)
			if err != nil || len(res) == 0 {
				log.Warnf("abi(wasm): %s failed: %v", SymInitialize, err)
				return false
			}
			return res[0] != 0
		}
	}
	if fn := mod.ExportedFunction(SymCanUnload); fn != nil {
		hooks.CanUnload = func() bool {
			res, err := fn.Call(ctx)
			if err != nil || len(res) == 0 {
				log.Warnf("abi(wasm): %s failed, refusing unload: %v", SymCanUnload, err)
				return false
			}
			return res[0] != 0
		}
	}
	if fn := mod.ExportedFunction(SymUninitialize); fn != nil {
		hooks.Uninitialize = func() {
			if _, err := fn.Call(ctx); err != nil {
				log.Warnf("abi(wasm): %s failed: %v", SymUninitialize, err)
			}
		}
	}
	hooks.HasClassObject = mod.ExportedFunction(SymDllGetClassObject) != nil

	return wc, hooks, nil
}

// Factories enumerates the module's declared classes.
func (wc *WasmCapability) Factories() ([]FactoryDescriptor, error) {
	res, err := wc.count.Call(wc.ctx)
	if err != nil {
		return nil, fmt.Errorf("abi(wasm): %s failed: %w", SymModuleCapabilityCount, err)
	}
	n := int(int32(res[0]))
	descs := make([]FactoryDescriptor, 0, n)

	for i := 0; i < n; i++ {
		idStr, err := wc.callString(wc.classID, uint64(i))
		if err != nil {
			log.Warnf("abi(wasm): %s failed at index %d: %v", SymModuleCapabilityClassID, i, err)
			continue
		}
		id, err := clsid.Parse(idStr)
		if err != nil {
			log.Warnf("abi(wasm): module declared an unparseable clsid %q at index %d: %v", idStr, i, err)
			continue
		}
		className, _ := wc.callString(wc.className, uint64(i))

		idx, create, ctx := uint64(i), wc.create, wc.ctx
		descs = append(descs, FactoryDescriptor{
			CLSID:     id,
			ClassName: className,
			New: func() (any, error) {
				if create == nil {
					return nil, fmt.Errorf("abi(wasm): module does not export %s", SymModuleCreateInstance)
				}
				res, err := create.Call(ctx, idx)
				if err != nil {
					return nil, fmt.Errorf("abi(wasm): factory for clsid %s failed: %w", id, err)
				}
				if len(res) == 0 || res[0] == 0 {
					return nil, fmt.Errorf("abi(wasm): factory for clsid %s returned a null instance", id)
				}
				return res[0], nil
			},
		})
	}
	return descs, nil
}

// ClearModuleItems invalidates per-module live state before unload.
func (wc *WasmCapability) ClearModuleItems() {
	if wc.clear == nil {
		return
	}
	if _, err := wc.clear.Call(wc.ctx); err != nil {
		log.Warnf("abi(wasm): %s failed: %v", SymModuleClearItems, err)
	}
}

// callString invokes a (index) -> (ptr, len) export and reads the
// resulting UTF-8 bytes out of the module's linear memory.
func (wc *WasmCapability) callString(fn wazeroapi.Function, arg uint64) (string, error) {
	if fn == nil {
		return "", nil
	}
	res, err := fn.Call(wc.ctx, arg)
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", fmt.Errorf("abi(wasm): expected (ptr, len) result, got %d values", len(res))
	}
	ptr, size := uint32(res[0]), uint32(res[1])
	buf, ok := wc.mod.Memory().Read(ptr, size)
	if !ok {
		return "", fmt.Errorf("abi(wasm): failed to read string at %#x/%d", ptr, size)
	}
	return string(buf), nil
}
