// Package abi defines the plugin ABI contract (x3plugin's spec §6.1): the
// fixed symbol names a shared library or WASM module exports, and the
// Go-level shapes the loader turns them into.
package abi

import (
	"errors"

	"github.com/c4pt0r/x3plugin/internal/clsid"
)

// Fixed entry-point names resolved by the loader, by symbol name, from
// every loaded library (spec §6.1). The module-capability getter is a
// family of five symbols here (factory count, class id, class name,
// instance creation, item clearing) because the host-side ABI has to
// cross the C calling convention one primitive at a time; together they
// stand in for a single GetModuleCapability entry point.
const (
	SymModuleCapabilityCount    = "x3ModuleFactoryCount"
	SymModuleCapabilityClassID  = "x3ModuleClassID"
	SymModuleCapabilityClassName = "x3ModuleClassName"
	SymModuleCreateInstance     = "x3ModuleCreateInstance"
	SymModuleClearItems         = "x3ModuleClearItems"

	SymInitialize   = "x3InitializePlugin"
	SymCanUnload    = "x3CanUnloadPlugin"
	SymUninitialize = "x3UninitializePlugin"

	// SymDllGetClassObject is probed for presence only (never called) to
	// decide whether to subscribe the library on the "x3::complugin"
	// observer type (spec §4.3, §4.5).
	SymDllGetClassObject = "DllGetClassObject"
)

// ObserverTypeComPlugin is the fixed observer type BuildPluginCache
// subscribes a library on when it exports DllGetClassObject (spec §4.3).
const ObserverTypeComPlugin = "x3::complugin"

// ErrNoModuleCapability is returned when a library does not export the
// required module-capability entry point (spec §4.1 step 2, RegisterPlugin).
var ErrNoModuleCapability = errors.New("abi: library does not export a module capability")

// FactoryFunc constructs an instance of a class. It is nil for a
// cache-only placeholder descriptor materialized from LoadClsidsFromCache
// (spec §4.3) before the owning module is realized.
type FactoryFunc func() (any, error)

// FactoryDescriptor is the tuple {clsid, class_name, factory_function}
// spec §3 describes.
type FactoryDescriptor struct {
	CLSID     clsid.CLSID
	ClassName string
	New       FactoryFunc
}

// ModuleCapability is what a realized library publishes: enumeration of
// its factory descriptors, and the ability to drop its own per-instance
// state on unload (spec §6.1's "module capability").
type ModuleCapability interface {
	Factories() ([]FactoryDescriptor, error)
	ClearModuleItems()
}

// Hooks are the optional lifecycle symbols a library may export. A nil
// function pointer for any of these means "absent"; the loader treats an
// absent hook as trivially successful (Initialize, CanUnload) or a no-op
// (Uninitialize), per spec §6.1's "Required?" column.
type Hooks struct {
	Initialize     func() bool
	CanUnload      func() bool
	Uninitialize   func()
	HasClassObject bool
}
