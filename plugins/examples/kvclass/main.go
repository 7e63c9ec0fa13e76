// Command kvclass is a sample native plugin: a single class exposing an
// in-memory key-value store, built as a C shared library
// (`go build -buildmode=c-shared -o kvclass.plugin.so .`) so it can be
// dlopen'd by the x3host loader.
//
// The exported symbols are exactly the fixed ABI names internal/abi
// resolves by name (spec §6.1). Grounded on the teacher's kvfs plugin
// (a mutex-guarded map[string][]byte), transplanted from a filesystem
// plugin's GET/PUT/DELETE surface into a COM-style created-instance
// object addressed by opaque handle, since the plugin ABI here creates
// class instances rather than mounting a filesystem.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

const kvClassID = "5c2d1a70-5b9a-4b6b-9b0a-7e6e6b9f0e11"

type kvStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var (
	instancesMu sync.Mutex
	instances   = map[int32]*kvStore{}
	nextHandle  int32
)

func newInstance() int32 {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	nextHandle++
	instances[nextHandle] = &kvStore{data: make(map[string][]byte)}
	return nextHandle
}

// x3ModuleFactoryCount reports how many classes this library declares.
//
//export x3ModuleFactoryCount
func x3ModuleFactoryCount() C.int32_t {
	return 1
}

// x3ModuleClassID returns the clsid string for the class at index.
//
//export x3ModuleClassID
func x3ModuleClassID(index C.int32_t) *C.char {
	if index != 0 {
		return C.CString("")
	}
	return C.CString(kvClassID)
}

// x3ModuleClassName returns a human-readable class name for index.
//
//export x3ModuleClassName
func x3ModuleClassName(index C.int32_t) *C.char {
	if index != 0 {
		return C.CString("")
	}
	return C.CString("KeyValueStore")
}

// x3ModuleCreateInstance creates a new instance of the class at index,
// returning an opaque handle as the instance pointer.
//
//export x3ModuleCreateInstance
func x3ModuleCreateInstance(index C.int32_t) unsafe.Pointer {
	if index != 0 {
		return nil
	}
	h := newInstance()
	return unsafe.Pointer(uintptr(h))
}

// x3ModuleClearItems drops every live instance this module created,
// invalidating any handle a host is still holding.
//
//export x3ModuleClearItems
func x3ModuleClearItems() {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	instances = map[int32]*kvStore{}
}

// x3InitializePlugin runs once before the library serves any class.
//
//export x3InitializePlugin
func x3InitializePlugin() C.int {
	return 1
}

// x3CanUnloadPlugin vetoes unload while any instance is still live.
//
//export x3CanUnloadPlugin
func x3CanUnloadPlugin() C.int {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	if len(instances) > 0 {
		return 0
	}
	return 1
}

// x3UninitializePlugin runs immediately before the host releases the
// library's handle.
//
//export x3UninitializePlugin
func x3UninitializePlugin() {
	x3ModuleClearItems()
}

// x3KVSet and x3KVGet are the class's actual operations, resolved by the
// host out-of-band from the factory ABI once it holds an instance handle
// (spec's plugin ABI only standardizes lifecycle and factory symbols;
// class-specific operations are a private contract between a host and
// the classes it knows about).
//
//export x3KVSet
func x3KVSet(handle C.int32_t, key, value *C.char) {
	instancesMu.Lock()
	store, ok := instances[int32(handle)]
	instancesMu.Unlock()
	if !ok {
		return
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data[C.GoString(key)] = []byte(C.GoString(value))
}

//export x3KVGet
func x3KVGet(handle C.int32_t, key *C.char) *C.char {
	instancesMu.Lock()
	store, ok := instances[int32(handle)]
	instancesMu.Unlock()
	if !ok {
		return C.CString("")
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	return C.CString(string(store.data[C.GoString(key)]))
}

func main() {}
