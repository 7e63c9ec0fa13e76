// Command echoclass is a minimal two-class sample plugin (build with
// `go build -buildmode=c-shared -o echoclass.plugin.so .`), grounded on
// the teacher's memfs plugin for its "no external state, just a single
// struct" shape. It declares two classes, matching the loader's
// multi-class-per-library scenario (spec §8 scenario 1).
package main

/*
#include <stdlib.h>
*/
import "C"

import "unsafe"

var classIDs = [2]string{
	"7b6a2d10-2d4e-4a0b-9a3a-1f2e3d4c5b6a", // Echo
	"7b6a2d10-2d4e-4a0b-9a3a-1f2e3d4c5b6b", // Reverse
}

var classNames = [2]string{"Echo", "Reverse"}

//export x3ModuleFactoryCount
func x3ModuleFactoryCount() C.int32_t {
	return C.int32_t(len(classIDs))
}

//export x3ModuleClassID
func x3ModuleClassID(index C.int32_t) *C.char {
	i := int(index)
	if i < 0 || i >= len(classIDs) {
		return C.CString("")
	}
	return C.CString(classIDs[i])
}

//export x3ModuleClassName
func x3ModuleClassName(index C.int32_t) *C.char {
	i := int(index)
	if i < 0 || i >= len(classNames) {
		return C.CString("")
	}
	return C.CString(classNames[i])
}

//export x3ModuleCreateInstance
func x3ModuleCreateInstance(index C.int32_t) unsafe.Pointer {
	i := int(index)
	if i < 0 || i >= len(classIDs) {
		return nil
	}
	// Stateless classes: any non-null pointer identifies "an instance".
	return unsafe.Pointer(uintptr(i + 1))
}

//export x3ModuleClearItems
func x3ModuleClearItems() {}

//export x3InitializePlugin
func x3InitializePlugin() C.int { return 1 }

//export x3CanUnloadPlugin
func x3CanUnloadPlugin() C.int { return 1 }

//export x3UninitializePlugin
func x3UninitializePlugin() {}

func main() {}
