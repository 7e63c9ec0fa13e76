package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// wasiModuleBytes is a minimal, hand-assembled WebAssembly binary that
// imports wasi_snapshot_preview1's proc_exit (the way a real TinyGo/Rust
// wasm32-wasip1 plugin does even when it never calls it, since the
// toolchain's startup sequence pulls it in) and exports just enough of
// the module-capability ABI (x3ModuleFactoryCount, returning 0) for
// LoadWasmCapability to succeed. Without a WASI host module registered
// on the runtime, instantiating this binary fails on the unresolved
// import.
var wasiModuleBytes = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, // magic, version

	// type section: () -> i32, (i32) -> ()
	0x01, 0x09, 0x02, 0x60, 0x00, 0x01, 0x7F, 0x60, 0x01, 0x7F, 0x00,

	// import section: wasi_snapshot_preview1.proc_exit, type 1
	0x02, 0x24, 0x01,
	0x16, 0x77, 0x61, 0x73, 0x69, 0x5F, 0x73, 0x6E, 0x61, 0x70, 0x73, 0x68,
	0x6F, 0x74, 0x5F, 0x70, 0x72, 0x65, 0x76, 0x69, 0x65, 0x77, 0x31,
	0x09, 0x70, 0x72, 0x6F, 0x63, 0x5F, 0x65, 0x78, 0x69, 0x74,
	0x00, 0x01,

	// function section: one function of type 0
	0x03, 0x02, 0x01, 0x00,

	// export section: x3ModuleFactoryCount -> func index 1
	0x07, 0x18, 0x01,
	0x14, 0x78, 0x33, 0x4D, 0x6F, 0x64, 0x75, 0x6C, 0x65, 0x46, 0x61, 0x63,
	0x74, 0x6F, 0x72, 0x79, 0x43, 0x6F, 0x75, 0x6E, 0x74,
	0x00, 0x01,

	// code section: func body `i32.const 0; end`
	0x0A, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0B,
}

func TestOpenWasmInstantiatesModuleRequiringWASI(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		t.Fatalf("instantiate WASI: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "wasi.plugin.wasm")
	if err := os.WriteFile(path, wasiModuleBytes, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := New("/opt/host", nil, newFakeCache(), WithWasmRuntime(ctx, rt))
	handle, capability, _, err := l.openWasm(path)
	if err != nil {
		t.Fatalf("openWasm with WASI import: %v", err)
	}
	if capability == nil {
		t.Fatal("expected a non-nil module capability")
	}
	if handle < wasmHandleBase {
		t.Fatalf("handle %#x below wasmHandleBase, want a synthetic WASM handle", handle)
	}
}
