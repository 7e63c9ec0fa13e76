package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDirJoinsRelativeAgainstHostLibraryDir(t *testing.T) {
	got := ResolveDir("/opt/x3host/bin/x3host", "plugins")
	want := filepath.Join("/opt/x3host/bin", "plugins") + string(filepath.Separator)
	if got != want {
		t.Errorf("ResolveDir = %q, want %q", got, want)
	}
}

func TestResolveDirLeavesAbsoluteAlone(t *testing.T) {
	got := ResolveDir("/opt/x3host/bin/x3host", "/var/lib/plugins")
	want := filepath.Join("/var/lib/plugins") + string(filepath.Separator)
	if got != want {
		t.Errorf("ResolveDir = %q, want %q", got, want)
	}
}

func TestScanDirNonRecursive(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "A.plugin.so"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "readme.txt"), nil, 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "B.plugin.so"), nil, 0o644)

	got, err := ScanDir(dir, ".so", false)
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if len(got) != 1 || filepath.Base(got[0]) != "A.plugin.so" {
		t.Fatalf("got %v", got)
	}
}

func TestScanDirRecursive(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "A.plugin.so"), nil, 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "B.plugin.so"), nil, 0o644)

	got, err := ScanDir(dir, ".so", true)
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 entries", got)
	}
}

func TestSplitNameListOnlySeparatorsYieldsNothing(t *testing.T) {
	got := SplitNameList(" , ;  ")
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestSplitNameListAppendsDefaultExtension(t *testing.T) {
	got := SplitNameList("A, B.plugin.dylib;C")
	if len(got) != 3 {
		t.Fatalf("got %v", got)
	}
	if got[0] != "A.plugin"+DefaultExtension() {
		t.Errorf("got[0] = %q", got[0])
	}
	if got[1] != "B.plugin.dylib" {
		t.Errorf("got[1] = %q", got[1])
	}
	if got[2] != "C.plugin"+DefaultExtension() {
		t.Errorf("got[2] = %q", got[2])
	}
}
